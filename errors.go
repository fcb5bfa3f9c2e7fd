package main

import (
	"errors"
	"fmt"
)

// Sentinel causes, matched with errors.Is across the typed errors below.
var (
	errUnknownPartition  = errors.New("unrecognized partition")
	errInsufficientSpace = errors.New("insufficient space")
	errInvalidFAT32      = errors.New("invalid FAT32 filesystem")
	errFieldNotFound     = errors.New("offset field not found")
	errReadOnlyDevice    = errors.New("device opened read-only")
	errRangeMismatch     = errors.New("source and destination ranges differ in length")
)

// ScanError reports a device whose partition table could not be understood.
// No device state has been changed when it is returned.
type ScanError struct {
	Device string
	Msg    string
	Err    error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scan %s: %s: %v", e.Device, e.Msg, e.Err)
	}
	return fmt.Sprintf("scan %s: %s", e.Device, e.Msg)
}

func (e *ScanError) Unwrap() error { return e.Err }

// PlanError reports that no valid layout exists for the requested
// roles and target size. No device state has been changed.
type PlanError struct {
	Msg string
	Err error
}

func (e *PlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("plan: %s", e.Msg)
}

func (e *PlanError) Unwrap() error { return e.Err }

// IOError carries the absolute sector at which a read or write failed,
// so orchestrators can report exact partial progress.
type IOError struct {
	Op     string // "read" or "write"
	Sector uint64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s at sector %d: %v", e.Op, e.Sector, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ExpandError reports a FAT32 extent that failed validation before or
// during in-place expansion.
type ExpandError struct {
	Msg string
	Err error
}

func (e *ExpandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fat32 expand: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("fat32 expand: %s", e.Msg)
}

func (e *ExpandError) Unwrap() error { return e.Err }

// PatchError is non-fatal: the partition layout is already correct, only
// the secondary-OS boot path needs manual correction.
type PatchError struct {
	Path string
	Err  error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch %s: %v", e.Path, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }

// TableWriteError reports that the partition table read back from the
// device does not match what was written.
type TableWriteError struct {
	Detail string
}

func (e *TableWriteError) Error() string {
	return fmt.Sprintf("table verification failed: %s", e.Detail)
}

// OperationError wraps a failure inside a migration or cleanup run.
// Recoverable is false once the table writer has committed: the device
// now describes the new layout but data placement may be incomplete, and
// there is no prior table image to roll back to.
type OperationError struct {
	Stage       string
	Recoverable bool
	BackupDir   string // set when a temporary backup holds recoverable data
	Err         error
}

func (e *OperationError) Error() string {
	if e.Recoverable {
		return fmt.Sprintf("%s failed (device unchanged, safe to retry): %v", e.Stage, e.Err)
	}
	if e.BackupDir != "" {
		return fmt.Sprintf("%s failed after the partition table was committed; restore from the temporary backup at %s manually: %v", e.Stage, e.BackupDir, e.Err)
	}
	return fmt.Sprintf("%s failed after the partition table was committed; data may be inconsistent: %v", e.Stage, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
