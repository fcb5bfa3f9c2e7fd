package main

import (
	"fmt"
	"io"
	"os"
)

// BlockDevice is the opened, sized, block-addressable handle the engine
// operates on. Device enumeration and selection belong to the caller.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	SectorSize() uint32
	TotalSectors() uint64
	Path() string
	Sync() error
	Close() error
}

// fileDevice backs a BlockDevice with an *os.File: a raw block device on
// Linux, or a plain image file anywhere. A device opened read-only
// rejects every write at this layer, so a "source" can never be
// corrupted by a bug further up.
type fileDevice struct {
	f            *os.File
	path         string
	readOnly     bool
	sectorSize   uint32
	totalSectors uint64
}

// openDevice opens a block device or image file. Geometry comes from
// ioctls for block devices and from stat for image files.
func openDevice(path string, readOnly bool) (*fileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	sizeBytes, ssz, err := deviceGeometry(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("geometry of %s: %w", path, err)
	}
	if ssz == 0 {
		ssz = sectorSize
	}

	return &fileDevice{
		f:            f,
		path:         path,
		readOnly:     readOnly,
		sectorSize:   uint32(ssz),
		totalSectors: uint64(sizeBytes) / uint64(ssz),
	}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, fmt.Errorf("write to %s: %w", d.path, errReadOnlyDevice)
	}
	return d.f.WriteAt(p, off)
}

func (d *fileDevice) SectorSize() uint32   { return d.sectorSize }
func (d *fileDevice) TotalSectors() uint64 { return d.totalSectors }
func (d *fileDevice) Path() string         { return d.path }

func (d *fileDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.f.Sync()
}

// Close flushes and releases the handle. Safe on every exit path.
func (d *fileDevice) Close() error {
	if !d.readOnly {
		_ = d.f.Sync()
		rereadPartitionTable(d.f)
	}
	return d.f.Close()
}

// DiskInfo describes one enumerable disk for the front end.
type DiskInfo struct {
	Path      string
	Size      int64
	Removable bool
}

// hasReadPermission reports whether the device can be opened for reading.
func hasReadPermission(device string) bool {
	f, err := os.Open(device)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
