package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CleanupOptions carries the collaborators an in-place cleanup needs.
type CleanupOptions struct {
	// BackupDir is the base directory for the temporary backup session.
	BackupDir string
	// Compression selects the backup codec; empty means zstd.
	Compression string
	// ConfigMount is the mounted FAT32 root for boot config patching
	// after the restore. Empty skips config patching.
	ConfigMount string
	Sink        ProgressSink
	Log         *logrus.Entry
}

// executeCleanup runs a cleanup plan in place: back the FAT32 data up
// off-device, relocate the surviving partitions, rewrite the tables,
// format the enlarged FAT32 extent, restore the data, and finish with a
// geometry pass and config patching. The returned backup session is nil
// once it has been deleted after full success; on failure past the table
// commit it points at the only surviving copy of the FAT32 data.
func executeCleanup(ctx context.Context, dev BlockDevice, plan *CleanupPlan, opts CleanupOptions) (*TemporaryBackup, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tracker := newStageTracker(opts.Sink)

	if cleanupIsNoop(plan) {
		log.Info("nothing to remove")
		tracker.Done(stageCleanupComplete)
		return nil, nil
	}

	srcFAT := plan.Source.FAT32()
	newFAT := plan.Target.FAT32()
	if srcFAT == nil || newFAT == nil {
		return nil, &OperationError{Stage: stageCleanupBackup.Name, Recoverable: true,
			Err: fmt.Errorf("plan has no FAT32 partition")}
	}

	tracker.Enter(stageCleanupBackup)
	backup, err := newBackupSession(opts.BackupDir, dev.Path(), opts.Compression)
	if err != nil {
		return nil, &OperationError{Stage: stageCleanupBackup.Name, Recoverable: true, Err: err}
	}
	fatRange := sectorRange{Start: srcFAT.StartSector, Sectors: srcFAT.Sectors}
	if err := backup.Store(ctx, dev, fatRange, tracker.Transfer(stageCleanupBackup)); err != nil {
		return backup, &OperationError{Stage: stageCleanupBackup.Name, Recoverable: true, Err: err}
	}
	log.WithFields(logrus.Fields{"session": backup.Manifest.SessionID, "dir": backup.Dir}).Info("FAT32 backed up")
	tracker.Done(stageCleanupBackup)

	// Survivors move toward the device end, into space freed by removed
	// partitions. Relocating the last one first keeps every destination
	// clear of data that still has to move.
	tracker.Enter(stageCleanupClean)
	var relocWork uint64
	for _, m := range plan.Relocations {
		relocWork += m.Sectors
	}
	var relocated uint64
	for i := len(plan.Relocations) - 1; i >= 0; i-- {
		m := plan.Relocations[i]
		log.WithFields(logrus.Fields{
			"partition": m.Name,
			"from":      m.SourceStart,
			"to":        m.TargetStart,
			"sectors":   m.Sectors,
		}).Info("relocating partition")

		src := sectorRange{Start: m.SourceStart, Sectors: m.Sectors}
		dst := sectorRange{Start: m.TargetStart, Sectors: m.Sectors}
		if _, err := copySectorsBackward(ctx, dev, src, dev, dst, 0, tracker.Scaled(stageCleanupClean, relocated, relocWork)); err != nil {
			if dst.Start < src.End() {
				// Destination overlaps the source extent, so an aborted
				// copy has already torn the survivor's data. There is no
				// clean state left to retry from.
				return backup, &OperationError{Stage: stageCleanupClean.Name, Recoverable: false, BackupDir: backup.Dir,
					Err: fmt.Errorf("relocating %q: partition data partially moved: %w", m.Name, err)}
			}
			return backup, &OperationError{Stage: stageCleanupClean.Name, Recoverable: true, BackupDir: backup.Dir,
				Err: fmt.Errorf("relocating %q: %w", m.Name, err)}
		}
		relocated += m.Sectors
	}
	if err := dev.Sync(); err != nil {
		return backup, &OperationError{Stage: stageCleanupClean.Name, Recoverable: true, BackupDir: backup.Dir, Err: err}
	}
	tracker.Done(stageCleanupClean)

	// Point of no return: the old table is wiped and the new one
	// committed. Failures after this are not retryable; the backup
	// session holds the FAT32 data.
	tracker.Enter(stageCleanupTable)
	if _, err := zeroSectors(ctx, dev, sectorRange{Start: 0, Sectors: alignSectors}, 0, nil); err != nil {
		return backup, &OperationError{Stage: stageCleanupTable.Name, Recoverable: false, BackupDir: backup.Dir, Err: err}
	}
	if err := writeTable(dev, plan.Target); err != nil {
		return backup, &OperationError{Stage: stageCleanupTable.Name, Recoverable: false, BackupDir: backup.Dir, Err: err}
	}
	log.Info("partition table committed")
	tracker.Done(stageCleanupTable)

	tracker.Enter(stageCleanupFormat)
	newExtent := sectorRange{Start: newFAT.StartSector, Sectors: newFAT.Sectors}
	if err := formatFAT32(ctx, dev, newExtent, tracker.Transfer(stageCleanupFormat)); err != nil {
		return backup, &OperationError{Stage: stageCleanupFormat.Name, Recoverable: false, BackupDir: backup.Dir, Err: err}
	}
	tracker.Done(stageCleanupFormat)

	// The old filesystem image goes back over the partition start, then
	// the geometry pass grows it over the reclaimed extent.
	tracker.Enter(stageCleanupRestore)
	if err := backup.Restore(ctx, dev, newFAT.StartSector, newFAT.Sectors, tracker.Transfer(stageCleanupRestore)); err != nil {
		return backup, &OperationError{Stage: stageCleanupRestore.Name, Recoverable: false, BackupDir: backup.Dir, Err: err}
	}
	if err := expandFAT32(ctx, dev, newExtent, nil); err != nil {
		return backup, &OperationError{Stage: stageCleanupRestore.Name, Recoverable: false, BackupDir: backup.Dir, Err: err}
	}
	log.WithField("sectors", newFAT.Sectors).Info("FAT32 restored and expanded")
	tracker.Done(stageCleanupRestore)

	tracker.Enter(stageCleanupConfig)
	patchConfigs(dev, plan.Target, opts.ConfigMount, nil, log)
	if opts.ConfigMount != "" {
		for _, err := range removeStaleBootEntries(opts.ConfigMount, plan.Removed) {
			log.WithError(err).Warn("removing stale boot entry")
		}
	}
	tracker.Done(stageCleanupConfig)

	if err := backup.Remove(); err != nil {
		log.WithError(err).WithField("dir", backup.Dir).Warn("backup session not deleted")
		tracker.Done(stageCleanupComplete)
		return backup, nil
	}
	tracker.Done(stageCleanupComplete)
	return nil, nil
}

// cleanupIsNoop reports whether the plan changes nothing on the device.
func cleanupIsNoop(plan *CleanupPlan) bool {
	if len(plan.Relocations) > 0 {
		return false
	}
	if len(plan.Source.Partitions) != len(plan.Target.Partitions) {
		return false
	}
	for i := range plan.Source.Partitions {
		s, t := plan.Source.Partitions[i], plan.Target.Partitions[i]
		if s.Role != t.Role || s.StartSector != t.StartSector || s.Sectors != t.Sectors {
			return false
		}
	}
	return true
}
