package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MigrateOptions carries the collaborators a migration run needs beyond
// the two devices and the plan.
type MigrateOptions struct {
	// ConfigMount is the mounted root of the target's FAT32 partition,
	// used to patch emuMMC boot configs. Empty skips config patching.
	ConfigMount string
	Sink        ProgressSink
	Log         *logrus.Entry
}

// executeMigration runs a migration plan: place every partition's data
// at its planned offset on the raw target while the target's old table
// is still in place, commit the tables last, grow FAT32 into its new
// extent, then patch boot configs. The source device is only ever read.
func executeMigration(ctx context.Context, source, target BlockDevice, plan *MigrationPlan, opts MigrateOptions) error {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tracker := newStageTracker(opts.Sink)

	tracker.Enter(stageMigratePreparing)
	if target.TotalSectors() < plan.Target.TotalSectors {
		return &OperationError{Stage: stageMigratePreparing.Name, Recoverable: true,
			Err: fmt.Errorf("target has %d sectors, plan needs %d", target.TotalSectors(), plan.Target.TotalSectors)}
	}
	if err := plan.Target.Validate(); err != nil {
		return &OperationError{Stage: stageMigratePreparing.Name, Recoverable: true, Err: err}
	}

	var totalWork uint64
	for _, m := range plan.Moves {
		totalWork += m.Sectors
	}

	tracker.Enter(stageMigrateCopying)
	var copied uint64
	for _, m := range plan.Moves {
		log.WithFields(logrus.Fields{
			"partition": m.Name,
			"from":      m.SourceStart,
			"to":        m.TargetStart,
			"sectors":   m.Sectors,
		}).Info("copying partition")

		src := sectorRange{Start: m.SourceStart, Sectors: m.Sectors}
		dst := sectorRange{Start: m.TargetStart, Sectors: m.Sectors}
		done, err := copySectors(ctx, source, src, target, dst, 0, tracker.Scaled(stageMigrateCopying, copied, totalWork))
		if err != nil {
			return &OperationError{Stage: stageMigrateCopying.Name, Recoverable: true,
				Err: fmt.Errorf("copying %q after %d sectors: %w", m.Name, done, err)}
		}
		copied += m.Sectors
	}
	if err := target.Sync(); err != nil {
		return &OperationError{Stage: stageMigrateCopying.Name, Recoverable: true, Err: err}
	}
	tracker.Done(stageMigrateCopying)

	// Point of no return: from here the target's table describes the
	// new layout and failures are not retryable in place.
	tracker.Enter(stageMigrateTables)
	if err := writeTable(target, plan.Target); err != nil {
		return &OperationError{Stage: stageMigrateTables.Name, Recoverable: true, Err: err}
	}
	log.Info("partition tables committed")

	fat := plan.Target.FAT32()
	if fat != nil {
		ext := sectorRange{Start: fat.StartSector, Sectors: fat.Sectors}
		if err := expandFAT32(ctx, target, ext, nil); err != nil {
			return &OperationError{Stage: stageMigrateTables.Name, Recoverable: false, Err: err}
		}
		log.WithField("sectors", fat.Sectors).Info("FAT32 expanded")
	}
	tracker.Done(stageMigrateTables)

	tracker.Enter(stageMigrateConfig)
	origins := make(map[string]emuMMCOrigin)
	for _, m := range plan.Moves {
		if m.Role == RoleEmuMMC {
			origins[m.Name] = emuMMCOrigin{dev: source, start: m.SourceStart}
		}
	}
	patchConfigs(target, plan.Target, opts.ConfigMount, origins, log)
	tracker.Done(stageMigrateConfig)

	tracker.Done(stageMigrateComplete)
	return nil
}

// emuMMCOrigin points at where an emuMMC image's bytes were copied
// from, so a missing GPT marker can be restored from the source copy.
type emuMMCOrigin struct {
	dev   BlockDevice
	start uint64
}

// patchConfigs updates emuMMC boot configuration for the layout's new
// offsets and repairs missing GPT markers on the raw images. Every
// failure here is a warning: the partition layout is already correct.
func patchConfigs(dev BlockDevice, layout *DeviceLayout, configMount string, origins map[string]emuMMCOrigin, log *logrus.Entry) {
	emummc := layout.ByRole(RoleEmuMMC)
	if len(emummc) == 0 {
		return
	}

	for _, p := range emummc {
		origin := origins[p.Name]
		repaired, err := ensureEmuMMCGPT(dev, p.StartSector, origin.dev, origin.start)
		switch {
		case err != nil:
			log.WithError(err).WithField("partition", p.Name).Warn("emuMMC raw image GPT marker")
		case repaired:
			log.WithField("partition", p.Name).Info("emuMMC raw image GPT marker written")
		}
	}

	if configMount == "" {
		log.Warn("no FAT32 mount given, emuMMC boot configs not patched")
		return
	}
	starts := make([]uint64, len(emummc))
	for i, p := range emummc {
		starts[i] = p.StartSector
	}
	for _, err := range patchEmuMMCConfigs(configMount, starts) {
		log.WithError(err).Warn("emuMMC config patch")
	}
}
