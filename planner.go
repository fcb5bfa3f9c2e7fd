package main

import "fmt"

// Move is one sector-range relocation the orchestrators hand to the
// transfer engine: copy Sectors from SourceStart on the source device to
// TargetStart on the target. For cleanup both ends are the same device.
type Move struct {
	Name        string
	Role        Role
	SourceStart uint64
	TargetStart uint64
	Sectors     uint64
}

// MigrationPlan is a pure derivation: the target layout for a larger
// device plus the ordered copy list. Nothing is written until an
// orchestrator executes it.
type MigrationPlan struct {
	Source *DeviceLayout
	Target *DeviceLayout
	Moves  []Move
}

// CleanupPlan derives the in-place layout after removing roles.
// Relocations lists surviving non-FAT32 partitions whose start moved,
// in disk order; every relocation moves data toward the device end.
type CleanupPlan struct {
	Source      *DeviceLayout
	Target      *DeviceLayout
	Removed     RoleSet
	Relocations []Move
}

// planMigration computes the target layout for migrating the selected
// roles onto a device of usableSectors. Fixed-size roles keep their
// source size; FAT32 absorbs everything that remains after the start
// alignment and the tail reserve. Role order on the target is FAT32,
// Linux, the Android block, then emuMMC instances, each start rounded up
// to the alignment unit, reproducing the layout the bootloader's own
// partition manager would build.
func planMigration(source *DeviceLayout, roles RoleSet, usableSectors uint64) (*MigrationPlan, error) {
	srcFAT := source.FAT32()
	if srcFAT == nil {
		return nil, &PlanError{Msg: "source has no FAT32 data partition"}
	}

	fixed := selectFixed(source, roles, migrationRoleOrder)
	fat32Sectors, err := fat32Budget(usableSectors, fixed)
	if err != nil {
		return nil, err
	}
	if fat32Sectors < srcFAT.Sectors {
		return nil, &PlanError{
			Msg: fmt.Sprintf("target FAT32 would be %d sectors, source has %d", fat32Sectors, srcFAT.Sectors),
			Err: errInsufficientSpace,
		}
	}

	target := assembleLayout(usableSectors, source.SectorSize, *srcFAT, fat32Sectors, fixed)
	target.AndroidScheme = source.AndroidScheme

	plan := &MigrationPlan{Source: source, Target: target}
	for _, tp := range target.Partitions {
		sp := findSourcePartition(source, tp)
		if sp == nil {
			return nil, &PlanError{Msg: fmt.Sprintf("no source partition for planned %q", tp.Name)}
		}
		plan.Moves = append(plan.Moves, Move{
			Name:        tp.Name,
			Role:        tp.Role,
			SourceStart: sp.StartSector,
			TargetStart: tp.StartSector,
			Sectors:     sp.Sectors,
		})
	}
	return plan, nil
}

// planCleanup computes the in-place layout after removing the given
// roles, expanding FAT32 over the freed extent. Survivors keep their
// source relative order. An empty removal set is a no-op: the source
// layout is returned unchanged, including the exact FAT32 size and
// position.
func planCleanup(source *DeviceLayout, remove RoleSet) (*CleanupPlan, error) {
	srcFAT := source.FAT32()
	if srcFAT == nil {
		return nil, &PlanError{Msg: "device has no FAT32 data partition"}
	}
	if remove.Has(RoleFAT32) {
		return nil, &PlanError{Msg: "the FAT32 data partition cannot be removed"}
	}

	if len(remove) == 0 || !removesAnything(source, remove) {
		return &CleanupPlan{Source: source, Target: copyLayout(source), Removed: remove}, nil
	}

	var fixed []Partition
	for _, p := range source.Partitions {
		if p.Role == RoleFAT32 || remove.Has(p.Role) {
			continue
		}
		fixed = append(fixed, p)
	}

	fat32Sectors, err := fat32Budget(source.TotalSectors, fixed)
	if err != nil {
		return nil, err
	}
	if fat32Sectors < srcFAT.Sectors {
		return nil, &PlanError{
			Msg: fmt.Sprintf("cleanup would shrink FAT32 from %d to %d sectors", srcFAT.Sectors, fat32Sectors),
			Err: errInsufficientSpace,
		}
	}

	target := assembleLayout(source.TotalSectors, source.SectorSize, *srcFAT, fat32Sectors, fixed)
	target.AndroidScheme = AndroidNone
	if len(target.ByRole(RoleAndroid)) > 0 {
		target.AndroidScheme = source.AndroidScheme
	}

	plan := &CleanupPlan{Source: source, Target: target, Removed: remove}
	for _, tp := range target.Partitions {
		if tp.Role == RoleFAT32 {
			continue
		}
		sp := findSourcePartition(source, tp)
		if sp == nil {
			return nil, &PlanError{Msg: fmt.Sprintf("no source partition for surviving %q", tp.Name)}
		}
		if sp.StartSector == tp.StartSector {
			continue
		}
		if tp.StartSector < sp.StartSector {
			// FAT32 absorbs every freed sector, so survivors only
			// ever move toward the device end.
			return nil, &PlanError{Msg: fmt.Sprintf("survivor %q would move backward", tp.Name)}
		}
		plan.Relocations = append(plan.Relocations, Move{
			Name:        tp.Name,
			Role:        tp.Role,
			SourceStart: sp.StartSector,
			TargetStart: tp.StartSector,
			Sectors:     sp.Sectors,
		})
	}
	return plan, nil
}

// migrationRoleOrder is the physical order roles take on a freshly
// migrated device, after the leading FAT32 partition.
var migrationRoleOrder = []Role{RoleLinux, RoleAndroid, RoleEmuMMC}

// selectFixed collects the fixed-size partitions to carry, grouped by
// the given role order and keeping source order within each role.
func selectFixed(source *DeviceLayout, roles RoleSet, order []Role) []Partition {
	var fixed []Partition
	for _, role := range order {
		if !roles.Has(role) {
			continue
		}
		fixed = append(fixed, source.ByRole(role)...)
	}
	return fixed
}

// fat32Budget computes the FAT32 sector count for a device: everything
// between the aligned start and the tail reserve that the fixed roles do
// not consume, rounded down to the alignment unit.
func fat32Budget(usableSectors uint64, fixed []Partition) (uint64, error) {
	budget := usableSectors
	consumed := uint64(alignSectors) + endReserveSectors
	for _, p := range fixed {
		consumed += alignUp(p.Sectors)
	}
	if consumed >= budget {
		return 0, &PlanError{
			Msg: fmt.Sprintf("%d usable sectors cannot hold %d sectors of fixed partitions plus overhead", usableSectors, consumed),
			Err: errInsufficientSpace,
		}
	}
	return alignDown(budget - consumed), nil
}

// assembleLayout lays out FAT32 followed by the fixed partitions, each
// start rounded up to the alignment unit, and derives the table
// placement flags.
func assembleLayout(usableSectors uint64, sectorSize uint32, srcFAT Partition, fat32Sectors uint64, fixed []Partition) *DeviceLayout {
	target := &DeviceLayout{
		TotalSectors: usableSectors,
		SectorSize:   sectorSize,
	}

	cursor := uint64(alignSectors)
	fat := srcFAT
	fat.StartSector = cursor
	fat.Sectors = fat32Sectors
	fat.TypeID = mbrTypeFAT32LBA
	fat.InMBR = true
	fat.InGPT = false
	target.Partitions = append(target.Partitions, fat)
	cursor += fat32Sectors

	for _, p := range fixed {
		p.StartSector = alignUp(cursor)
		target.Partitions = append(target.Partitions, p)
		cursor = p.StartSector + p.Sectors
	}

	// A GPT is needed once the layout outgrows what four MBR slots can
	// describe: any Android sub-partition, or a second emuMMC instance.
	target.HasGPT = len(target.ByRole(RoleAndroid)) > 0 || len(target.ByRole(RoleEmuMMC)) > 1
	applyTableFlags(target)
	target.refreshFlags()
	return target
}

// applyTableFlags decides which table each partition appears in. Without
// a GPT everything lives in the MBR. With one, every partition gets a
// GPT entry and the MBR mirrors FAT32 and the emuMMC instances, the
// fourth slot being the protective entry. Linux stays out of the MBR on
// a hybrid card; the bootloader reads it from the GPT.
func applyTableFlags(l *DeviceLayout) {
	if !l.HasGPT {
		for i := range l.Partitions {
			l.Partitions[i].InMBR = true
			l.Partitions[i].InGPT = false
			l.Partitions[i].TypeID = mbrTypeForRole(l.Partitions[i].Role)
		}
		return
	}

	mbrSlots := 0
	for i := range l.Partitions {
		p := &l.Partitions[i]
		p.InGPT = true
		p.InMBR = false
		p.TypeID = 0

		mirror := p.Role == RoleFAT32 || p.Role == RoleEmuMMC
		if mirror && mbrSlots < 3 {
			p.InMBR = true
			p.TypeID = mbrTypeForRole(p.Role)
			mbrSlots++
		}
	}
}

// findSourcePartition matches a planned partition back to its source by
// name and role, falling back to role plus size for unnamed entries.
func findSourcePartition(source *DeviceLayout, target Partition) *Partition {
	for i := range source.Partitions {
		sp := &source.Partitions[i]
		if sp.Role != target.Role {
			continue
		}
		if sp.Name == target.Name {
			return sp
		}
	}
	for i := range source.Partitions {
		sp := &source.Partitions[i]
		if sp.Role == target.Role && sp.Sectors == target.Sectors {
			return sp
		}
	}
	return nil
}

// removesAnything reports whether the removal set matches at least one
// partition actually present.
func removesAnything(source *DeviceLayout, remove RoleSet) bool {
	for _, p := range source.Partitions {
		if remove.Has(p.Role) {
			return true
		}
	}
	return false
}

// copyLayout deep-copies a layout so plans never alias scanner output.
func copyLayout(l *DeviceLayout) *DeviceLayout {
	out := *l
	out.Partitions = make([]Partition, len(l.Partitions))
	copy(out.Partitions, l.Partitions)
	return &out
}
