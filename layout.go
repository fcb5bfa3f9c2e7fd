package main

import (
	"fmt"
	"sort"
)

// Partition is one entry of a scanned or planned device layout. Start
// and size are absolute, device-relative sectors.
type Partition struct {
	Name        string
	Role        Role
	TypeID      byte // MBR type byte, 0 for GPT-only entries
	StartSector uint64
	Sectors     uint64
	InMBR       bool
	InGPT       bool
}

func (p Partition) EndSector() uint64 { return p.StartSector + p.Sectors }

func (p Partition) String() string {
	return fmt.Sprintf("%s (%s) start=%d sectors=%d", p.Name, p.Role, p.StartSector, p.Sectors)
}

// DeviceLayout is a read-only snapshot of a device's partitioning,
// produced by the scanner or derived by the planner. Partitions are
// sorted by start sector and pairwise disjoint.
type DeviceLayout struct {
	Partitions    []Partition
	TotalSectors  uint64
	SectorSize    uint32
	HasGPT        bool
	AndroidScheme AndroidScheme
	EmuMMCDual    bool
}

// FAT32 returns the primary data partition, or nil.
func (l *DeviceLayout) FAT32() *Partition {
	for i := range l.Partitions {
		if l.Partitions[i].Role == RoleFAT32 {
			return &l.Partitions[i]
		}
	}
	return nil
}

// ByRole returns all partitions with the given role, in layout order.
func (l *DeviceLayout) ByRole(role Role) []Partition {
	var out []Partition
	for _, p := range l.Partitions {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Roles returns the set of roles present in the layout.
func (l *DeviceLayout) Roles() RoleSet {
	set := RoleSet{}
	for _, p := range l.Partitions {
		set[p.Role] = true
	}
	return set
}

// RoleSectors sums the sector counts of all partitions with the role.
func (l *DeviceLayout) RoleSectors(role Role) uint64 {
	var total uint64
	for _, p := range l.Partitions {
		if p.Role == role {
			total += p.Sectors
		}
	}
	return total
}

// FreeSectors returns the unallocated sector count.
func (l *DeviceLayout) FreeSectors() uint64 {
	var used uint64
	for _, p := range l.Partitions {
		used += p.Sectors
	}
	if used > l.TotalSectors {
		return 0
	}
	return l.TotalSectors - used
}

// sortByStart orders partitions by their physical position on disk.
func (l *DeviceLayout) sortByStart() {
	sort.SliceStable(l.Partitions, func(i, j int) bool {
		return l.Partitions[i].StartSector < l.Partitions[j].StartSector
	})
}

// Validate checks the layout invariants: sorted, pairwise disjoint,
// within the device, first partition on the alignment boundary.
func (l *DeviceLayout) Validate() error {
	if len(l.Partitions) == 0 {
		return nil
	}
	if l.Partitions[0].StartSector != alignSectors {
		return fmt.Errorf("first partition starts at sector %d, want %d", l.Partitions[0].StartSector, alignSectors)
	}
	for i, p := range l.Partitions {
		if p.Sectors == 0 {
			return fmt.Errorf("partition %q has zero size", p.Name)
		}
		if p.EndSector() > l.TotalSectors {
			return fmt.Errorf("partition %q ends at sector %d beyond device end %d", p.Name, p.EndSector(), l.TotalSectors)
		}
		if i == 0 {
			continue
		}
		prev := l.Partitions[i-1]
		if p.StartSector < prev.StartSector {
			return fmt.Errorf("partitions %q and %q out of order", prev.Name, p.Name)
		}
		if p.StartSector < prev.EndSector() {
			return fmt.Errorf("partitions %q and %q overlap", prev.Name, p.Name)
		}
	}
	return nil
}

// refreshFlags recomputes the scheme and emuMMC tags from the partition
// list after deduplication or derivation.
func (l *DeviceLayout) refreshFlags() {
	l.EmuMMCDual = len(l.ByRole(RoleEmuMMC)) >= 2
	if len(l.ByRole(RoleAndroid)) == 0 {
		l.AndroidScheme = AndroidNone
	} else if l.AndroidScheme == AndroidNone {
		l.AndroidScheme = detectAndroidScheme(l.ByRole(RoleAndroid))
	}
}

// detectAndroidScheme resolves dynamic vs legacy. The deterministic rule:
// a sub-partition named "super" marks the dynamic scheme, anything else
// is legacy. Entry count is not consulted; the name is authoritative.
func detectAndroidScheme(parts []Partition) AndroidScheme {
	for _, p := range parts {
		if p.Name == "super" {
			return AndroidDynamic
		}
	}
	return AndroidLegacy
}
