package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// FAT32 layout constants shared by the formatter and the expander.
const (
	fat32ReservedSectors = 32
	fat32NumFATs         = 2
	fat32FSInfoSector    = 1
	fat32BackupBoot      = 6
	fat32RootCluster     = 2
	fat32MinClusters     = 65525
	fat32Media           = 0xF8

	fsinfoLeadSig   = 0x41615252
	fsinfoStructSig = 0x61417272
	fsinfoTrailSig  = 0xAA550000

	fat32VolumeLabel = "SWITCH SD"
	fat32OEMName     = "NXSDTOOL"
)

// fat32Geometry is the decoded subset of the BPB the engine needs.
type fat32Geometry struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
}

// DataStart returns the partition-relative sector of cluster 2.
func (g *fat32Geometry) DataStart() uint32 {
	return uint32(g.ReservedSectors) + uint32(g.NumFATs)*g.SectorsPerFAT32
}

// Clusters returns the data cluster count.
func (g *fat32Geometry) Clusters() uint32 {
	return (g.TotalSectors32 - g.DataStart()) / uint32(g.SectorsPerCluster)
}

// decodeBPB validates and decodes a FAT32 boot sector.
func decodeBPB(sector []byte) (*fat32Geometry, error) {
	if len(sector) < sectorSize {
		return nil, fmt.Errorf("boot sector short read: %w", errInvalidFAT32)
	}
	if binary.LittleEndian.Uint16(sector[510:512]) != mbrSignature {
		return nil, fmt.Errorf("missing boot signature: %w", errInvalidFAT32)
	}
	g := &fat32Geometry{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:           sector[16],
		TotalSectors32:    binary.LittleEndian.Uint32(sector[32:36]),
		SectorsPerFAT32:   binary.LittleEndian.Uint32(sector[36:40]),
		RootCluster:       binary.LittleEndian.Uint32(sector[44:48]),
		FSInfoSector:      binary.LittleEndian.Uint16(sector[48:50]),
		BackupBootSector:  binary.LittleEndian.Uint16(sector[50:52]),
	}
	if g.BytesPerSector != sectorSize {
		return nil, fmt.Errorf("bytes per sector %d: %w", g.BytesPerSector, errInvalidFAT32)
	}
	if g.SectorsPerCluster == 0 || g.SectorsPerCluster&(g.SectorsPerCluster-1) != 0 {
		return nil, fmt.Errorf("sectors per cluster %d not a power of two: %w", g.SectorsPerCluster, errInvalidFAT32)
	}
	// A FAT12/16 volume carries its FAT size in the 16-bit field; FAT32
	// must use the 32-bit one.
	if binary.LittleEndian.Uint16(sector[22:24]) != 0 || g.SectorsPerFAT32 == 0 {
		return nil, fmt.Errorf("not a FAT32 volume: %w", errInvalidFAT32)
	}
	if g.ReservedSectors == 0 || g.NumFATs == 0 || g.TotalSectors32 == 0 {
		return nil, fmt.Errorf("implausible BPB geometry: %w", errInvalidFAT32)
	}
	if g.TotalSectors32 <= g.DataStart() {
		return nil, fmt.Errorf("no data region: %w", errInvalidFAT32)
	}
	return g, nil
}

// encodeBootSector serializes a geometry into a bootable FAT32 sector.
// The boot code region stays zero; the bootloader installs its own.
func encodeBootSector(g *fat32Geometry, volumeID uint32, label string) []byte {
	sec := make([]byte, sectorSize)
	sec[0], sec[1], sec[2] = 0xEB, 0x58, 0x90
	copy(sec[3:11], padLabel(fat32OEMName, 8))
	binary.LittleEndian.PutUint16(sec[11:], g.BytesPerSector)
	sec[13] = g.SectorsPerCluster
	binary.LittleEndian.PutUint16(sec[14:], g.ReservedSectors)
	sec[16] = g.NumFATs
	sec[21] = fat32Media
	binary.LittleEndian.PutUint16(sec[24:], 63)  // sectors per track
	binary.LittleEndian.PutUint16(sec[26:], 255) // heads
	binary.LittleEndian.PutUint32(sec[32:], g.TotalSectors32)
	binary.LittleEndian.PutUint32(sec[36:], g.SectorsPerFAT32)
	binary.LittleEndian.PutUint32(sec[44:], g.RootCluster)
	binary.LittleEndian.PutUint16(sec[48:], g.FSInfoSector)
	binary.LittleEndian.PutUint16(sec[50:], g.BackupBootSector)
	sec[64], sec[66] = 0x80, 0x29
	binary.LittleEndian.PutUint32(sec[67:], volumeID)
	copy(sec[71:82], padLabel(label, 11))
	copy(sec[82:90], []byte("FAT32   "))
	sec[510], sec[511] = 0x55, 0xAA
	return sec
}

// encodeFSInfo builds an FSInfo sector with the given free-cluster count
// and next-free hint.
func encodeFSInfo(freeClusters, nextFree uint32) []byte {
	fs := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(fs[0:], fsinfoLeadSig)
	binary.LittleEndian.PutUint32(fs[484:], fsinfoStructSig)
	binary.LittleEndian.PutUint32(fs[488:], freeClusters)
	binary.LittleEndian.PutUint32(fs[492:], nextFree)
	binary.LittleEndian.PutUint32(fs[508:], fsinfoTrailSig)
	return fs
}

func padLabel(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// solveSectorsPerFAT iterates the mutually dependent FAT size and
// cluster count to a fixpoint. Growing the FAT shrinks the data region,
// which shrinks the FAT again; eight rounds always converge at 512-byte
// sectors.
func solveSectorsPerFAT(totalSectors uint32, reserved uint16, numFATs, spc uint8, seed uint32) (fatSectors, clusters uint32, err error) {
	fatSectors = seed
	if fatSectors == 0 {
		fatSectors = 1
	}
	for i := 0; i < 8; i++ {
		overhead := uint32(reserved) + uint32(numFATs)*fatSectors
		if overhead >= totalSectors {
			return 0, 0, fmt.Errorf("%d sectors leave no data region: %w", totalSectors, errInvalidFAT32)
		}
		clusters = (totalSectors - overhead) / uint32(spc)
		neededBytes := (clusters + 2) * 4
		need := (neededBytes + sectorSize - 1) / sectorSize
		if need == fatSectors {
			break
		}
		fatSectors = need
	}
	if clusters < fat32MinClusters {
		return 0, 0, fmt.Errorf("%d clusters is below the FAT32 minimum: %w", clusters, errInvalidFAT32)
	}
	return fatSectors, clusters, nil
}

// clusterSizeFor picks sectors per cluster the way the bootloader's
// formatter does: 16 KiB clusters up to 8 GiB, 32 KiB up to 32 GiB,
// 64 KiB above.
func clusterSizeFor(partSectors uint64) uint8 {
	const gib = 1 << 30 / sectorSize
	switch {
	case partSectors <= 8*gib:
		return 32
	case partSectors <= 32*gib:
		return 64
	default:
		return 128
	}
}

// formatFAT32 writes a fresh FAT32 filesystem over the partition extent:
// boot sector, FSInfo, backups at sector 6, both FATs with the reserved
// entries set, a zeroed root directory cluster, and a volume label entry.
// Data clusters beyond the root are not zeroed; nothing references them.
func formatFAT32(ctx context.Context, dev BlockDevice, part sectorRange, progress transferProgress) error {
	if part.Sectors > 0xFFFFFFFF {
		return &ExpandError{Msg: fmt.Sprintf("%d sectors exceeds FAT32 addressing", part.Sectors)}
	}
	total := uint32(part.Sectors)
	spc := clusterSizeFor(part.Sectors)

	fatSectors, clusters, err := solveSectorsPerFAT(total, fat32ReservedSectors, fat32NumFATs, spc, 0)
	if err != nil {
		return &ExpandError{Msg: "computing geometry", Err: err}
	}

	g := &fat32Geometry{
		BytesPerSector:    sectorSize,
		SectorsPerCluster: spc,
		ReservedSectors:   fat32ReservedSectors,
		NumFATs:           fat32NumFATs,
		TotalSectors32:    total,
		SectorsPerFAT32:   fatSectors,
		RootCluster:       fat32RootCluster,
		FSInfoSector:      fat32FSInfoSector,
		BackupBootSector:  fat32BackupBoot,
	}

	var volID [4]byte
	if _, err := rand.Read(volID[:]); err != nil {
		return err
	}
	boot := encodeBootSector(g, binary.LittleEndian.Uint32(volID[:]), fat32VolumeLabel)
	// Root directory occupies one cluster; cluster 3 is the first free.
	fsinfo := encodeFSInfo(clusters-1, fat32RootCluster+1)

	if err := writeSectorsAt(dev, part.Start, boot); err != nil {
		return err
	}
	if err := writeSectorsAt(dev, part.Start+uint64(g.FSInfoSector), fsinfo); err != nil {
		return err
	}
	if err := writeSectorsAt(dev, part.Start+uint64(g.BackupBootSector), boot); err != nil {
		return err
	}
	if err := writeSectorsAt(dev, part.Start+uint64(g.BackupBootSector)+uint64(g.FSInfoSector), fsinfo); err != nil {
		return err
	}

	fat1 := part.Start + fat32ReservedSectors
	fat2 := fat1 + uint64(fatSectors)
	for _, fatStart := range []uint64{fat1, fat2} {
		if _, err := zeroSectors(ctx, dev, sectorRange{Start: fatStart, Sectors: uint64(fatSectors)}, 0, progress); err != nil {
			return err
		}
		head := make([]byte, sectorSize)
		binary.LittleEndian.PutUint32(head[0:], 0x0FFFFF00|uint32(fat32Media))
		binary.LittleEndian.PutUint32(head[4:], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(head[8:], 0x0FFFFFFF) // root directory chain end
		if err := writeSectorsAt(dev, fatStart, head); err != nil {
			return err
		}
	}

	rootStart := part.Start + uint64(g.DataStart())
	if _, err := zeroSectors(ctx, dev, sectorRange{Start: rootStart, Sectors: uint64(spc)}, 0, progress); err != nil {
		return err
	}
	labelEntry := make([]byte, sectorSize)
	copy(labelEntry[0:11], padLabel(fat32VolumeLabel, 11))
	labelEntry[11] = 0x08 // volume label attribute
	if err := writeSectorsAt(dev, rootStart, labelEntry); err != nil {
		return err
	}
	return dev.Sync()
}

// expandFAT32 grows an existing filesystem to fill the partition extent
// without touching allocated clusters. Cluster geometry is kept; only
// the FAT size, totals, and free accounting change. When the enlarged
// FAT pushes the data region forward, the whole cluster heap is shifted
// with a backward overlapping copy so cluster numbering is preserved,
// then the FATs are rebuilt around the old entry content.
func expandFAT32(ctx context.Context, dev BlockDevice, part sectorRange, progress transferProgress) error {
	bootRaw, err := readSectorsAt(dev, part.Start, 1)
	if err != nil {
		return err
	}
	g, err := decodeBPB(bootRaw)
	if err != nil {
		return &ExpandError{Msg: "reading boot sector", Err: err}
	}
	if part.Sectors > 0xFFFFFFFF {
		return &ExpandError{Msg: fmt.Sprintf("%d sectors exceeds FAT32 addressing", part.Sectors)}
	}
	newTotal := uint32(part.Sectors)
	if newTotal < g.TotalSectors32 {
		return &ExpandError{Msg: fmt.Sprintf("extent %d is smaller than the filesystem's %d sectors", newTotal, g.TotalSectors32)}
	}

	oldFATSectors := g.SectorsPerFAT32
	oldDataStart := g.DataStart()
	oldClusters := g.Clusters()

	newFATSectors, newClusters, err := solveSectorsPerFAT(newTotal, g.ReservedSectors, g.NumFATs, g.SectorsPerCluster, oldFATSectors)
	if err != nil {
		return &ExpandError{Msg: "computing enlarged geometry", Err: err}
	}
	if newFATSectors < oldFATSectors {
		newFATSectors = oldFATSectors
	}

	newDataStart := uint32(g.ReservedSectors) + uint32(g.NumFATs)*newFATSectors
	heapSectors := uint64(oldClusters) * uint64(g.SectorsPerCluster)

	if newFATSectors > oldFATSectors {
		// Shift the cluster heap forward so cluster 2 lands at the new
		// data start. End-first copy order keeps the overlap safe.
		src := sectorRange{Start: part.Start + uint64(oldDataStart), Sectors: heapSectors}
		dst := sectorRange{Start: part.Start + uint64(newDataStart), Sectors: heapSectors}
		if _, err := copySectorsBackward(ctx, dev, src, dev, dst, 0, progress); err != nil {
			return err
		}

		// FAT 1 stays at the reserved boundary and grows in place.
		fat1 := part.Start + uint64(g.ReservedSectors)
		ext := sectorRange{Start: fat1 + uint64(oldFATSectors), Sectors: uint64(newFATSectors - oldFATSectors)}
		if _, err := zeroSectors(ctx, dev, ext, 0, nil); err != nil {
			return err
		}

		// FAT 2 is rebuilt after FAT 1's new extent from FAT 1's bytes.
		fat2 := fat1 + uint64(newFATSectors)
		if _, err := copySectors(ctx, dev,
			sectorRange{Start: fat1, Sectors: uint64(oldFATSectors)}, dev,
			sectorRange{Start: fat2, Sectors: uint64(oldFATSectors)}, 0, nil); err != nil {
			return err
		}
		ext = sectorRange{Start: fat2 + uint64(oldFATSectors), Sectors: uint64(newFATSectors - oldFATSectors)}
		if _, err := zeroSectors(ctx, dev, ext, 0, nil); err != nil {
			return err
		}
	}

	// Zero the appended data region so the new clusters read as free.
	grownStart := part.Start + uint64(newDataStart) + heapSectors
	grownEnd := part.Start + uint64(newDataStart) + uint64(newClusters)*uint64(g.SectorsPerCluster)
	if grownEnd > grownStart {
		if _, err := zeroSectors(ctx, dev, sectorRange{Start: grownStart, Sectors: grownEnd - grownStart}, 0, progress); err != nil {
			return err
		}
	}

	binary.LittleEndian.PutUint32(bootRaw[32:], newTotal)
	binary.LittleEndian.PutUint32(bootRaw[36:], newFATSectors)
	if err := writeSectorsAt(dev, part.Start, bootRaw); err != nil {
		return err
	}
	if g.BackupBootSector != 0 {
		if err := writeSectorsAt(dev, part.Start+uint64(g.BackupBootSector), bootRaw); err != nil {
			return err
		}
	}

	if g.FSInfoSector != 0 {
		if err := adjustFSInfo(dev, part.Start, g, newClusters-oldClusters); err != nil {
			return err
		}
	}
	return dev.Sync()
}

// adjustFSInfo raises the free-cluster count by the added cluster count,
// mirroring the change into the backup copy.
func adjustFSInfo(dev BlockDevice, partStart uint64, g *fat32Geometry, addedClusters uint32) error {
	raw, err := readSectorsAt(dev, partStart+uint64(g.FSInfoSector), 1)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != fsinfoLeadSig || binary.LittleEndian.Uint32(raw[484:488]) != fsinfoStructSig {
		return &ExpandError{Msg: "FSInfo signatures invalid", Err: errInvalidFAT32}
	}
	free := binary.LittleEndian.Uint32(raw[488:492])
	if free != 0xFFFFFFFF {
		binary.LittleEndian.PutUint32(raw[488:492], free+addedClusters)
	}
	if err := writeSectorsAt(dev, partStart+uint64(g.FSInfoSector), raw); err != nil {
		return err
	}
	if g.BackupBootSector != 0 {
		if err := writeSectorsAt(dev, partStart+uint64(g.BackupBootSector)+uint64(g.FSInfoSector), raw); err != nil {
			return err
		}
	}
	return nil
}
