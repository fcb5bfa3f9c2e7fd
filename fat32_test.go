package main

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFATExtent = 2_228_224 // 68 alignment units
	testFATStart  = 32768
)

func formatTestVolume(t *testing.T, dev *memDevice, extent sectorRange) *fat32Geometry {
	t.Helper()
	require.NoError(t, formatFAT32(context.Background(), dev, extent, nil))
	g, err := decodeBPB(dev.readSector(extent.Start))
	require.NoError(t, err)
	return g
}

// clusterSector returns the first absolute sector of a data cluster.
func clusterSector(partStart uint64, g *fat32Geometry, cluster uint32) uint64 {
	return partStart + uint64(g.DataStart()) + uint64(cluster-fat32RootCluster)*uint64(g.SectorsPerCluster)
}

func TestFormatFAT32(t *testing.T) {
	dev := newMemDevice(3_000_000)
	ext := sectorRange{Start: testFATStart, Sectors: testFATExtent}
	g := formatTestVolume(t, dev, ext)

	assert.Equal(t, uint16(sectorSize), g.BytesPerSector)
	assert.Equal(t, uint8(32), g.SectorsPerCluster)
	assert.Equal(t, uint16(fat32ReservedSectors), g.ReservedSectors)
	assert.Equal(t, uint8(2), g.NumFATs)
	assert.Equal(t, uint32(testFATExtent), g.TotalSectors32)
	assert.Equal(t, uint32(fat32RootCluster), g.RootCluster)
	assert.Equal(t, uint16(6), g.BackupBootSector)
	assert.GreaterOrEqual(t, g.Clusters(), uint32(fat32MinClusters))

	// The FAT size must satisfy its own fixpoint.
	needed := (g.Clusters() + 2) * 4
	assert.Equal(t, (needed+sectorSize-1)/sectorSize, g.SectorsPerFAT32)

	// Backup boot sector is byte-identical.
	assert.Equal(t, dev.readSector(ext.Start), dev.readSector(ext.Start+6))

	// FSInfo signatures and free count: every cluster except the root
	// directory is free.
	fsinfo := dev.readSector(ext.Start + 1)
	assert.Equal(t, uint32(fsinfoLeadSig), binary.LittleEndian.Uint32(fsinfo[0:4]))
	assert.Equal(t, uint32(fsinfoStructSig), binary.LittleEndian.Uint32(fsinfo[484:488]))
	assert.Equal(t, g.Clusters()-1, binary.LittleEndian.Uint32(fsinfo[488:492]))
	assert.Equal(t, fsinfo, dev.readSector(ext.Start+7))

	// Reserved FAT entries plus the root chain terminator, in both FATs.
	for _, fatStart := range []uint64{ext.Start + 32, ext.Start + 32 + uint64(g.SectorsPerFAT32)} {
		head := dev.readSector(fatStart)
		assert.Equal(t, uint32(0x0FFFFF00|fat32Media), binary.LittleEndian.Uint32(head[0:4]))
		assert.Equal(t, uint32(0x0FFFFFFF), binary.LittleEndian.Uint32(head[4:8]))
		assert.Equal(t, uint32(0x0FFFFFFF), binary.LittleEndian.Uint32(head[8:12]))
	}

	// Root directory starts with the volume label entry.
	root := dev.readSector(clusterSector(ext.Start, g, fat32RootCluster))
	assert.Equal(t, []byte("SWITCH SD  "), root[0:11])
	assert.Equal(t, byte(0x08), root[11])
}

func TestDecodeBPBRejectsGarbage(t *testing.T) {
	zero := make([]byte, sectorSize)
	_, err := decodeBPB(zero)
	require.ErrorIs(t, err, errInvalidFAT32)

	dev := newMemDevice(3_000_000)
	ext := sectorRange{Start: testFATStart, Sectors: testFATExtent}
	formatTestVolume(t, dev, ext)

	// Sectors per cluster must be a power of two.
	sec := dev.readSector(ext.Start)
	sec[13] = 3
	_, err = decodeBPB(sec)
	require.ErrorIs(t, err, errInvalidFAT32)

	// A 16-bit FAT size marks a FAT12/16 volume.
	sec = dev.readSector(ext.Start)
	binary.LittleEndian.PutUint16(sec[22:], 200)
	_, err = decodeBPB(sec)
	require.ErrorIs(t, err, errInvalidFAT32)
}

func TestExpandFAT32PreservesDataAndGrowsFreeCount(t *testing.T) {
	dev := newMemDevice(4_200_000)
	oldExt := sectorRange{Start: testFATStart, Sectors: testFATExtent}
	oldG := formatTestVolume(t, dev, oldExt)
	oldClusters := oldG.Clusters()
	oldFree := binary.LittleEndian.Uint32(dev.readSector(oldExt.Start + 1)[488:492])

	// Simulate a file: mark cluster 5 allocated and fill its sectors.
	fatSector := dev.readSector(oldExt.Start + 32)
	binary.LittleEndian.PutUint32(fatSector[5*4:], 0x0FFFFFFF)
	_, err := dev.WriteAt(fatSector, int64(oldExt.Start+32)*sectorSize)
	require.NoError(t, err)
	dev.fillSectors(clusterSector(oldExt.Start, oldG, 5), uint64(oldG.SectorsPerCluster), 0xAB)

	newExt := sectorRange{Start: testFATStart, Sectors: 3_637_248}
	require.NoError(t, expandFAT32(context.Background(), dev, newExt, nil))

	newG, err := decodeBPB(dev.readSector(newExt.Start))
	require.NoError(t, err)
	assert.Equal(t, uint32(3_637_248), newG.TotalSectors32)
	assert.Equal(t, oldG.SectorsPerCluster, newG.SectorsPerCluster)
	assert.Equal(t, oldG.ReservedSectors, newG.ReservedSectors)
	assert.Greater(t, newG.SectorsPerFAT32, oldG.SectorsPerFAT32, "growing this far must grow the FAT")
	assert.Equal(t, dev.readSector(newExt.Start), dev.readSector(newExt.Start+6))

	// Cluster numbering is preserved: cluster 5's bytes moved with the
	// heap to the new data start.
	assert.True(t, dev.checkSectors(clusterSector(newExt.Start, newG, 5), uint64(newG.SectorsPerCluster), 0xAB))

	// The allocation entry survived in both FATs.
	for _, fatStart := range []uint64{newExt.Start + 32, newExt.Start + 32 + uint64(newG.SectorsPerFAT32)} {
		head := dev.readSector(fatStart)
		assert.Equal(t, uint32(0x0FFFFFFF), binary.LittleEndian.Uint32(head[5*4:5*4+4]))
	}

	// Free clusters grew by exactly the added cluster count.
	newFree := binary.LittleEndian.Uint32(dev.readSector(newExt.Start + 1)[488:492])
	assert.Equal(t, newG.Clusters()-oldClusters, newFree-oldFree)

	// The appended region reads as zeros.
	lastCluster := newG.Clusters() + fat32RootCluster - 1
	assert.True(t, isAllZero(dev.readSector(clusterSector(newExt.Start, newG, lastCluster))))
}

func TestExpandFAT32SameExtentIsNoop(t *testing.T) {
	dev := newMemDevice(3_000_000)
	ext := sectorRange{Start: testFATStart, Sectors: testFATExtent}
	g := formatTestVolume(t, dev, ext)
	before := dev.readSector(ext.Start)

	require.NoError(t, expandFAT32(context.Background(), dev, ext, nil))

	after, err := decodeBPB(dev.readSector(ext.Start))
	require.NoError(t, err)
	assert.Equal(t, g.SectorsPerFAT32, after.SectorsPerFAT32)
	assert.Equal(t, g.TotalSectors32, after.TotalSectors32)
	assert.Equal(t, before, dev.readSector(ext.Start))
}

func TestExpandFAT32RejectsShrink(t *testing.T) {
	dev := newMemDevice(3_000_000)
	ext := sectorRange{Start: testFATStart, Sectors: testFATExtent}
	formatTestVolume(t, dev, ext)

	err := expandFAT32(context.Background(), dev, sectorRange{Start: testFATStart, Sectors: testFATExtent - alignSectors}, nil)
	var expandErr *ExpandError
	require.ErrorAs(t, err, &expandErr)
}

func TestExpandFAT32RejectsInvalidBoot(t *testing.T) {
	dev := newMemDevice(3_000_000)
	err := expandFAT32(context.Background(), dev, sectorRange{Start: testFATStart, Sectors: testFATExtent}, nil)
	require.ErrorIs(t, err, errInvalidFAT32)
}

func TestClusterSizeFor(t *testing.T) {
	const gib = 1 << 30 / sectorSize
	assert.Equal(t, uint8(32), clusterSizeFor(4*gib))
	assert.Equal(t, uint8(64), clusterSizeFor(16*gib))
	assert.Equal(t, uint8(128), clusterSizeFor(256*gib))
}

func TestSolveSectorsPerFATConverges(t *testing.T) {
	fat, clusters, err := solveSectorsPerFAT(testFATExtent, fat32ReservedSectors, 2, 32, 0)
	require.NoError(t, err)
	needed := (clusters + 2) * 4
	assert.Equal(t, (needed+sectorSize-1)/sectorSize, fat)
	assert.GreaterOrEqual(t, clusters, uint32(fat32MinClusters))

	_, _, err = solveSectorsPerFAT(1000, fat32ReservedSectors, 2, 32, 0)
	require.ErrorIs(t, err, errInvalidFAT32)
}
