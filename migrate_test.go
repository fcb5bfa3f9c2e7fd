package main

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedSourceCard writes a scannable source card: table, formatted FAT32
// with one marked cluster, and an emuMMC image with its GPT marker and a
// data pattern near its start.
func seedSourceCard(t *testing.T, dev *memDevice, layout *DeviceLayout) *fat32Geometry {
	t.Helper()
	require.NoError(t, writeTable(dev, layout))

	fat := layout.FAT32()
	ext := sectorRange{Start: fat.StartSector, Sectors: fat.Sectors}
	require.NoError(t, formatFAT32(context.Background(), dev, ext, nil))
	g, err := decodeBPB(dev.readSector(ext.Start))
	require.NoError(t, err)

	fatSector := dev.readSector(ext.Start + uint64(g.ReservedSectors))
	binary.LittleEndian.PutUint32(fatSector[5*4:], 0x0FFFFFFF)
	_, err = dev.WriteAt(fatSector, int64(ext.Start+uint64(g.ReservedSectors))*sectorSize)
	require.NoError(t, err)
	dev.fillSectors(clusterSector(ext.Start, g, 5), uint64(g.SectorsPerCluster), 0xAB)

	for i, p := range layout.ByRole(RoleEmuMMC) {
		marker := make([]byte, sectorSize)
		copy(marker, gptSignatureText)
		require.NoError(t, writeSectorsAt(dev, p.StartSector+emuMMCGPTProbeFar, marker))
		dev.fillSectors(p.StartSector, 256, 0xE0+byte(i))
	}
	return g
}

func TestExecuteMigration(t *testing.T) {
	source := newMemDevice(3_145_728)
	layout := testLayout(3_145_728,
		part(nameFAT32, RoleFAT32, 32768, 2_228_224),
		part("emummc1", RoleEmuMMC, 2_260_992, 262_144),
	)
	seedSourceCard(t, source, layout)
	source.readOnly = true

	scanned, err := scanDevice(source)
	require.NoError(t, err)
	plan, err := planMigration(scanned, RoleSet{RoleFAT32: true, RoleEmuMMC: true}, 6_291_456)
	require.NoError(t, err)

	mount := t.TempDir()
	raw := make([]byte, 4)
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "emuMMC", "RAW1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "emuMMC", "RAW1", "raw_based"), raw, 0o644))

	target := newMemDevice(6_291_456)
	sink := &recordingSink{}
	require.NoError(t, executeMigration(context.Background(), source, target, plan, MigrateOptions{
		ConfigMount: mount,
		Sink:        sink,
	}))

	// The target scans back as the planned layout.
	got, err := scanDevice(target)
	require.NoError(t, err)
	require.Len(t, got.Partitions, 2)
	wantFAT := alignDown(6_291_456 - 262_144 - alignSectors - endReserveSectors)
	assert.Equal(t, uint64(32768), got.Partitions[0].StartSector)
	assert.Equal(t, wantFAT, got.Partitions[0].Sectors)
	emummcStart := alignUp(32768 + wantFAT)
	assert.Equal(t, emummcStart, got.Partitions[1].StartSector)
	assert.Equal(t, uint64(262_144), got.Partitions[1].Sectors)
	assert.False(t, got.HasGPT)

	// FAT32 grew in place into the planned extent with its data intact.
	g, err := decodeBPB(target.readSector(32768))
	require.NoError(t, err)
	assert.Equal(t, uint32(wantFAT), g.TotalSectors32)
	assert.True(t, target.checkSectors(clusterSector(32768, g, 5), uint64(g.SectorsPerCluster), 0xAB))

	// The emuMMC image moved byte for byte, marker included.
	assert.True(t, target.checkSectors(emummcStart, 256, 0xE0))
	markerSec := target.readSector(emummcStart + emuMMCGPTProbeFar)
	assert.Equal(t, gptSignatureText, string(markerSec[:8]))

	// The boot config points at the new partition start.
	got4, err := os.ReadFile(filepath.Join(mount, "emuMMC", "RAW1", "raw_based"))
	require.NoError(t, err)
	assert.Equal(t, uint32(emummcStart+emuMMCUserOffset), binary.LittleEndian.Uint32(got4))

	assert.Equal(t, []string{"Preparing", "Copying", "Writing Tables", "Config Update", "Complete"}, sink.stageOrder())
	sink.assertMonotonic(t)

	// The source never saw a write.
	srcG, err := decodeBPB(source.readSector(32768))
	require.NoError(t, err)
	assert.True(t, source.checkSectors(clusterSector(32768, srcG, 5), uint64(srcG.SectorsPerCluster), 0xAB))
}

func TestExecuteMigrationRepairsMissingEmuMMCMarker(t *testing.T) {
	source := newMemDevice(3_145_728)
	layout := testLayout(3_145_728,
		part(nameFAT32, RoleFAT32, 32768, 2_228_224),
		part("emummc1", RoleEmuMMC, 2_260_992, 262_144),
	)
	seedSourceCard(t, source, layout)
	// An image that never carried its own GPT header.
	require.NoError(t, writeSectorsAt(source, 2_260_992+emuMMCGPTProbeFar, make([]byte, sectorSize)))
	source.readOnly = true

	scanned, err := scanDevice(source)
	require.NoError(t, err)
	plan, err := planMigration(scanned, RoleSet{RoleFAT32: true, RoleEmuMMC: true}, 6_291_456)
	require.NoError(t, err)

	target := newMemDevice(6_291_456)
	require.NoError(t, executeMigration(context.Background(), source, target, plan, MigrateOptions{}))

	// The config pass wrote a valid header at the far probe offset.
	emummcStart := plan.Target.ByRole(RoleEmuMMC)[0].StartSector
	got := target.readSector(emummcStart + emuMMCGPTProbeFar)
	assert.Equal(t, gptSignatureText, string(got[:8]))
	require.NoError(t, validateGPTHeaderCRC(got, gptHeaderSize))

	// The image data itself still moved untouched.
	assert.True(t, target.checkSectors(emummcStart, 256, 0xE0))
}

func TestExecuteMigrationTargetTooSmall(t *testing.T) {
	source := newMemDevice(3_145_728)
	layout := testLayout(3_145_728,
		part(nameFAT32, RoleFAT32, 32768, 2_228_224),
	)
	require.NoError(t, writeTable(source, layout))

	scanned, err := scanDevice(source)
	require.NoError(t, err)
	plan, err := planMigration(scanned, RoleSet{RoleFAT32: true}, 6_291_456)
	require.NoError(t, err)

	target := newMemDevice(4_000_000)
	err = executeMigration(context.Background(), source, target, plan, MigrateOptions{})
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.True(t, opErr.Recoverable)
	assert.Equal(t, "Preparing", opErr.Stage)

	// Nothing was written to the target.
	assert.Empty(t, target.sectors)
}

func TestExecuteMigrationCopyFailureIsRetryable(t *testing.T) {
	source := newMemDevice(3_145_728)
	layout := testLayout(3_145_728,
		part(nameFAT32, RoleFAT32, 32768, 2_228_224),
	)
	seedSourceCard(t, source, layout)

	scanned, err := scanDevice(source)
	require.NoError(t, err)
	plan, err := planMigration(scanned, RoleSet{RoleFAT32: true}, 6_291_456)
	require.NoError(t, err)

	target := newMemDevice(6_291_456)
	target.failWriteSector = 200_000
	err = executeMigration(context.Background(), source, target, plan, MigrateOptions{})
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.True(t, opErr.Recoverable)
	assert.Equal(t, "Copying", opErr.Stage)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, uint64(200_000), ioErr.Sector)

	// The target table sectors were never touched.
	assert.True(t, isAllZero(target.readSector(0)))
}

func TestExecuteMigrationCancellation(t *testing.T) {
	source := newMemDevice(3_145_728)
	layout := testLayout(3_145_728,
		part(nameFAT32, RoleFAT32, 32768, 2_228_224),
	)
	seedSourceCard(t, source, layout)

	scanned, err := scanDevice(source)
	require.NoError(t, err)
	plan, err := planMigration(scanned, RoleSet{RoleFAT32: true}, 6_291_456)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := newMemDevice(6_291_456)
	err = executeMigration(ctx, source, target, plan, MigrateOptions{})
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.True(t, opErr.Recoverable)
	require.ErrorIs(t, err, context.Canceled)
}
