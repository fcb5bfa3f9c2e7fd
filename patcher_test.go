package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func TestPatchEmuMMCConfigs(t *testing.T) {
	root := t.TempDir()

	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 0x1000000)
	writeTestFile(t, filepath.Join(root, "emuMMC", "RAW1", "raw_based"), raw)
	writeTestFile(t, filepath.Join(root, "emuMMC", "emummc.ini"), []byte(
		"[emummc]\nenabled=1\nsector=0x1000000\npath=emuMMC/RAW1\nid=0x0000\n"))
	writeTestFile(t, filepath.Join(root, "emuMMC", "RAW2", "raw_based"), raw)

	const newStart1 = 3_375_104
	const newStart2 = 3_637_248
	errs := patchEmuMMCConfigs(root, []uint64{newStart1, newStart2})
	require.Empty(t, errs)

	got, err := os.ReadFile(filepath.Join(root, "emuMMC", "RAW1", "raw_based"))
	require.NoError(t, err)
	assert.Equal(t, uint32(newStart1+emuMMCUserOffset), binary.LittleEndian.Uint32(got))

	got, err = os.ReadFile(filepath.Join(root, "emuMMC", "RAW2", "raw_based"))
	require.NoError(t, err)
	assert.Equal(t, uint32(newStart2+emuMMCUserOffset), binary.LittleEndian.Uint32(got))

	ini, err := os.ReadFile(filepath.Join(root, "emuMMC", "emummc.ini"))
	require.NoError(t, err)
	assert.Contains(t, string(ini), "sector=0x34f000")
	// Every other line stays untouched.
	assert.Contains(t, string(ini), "enabled=1")
	assert.Contains(t, string(ini), "path=emuMMC/RAW1")
}

func TestPatchEmuMMCConfigsMissingInstanceSkipped(t *testing.T) {
	root := t.TempDir()
	errs := patchEmuMMCConfigs(root, []uint64{3_375_104})
	assert.Empty(t, errs)
}

func TestPatchRawBasedWrongSize(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "raw_based")
	writeTestFile(t, path, []byte{1, 2, 3})

	err := patchRawBased(path, 100)
	require.ErrorIs(t, err, errFieldNotFound)
	var patchErr *PatchError
	require.ErrorAs(t, err, &patchErr)
	assert.Equal(t, path, patchErr.Path)
}

func TestPatchIniSectorFieldNotFound(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "emummc.ini")
	writeTestFile(t, path, []byte("[emummc]\nenabled=1\n"))

	err := patchIniSector(path, 100)
	require.ErrorIs(t, err, errFieldNotFound)
}

func TestProbeEmuMMCGPT(t *testing.T) {
	dev := newMemDevice(10_000_000)
	const partStart = 3_375_104

	_, found := probeEmuMMCGPT(dev, partStart)
	assert.False(t, found)

	marker := make([]byte, sectorSize)
	copy(marker, gptSignatureText)
	require.NoError(t, writeSectorsAt(dev, partStart+emuMMCGPTProbeNear, marker))

	off, found := probeEmuMMCGPT(dev, partStart)
	require.True(t, found)
	assert.Equal(t, uint64(emuMMCGPTProbeNear), off)

	require.NoError(t, writeSectorsAt(dev, partStart+emuMMCGPTProbeFar, marker))
	off, found = probeEmuMMCGPT(dev, partStart)
	require.True(t, found)
	assert.Equal(t, uint64(emuMMCGPTProbeFar), off)
}

func TestEnsureEmuMMCGPT(t *testing.T) {
	const partStart = 3_375_104
	const srcStart = 2_260_992

	t.Run("marker already present", func(t *testing.T) {
		dev := newMemDevice(10_000_000)
		marker := make([]byte, sectorSize)
		copy(marker, gptSignatureText)
		require.NoError(t, writeSectorsAt(dev, partStart+emuMMCGPTProbeNear, marker))

		written, err := ensureEmuMMCGPT(dev, partStart, nil, 0)
		require.NoError(t, err)
		assert.False(t, written)
		assert.True(t, isAllZero(dev.readSector(partStart+emuMMCGPTProbeFar)))
	})

	t.Run("copied from source", func(t *testing.T) {
		src := newMemDevice(10_000_000)
		hdr := make([]byte, sectorSize)
		copy(hdr, gptSignatureText)
		hdr[100] = 0x5A
		require.NoError(t, writeSectorsAt(src, srcStart+emuMMCGPTProbeFar, hdr))
		src.readOnly = true

		dev := newMemDevice(10_000_000)
		written, err := ensureEmuMMCGPT(dev, partStart, src, srcStart)
		require.NoError(t, err)
		assert.True(t, written)
		assert.Equal(t, hdr, dev.readSector(partStart+emuMMCGPTProbeFar))
	})

	t.Run("synthesized for stock geometry", func(t *testing.T) {
		dev := newMemDevice(10_000_000)
		written, err := ensureEmuMMCGPT(dev, partStart, nil, 0)
		require.NoError(t, err)
		assert.True(t, written)

		got := dev.readSector(partStart + emuMMCGPTProbeFar)
		assert.Equal(t, gptSignatureText, string(got[:8]))
		require.NoError(t, validateGPTHeaderCRC(got, gptHeaderSize))
		assert.Equal(t, []byte("NYXGPT"), got[66:72])
		assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(got[24:32]))
		assert.Equal(t, uint64(emuMMCUserTotalSectors), binary.LittleEndian.Uint64(got[32:40]))
	})
}

func TestRemoveStaleBootEntries(t *testing.T) {
	root := t.TempDir()
	iniDir := filepath.Join(root, "bootloader", "ini")
	writeTestFile(t, filepath.Join(iniDir, "00-android.ini"), []byte("x"))
	writeTestFile(t, filepath.Join(iniDir, "L4T-noble.ini"), []byte("x"))
	writeTestFile(t, filepath.Join(iniDir, "lakka.ini"), []byte("x"))
	writeTestFile(t, filepath.Join(iniDir, "hekate.ini"), []byte("x"))

	errs := removeStaleBootEntries(root, RoleSet{RoleAndroid: true})
	assert.Empty(t, errs)
	assert.NoFileExists(t, filepath.Join(iniDir, "00-android.ini"))
	assert.FileExists(t, filepath.Join(iniDir, "L4T-noble.ini"))

	errs = removeStaleBootEntries(root, RoleSet{RoleLinux: true})
	assert.Empty(t, errs)
	assert.NoFileExists(t, filepath.Join(iniDir, "L4T-noble.ini"))
	assert.NoFileExists(t, filepath.Join(iniDir, "lakka.ini"))
	assert.FileExists(t, filepath.Join(iniDir, "hekate.ini"))
}
