package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
)

// emuMMC boot configuration layout inside the FAT32 tree. Each instance
// has a RAW<n> directory; the boot sector value stored in both the ini
// and the raw_based file is the partition start plus the eMMC USER
// offset.
const (
	emuMMCDirName    = "emuMMC"
	emuMMCIniName    = "emummc.ini"
	emuMMCRawBased   = "raw_based"
	emuMMCUserOffset = 0x17000

	// The raw image's own GPT lands at one of these sector offsets from
	// the partition start, depending on the eMMC boot partition size.
	emuMMCGPTProbeNear = 0x4001
	emuMMCGPTProbeFar  = 0xC001
)

// patchEmuMMCConfigs rewrites the boot-sector offsets of every emuMMC
// instance under the FAT32 mount root. newStarts holds the new absolute
// partition starts in instance order (RAW1, RAW2). Missing instances are
// skipped; malformed ones surface as PatchError without aborting, since
// the partitions themselves are already placed correctly.
func patchEmuMMCConfigs(mountRoot string, newStarts []uint64) []error {
	var errs []error
	for i, start := range newStarts {
		rawDir := filepath.Join(mountRoot, emuMMCDirName, fmt.Sprintf("RAW%d", i+1))
		if _, err := os.Stat(rawDir); err != nil {
			continue
		}
		bootSector := start + emuMMCUserOffset

		if err := patchRawBased(filepath.Join(rawDir, emuMMCRawBased), bootSector); err != nil {
			errs = append(errs, err)
		}
		// The ini lives one level up and carries the first instance's
		// sector; per-instance inis sit inside the RAW directory.
		iniPaths := []string{filepath.Join(rawDir, emuMMCIniName)}
		if i == 0 {
			iniPaths = append(iniPaths, filepath.Join(mountRoot, emuMMCDirName, emuMMCIniName))
		}
		for _, p := range iniPaths {
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := patchIniSector(p, bootSector); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// patchRawBased overwrites the 4-byte little-endian sector value.
func patchRawBased(path string, bootSector uint64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &PatchError{Path: path, Err: err}
	}
	if len(raw) != 4 {
		return &PatchError{Path: path, Err: fmt.Errorf("%d byte file: %w", len(raw), errFieldNotFound)}
	}
	if bootSector > 0xFFFFFFFF {
		return &PatchError{Path: path, Err: fmt.Errorf("sector %d exceeds 32-bit field", bootSector)}
	}
	binary.LittleEndian.PutUint32(raw, uint32(bootSector))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return &PatchError{Path: path, Err: err}
	}
	return nil
}

// patchIniSector rewrites the sector= key in an emummc.ini, leaving
// every other line byte-identical.
func patchIniSector(path string, bootSector uint64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &PatchError{Path: path, Err: err}
	}
	lines := strings.Split(string(raw), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "sector") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok || strings.TrimSpace(key) != "sector" {
			continue
		}
		lines[i] = fmt.Sprintf("sector=0x%x", bootSector)
		found = true
		break
	}
	if !found {
		return &PatchError{Path: path, Err: errFieldNotFound}
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return &PatchError{Path: path, Err: err}
	}
	return nil
}

// probeEmuMMCGPT looks for the raw image's "EFI PART" marker at the two
// known offsets from the partition start. Returns the offset that
// matched, or false when neither does.
func probeEmuMMCGPT(dev BlockDevice, partStart uint64) (uint64, bool) {
	for _, off := range []uint64{emuMMCGPTProbeFar, emuMMCGPTProbeNear} {
		raw, err := readSectorsAt(dev, partStart+off, 1)
		if err != nil {
			continue
		}
		if string(raw[:8]) == gptSignatureText {
			return off, true
		}
	}
	return 0, false
}

// emuMMCUserTotalSectors is the sector count of the stock 32 GB eMMC
// USER area, the geometry a synthesized raw-image header describes.
const emuMMCUserTotalSectors = 0x1B4E000

// ensureEmuMMCGPT makes sure a raw emuMMC image carries the "EFI PART"
// marker the bootloader's fix-raw check probes for. When the image
// already has one nothing is written. Otherwise the header is taken
// from the source image if it has one there, or synthesized for the
// stock eMMC geometry, and written at the far probe offset. Returns
// whether a header was written. source may be nil when no pristine copy
// of the image exists elsewhere.
func ensureEmuMMCGPT(dev BlockDevice, partStart uint64, source BlockDevice, sourceStart uint64) (bool, error) {
	if _, ok := probeEmuMMCGPT(dev, partStart); ok {
		return false, nil
	}

	var header []byte
	if source != nil {
		if off, ok := probeEmuMMCGPT(source, sourceStart); ok {
			raw, err := readSectorsAt(source, sourceStart+off, 1)
			if err != nil {
				return false, err
			}
			header = raw
		}
	}
	if header == nil {
		var err error
		if header, err = minimalUserGPTHeader(); err != nil {
			return false, err
		}
	}
	if err := writeSectorsAt(dev, partStart+emuMMCGPTProbeFar, header); err != nil {
		return false, err
	}
	return true, nil
}

// minimalUserGPTHeader builds a header sector describing an empty entry
// array on the stock eMMC USER geometry, enough for the bootloader to
// recognize the image.
func minimalUserGPTHeader() ([]byte, error) {
	var diskGUID [16]byte
	if _, err := rand.Read(diskGUID[:10]); err != nil {
		return nil, err
	}
	copy(diskGUID[10:], "NYXGPT")

	hdr := gptHeader{
		HeaderSize:          gptHeaderSize,
		CurrentLBA:          1,
		BackupLBA:           emuMMCUserTotalSectors,
		FirstUsableLBA:      gptFirstUsable,
		LastUsableLBA:       emuMMCUserTotalSectors - gptEntrySectors,
		DiskGUID:            diskGUID,
		PartitionEntryLBA:   2,
		NumPartEntries:      gptEntryCount,
		PartEntrySize:       gptEntrySize,
		PartEntryArrayCRC32: crc32.ChecksumIEEE(make([]byte, gptEntryCount*gptEntrySize)),
	}
	copy(hdr.Signature[:], gptSignatureText)
	copy(hdr.Revision[:], []byte{0x00, 0x00, 0x01, 0x00})
	return sealHeader(hdr)
}

// removeStaleBootEntries deletes bootloader launch entries referencing
// roles that no longer exist on the card. Only known filename patterns
// under bootloader/ini are touched.
func removeStaleBootEntries(mountRoot string, removed RoleSet) []error {
	patterns := map[Role][]string{
		RoleAndroid: {"*android*.ini", "*Android*.ini"},
		RoleLinux:   {"L4T*.ini", "l4t*.ini", "lakka.ini", "*ubuntu*.ini"},
	}
	var errs []error
	iniDir := filepath.Join(mountRoot, "bootloader", "ini")
	for role, pats := range patterns {
		if !removed.Has(role) {
			continue
		}
		for _, pat := range pats {
			matches, err := filepath.Glob(filepath.Join(iniDir, pat))
			if err != nil {
				continue
			}
			for _, m := range matches {
				if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
					errs = append(errs, &PatchError{Path: m, Err: err})
				}
			}
		}
	}
	return errs
}
