package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// scanDevice reads the partition tables of an opened device and returns
// its layout. MBR is authoritative; when a protective 0xEE entry chains
// to a GPT the GPT entries are merged in and near-duplicates (the same
// partition visible in both tables) are collapsed. A partition type that
// matches no classification rule aborts the scan: guessing a role on a
// device that is about to be rewritten is how data gets lost.
func scanDevice(dev BlockDevice) (*DeviceLayout, error) {
	layout := &DeviceLayout{
		TotalSectors: dev.TotalSectors(),
		SectorSize:   dev.SectorSize(),
	}

	sector0, err := readSectorsAt(dev, 0, 1)
	if err != nil {
		return nil, &ScanError{Device: dev.Path(), Msg: "reading MBR", Err: err}
	}
	if binary.LittleEndian.Uint16(sector0[510:512]) != mbrSignature {
		return nil, &ScanError{Device: dev.Path(), Msg: "no MBR boot signature"}
	}

	var mbr mbrStruct
	if err := binary.Read(bytes.NewReader(sector0), binary.LittleEndian, &mbr); err != nil {
		return nil, &ScanError{Device: dev.Path(), Msg: "decoding MBR", Err: err}
	}

	hasProtective := false
	for i, e := range mbr.Partitions {
		if e.Type == mbrTypeEmpty || e.Sectors == 0 {
			continue
		}
		role, name, ok := classifyMBRType(e.Type)
		if !ok {
			// One escape hatch: an unlisted type byte whose size
			// matches a known raw emuMMC image is an emuMMC
			// partition written by an older tool.
			if matchesKnownEmuMMCSize(uint64(e.Sectors)) {
				role, name = RoleEmuMMC, ""
			} else {
				return nil, &ScanError{
					Device: dev.Path(),
					Msg:    fmt.Sprintf("MBR entry %d has type 0x%02X", i, e.Type),
					Err:    errUnknownPartition,
				}
			}
		}
		if role == RoleGPTProtective {
			hasProtective = true
			continue
		}
		if name == "" {
			name = fmt.Sprintf("emummc%d", len(layout.ByRole(RoleEmuMMC))+1)
		}
		layout.Partitions = append(layout.Partitions, Partition{
			Name:        name,
			Role:        role,
			TypeID:      e.Type,
			StartSector: uint64(e.FirstSector),
			Sectors:     uint64(e.Sectors),
			InMBR:       true,
		})
	}

	if hasProtective {
		layout.HasGPT = true
		if err := mergeGPT(dev, layout); err != nil {
			return nil, err
		}
	}

	layout.sortByStart()
	layout.refreshFlags()
	if err := layout.Validate(); err != nil {
		return nil, &ScanError{Device: dev.Path(), Msg: "layout invariants", Err: err}
	}
	return layout, nil
}

// mergeGPT parses the primary GPT and folds its entries into the layout,
// collapsing entries already present from the MBR.
func mergeGPT(dev BlockDevice, layout *DeviceLayout) error {
	hdrSector, err := readSectorsAt(dev, 1, 1)
	if err != nil {
		return &ScanError{Device: dev.Path(), Msg: "reading GPT header", Err: err}
	}
	if string(hdrSector[:8]) != gptSignatureText {
		return &ScanError{Device: dev.Path(), Msg: "protective MBR entry but no GPT signature at LBA 1"}
	}

	var hdr gptHeader
	if err := binary.Read(bytes.NewReader(hdrSector), binary.LittleEndian, &hdr); err != nil {
		return &ScanError{Device: dev.Path(), Msg: "decoding GPT header", Err: err}
	}
	if err := validateGPTHeaderCRC(hdrSector, hdr.HeaderSize); err != nil {
		return &ScanError{Device: dev.Path(), Msg: "GPT header", Err: err}
	}
	if hdr.PartEntrySize != gptEntrySize {
		return &ScanError{Device: dev.Path(), Msg: fmt.Sprintf("unsupported GPT entry size %d", hdr.PartEntrySize)}
	}
	if hdr.NumPartEntries == 0 || hdr.NumPartEntries > gptEntryCount {
		return &ScanError{Device: dev.Path(), Msg: fmt.Sprintf("implausible GPT entry count %d", hdr.NumPartEntries)}
	}

	entryBytes := uint64(hdr.NumPartEntries) * gptEntrySize
	entrySectors := (entryBytes + sectorSize - 1) / sectorSize
	raw, err := readSectorsAt(dev, hdr.PartitionEntryLBA, entrySectors)
	if err != nil {
		return &ScanError{Device: dev.Path(), Msg: "reading GPT entries", Err: err}
	}
	raw = raw[:entryBytes]
	if err := validateGPTEntriesCRC(raw, hdr.PartEntryArrayCRC32); err != nil {
		return &ScanError{Device: dev.Path(), Msg: "GPT entries", Err: err}
	}

	for i := uint32(0); i < hdr.NumPartEntries; i++ {
		rec := raw[i*gptEntrySize : (i+1)*gptEntrySize]
		if isAllZero(rec[:16]) {
			continue
		}
		var ent gptPartition
		if err := binary.Read(bytes.NewReader(rec), binary.LittleEndian, &ent); err != nil {
			return &ScanError{Device: dev.Path(), Msg: "decoding GPT entry", Err: err}
		}

		name := decodeUTF16LE(ent.PartitionName[:])
		role := classifyGPTEntry(ent.TypeGUID, name)
		if role == RoleUnknown {
			return &ScanError{
				Device: dev.Path(),
				Msg:    fmt.Sprintf("GPT entry %q has type %s", name, guidToString(ent.TypeGUID)),
				Err:    errUnknownPartition,
			}
		}

		p := Partition{
			Name:        name,
			Role:        role,
			StartSector: ent.FirstLBA,
			Sectors:     ent.LastLBA - ent.FirstLBA + 1,
			InGPT:       true,
		}
		if dup := findMBRTwin(layout, p); dup != nil {
			dup.InGPT = true
			if dup.Name == "" || dup.Name != name {
				dup.Name = name
			}
			continue
		}
		layout.Partitions = append(layout.Partitions, p)
	}
	return nil
}

// findMBRTwin locates an MBR-sourced partition that is the same physical
// region as a GPT entry: same role, same size, start within 1% of the
// size. Hekate mirrors the FAT32 and emuMMC entries into both tables
// with occasionally different alignment padding.
func findMBRTwin(layout *DeviceLayout, p Partition) *Partition {
	for i := range layout.Partitions {
		c := &layout.Partitions[i]
		if !c.InMBR || c.InGPT || c.Role != p.Role || c.Sectors != p.Sectors {
			continue
		}
		tolerance := p.Sectors / 100
		var drift uint64
		if c.StartSector > p.StartSector {
			drift = c.StartSector - p.StartSector
		} else {
			drift = p.StartSector - c.StartSector
		}
		if drift <= tolerance {
			return c
		}
	}
	return nil
}
