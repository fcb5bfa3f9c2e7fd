package main

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// buildMBR serializes the MBR sector for a layout. The boot code region
// stays zero, CHS fields are pinned to 0xFFFFFF as the bootloader writes
// them, and when the layout carries a GPT the last used slot is the
// protective 0xEE entry spanning the whole device.
func buildMBR(layout *DeviceLayout, diskSig [4]byte) ([]byte, error) {
	var mbr mbrStruct
	mbr.DiskSig = diskSig
	mbr.Signature = mbrSignature

	slot := 0
	place := func(typeID byte, start, sectors uint64) error {
		if slot >= 4 {
			return fmt.Errorf("more than four MBR entries")
		}
		if start > 0xFFFFFFFF || sectors > 0xFFFFFFFF {
			return fmt.Errorf("partition at sector %d exceeds MBR 32-bit addressing", start)
		}
		mbr.Partitions[slot] = mbrPartition{
			FirstSector: uint32(start),
			Sectors:     uint32(sectors),
			Type:        typeID,
		}
		// CHS fields are unused on LBA media; hekate fills them with
		// 0xFF so firmware ignores them.
		slot++
		return nil
	}

	for _, role := range []Role{RoleFAT32, RoleLinux, RoleEmuMMC} {
		for _, p := range layout.Partitions {
			if p.Role != role || !p.InMBR {
				continue
			}
			if err := place(p.TypeID, p.StartSector, p.Sectors); err != nil {
				return nil, err
			}
		}
	}
	if layout.HasGPT {
		if err := place(mbrTypeProtective, 1, layout.TotalSectors-1); err != nil {
			return nil, err
		}
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &mbr); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	for i := 0; i < slot; i++ {
		base := mbrEntryOffset + i*16
		out[base+1], out[base+2], out[base+3] = 0xFF, 0xFF, 0xFF
		out[base+5], out[base+6], out[base+7] = 0xFF, 0xFF, 0xFF
	}
	return out, nil
}

// gptImages holds the serialized GPT regions: primary header sector,
// entry array (primary and backup share the bytes), and backup header
// sector.
type gptImages struct {
	PrimaryHeader []byte
	Entries       []byte
	BackupHeader  []byte
}

// buildGPT serializes the GPT for a layout. The disk GUID carries the
// bootloader's "NYXGPT" tail marker; unique partition GUIDs are random.
func buildGPT(layout *DeviceLayout) (*gptImages, error) {
	entries := make([]byte, gptEntryCount*gptEntrySize)
	idx := 0
	for _, p := range layout.Partitions {
		if !p.InGPT {
			continue
		}
		if idx >= gptEntryCount {
			return nil, fmt.Errorf("more than %d GPT entries", gptEntryCount)
		}
		ent := gptPartition{
			TypeGUID:   typeGUIDForRole(p.Role),
			UniqueGUID: [16]byte(uuid.New()),
			FirstLBA:   p.StartSector,
			LastLBA:    p.EndSector() - 1,
		}
		copy(ent.PartitionName[:], encodeUTF16LE(p.Name))
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.LittleEndian, &ent); err != nil {
			return nil, err
		}
		copy(entries[idx*gptEntrySize:], buf.Bytes())
		idx++
	}
	// The header advertises only the used entries; the CRC covers the
	// same bytes. The on-disk array is padded to whole sectors.
	used := entries[:idx*gptEntrySize]
	entriesCRC := crc32.ChecksumIEEE(used)
	arraySectors := (uint64(len(used)) + sectorSize - 1) / sectorSize
	array := make([]byte, arraySectors*sectorSize)
	copy(array, used)

	var diskGUID [16]byte
	if _, err := rand.Read(diskGUID[:10]); err != nil {
		return nil, err
	}
	copy(diskGUID[10:], "NYXGPT")

	hdr := gptHeader{
		HeaderSize:          gptHeaderSize,
		CurrentLBA:          1,
		BackupLBA:           layout.TotalSectors - 1,
		FirstUsableLBA:      gptFirstUsable,
		LastUsableLBA:       layout.TotalSectors - gptFirstUsable,
		DiskGUID:            diskGUID,
		PartitionEntryLBA:   2,
		NumPartEntries:      uint32(idx),
		PartEntrySize:       gptEntrySize,
		PartEntryArrayCRC32: entriesCRC,
	}
	copy(hdr.Signature[:], gptSignatureText)
	copy(hdr.Revision[:], []byte{0x00, 0x00, 0x01, 0x00})

	primary, err := sealHeader(hdr)
	if err != nil {
		return nil, err
	}

	hdr.CurrentLBA, hdr.BackupLBA = hdr.BackupLBA, hdr.CurrentLBA
	hdr.PartitionEntryLBA = layout.TotalSectors - 1 - gptEntrySectors
	backup, err := sealHeader(hdr)
	if err != nil {
		return nil, err
	}

	return &gptImages{PrimaryHeader: primary, Entries: array, BackupHeader: backup}, nil
}

// sealHeader serializes a header into a full sector and stamps its CRC.
func sealHeader(hdr gptHeader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	sector := make([]byte, sectorSize)
	copy(sector, buf.Bytes())
	binary.LittleEndian.PutUint32(sector[16:20], gptHeaderCRC(sector, gptHeaderSize))
	return sector, nil
}

// writeTable commits a layout's tables to the device and verifies them
// by scanning the result. This is the point of no return for the device:
// callers must have placed or backed up all surviving data first.
func writeTable(dev BlockDevice, layout *DeviceLayout) error {
	var diskSig [4]byte
	if _, err := rand.Read(diskSig[:]); err != nil {
		return err
	}
	mbrImage, err := buildMBR(layout, diskSig)
	if err != nil {
		return &TableWriteError{Detail: err.Error()}
	}

	var gpt *gptImages
	if layout.HasGPT {
		if gpt, err = buildGPT(layout); err != nil {
			return &TableWriteError{Detail: err.Error()}
		}
	}

	if err := writeSectorsAt(dev, 0, mbrImage); err != nil {
		return err
	}
	if gpt != nil {
		if err := writeSectorsAt(dev, 1, gpt.PrimaryHeader); err != nil {
			return err
		}
		if err := writeSectorsAt(dev, 2, gpt.Entries); err != nil {
			return err
		}
		backupEntriesLBA := layout.TotalSectors - 1 - gptEntrySectors
		if err := writeSectorsAt(dev, backupEntriesLBA, gpt.Entries); err != nil {
			return err
		}
		if err := writeSectorsAt(dev, layout.TotalSectors-1, gpt.BackupHeader); err != nil {
			return err
		}
	}
	if err := dev.Sync(); err != nil {
		return err
	}
	return verifyTable(dev, layout)
}

// verifyTable re-scans the device and compares the result against the
// layout that was just written.
func verifyTable(dev BlockDevice, want *DeviceLayout) error {
	got, err := scanDevice(dev)
	if err != nil {
		return &TableWriteError{Detail: fmt.Sprintf("re-scan failed: %v", err)}
	}
	if got.HasGPT != want.HasGPT {
		return &TableWriteError{Detail: fmt.Sprintf("GPT presence: wrote %v, read %v", want.HasGPT, got.HasGPT)}
	}
	if len(got.Partitions) != len(want.Partitions) {
		return &TableWriteError{Detail: fmt.Sprintf("partition count: wrote %d, read %d", len(want.Partitions), len(got.Partitions))}
	}
	for i := range want.Partitions {
		w, g := want.Partitions[i], got.Partitions[i]
		if w.Role != g.Role || w.StartSector != g.StartSector || w.Sectors != g.Sectors {
			return &TableWriteError{Detail: fmt.Sprintf("entry %d: wrote %v, read %v", i, w, g)}
		}
	}
	return nil
}
