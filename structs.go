package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"
)

const (
	sectorSize = 512

	// Hekate aligns every partition to 16 MiB; the first partition
	// always starts one alignment unit in.
	alignSectors = 0x8000

	// Tail reserve for the backup GPT plus hekate's padding (31 MiB).
	endReserveSectors = 63488

	// Transfer engine chunk: 32 MiB at 512-byte sectors.
	copyChunkSectors = 65536

	mbrEntryOffset   = 446
	mbrSignature     = 0xAA55
	gptEntrySectors  = 32 // 128 entries x 128 bytes
	gptFirstUsable   = 34
	gptHeaderSize    = 92
	gptEntryCount    = 128
	gptEntrySize     = 128
	gptSignatureText = "EFI PART"
)

type mbrPartition struct {
	Status      uint8
	_           [3]byte
	Type        uint8
	_           [3]byte
	FirstSector uint32
	Sectors     uint32
}

type mbrStruct struct {
	_          [440]byte
	DiskSig    [4]byte
	_          [2]byte
	Partitions [4]mbrPartition
	Signature  uint16
}

type gptHeader struct {
	Signature           [8]byte
	Revision            [4]byte
	HeaderSize          uint32
	CRC32               uint32
	_                   [4]byte
	CurrentLBA          uint64
	BackupLBA           uint64
	FirstUsableLBA      uint64
	LastUsableLBA       uint64
	DiskGUID            [16]byte
	PartitionEntryLBA   uint64
	NumPartEntries      uint32
	PartEntrySize       uint32
	PartEntryArrayCRC32 uint32
}

type gptPartition struct {
	TypeGUID       [16]byte
	UniqueGUID     [16]byte
	FirstLBA       uint64
	LastLBA        uint64
	AttributeFlags uint64
	PartitionName  [72]byte
}

// guidToString formats a GUID byte array into the standard mixed-endian
// string format.
func guidToString(b [16]byte) string {
	d1 := binary.LittleEndian.Uint32(b[0:4])
	d2 := binary.LittleEndian.Uint16(b[4:6])
	d3 := binary.LittleEndian.Uint16(b[6:8])
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		d1, d2, d3,
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15],
	)
}

// decodeUTF16LE decodes a NUL-terminated UTF-16LE partition name.
func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i : i+2])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

// encodeUTF16LE encodes a partition name for a GPT entry.
func encodeUTF16LE(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	out := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// isAllZero checks if a byte slice is all zeros.
func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// gptHeaderCRC computes the header CRC32 with the CRC field zeroed, the
// way firmware validates it.
func gptHeaderCRC(headerBytes []byte, headerSize uint32) uint32 {
	tmp := make([]byte, headerSize)
	copy(tmp, headerBytes[:headerSize])
	for i := 16; i < 20; i++ {
		tmp[i] = 0
	}
	return crc32.ChecksumIEEE(tmp)
}

// validateGPTHeaderCRC validates the CRC32 of a GPT header.
func validateGPTHeaderCRC(headerBytes []byte, headerSize uint32) error {
	if len(headerBytes) < int(headerSize) || headerSize < gptHeaderSize {
		return fmt.Errorf("header too small for validation")
	}
	origCRC := binary.LittleEndian.Uint32(headerBytes[16:20])
	calculated := gptHeaderCRC(headerBytes, headerSize)
	if calculated != origCRC {
		return fmt.Errorf("GPT header CRC mismatch: calculated 0x%08X, expected 0x%08X", calculated, origCRC)
	}
	return nil
}

// validateGPTEntriesCRC validates the CRC32 of GPT partition entries.
func validateGPTEntriesCRC(entries []byte, expectedCRC uint32) error {
	calculated := crc32.ChecksumIEEE(entries)
	if calculated != expectedCRC {
		return fmt.Errorf("GPT entries CRC mismatch: calculated 0x%08X, expected 0x%08X", calculated, expectedCRC)
	}
	return nil
}

// alignUp rounds a sector number up to the next alignment boundary.
func alignUp(sectors uint64) uint64 {
	return (sectors + alignSectors - 1) &^ uint64(alignSectors-1)
}

// alignDown rounds a sector count down to the alignment boundary.
func alignDown(sectors uint64) uint64 {
	return sectors &^ uint64(alignSectors-1)
}
