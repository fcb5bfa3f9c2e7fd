package main

import (
	"errors"
	"fmt"
)

// memDevice is a sparse, sector-granular in-memory BlockDevice for
// tests. Only non-zero sectors are stored, so multi-gigabyte virtual
// devices stay cheap. The engine always issues sector-aligned IO, which
// the device enforces.
type memDevice struct {
	sectors  map[uint64][]byte
	total    uint64
	path     string
	readOnly bool
	syncs    int

	failReadSector  uint64
	failWriteSector uint64
}

const noFailure = ^uint64(0)

var errInjected = errors.New("injected fault")

func newMemDevice(totalSectors uint64) *memDevice {
	return &memDevice{
		sectors:         make(map[uint64][]byte),
		total:           totalSectors,
		path:            "mem",
		failReadSector:  noFailure,
		failWriteSector: noFailure,
	}
}

func (d *memDevice) split(p []byte, off int64) (sector, count uint64, err error) {
	if off < 0 || off%sectorSize != 0 || len(p)%sectorSize != 0 {
		return 0, 0, fmt.Errorf("unaligned io: off=%d len=%d", off, len(p))
	}
	sector = uint64(off) / sectorSize
	count = uint64(len(p)) / sectorSize
	if sector+count > d.total {
		return 0, 0, fmt.Errorf("io past device end: sector %d + %d > %d", sector, count, d.total)
	}
	return sector, count, nil
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	sector, count, err := d.split(p, off)
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < count; i++ {
		if sector+i == d.failReadSector {
			return int(i * sectorSize), errInjected
		}
		chunk := p[i*sectorSize : (i+1)*sectorSize]
		if stored, ok := d.sectors[sector+i]; ok {
			copy(chunk, stored)
		} else {
			for j := range chunk {
				chunk[j] = 0
			}
		}
	}
	return len(p), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, fmt.Errorf("write to %s: %w", d.path, errReadOnlyDevice)
	}
	sector, count, err := d.split(p, off)
	if err != nil {
		return 0, err
	}
	for i := uint64(0); i < count; i++ {
		if sector+i == d.failWriteSector {
			return int(i * sectorSize), errInjected
		}
		chunk := p[i*sectorSize : (i+1)*sectorSize]
		if isAllZero(chunk) {
			delete(d.sectors, sector+i)
			continue
		}
		stored := make([]byte, sectorSize)
		copy(stored, chunk)
		d.sectors[sector+i] = stored
	}
	return len(p), nil
}

func (d *memDevice) SectorSize() uint32   { return sectorSize }
func (d *memDevice) TotalSectors() uint64 { return d.total }
func (d *memDevice) Path() string         { return d.path }
func (d *memDevice) Close() error         { return nil }

func (d *memDevice) Sync() error {
	d.syncs++
	return nil
}

// readSector returns a sector's content, zeros when never written.
func (d *memDevice) readSector(sector uint64) []byte {
	out := make([]byte, sectorSize)
	if stored, ok := d.sectors[sector]; ok {
		copy(out, stored)
	}
	return out
}

// fillSectors writes a recognizable pattern over a range so relocation
// tests can verify data survived byte for byte.
func (d *memDevice) fillSectors(start, count uint64, seed byte) {
	buf := make([]byte, sectorSize)
	for i := uint64(0); i < count; i++ {
		for j := range buf {
			buf[j] = seed ^ byte(i+uint64(j))
		}
		if _, err := d.WriteAt(buf, int64(start+i)*sectorSize); err != nil {
			panic(err)
		}
	}
}

// checkSectors verifies the pattern written by fillSectors.
func (d *memDevice) checkSectors(start, count uint64, seed byte) bool {
	buf := make([]byte, sectorSize)
	for i := uint64(0); i < count; i++ {
		got := d.readSector(start + i)
		for j := range buf {
			buf[j] = seed ^ byte(i+uint64(j))
		}
		if string(got) != string(buf) {
			return false
		}
	}
	return true
}
