package main

import (
	"context"
	"fmt"
	"io"
)

// sectorRange addresses a contiguous run of absolute sectors.
type sectorRange struct {
	Start   uint64
	Sectors uint64
}

func (r sectorRange) End() uint64 { return r.Start + r.Sectors }

func (r sectorRange) String() string {
	return fmt.Sprintf("[%d..%d)", r.Start, r.End())
}

// transferProgress is invoked after every completed chunk with the
// number of sectors copied so far. It must not block the copy loop.
type transferProgress func(doneSectors, totalSectors uint64)

// copySectors copies src on from to dst on to, strictly forward in
// chunks of chunkSectors (the final chunk truncated to the remainder).
// Cancellation is honored between chunks, never mid-chunk, so a write is
// never torn. On failure it returns the sectors completed before the
// failing chunk and an IOError carrying the exact absolute sector.
// It never retries and never continues past an error: a failing sector
// on removable media usually indicates device-level trouble, and
// pressing on risks silent corruption.
func copySectors(ctx context.Context, from io.ReaderAt, src sectorRange, to io.WriterAt, dst sectorRange, chunkSectors uint64, progress transferProgress) (uint64, error) {
	if src.Sectors != dst.Sectors {
		return 0, fmt.Errorf("copy %v -> %v: %w", src, dst, errRangeMismatch)
	}
	if chunkSectors == 0 {
		chunkSectors = copyChunkSectors
	}

	buf := make([]byte, chunkSectors*sectorSize)
	var done uint64
	for done < src.Sectors {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n := chunkSectors
		if remaining := src.Sectors - done; remaining < n {
			n = remaining
		}
		chunk := buf[:n*sectorSize]

		readSector := src.Start + done
		if nr, err := from.ReadAt(chunk, int64(readSector)*sectorSize); err != nil {
			return done, &IOError{Op: "read", Sector: readSector + uint64(nr)/sectorSize, Err: err}
		}

		writeSector := dst.Start + done
		if nw, err := to.WriteAt(chunk, int64(writeSector)*sectorSize); err != nil {
			return done, &IOError{Op: "write", Sector: writeSector + uint64(nw)/sectorSize, Err: err}
		}

		done += n
		if progress != nil {
			progress(done, src.Sectors)
		}
	}
	return done, nil
}

// copySectorsBackward copies between overlapping ranges on the same
// device when the destination lies after the source, walking chunks from
// the end of the range toward the start so no chunk reads bytes an
// earlier chunk already overwrote. Used by the FAT32 expander to shift
// the cluster heap when the FATs grow.
func copySectorsBackward(ctx context.Context, dev io.ReaderAt, src sectorRange, to io.WriterAt, dst sectorRange, chunkSectors uint64, progress transferProgress) (uint64, error) {
	if src.Sectors != dst.Sectors {
		return 0, fmt.Errorf("copy %v -> %v: %w", src, dst, errRangeMismatch)
	}
	if chunkSectors == 0 {
		chunkSectors = copyChunkSectors
	}

	buf := make([]byte, chunkSectors*sectorSize)
	var done uint64
	for done < src.Sectors {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n := chunkSectors
		if remaining := src.Sectors - done; remaining < n {
			n = remaining
		}
		chunk := buf[:n*sectorSize]

		readSector := src.End() - done - n
		if nr, err := dev.ReadAt(chunk, int64(readSector)*sectorSize); err != nil {
			return done, &IOError{Op: "read", Sector: readSector + uint64(nr)/sectorSize, Err: err}
		}

		writeSector := dst.End() - done - n
		if nw, err := to.WriteAt(chunk, int64(writeSector)*sectorSize); err != nil {
			return done, &IOError{Op: "write", Sector: writeSector + uint64(nw)/sectorSize, Err: err}
		}

		done += n
		if progress != nil {
			progress(done, src.Sectors)
		}
	}
	return done, nil
}

// zeroSectors writes zeros over a range in chunks, with the same
// cancellation and error semantics as copySectors.
func zeroSectors(ctx context.Context, to io.WriterAt, rng sectorRange, chunkSectors uint64, progress transferProgress) (uint64, error) {
	if chunkSectors == 0 {
		chunkSectors = copyChunkSectors
	}
	zeros := make([]byte, chunkSectors*sectorSize)

	var done uint64
	for done < rng.Sectors {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n := chunkSectors
		if remaining := rng.Sectors - done; remaining < n {
			n = remaining
		}

		writeSector := rng.Start + done
		if nw, err := to.WriteAt(zeros[:n*sectorSize], int64(writeSector)*sectorSize); err != nil {
			return done, &IOError{Op: "write", Sector: writeSector + uint64(nw)/sectorSize, Err: err}
		}
		done += n
		if progress != nil {
			progress(done, rng.Sectors)
		}
	}
	return done, nil
}

// readSectorsAt reads a small metadata run into a fresh buffer.
func readSectorsAt(from io.ReaderAt, start, count uint64) ([]byte, error) {
	buf := make([]byte, count*sectorSize)
	if _, err := from.ReadAt(buf, int64(start)*sectorSize); err != nil {
		return nil, &IOError{Op: "read", Sector: start, Err: err}
	}
	return buf, nil
}

// writeSectorsAt writes a small metadata run.
func writeSectorsAt(to io.WriterAt, start uint64, data []byte) error {
	if _, err := to.WriteAt(data, int64(start)*sectorSize); err != nil {
		return &IOError{Op: "write", Sector: start, Err: err}
	}
	return nil
}
