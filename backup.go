package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	backupManifestName  = "manifest.json"
	backupImageBase     = "fat32"
	defaultCompression  = "zstd"
	backupChunkSectors  = 2048 // 1 MiB reads keep the compressor fed
	backupDirPermission = 0o755
)

// BackupManifest describes one stored sector range. It is written as
// plain JSON next to the image so a session survives the process and can
// be inspected or restored by hand.
type BackupManifest struct {
	SessionID   string    `json:"session_id"`
	Device      string    `json:"device"`
	StartSector uint64    `json:"start_sector"`
	Sectors     uint64    `json:"sectors"`
	Compression string    `json:"compression"`
	ImageFile   string    `json:"image_file"`
	CreatedAt   time.Time `json:"created_at"`
}

// TemporaryBackup is an off-device staging copy of a sector range,
// exclusively owned by one cleanup session. It is never deleted
// automatically on failure; the data it holds is the only copy.
type TemporaryBackup struct {
	Dir      string
	Manifest BackupManifest
}

type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}

// compressionExtension returns the file extension for an algorithm.
func compressionExtension(algorithm string) (string, error) {
	switch algorithm {
	case "gzip":
		return ".gz", nil
	case "zlib":
		return ".zlib", nil
	case "bzip2":
		return ".bz2", nil
	case "snappy":
		return ".snappy", nil
	case "s2":
		return ".s2", nil
	case "zstd":
		return ".zst", nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// newCompressionWriter wraps output in the selected compressor.
func newCompressionWriter(algorithm string, output io.Writer) (io.WriteCloser, error) {
	switch algorithm {
	case "gzip":
		return gzip.NewWriter(output), nil
	case "zlib":
		return zlib.NewWriter(output), nil
	case "bzip2":
		return bzip2.NewWriter(output, &bzip2.WriterConfig{})
	case "snappy":
		return snappy.NewBufferedWriter(output), nil
	case "s2":
		return s2.NewWriter(output), nil
	case "zstd":
		return zstd.NewWriter(output)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// newDecompressionReader wraps input in the matching decompressor.
func newDecompressionReader(algorithm string, input io.Reader) (io.ReadCloser, error) {
	switch algorithm {
	case "gzip":
		return gzip.NewReader(input)
	case "zlib":
		return zlib.NewReader(input)
	case "bzip2":
		return bzip2.NewReader(input, nil)
	case "snappy":
		return io.NopCloser(snappy.NewReader(input)), nil
	case "s2":
		return io.NopCloser(s2.NewReader(input)), nil
	case "zstd":
		r, err := zstd.NewReader(input)
		if err != nil {
			return nil, err
		}
		return r.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// newBackupSession creates a fresh session directory under baseDir with
// a unique id, so concurrent cleanups on one system never collide.
func newBackupSession(baseDir, device, algorithm string) (*TemporaryBackup, error) {
	if algorithm == "" {
		algorithm = defaultCompression
	}
	ext, err := compressionExtension(algorithm)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, backupDirPermission); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	return &TemporaryBackup{
		Dir: dir,
		Manifest: BackupManifest{
			SessionID:   id,
			Device:      device,
			Compression: algorithm,
			ImageFile:   backupImageBase + ext,
			CreatedAt:   time.Now().UTC(),
		},
	}, nil
}

// openBackupSession loads an existing session from its directory.
func openBackupSession(dir string) (*TemporaryBackup, error) {
	raw, err := os.ReadFile(filepath.Join(dir, backupManifestName))
	if err != nil {
		return nil, fmt.Errorf("reading backup manifest: %w", err)
	}
	b := &TemporaryBackup{Dir: dir}
	if err := json.Unmarshal(raw, &b.Manifest); err != nil {
		return nil, fmt.Errorf("decoding backup manifest: %w", err)
	}
	return b, nil
}

// listBackupSessions returns every readable session under baseDir.
func listBackupSessions(baseDir string) ([]*TemporaryBackup, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []*TemporaryBackup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := openBackupSession(filepath.Join(baseDir, e.Name()))
		if err != nil {
			continue
		}
		sessions = append(sessions, b)
	}
	return sessions, nil
}

// Store compresses the sector range into the session image and writes
// the manifest last, so a manifest on disk always means a complete image.
func (b *TemporaryBackup) Store(ctx context.Context, dev BlockDevice, rng sectorRange, progress transferProgress) error {
	b.Manifest.StartSector = rng.Start
	b.Manifest.Sectors = rng.Sectors

	imagePath := filepath.Join(b.Dir, b.Manifest.ImageFile)
	out, err := os.Create(imagePath)
	if err != nil {
		return fmt.Errorf("creating backup image: %w", err)
	}
	defer out.Close()

	cw := &countingWriter{w: out}
	comp, err := newCompressionWriter(b.Manifest.Compression, cw)
	if err != nil {
		return err
	}
	compClosed := false
	defer func() {
		// Close releases the compressor's workers even when the copy
		// loop bails out early; the image is discarded then anyway.
		if !compClosed {
			_ = comp.Close()
		}
	}()

	buf := make([]byte, backupChunkSectors*sectorSize)
	var done uint64
	for done < rng.Sectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := uint64(backupChunkSectors)
		if remaining := rng.Sectors - done; remaining < n {
			n = remaining
		}
		sector := rng.Start + done
		if _, err := dev.ReadAt(buf[:n*sectorSize], int64(sector)*sectorSize); err != nil {
			return &IOError{Op: "read", Sector: sector, Err: err}
		}
		if _, err := comp.Write(buf[:n*sectorSize]); err != nil {
			return fmt.Errorf("writing backup image: %w", err)
		}
		done += n
		if progress != nil {
			progress(done, rng.Sectors)
		}
	}
	compClosed = true
	if err := comp.Close(); err != nil {
		return fmt.Errorf("finalizing backup image: %w", err)
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return b.writeManifest()
}

// Restore streams the stored image back onto the device at targetStart.
// The stored range may be longer than needed; maxSectors truncates it
// (zero means the full stored length).
func (b *TemporaryBackup) Restore(ctx context.Context, dev BlockDevice, targetStart, maxSectors uint64, progress transferProgress) error {
	total := b.Manifest.Sectors
	if maxSectors != 0 && maxSectors < total {
		total = maxSectors
	}

	in, err := os.Open(filepath.Join(b.Dir, b.Manifest.ImageFile))
	if err != nil {
		return fmt.Errorf("opening backup image: %w", err)
	}
	defer in.Close()

	dec, err := newDecompressionReader(b.Manifest.Compression, in)
	if err != nil {
		return err
	}
	defer dec.Close()

	buf := make([]byte, backupChunkSectors*sectorSize)
	var done uint64
	for done < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := uint64(backupChunkSectors)
		if remaining := total - done; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(dec, buf[:n*sectorSize]); err != nil {
			return fmt.Errorf("reading backup image: %w", err)
		}
		sector := targetStart + done
		if _, err := dev.WriteAt(buf[:n*sectorSize], int64(sector)*sectorSize); err != nil {
			return &IOError{Op: "write", Sector: sector, Err: err}
		}
		done += n
		if progress != nil {
			progress(done, total)
		}
	}
	return dev.Sync()
}

// Remove deletes the session directory. Called only after a fully
// successful cleanup.
func (b *TemporaryBackup) Remove() error {
	return os.RemoveAll(b.Dir)
}

func (b *TemporaryBackup) writeManifest() error {
	raw, err := json.MarshalIndent(&b.Manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir, backupManifestName), raw, 0o644)
}
