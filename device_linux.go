//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// deviceGeometry returns the byte size and logical sector size of the
// handle. Block devices are queried with ioctls; anything else (an image
// file) falls back to stat.
func deviceGeometry(f *os.File) (int64, int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return info.Size(), sectorSize, nil
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return 0, 0, fmt.Errorf("%s is a character device, use the block device node", f.Name())
	}

	var size uint64
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if e != 0 {
		return 0, 0, fmt.Errorf("ioctl BLKGETSIZE64 failed: %v", e)
	}

	ssz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		ssz = sectorSize
	}
	return int64(size), ssz, nil
}

// rereadPartitionTable asks the kernel to pick up a rewritten table.
// Best-effort: the ioctl fails on image files and busy devices.
func rereadPartitionTable(f *os.File) {
	info, err := f.Stat()
	if err != nil || info.Mode()&os.ModeDevice == 0 {
		return
	}
	_, _, _ = syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), unix.BLKRRPART, 0)
}

// listDisks enumerates whole block devices from /sys/class/block,
// skipping loopback and RAM devices and partition nodes.
func listDisks() ([]DiskInfo, error) {
	blockDevices, err := os.ReadDir("/sys/class/block")
	if err != nil {
		return nil, fmt.Errorf("reading /sys/class/block: %w", err)
	}

	excludePrefixes := []string{"loop", "zram", "ram", "dm-"}

	var disks []DiskInfo
	for _, bd := range blockDevices {
		devName := bd.Name()

		excluded := false
		for _, prefix := range excludePrefixes {
			if strings.HasPrefix(devName, prefix) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		// Partition nodes carry a "partition" attribute; skip them.
		if _, err := os.Stat("/sys/class/block/" + devName + "/partition"); err == nil {
			continue
		}

		devPath := "/dev/" + devName

		var sizeBytes int64
		if raw, err := os.ReadFile("/sys/class/block/" + devName + "/size"); err == nil {
			if sectors, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
				sizeBytes = sectors * sectorSize
			}
		}

		removable := false
		if raw, err := os.ReadFile("/sys/class/block/" + devName + "/removable"); err == nil {
			removable = strings.TrimSpace(string(raw)) == "1"
		}

		disks = append(disks, DiskInfo{
			Path:      devPath,
			Size:      sizeBytes,
			Removable: removable,
		})
	}

	return disks, nil
}
