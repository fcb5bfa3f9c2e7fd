//go:build !linux

package main

import (
	"fmt"
	"os"
)

// deviceGeometry on non-Linux platforms supports image files only.
func deviceGeometry(f *os.File) (int64, int, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if info.Mode()&os.ModeDevice != 0 {
		return 0, 0, fmt.Errorf("raw block devices are only supported on linux")
	}
	return info.Size(), sectorSize, nil
}

func rereadPartitionTable(*os.File) {}

func listDisks() ([]DiskInfo, error) {
	return nil, fmt.Errorf("device enumeration is only supported on linux")
}
