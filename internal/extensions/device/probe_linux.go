//go:build linux

package device

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// siLoadShift is SI_LOAD_SHIFT from linux/kernel.h.
const siLoadShift = 16

func loadAverage() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return float64(info.Loads[0]) / (1 << siLoadShift), nil
}

func memoryInfo() (MemoryInfo, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MemoryInfo{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return MemoryInfo{
		Capacity:      uint64(info.Totalram) * unit,
		AvailCapacity: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}, nil
}

func diskUsage(path string) (total, avail uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
