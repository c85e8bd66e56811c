//go:build !linux

package device

func loadAverage() (float64, error) { return 0, ErrNotSupported }

func memoryInfo() (MemoryInfo, error) { return MemoryInfo{}, ErrNotSupported }

func diskUsage(string) (total, avail uint64, err error) { return 0, 0, ErrNotSupported }
