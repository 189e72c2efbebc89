package keyvalstore

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

const bytesPerGB = 1024 * 1024 * 1024

// checkFreeSpace refuses to proceed when the volume holding path has
// less than minimumFreeGB available. A store that runs a disk full
// mid-batch leaves far worse wreckage than an early refusal.
func checkFreeSpace(path string, minimumFreeGB uint) error {
	if minimumFreeGB == 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage for %s: %w", path, err)
	}
	if usage.Free < uint64(minimumFreeGB)*bytesPerGB {
		return fmt.Errorf("keyvalstore: %s has %d GB free, need at least %d GB",
			path, usage.Free/bytesPerGB, minimumFreeGB)
	}
	return nil
}

// FreeBytes reports the free space on the volume holding path. The
// executor uses it as a batch preflight.
func FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.Free, nil
}
