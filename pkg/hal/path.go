package hal

import (
	"fmt"
	"strings"
)

// PartitionPath returns the device path of partition num on disk. NVMe,
// eMMC and loop devices insert a "p" separator (/dev/nvme0n1 ->
// /dev/nvme0n1p2); traditional disks append the number directly
// (/dev/sda -> /dev/sda2).
func PartitionPath(disk string, num int) string {
	if strings.Contains(disk, "nvme") || strings.Contains(disk, "mmcblk") || strings.Contains(disk, "loop") {
		return fmt.Sprintf("%sp%d", disk, num)
	}
	return fmt.Sprintf("%s%d", disk, num)
}

// NormalizeDisk expands a bare device name to its /dev path ("sda" ->
// "/dev/sda"); absolute paths pass through unchanged.
func NormalizeDisk(disk string) string {
	if strings.HasPrefix(disk, "/") {
		return disk
	}
	return "/dev/" + disk
}
