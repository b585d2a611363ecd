package card

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// LocalMount describes a file system the local OS has mounted from a card.
type LocalMount struct {
	Device      string  `json:"device"`
	Mountpoint  string  `json:"mountpoint"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// LocalMounts returns the local mounts of device or any of its
// partitions, with usage where the mount point can be queried.
func LocalMounts(ctx context.Context, device string) ([]LocalMount, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}

	device = resolveDevice(device)

	var mounts []LocalMount
	for _, p := range partitions {
		if !isPartitionOf(resolveDevice(p.Device), device) {
			continue
		}
		m := LocalMount{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Fstype:     p.Fstype,
		}
		if usage, err := disk.UsageWithContext(ctx, p.Mountpoint); err == nil {
			m.Total = usage.Total
			m.Used = usage.Used
			m.Free = usage.Free
			m.UsedPercent = usage.UsedPercent
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// resolveDevice follows /dev/disk/by-* style symlinks.
func resolveDevice(path string) string {
	if target, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(target)
	}
	return filepath.Clean(path)
}

// isPartitionOf reports whether part is device itself or one of its
// partitions (sda1 of sda, mmcblk0p1 of mmcblk0).
func isPartitionOf(part, device string) bool {
	if part == device {
		return true
	}
	suffix, ok := strings.CutPrefix(part, device)
	if !ok || suffix == "" {
		return false
	}
	suffix = strings.TrimPrefix(suffix, "p")
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
