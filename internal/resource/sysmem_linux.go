//go:build linux

package resource

import "golang.org/x/sys/unix"

func systemStats() (SystemStats, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return SystemStats{}, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	used := uint64(0)
	if total > free {
		used = total - free
	}
	return SystemStats{Used: used, Total: total, Free: free, Percent: percent(used, total)}, nil
}
