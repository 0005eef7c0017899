//go:build !linux

package resource

import "runtime"

// Without a portable host probe, report the Go runtime's own footprint.
func systemStats() (SystemStats, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := ms.Sys - ms.HeapReleased
	return SystemStats{Used: used, Total: ms.Sys, Free: ms.HeapReleased, Percent: percent(used, ms.Sys)}, nil
}
