package resource

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const mib = 1024 * 1024

type DeviceStats struct {
	Present bool    `json:"present"`
	Name    string  `json:"name,omitempty"`
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

type SystemStats struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

type MemoryStats struct {
	Device DeviceStats `json:"device"`
	System SystemStats `json:"system"`
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) * 100 / float64(total)
}

type IDeviceProbe interface {
	Stats(ctx context.Context) (DeviceStats, error)
}

type noDevice struct{}

// NoDevice reports no accelerator, so every gate passes.
func NoDevice() IDeviceProbe {
	return noDevice{}
}

func (noDevice) Stats(context.Context) (DeviceStats, error) {
	return DeviceStats{}, nil
}

// DetectDevice returns an nvidia-smi probe when layers are offloaded and
// the tool is installed.
func DetectDevice(gpuLayers int) IDeviceProbe {
	if gpuLayers <= 0 {
		return NoDevice()
	}
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return NoDevice()
	}
	return &nvidiaProbe{path: path}
}

type nvidiaProbe struct {
	path string
}

func (p *nvidiaProbe) Stats(ctx context.Context) (DeviceStats, error) {
	out, err := exec.CommandContext(ctx, p.path,
		"--query-gpu=name,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return DeviceStats{}, err
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI reads the first GPU line: "name, used MiB, total MiB".
func parseNvidiaSMI(out string) (DeviceStats, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return DeviceStats{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	used, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return DeviceStats{}, fmt.Errorf("parse used memory: %w", err)
	}
	total, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return DeviceStats{}, fmt.Errorf("parse total memory: %w", err)
	}
	used, total = used*mib, total*mib
	free := uint64(0)
	if total > used {
		free = total - used
	}
	return DeviceStats{
		Present: true,
		Name:    strings.TrimSpace(fields[0]),
		Used:    used,
		Total:   total,
		Free:    free,
		Percent: percent(used, total),
	}, nil
}
