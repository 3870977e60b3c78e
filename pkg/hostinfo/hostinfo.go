// Package hostinfo captures the host environment snapshot carried in every
// SessionSummary (spec §3): OS, CPU, memory, and host name at session start.
package hostinfo

import (
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// Capture snapshots the current host environment. Individual gopsutil
// probes are best-effort: a failure on one (e.g. no /proc in a sandboxed
// container) leaves that field zero-valued rather than failing the whole
// capture, since a session must still start without full host telemetry.
func Capture() record.HostEnvironment {
	env := record.HostEnvironment{}

	if hostname, err := os.Hostname(); err == nil {
		env.HostName = hostname
	}

	if info, err := host.Info(); err == nil {
		env.OS = info.Platform
		env.OSVersion = info.PlatformVersion
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		env.CPUModel = cpus[0].ModelName
		count := 0
		for _, c := range cpus {
			count += int(c.Cores)
		}
		if count == 0 {
			count = len(cpus)
		}
		env.CPUCount = count
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		env.TotalMemory = vm.Total
	}

	return env
}
