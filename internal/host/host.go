// Package host reports resource usage of the machine running the
// monitor, surfaced through the health endpoint so an operator can spot
// a box that is too loaded to keep up with frame capture.
package host

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	psuhost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time reading of host resources.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	CPUPercent    float64   `json:"cpu_percent"`
	Load1         float64   `json:"load1"`
	MemoryUsedPct float64   `json:"memory_used_pct"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	UptimeSec     uint64    `json:"uptime_sec"`
	Timestamp     time.Time `json:"timestamp"`
}

// Collect gathers a snapshot. Individual probe failures are logged and
// leave their fields zero rather than failing the whole read; a health
// endpoint that errors out is worse than one with a missing gauge.
func Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		PID:       os.Getpid(),
		Timestamp: time.Now(),
	}
	if name, err := os.Hostname(); err == nil {
		snap.Hostname = name
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		log.Printf("[host] cpu read: %v", err)
	} else if len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		log.Printf("[host] load read: %v", err)
	} else {
		snap.Load1 = avg.Load1
	}
	if up, err := psuhost.UptimeWithContext(ctx); err != nil {
		log.Printf("[host] uptime read: %v", err)
	} else {
		snap.UptimeSec = up
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Printf("[host] memory read: %v", err)
	} else {
		snap.MemoryUsedPct = vm.UsedPercent
		snap.MemoryTotalMB = vm.Total / (1024 * 1024)
	}
	return snap
}
