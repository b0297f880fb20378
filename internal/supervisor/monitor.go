package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one Status Monitor reading.
type Sample struct {
	CPU        float64 // percent, 0-100
	MemUsedMB  uint64
	MemTotalMB uint64
}

// Sampler reads host load. The pid is the supervised process, for samplers
// that want per-process figures.
type Sampler interface {
	Sample(ctx context.Context, pid int) (Sample, error)
}

// HostSampler samples whole-host CPU and memory.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context, _ int) (Sample, error) {
	// Interval 0 compares against the previous call, so the first reading
	// after startup may be 0.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory: %w", err)
	}

	s := Sample{
		MemUsedMB:  vm.Used / (1024 * 1024),
		MemTotalMB: vm.Total / (1024 * 1024),
	}
	if len(pct) > 0 {
		s.CPU = pct[0]
	}
	return s, nil
}

// monitor samples every interval until ctx is cancelled and hands each
// reading to apply. Failed samples are reported and skipped.
func monitor(ctx context.Context, interval time.Duration, pid int, sampler Sampler, apply func(Sample), fail func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := sampler.Sample(ctx, pid)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				fail(err)
				continue
			}
			apply(s)
		}
	}
}

// formatUptime renders d as "1d 2h 3m", leaving out zero units and falling
// back to "0m".
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	days := minutes / (24 * 60)
	hours := minutes / 60 % 24
	minutes %= 60

	out := ""
	if days > 0 {
		out += fmt.Sprintf("%dd ", days)
	}
	if hours > 0 {
		out += fmt.Sprintf("%dh ", hours)
	}
	if minutes > 0 {
		out += fmt.Sprintf("%dm ", minutes)
	}
	if out == "" {
		return "0m"
	}
	return out[:len(out)-1]
}
