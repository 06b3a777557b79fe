// Package monitor provides best-effort system CPU utilization snapshots for
// admission control. Sampling is abstracted behind Sampler so the supervisor
// core stays testable without OS introspection.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/kimiz-org/kimiz-sub002/internal/model"
)

// Sampler produces a system CPU utilization snapshot. Implementations never
// return an error: a failed sample yields CPUPercent 0, which callers must
// read as "unknown, assume permissive".
type Sampler interface {
	Sample(ctx context.Context) model.ResourceSnapshot
}

const (
	// Admission checks must not stall behind a slow sampler.
	sampleBudget = time.Second
	// Comparison window passed to gopsutil.
	sampleWindow = 250 * time.Millisecond
)

// CPUSampler reads system-wide utilization via gopsutil.
type CPUSampler struct{}

func NewCPUSampler() CPUSampler {
	return CPUSampler{}
}

func (CPUSampler) Sample(ctx context.Context) model.ResourceSnapshot {
	ctx, cancel := context.WithTimeout(ctx, sampleBudget)
	defer cancel()

	percs, err := cpu.PercentWithContext(ctx, sampleWindow, false)
	if err != nil || len(percs) == 0 {
		slog.WarnContext(ctx, "cpu sampling failed, assuming permissive", "error", err)
		return model.ResourceSnapshot{SampledAt: time.Now()}
	}
	return model.ResourceSnapshot{
		CPUPercent: percs[0],
		SampledAt:  time.Now(),
	}
}

// Static always reports the same utilization. Used by tests and to disable
// CPU throttling.
type Static struct {
	CPU float64
}

func (s Static) Sample(context.Context) model.ResourceSnapshot {
	return model.ResourceSnapshot{CPUPercent: s.CPU, SampledAt: time.Now()}
}
