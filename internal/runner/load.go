package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/procfs"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// LoadSample is a point-in-time view of host pressure. Both values are fractions
// where 1.0 means fully used.
type LoadSample struct {
	CPU    float64
	Memory float64
}

// LoadSampler reports host pressure.
type LoadSampler interface {
	Sample() (LoadSample, error)
}

// ProcSampler reads /proc: CPU is the 1-minute load average per CPU and Memory is
// 1 - MemAvailable/MemTotal.
type ProcSampler struct {
	fs   procfs.FS
	cpus int
}

// NewProcSampler opens the proc filesystem at mountPoint ("/proc" when empty).
func NewProcSampler(mountPoint string) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs, cpus: runtime.NumCPU()}, nil
}

func (p *ProcSampler) Sample() (LoadSample, error) {
	avg, err := p.fs.LoadAvg()
	if err != nil {
		return LoadSample{}, fmt.Errorf("read loadavg: %w", err)
	}
	mem, err := p.fs.Meminfo()
	if err != nil {
		return LoadSample{}, fmt.Errorf("read meminfo: %w", err)
	}
	sample := LoadSample{CPU: avg.Load1 / float64(max(p.cpus, 1))}
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		sample.Memory = 1 - float64(*mem.MemAvailable)/float64(*mem.MemTotal)
	}
	return sample, nil
}

// LoadPolicy is the load-shedding gate applied before every dispatch.
type LoadPolicy struct {
	CPUThreshold    float64
	MemoryThreshold float64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxWait         time.Duration
}

func (p LoadPolicy) withDefaults() LoadPolicy {
	if p.CPUThreshold <= 0 {
		p.CPUThreshold = 0.9
	}
	if p.MemoryThreshold <= 0 {
		p.MemoryThreshold = 0.9
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 5 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Minute
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 5 * time.Minute
	}
	return p
}

var errOverloaded = errors.New("host over load threshold")

// waitForCapacity blocks with exponential backoff while the host is above the
// load thresholds. It returns models.ErrResourceSaturation once MaxWait is spent.
func (r *Runner) waitForCapacity(ctx context.Context) error {
	if r.sampler == nil {
		return nil
	}
	policy := r.load

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.MaxInterval = policy.MaxBackoff

	var last LoadSample
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		sample, err := r.sampler.Sample()
		if err != nil {
			// Without a reading there is nothing to shed on.
			r.logger.Debug("load sample unavailable", slog.Any("error", err))
			return struct{}{}, nil
		}
		last = sample
		if sample.CPU > policy.CPUThreshold || sample.Memory > policy.MemoryThreshold {
			metrics.ObserveLoadShed()
			r.logger.Warn("dispatch deferred by load",
				slog.Float64("cpu", sample.CPU),
				slog.Float64("memory", sample.Memory))
			return struct{}{}, errOverloaded
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(policy.MaxWait))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: cpu %.2f memory %.2f", models.ErrResourceSaturation, last.CPU, last.Memory)
}
