// Package hardware samples host CPU and memory load and turns each sample
// into a pool pressure signal.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
)

// Sample is one load reading in percent (0-100).
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Sampler reads the current host load.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Thresholds classify samples. Low requires both readings below their low
// threshold; High requires either reading above its high threshold.
type Thresholds struct {
	LowCPUPercent     float64
	LowMemoryPercent  float64
	HighCPUPercent    float64
	HighMemoryPercent float64
}

// Validate checks the thresholds are ordered and within 0-100.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.LowCPUPercent, t.LowMemoryPercent, t.HighCPUPercent, t.HighMemoryPercent} {
		if v < 0 || v > 100 {
			return fmt.Errorf("threshold %.1f out of range", v)
		}
	}
	if t.LowCPUPercent > t.HighCPUPercent {
		return errors.New("low cpu threshold above high cpu threshold")
	}
	if t.LowMemoryPercent > t.HighMemoryPercent {
		return errors.New("low memory threshold above high memory threshold")
	}
	return nil
}

// Classify maps s onto a pressure level.
func (t Thresholds) Classify(s Sample) crawler.Pressure {
	switch {
	case s.CPUPercent > t.HighCPUPercent || s.MemoryPercent > t.HighMemoryPercent:
		return crawler.PressureHigh
	case s.CPUPercent < t.LowCPUPercent && s.MemoryPercent < t.LowMemoryPercent:
		return crawler.PressureLow
	default:
		return crawler.PressureNormal
	}
}

// Monitor periodically samples the host and emits Low/High signals.
type Monitor struct {
	sampler    Sampler
	thresholds Thresholds
	interval   time.Duration
	signals    chan crawler.Pressure
	logger     *zap.Logger
}

// Config wires a Monitor.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	// Sampler defaults to gopsutil host readings.
	Sampler Sampler
	Logger  *zap.Logger
}

// NewMonitor validates cfg and builds a Monitor. Call Run to start sampling.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("sample interval must be > 0")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("validate thresholds: %w", err)
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = HostSampler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sampler:    sampler,
		thresholds: cfg.Thresholds,
		interval:   cfg.Interval,
		signals:    make(chan crawler.Pressure, 1),
		logger:     logger.Named("hardware"),
	}, nil
}

// Signals carries Low and High samples. A signal is dropped when the consumer
// has not taken the previous one yet.
func (m *Monitor) Signals() <-chan crawler.Pressure {
	return m.signals
}

// Run samples every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warn("hardware sample failed", zap.Error(err))
		}
		return
	}
	level := m.thresholds.Classify(s)
	if level == crawler.PressureNormal {
		return
	}
	select {
	case m.signals <- level:
		metrics.ObservePressure(level.String())
		m.logger.Debug("pressure signal",
			zap.Stringer("level", level),
			zap.Float64("cpu_percent", s.CPUPercent),
			zap.Float64("memory_percent", s.MemoryPercent))
	default:
	}
}

// HostSampler reads real host load through gopsutil.
type HostSampler struct{}

// Sample implements Sampler. CPU usage is measured since the previous call.
func (HostSampler) Sample(ctx context.Context) (Sample, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read virtual memory: %w", err)
	}
	var s Sample
	if len(cpus) > 0 {
		s.CPUPercent = cpus[0]
	}
	s.MemoryPercent = vm.UsedPercent
	return s, nil
}
