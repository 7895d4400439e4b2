package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
)

var defaultThresholds = Thresholds{
	LowCPUPercent:     40,
	LowMemoryPercent:  50,
	HighCPUPercent:    85,
	HighMemoryPercent: 90,
}

type scriptedSampler struct {
	mu      sync.Mutex
	samples []Sample
	err     error
}

func (s *scriptedSampler) Sample(context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Sample{}, s.err
	}
	if len(s.samples) == 0 {
		return Sample{CPUPercent: 60, MemoryPercent: 60}, nil
	}
	out := s.samples[0]
	s.samples = s.samples[1:]
	return out, nil
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sample Sample
		want   crawler.Pressure
	}{
		{"both low", Sample{CPUPercent: 10, MemoryPercent: 20}, crawler.PressureLow},
		{"cpu low memory mid", Sample{CPUPercent: 10, MemoryPercent: 70}, crawler.PressureNormal},
		{"cpu high", Sample{CPUPercent: 95, MemoryPercent: 10}, crawler.PressureHigh},
		{"memory high", Sample{CPUPercent: 10, MemoryPercent: 95}, crawler.PressureHigh},
		{"at high threshold", Sample{CPUPercent: 85, MemoryPercent: 90}, crawler.PressureNormal},
		{"at low threshold", Sample{CPUPercent: 40, MemoryPercent: 20}, crawler.PressureNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, defaultThresholds.Classify(tt.sample))
		})
	}
}

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, defaultThresholds.Validate())
	bad := defaultThresholds
	bad.LowCPUPercent = 90
	require.Error(t, bad.Validate())
	bad = defaultThresholds
	bad.HighMemoryPercent = 120
	require.Error(t, bad.Validate())
}

func TestNewMonitorRejectsZeroInterval(t *testing.T) {
	t.Parallel()

	_, err := NewMonitor(Config{Thresholds: defaultThresholds})
	require.Error(t, err)
}

func TestMonitorEmitsLowAndHigh(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{samples: []Sample{
		{CPUPercent: 5, MemoryPercent: 5},
		{CPUPercent: 60, MemoryPercent: 60},
		{CPUPercent: 99, MemoryPercent: 5},
	}}
	m, err := NewMonitor(Config{Interval: 5 * time.Millisecond, Thresholds: defaultThresholds, Sampler: sampler})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Equal(t, crawler.PressureLow, receive(t, m.Signals()))
	require.Equal(t, crawler.PressureHigh, receive(t, m.Signals()))
}

func TestMonitorDropsWhenConsumerBusy(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{samples: []Sample{
		{CPUPercent: 5, MemoryPercent: 5},
		{CPUPercent: 99, MemoryPercent: 99},
		{CPUPercent: 99, MemoryPercent: 99},
	}}
	m, err := NewMonitor(Config{Interval: time.Hour, Thresholds: defaultThresholds, Sampler: sampler})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			m.tick(context.Background())
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick blocked on a busy consumer")
	}
	require.Equal(t, crawler.PressureLow, receive(t, m.Signals()))
	select {
	case sig := <-m.Signals():
		t.Fatalf("unexpected buffered signal %v", sig)
	default:
	}
}

func TestMonitorSurvivesSamplerErrors(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{err: errors.New("procfs unavailable")}
	m, err := NewMonitor(Config{Interval: time.Hour, Thresholds: defaultThresholds, Sampler: sampler})
	require.NoError(t, err)
	m.tick(context.Background())
	select {
	case sig := <-m.Signals():
		t.Fatalf("unexpected signal %v", sig)
	default:
	}
}

func receive(t *testing.T, ch <-chan crawler.Pressure) crawler.Pressure {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(time.Second):
		t.Fatal("no pressure signal")
		return crawler.PressureNormal
	}
}
