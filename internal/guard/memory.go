package guard

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/schedule"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const (
	DefaultMemoryThreshold = 1 << 30
	DefaultMemoryInterval  = 30 * time.Second
)

// Sampler reports current memory usage in bytes. ok is false when the
// environment exposes no memory introspection.
type Sampler interface {
	Sample() (bytes uint64, ok bool)
}

type SamplerFunc func() (uint64, bool)

func (f SamplerFunc) Sample() (uint64, bool) { return f() }

type RuntimeSampler struct{}

func (RuntimeSampler) Sample() (uint64, bool) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc, true
}

type UnavailableSampler struct{}

func (UnavailableSampler) Sample() (uint64, bool) { return 0, false }

type MemoryStatus struct {
	Available bool
	Bytes     uint64
	Threshold uint64
	Tripped   bool
}

type MemoryOptions struct {
	Sampler   Sampler
	Threshold uint64
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
}

// MemoryGuard trips at most once per lifetime. The emergency callbacks run
// on the goroutine that observed the breach.
type MemoryGuard struct {
	mu        sync.Mutex
	sampler   Sampler
	threshold uint64
	tripped   bool
	handlers  []func(reason string)
	stop      func()
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

func NewMemoryGuard(opts MemoryOptions) *MemoryGuard {
	sampler := opts.Sampler
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultMemoryThreshold
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &MemoryGuard{
		sampler:   sampler,
		threshold: threshold,
		logger:    telemetry.Component(opts.Logger, "memory_guard"),
		metrics:   metrics,
	}
}

func (g *MemoryGuard) OnEmergency(handler func(reason string)) {
	if handler == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

func (g *MemoryGuard) Available() bool {
	_, ok := g.sampler.Sample()
	return ok
}

func (g *MemoryGuard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

func (g *MemoryGuard) Check() MemoryStatus {
	bytes, ok := g.sampler.Sample()
	if !ok {
		return MemoryStatus{Available: false, Threshold: g.threshold, Tripped: g.Tripped()}
	}
	g.metrics.MemoryBytes.Set(float64(bytes))

	g.mu.Lock()
	if bytes <= g.threshold || g.tripped {
		status := MemoryStatus{Available: true, Bytes: bytes, Threshold: g.threshold, Tripped: g.tripped}
		g.mu.Unlock()
		return status
	}
	g.tripped = true
	handlers := append([]func(string){}, g.handlers...)
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()

	if stop != nil {
		stop()
	}
	g.metrics.EmergencyShutdowns.Inc()
	g.logger.Error().
		Uint64("bytes", bytes).
		Uint64("threshold", g.threshold).
		Msg("memory ceiling exceeded; emergency shutdown")
	reason := "memory ceiling exceeded"
	for _, handler := range handlers {
		handler(reason)
	}
	return MemoryStatus{Available: true, Bytes: bytes, Threshold: g.threshold, Tripped: true}
}

// Start samples every interval until Stop or until the guard trips.
func (g *MemoryGuard) Start(s schedule.Scheduler, interval time.Duration) bool {
	if !g.Available() {
		g.logger.Info().Msg("memory introspection not available; guard disabled")
		return false
	}
	if interval <= 0 {
		interval = DefaultMemoryInterval
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tripped || g.stop != nil {
		return false
	}
	g.stop = schedule.Every(s, interval, func() { g.Check() })
	return true
}

func (g *MemoryGuard) Stop() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
}
