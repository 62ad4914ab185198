package guard

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const (
	DefaultMaxEntries      = 100
	DefaultEvictionPercent = 0.10
	DefaultMaxAge          = 24 * time.Hour
)

type EvictionOptions struct {
	MaxEntries      int
	EvictionPercent float64
	MaxAge          time.Duration
	Logger          zerolog.Logger
	Metrics         *telemetry.Metrics
}

// EvictionGuard tracks the last access time of every record id and picks
// victims in least-recently-used order.
type EvictionGuard struct {
	mu         sync.Mutex
	lastAccess map[string]time.Time
	maxEntries int
	percent    float64
	maxAge     time.Duration
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

func NewEvictionGuard(opts EvictionOptions) *EvictionGuard {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	percent := opts.EvictionPercent
	if percent <= 0 || percent > 1 {
		percent = DefaultEvictionPercent
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &EvictionGuard{
		lastAccess: map[string]time.Time{},
		maxEntries: maxEntries,
		percent:    percent,
		maxAge:     maxAge,
		logger:     telemetry.Component(opts.Logger, "eviction_guard"),
		metrics:    metrics,
	}
}

func (g *EvictionGuard) Touch(id string, at time.Time) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAccess[id] = at
}

func (g *EvictionGuard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastAccess, id)
}

func (g *EvictionGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastAccess)
}

func (g *EvictionGuard) MaxEntries() int {
	return g.maxEntries
}

// EvictionCount is how many records CheckAndEvict removes for a table of the
// given size: zero at or under the cap, otherwise ⌈max×percent⌉. A table
// more than that past the cap needs several checks.
func (g *EvictionGuard) EvictionCount(size int) int {
	if size <= g.maxEntries {
		return 0
	}
	count := int(math.Ceil(float64(g.maxEntries) * g.percent))
	if count > size {
		count = size
	}
	return count
}

// CheckAndEvict returns the ids to evict, oldest access first, and stops
// tracking them. Ids the guard never saw are treated as the oldest.
func (g *EvictionGuard) CheckAndEvict(ids []string) []string {
	count := g.EvictionCount(len(ids))
	if count == 0 {
		return nil
	}
	g.mu.Lock()
	ordered := g.orderedLocked(ids)
	victims := ordered[:count]
	for _, id := range victims {
		delete(g.lastAccess, id)
	}
	g.mu.Unlock()

	g.metrics.Evictions.WithLabelValues("lru").Add(float64(len(victims)))
	g.logger.Warn().
		Int("size", len(ids)).
		Int("max", g.maxEntries).
		Strs("evicted", victims).
		Msg("table over capacity; evicted least recently used records")
	return victims
}

// Sweep returns tracked ids that are older than MaxAge or that isClosed
// reports as closed.
func (g *EvictionGuard) Sweep(now time.Time, isClosed func(id string) bool) []string {
	g.mu.Lock()
	stale := []string{}
	closed := []string{}
	for id, at := range g.lastAccess {
		switch {
		case isClosed != nil && isClosed(id):
			closed = append(closed, id)
		case now.Sub(at) > g.maxAge:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(g.lastAccess, id)
	}
	for _, id := range closed {
		delete(g.lastAccess, id)
	}
	g.mu.Unlock()

	if len(stale)+len(closed) == 0 {
		return nil
	}
	sort.Strings(stale)
	sort.Strings(closed)
	g.metrics.Evictions.WithLabelValues("stale").Add(float64(len(stale)))
	g.metrics.Evictions.WithLabelValues("closed").Add(float64(len(closed)))
	g.logger.Info().
		Strs("stale", stale).
		Strs("closed", closed).
		Msg("periodic sweep removed records")
	return append(stale, closed...)
}

func (g *EvictionGuard) orderedLocked(ids []string) []string {
	ordered := make([]string, len(ids))
	copy(ordered, ids)
	sort.SliceStable(ordered, func(i, j int) bool {
		ai, iok := g.lastAccess[ordered[i]]
		aj, jok := g.lastAccess[ordered[j]]
		switch {
		case !iok && !jok:
			return ordered[i] < ordered[j]
		case !iok:
			return true
		case !jok:
			return false
		case ai.Equal(aj):
			return ordered[i] < ordered[j]
		default:
			return ai.Before(aj)
		}
	})
	return ordered
}
