package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/schedule"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const (
	DefaultDebounce       = 50 * time.Millisecond
	DefaultAckTimeout     = 3 * time.Second
	repeatedFallbackLimit = 3
	defaultFallbackModule = "persistence"
)

type WriteOptions struct {
	// ForceEmpty allows persisting a table with no records.
	ForceEmpty bool
	// Module names the caller for fallback diagnostics.
	Module string
}

type FallbackEvent struct {
	SaveID      string
	Module      string
	Elapsed     time.Duration
	Consecutive int
}

type GatewayOptions struct {
	Backend    Backend
	Key        string
	ContextID  string
	InstanceID string
	Debounce   time.Duration
	AckTimeout time.Duration
	Scheduler  schedule.Scheduler
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics
	// BeforeSave sees every stamped snapshot right before it reaches the
	// backend, so callers can remember the save id ahead of its echo.
	BeforeSave func(*Snapshot)
	OnFallback func(FallbackEvent)
}

type pendingWrite struct {
	snapshot *Snapshot
	opts     WriteOptions
}

type ackPin struct {
	started time.Time
	module  string
	timer   schedule.Timer
}

// Gateway is the only writer of a context's state key. Writes are coalesced
// over the debounce window, stamped with a save id and a generation, and
// pinned until their echo acknowledges them or the ack timeout releases the
// pin.
type Gateway struct {
	backend    Backend
	key        string
	contextID  string
	instanceID string
	debounce   time.Duration
	ackTimeout time.Duration
	scheduler  schedule.Scheduler
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	beforeSave func(*Snapshot)
	onFallback func(FallbackEvent)

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     *pendingWrite
	timer       schedule.Timer
	generation  uint64
	pins        map[string]*ackPin
	consecutive int
	closed      bool
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Backend == nil {
		return nil, ErrInvalidInput
	}
	key := opts.Key
	if !validKey(key) {
		key = StateKey(DefaultBoundary)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = schedule.Real{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Gateway{
		backend:    opts.Backend,
		key:        key,
		contextID:  opts.ContextID,
		instanceID: opts.InstanceID,
		debounce:   debounce,
		ackTimeout: ackTimeout,
		scheduler:  scheduler,
		logger:     telemetry.Component(opts.Logger, "persistence").With().Str("key", key).Logger(),
		metrics:    metrics,
		beforeSave: opts.BeforeSave,
		onFallback: opts.OnFallback,
		pins:       map[string]*ackPin{},
	}, nil
}

func (g *Gateway) Key() string {
	return g.key
}

func (g *Gateway) Load(ctx context.Context) (*Snapshot, error) {
	snapshot, err := g.backend.Load(ctx, g.key)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		g.ObserveGeneration(snapshot.Generation)
	}
	return snapshot, nil
}

func (g *Gateway) Watch(ctx context.Context) (<-chan Change, error) {
	return g.backend.Watch(ctx, g.key)
}

// Schedule queues snapshot for the next debounce window. A later call inside
// the same window replaces it.
func (g *Gateway) Schedule(snapshot *Snapshot, opts WriteOptions) error {
	if err := g.checkWrite(snapshot, opts); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.pending = &pendingWrite{snapshot: snapshot.Clone(), opts: opts}
	if g.timer == nil {
		g.timer = g.scheduler.AfterFunc(g.debounce, g.flushPending)
	}
	return nil
}

// WriteNow bypasses the debounce window and supersedes any pending write.
func (g *Gateway) WriteNow(ctx context.Context, snapshot *Snapshot, opts WriteOptions) (string, error) {
	if err := g.checkWrite(snapshot, opts); err != nil {
		return "", err
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", ErrClosed
	}
	g.pending = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
	return g.write(ctx, &pendingWrite{snapshot: snapshot.Clone(), opts: opts})
}

// Flush writes the pending snapshot, if any, without waiting for its window.
func (g *Gateway) Flush(ctx context.Context) error {
	g.mu.Lock()
	pending := g.takePendingLocked()
	g.mu.Unlock()
	if pending == nil {
		return nil
	}
	_, err := g.write(ctx, pending)
	return err
}

func (g *Gateway) HasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Acknowledge releases the pin held for saveID. It reports whether the save
// id was still pinned.
func (g *Gateway) Acknowledge(saveID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pin, ok := g.pins[saveID]
	if !ok {
		return false
	}
	pin.timer.Stop()
	delete(g.pins, saveID)
	g.consecutive = 0
	return true
}

func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pins)
}

// ObserveGeneration keeps the next generation ahead of every snapshot seen.
func (g *Gateway) ObserveGeneration(generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if generation > g.generation {
		g.generation = generation
	}
}

func (g *Gateway) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Close stops every timer. A pending write is dropped; a write already handed
// to the backend still completes.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.pending = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	for saveID, pin := range g.pins {
		pin.timer.Stop()
		delete(g.pins, saveID)
	}
}

func (g *Gateway) checkWrite(snapshot *Snapshot, opts WriteOptions) error {
	if snapshot == nil {
		return ErrInvalidInput
	}
	if snapshot.Len() == 0 && !opts.ForceEmpty {
		g.metrics.StorageWrites.WithLabelValues("rejected_empty").Inc()
		g.logger.Warn().Str("module", moduleOrDefault(opts.Module)).Msg("rejected empty write without force-empty")
		return ErrEmptyWrite
	}
	return nil
}

func (g *Gateway) takePendingLocked() *pendingWrite {
	pending := g.pending
	g.pending = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	return pending
}

func (g *Gateway) flushPending() {
	g.mu.Lock()
	g.timer = nil
	if g.closed {
		g.mu.Unlock()
		return
	}
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	if pending == nil {
		return
	}
	_, _ = g.write(context.Background(), pending)
}

func (g *Gateway) write(ctx context.Context, p *pendingWrite) (string, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	now := g.scheduler.Now()
	snapshot := p.snapshot
	g.mu.Lock()
	g.generation++
	snapshot.Generation = g.generation
	g.mu.Unlock()
	snapshot.SaveID = uuid.Must(uuid.NewV7()).String()
	snapshot.Timestamp = now.UnixMilli()
	snapshot.WritingContextID = g.contextID
	snapshot.WritingInstanceID = g.instanceID
	snapshot.Cleared = snapshot.Len() == 0

	if g.beforeSave != nil {
		g.beforeSave(snapshot.Clone())
	}
	if err := g.backend.Save(ctx, g.key, snapshot); err != nil {
		g.metrics.StorageWrites.WithLabelValues("failed").Inc()
		g.logger.Warn().
			Err(err).
			Str("saveId", snapshot.SaveID).
			Str("module", moduleOrDefault(p.opts.Module)).
			Msg("state write failed; keeping snapshot for the next window")
		g.mu.Lock()
		if g.pending == nil && !g.closed {
			g.pending = p
		}
		g.mu.Unlock()
		return "", err
	}
	g.metrics.StorageWrites.WithLabelValues("ok").Inc()
	g.logger.Debug().
		Str("saveId", snapshot.SaveID).
		Uint64("generation", snapshot.Generation).
		Int("tabs", snapshot.Len()).
		Msg("state written")

	saveID := snapshot.SaveID
	g.mu.Lock()
	if !g.closed {
		g.pins[saveID] = &ackPin{
			started: now,
			module:  moduleOrDefault(p.opts.Module),
			timer:   g.scheduler.AfterFunc(g.ackTimeout, func() { g.fallback(saveID) }),
		}
	}
	g.mu.Unlock()
	return saveID, nil
}

func (g *Gateway) fallback(saveID string) {
	g.mu.Lock()
	pin, ok := g.pins[saveID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pins, saveID)
	g.consecutive++
	event := FallbackEvent{
		SaveID:      saveID,
		Module:      pin.module,
		Elapsed:     g.scheduler.Now().Sub(pin.started),
		Consecutive: g.consecutive,
	}
	onFallback := g.onFallback
	g.mu.Unlock()

	g.metrics.FallbackCleanups.WithLabelValues(event.Module).Inc()
	logEvent := g.logger.Warn()
	if event.Consecutive >= repeatedFallbackLimit {
		logEvent = g.logger.Error()
	}
	logEvent.
		Str("saveId", saveID).
		Str("module", event.Module).
		Dur("elapsed", event.Elapsed).
		Int("consecutive", event.Consecutive).
		Msg("no acknowledgment before timeout; released write pin")
	if onFallback != nil {
		onFallback(event)
	}
}

func moduleOrDefault(module string) string {
	if module == "" {
		return defaultFallbackModule
	}
	return module
}
