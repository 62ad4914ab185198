// Package coordinator owns one execution context's view of the Quick Tab
// table. Local intents, durable-store changes and broadcast frames are all
// applied on a single loop guarded by one mutex, so the table only ever sees
// one writer.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/broadcast"
	"github.com/agentworkforce/tabsync/internal/guard"
	"github.com/agentworkforce/tabsync/internal/identity"
	"github.com/agentworkforce/tabsync/internal/ownership"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/schedule"
	"github.com/agentworkforce/tabsync/internal/schema"
	"github.com/agentworkforce/tabsync/internal/table"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

var (
	ErrNotFound     = errors.New("quick tab not found")
	ErrExists       = errors.New("quick tab already exists")
	ErrClosed       = errors.New("coordinator closed")
	ErrShutdown     = errors.New("coordinator stopped by emergency shutdown")
	ErrNotStarted   = errors.New("coordinator not started")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	DefaultTransitionDuration = 200 * time.Millisecond
	DefaultSweepInterval      = 5 * time.Minute
	DefaultHydrateTimeout     = 5 * time.Second
)

type Options struct {
	Identity  identity.Identity
	Backend   persistence.Backend
	Transport broadcast.Transport
	Scheduler schedule.Scheduler
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
	Listener  Listener

	Debounce           time.Duration
	AckTimeout         time.Duration
	EchoWindow         time.Duration
	TransitionDuration time.Duration
	HydrateTimeout     time.Duration

	MaxEntries      int
	EvictionPercent float64
	MaxAge          time.Duration
	SweepInterval   time.Duration

	MemorySampler   guard.Sampler
	MemoryThreshold uint64
	MemoryInterval  time.Duration

	MaxArrayLength int
	OutboxCapacity int
}

type Coordinator struct {
	id                 identity.Identity
	scheduler          schedule.Scheduler
	logger             zerolog.Logger
	metrics            *telemetry.Metrics
	listener           Listener
	transitionDuration time.Duration
	hydrateTimeout     time.Duration
	sweepInterval      time.Duration
	memoryInterval     time.Duration
	tombstoneTTL       time.Duration

	store     *persistence.Gateway
	bus       *broadcast.Gateway
	validator *schema.Validator
	echo      *ownership.EchoFilter
	eviction  *guard.EvictionGuard
	memory    *guard.MemoryGuard
	z         *quicktab.ZCounter

	mu             sync.Mutex
	table          *table.Table
	durable        map[string]quicktab.QuickTab
	tombstones     map[string]time.Time
	settleTimers   map[string]schedule.Timer
	deferred       map[string][]func()
	events         []func()
	seq            uint64
	lastWrite      int64
	lastGeneration uint64
	ownGeneration  uint64
	hydrated       bool
	started        bool
	closed         bool
	shutdown       bool
	stopSweep      func()
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, errors.New("coordinator requires a persistence backend")
	}
	id := opts.Identity
	if !id.Complete() {
		return nil, errors.New("coordinator requires a complete identity")
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = schedule.Real{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	logger := telemetry.Component(opts.Logger, "coordinator").With().
		Str("contextId", id.ContextID).
		Str("boundary", id.BoundaryID).
		Logger()

	c := &Coordinator{
		id:                 id,
		scheduler:          scheduler,
		logger:             logger,
		metrics:            metrics,
		listener:           listener,
		transitionDuration: durationOrDefault(opts.TransitionDuration, DefaultTransitionDuration),
		hydrateTimeout:     durationOrDefault(opts.HydrateTimeout, DefaultHydrateTimeout),
		sweepInterval:      durationOrDefault(opts.SweepInterval, DefaultSweepInterval),
		memoryInterval:     durationOrDefault(opts.MemoryInterval, guard.DefaultMemoryInterval),
		tombstoneTTL:       durationOrDefault(opts.MaxAge, guard.DefaultMaxAge),
		validator:          schema.NewValidator(schema.Options{MaxArrayLength: opts.MaxArrayLength, Logger: opts.Logger}),
		echo:               ownership.NewEchoFilter(id.ContextID, id.InstanceID, opts.EchoWindow, metrics),
		eviction: guard.NewEvictionGuard(guard.EvictionOptions{
			MaxEntries:      opts.MaxEntries,
			EvictionPercent: opts.EvictionPercent,
			MaxAge:          opts.MaxAge,
			Logger:          opts.Logger,
			Metrics:         metrics,
		}),
		memory: guard.NewMemoryGuard(guard.MemoryOptions{
			Sampler:   opts.MemorySampler,
			Threshold: opts.MemoryThreshold,
			Logger:    opts.Logger,
			Metrics:   metrics,
		}),
		z:            quicktab.NewZCounter(1),
		table:        table.New(),
		durable:      map[string]quicktab.QuickTab{},
		tombstones:   map[string]time.Time{},
		settleTimers: map[string]schedule.Timer{},
		deferred:     map[string][]func(){},
	}

	store, err := persistence.NewGateway(persistence.GatewayOptions{
		Backend:    opts.Backend,
		Key:        persistence.StateKey(id.BoundaryID),
		ContextID:  id.ContextID,
		InstanceID: id.InstanceID,
		Debounce:   opts.Debounce,
		AckTimeout: opts.AckTimeout,
		Scheduler:  scheduler,
		Logger:     opts.Logger,
		Metrics:    metrics,
		BeforeSave: func(s *persistence.Snapshot) { c.echo.Record(s.SaveID, c.scheduler.Now()) },
		OnFallback: c.onFallback,
	})
	if err != nil {
		return nil, err
	}
	c.store = store

	if opts.Transport != nil {
		bus, err := broadcast.NewGateway(broadcast.GatewayOptions{
			Transport:      opts.Transport,
			Boundary:       id.BoundaryID,
			Sender:         id.ContextID + "|" + id.InstanceID,
			OutboxCapacity: opts.OutboxCapacity,
			Logger:         opts.Logger,
			Metrics:        metrics,
		})
		if err != nil {
			return nil, err
		}
		c.bus = bus
	}
	c.memory.OnEmergency(c.emergencyShutdown)
	return c, nil
}

func (c *Coordinator) Identity() identity.Identity {
	return c.id
}

func (c *Coordinator) Metrics() *telemetry.Metrics {
	return c.metrics
}

// Start hydrates the table from the durable store and then applies storage
// changes and broadcast frames until ctx is done or Close is called. The
// watch is opened before the load so no change between the two is missed.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	changes, err := c.store.Watch(runCtx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("storage watch unavailable; relying on broadcast only")
		changes = nil
	}

	loadCtx, loadCancel := context.WithTimeout(runCtx, c.hydrateTimeout)
	snapshot, err := c.store.Load(loadCtx)
	loadCancel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("hydration load failed; starting with an empty table")
		snapshot = nil
	}
	c.hydrate(snapshot)

	var inbound <-chan broadcast.Inbound
	if c.bus != nil {
		c.bus.Start(runCtx)
		inbound = c.bus.Messages()
	}

	c.wg.Add(1)
	go c.loop(runCtx, changes, inbound)

	c.mu.Lock()
	if !c.shutdown && !c.closed {
		c.stopSweep = schedule.Every(c.scheduler, c.sweepInterval, c.Sweep)
	}
	c.mu.Unlock()
	c.memory.Start(c.scheduler, c.memoryInterval)
	return nil
}

func (c *Coordinator) loop(ctx context.Context, changes <-chan persistence.Change, inbound <-chan broadcast.Inbound) {
	defer c.wg.Done()
	for changes != nil || inbound != nil {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.HandleStorageChange(change)
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.HandleBroadcast(msg)
		}
	}
}

// Close flushes a pending write, stops every timer and detaches from the
// store and the broadcast channel. Messages arriving afterwards are ignored.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimersLocked()
	cancel := c.cancel
	c.mu.Unlock()

	var errs []error
	if err := c.store.Flush(context.Background()); err != nil && !errors.Is(err, persistence.ErrEmptyWrite) {
		errs = append(errs, err)
	}
	c.memory.Stop()
	if cancel != nil {
		cancel()
	}
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	c.store.Close()
	return errors.Join(errs...)
}

// EmergencySave writes the current table immediately, bypassing the debounce
// window. It is meant for teardown paths that cannot wait.
func (c *Coordinator) EmergencySave(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return "", ErrShutdown
	}
	if !c.hydrated {
		c.mu.Unlock()
		return "", ErrNotStarted
	}
	snapshot, err := c.snapshotLocked()
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.store.WriteNow(ctx, snapshot, persistence.WriteOptions{ForceEmpty: true, Module: "emergency_save"})
}

func (c *Coordinator) emergencyShutdown(reason string) {
	c.mu.Lock()
	if c.shutdown || c.closed {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.stopTimersLocked()
	c.mu.Unlock()

	c.store.Close()
	if c.bus != nil {
		_ = c.bus.Close()
	}
	c.logger.Error().Str("reason", reason).Msg("emergency shutdown; sync stopped")
	c.listener.OnEmergencyShutdown(reason)
}

func (c *Coordinator) stopTimersLocked() {
	if c.stopSweep != nil {
		c.stopSweep()
		c.stopSweep = nil
	}
	for id, timer := range c.settleTimers {
		timer.Stop()
		delete(c.settleTimers, id)
	}
	c.deferred = map[string][]func(){}
}

func (c *Coordinator) onFallback(event persistence.FallbackEvent) {
	c.logger.Debug().
		Str("saveId", event.SaveID).
		Str("module", event.Module).
		Int("consecutive", event.Consecutive).
		Msg("write pin released without echo")
}

// lock and unlock bracket every entry point. Listener callbacks queued while
// the lock was held run after it is released, so a listener may call back
// into the coordinator.
func (c *Coordinator) lock() {
	c.mu.Lock()
}

func (c *Coordinator) unlock() {
	events := c.events
	c.events = nil
	c.mu.Unlock()
	for _, event := range events {
		event()
	}
}

func (c *Coordinator) usableLocked() error {
	switch {
	case c.shutdown:
		return ErrShutdown
	case c.closed:
		return ErrClosed
	case !c.hydrated:
		return ErrNotStarted
	}
	return nil
}

func (c *Coordinator) emitRender(tab quicktab.QuickTab) {
	tab = tab.Clone()
	c.events = append(c.events, func() { c.listener.OnRender(tab) })
}

func (c *Coordinator) emitUpdate(tab quicktab.QuickTab) {
	tab = tab.Clone()
	c.events = append(c.events, func() { c.listener.OnUpdate(tab) })
}

func (c *Coordinator) emitDestroy(id string) {
	c.events = append(c.events, func() { c.listener.OnDestroy(id) })
}

// stamp returns a write timestamp that is never behind any write this
// context has already seen, so a causally later write always wins.
func (c *Coordinator) stampLocked() int64 {
	now := c.scheduler.Now().UnixMilli()
	if now <= c.lastWrite {
		now = c.lastWrite + 1
	}
	c.lastWrite = now
	return now
}

func (c *Coordinator) observeWriteLocked(tab quicktab.QuickTab) {
	if tab.LastWriteTimestamp > c.lastWrite {
		c.lastWrite = tab.LastWriteTimestamp
	}
	if tab.ZIndex > 0 {
		c.z.Observe(tab.ZIndex)
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
