package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/schema"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const (
	DefaultOutboxCapacity = 256
	inboundBuffer         = 256
)

// Inbound is a frame from a sibling context of the same boundary. Payload is
// still untrusted and must be validated before use.
type Inbound struct {
	Sender  string
	Payload json.RawMessage
}

type GatewayOptions struct {
	Transport      Transport
	Boundary       string
	Sender         string
	OutboxCapacity int
	Logger         zerolog.Logger
	Metrics        *telemetry.Metrics
}

// Gateway publishes envelopes without blocking the caller and scopes inbound
// frames to its own boundary.
type Gateway struct {
	transport Transport
	boundary  string
	sender    string
	outbox    *outbox
	inbound   chan Inbound
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Transport == nil || opts.Boundary == "" || opts.Sender == "" {
		return nil, errors.New("broadcast gateway requires transport, boundary and sender")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Gateway{
		transport: opts.Transport,
		boundary:  opts.Boundary,
		sender:    opts.Sender,
		outbox:    newOutbox(opts.OutboxCapacity),
		inbound:   make(chan Inbound, inboundBuffer),
		logger:    telemetry.Component(opts.Logger, "broadcast").With().Str("boundary", opts.Boundary).Logger(),
		metrics:   metrics,
	}, nil
}

// Start runs the writer and reader loops until ctx is done or Close is
// called. Messages is closed when the reader loop exits.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.closed {
		return
	}
	g.started = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.wg.Add(2)
	go g.writeLoop(runCtx)
	go g.readLoop(runCtx)
}

// Publish queues env for fan-out. It reports false when the envelope was
// dropped because the outbox is full or the gateway is closed.
func (g *Gateway) Publish(env schema.Envelope) bool {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return false
	}
	payload, err := json.Marshal(env)
	if err != nil {
		g.metrics.BroadcastDropped.WithLabelValues("encode").Inc()
		g.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("could not encode envelope")
		return false
	}
	frame := Frame{Boundary: g.boundary, Sender: g.sender, Payload: payload}
	if !g.outbox.TryEnqueue(frame) {
		g.metrics.BroadcastDropped.WithLabelValues("outbox_full").Inc()
		g.logger.Warn().Int("capacity", g.outbox.Capacity()).Msg("broadcast outbox full; dropping envelope")
		return false
	}
	return true
}

func (g *Gateway) Messages() <-chan Inbound {
	return g.inbound
}

func (g *Gateway) OutboxDepth() int {
	return g.outbox.Depth()
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel := g.cancel
	started := g.started
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := g.transport.Close()
	g.wg.Wait()
	if !started {
		close(g.inbound)
	}
	return err
}

func (g *Gateway) writeLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		frame, ok := g.outbox.Dequeue(ctx)
		if !ok {
			return
		}
		if err := g.transport.Send(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.metrics.BroadcastDropped.WithLabelValues("send_failed").Inc()
			g.logger.Debug().Err(err).Msg("broadcast send failed")
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context) {
	defer g.wg.Done()
	defer close(g.inbound)
	frames := g.transport.Frames()
	for {
		var (
			frame Frame
			ok    bool
		)
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-frames:
			if !ok {
				return
			}
		}
		if frame.Boundary != g.boundary {
			g.metrics.BroadcastDropped.WithLabelValues("foreign_boundary").Inc()
			g.logger.Warn().Str("frameBoundary", frame.Boundary).Str("sender", frame.Sender).Msg("dropped frame from another boundary")
			continue
		}
		if frame.Sender == g.sender {
			continue
		}
		select {
		case g.inbound <- Inbound{Sender: frame.Sender, Payload: frame.Payload}:
		case <-ctx.Done():
			return
		}
	}
}
