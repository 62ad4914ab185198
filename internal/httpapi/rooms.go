package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/tabsync/internal/broadcast"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const (
	peerSendBuffer = 64
	peerWriteWait  = 10 * time.Second
)

// Hub keeps one room per isolation boundary. A frame is relayed to every
// other peer of the same room and never crosses rooms.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]map[*peer]struct{}
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

type peer struct {
	boundary  string
	contextID string
	send      chan []byte
}

func NewHub(logger zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Hub{
		rooms:   map[string]map[*peer]struct{}{},
		logger:  telemetry.Component(logger, "hub"),
		metrics: metrics,
	}
}

func (h *Hub) join(boundary, contextID string) *peer {
	p := &peer{boundary: boundary, contextID: contextID, send: make(chan []byte, peerSendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[boundary] == nil {
		h.rooms[boundary] = map[*peer]struct{}{}
	}
	h.rooms[boundary][p] = struct{}{}
	h.logger.Debug().Str("boundary", boundary).Str("contextId", contextID).Int("peers", len(h.rooms[boundary])).Msg("peer joined")
	return p
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[p.boundary]
	if _, ok := room[p]; !ok {
		return
	}
	delete(room, p)
	close(p.send)
	if len(room) == 0 {
		delete(h.rooms, p.boundary)
	}
}

// Publish relays data to every peer of boundary except from, which may be
// nil. Peers whose buffer is full miss the frame. It returns how many peers
// received it.
func (h *Hub) Publish(boundary string, from *peer, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for p := range h.rooms[boundary] {
		if p == from {
			continue
		}
		select {
		case p.send <- data:
			delivered++
		default:
			h.metrics.BroadcastDropped.WithLabelValues("peer_slow").Inc()
		}
	}
	return delivered
}

// Peers returns the number of peers in boundary.
func (h *Hub) Peers(boundary string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[boundary])
}

// serve pumps one websocket connection until either side goes away.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, boundary, contextID string, readLimit int64) {
	conn.SetReadLimit(readLimit)
	p := h.join(boundary, contextID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-p.send:
				if !ok {
					return
				}
				writeCtx, writeCancel := context.WithTimeout(ctx, peerWriteWait)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				writeCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var frame broadcast.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Validate() != nil {
			h.metrics.BroadcastDropped.WithLabelValues("invalid_frame").Inc()
			h.logger.Warn().Str("boundary", boundary).Str("contextId", contextID).Msg("dropped malformed frame")
			continue
		}
		if frame.Boundary != boundary {
			h.metrics.BroadcastDropped.WithLabelValues("foreign_boundary").Inc()
			h.logger.Warn().
				Str("boundary", boundary).
				Str("frameBoundary", frame.Boundary).
				Str("contextId", contextID).
				Msg("dropped frame addressed to another boundary")
			continue
		}
		if frame.Sender == broadcast.HubSender || broadcast.SenderContext(frame.Sender) != contextID {
			h.metrics.BroadcastDropped.WithLabelValues("spoofed_sender").Inc()
			h.logger.Warn().
				Str("boundary", boundary).
				Str("sender", frame.Sender).
				Str("contextId", contextID).
				Msg("dropped frame sent on behalf of another context")
			continue
		}
		h.Publish(boundary, p, data)
	}
	cancel()
	h.leave(p)
	<-done
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
