// Package broadcast fans validated mutation envelopes out to sibling contexts
// of the same isolation boundary. Delivery is best effort: frames may be
// dropped, duplicated by reconnects or reordered relative to storage events.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("transport not connected")
	ErrInvalidFrame = errors.New("invalid frame")
)

// HubSender marks frames the hub itself originates.
const HubSender = "hub"

type Frame struct {
	Boundary string          `json:"boundary"`
	Sender   string          `json:"sender"`
	Payload  json.RawMessage `json:"payload"`
}

func (f Frame) Validate() error {
	if strings.TrimSpace(f.Boundary) == "" || strings.TrimSpace(f.Sender) == "" || len(f.Payload) == 0 {
		return ErrInvalidFrame
	}
	return nil
}

// SenderContext returns the context id part of a "context|instance" sender.
func SenderContext(sender string) string {
	contextID, _, _ := strings.Cut(sender, "|")
	return contextID
}

type Transport interface {
	Send(ctx context.Context, frame Frame) error
	Frames() <-chan Frame
	Close() error
}

const portBuffer = 64

// MemoryBus connects in-process contexts. A frame sent on a boundary reaches
// every other port joined to that boundary.
type MemoryBus struct {
	mu     sync.Mutex
	rooms  map[string]map[*memoryPort]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rooms: map[string]map[*memoryPort]struct{}{}}
}

func (b *MemoryBus) Join(boundary, sender string) Transport {
	port := &memoryPort{bus: b, boundary: boundary, sender: sender, ch: make(chan Frame, portBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(port.ch)
		port.closed = true
		return port
	}
	if b.rooms[boundary] == nil {
		b.rooms[boundary] = map[*memoryPort]struct{}{}
	}
	b.rooms[boundary][port] = struct{}{}
	return port
}

// Close disconnects every port.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for boundary, room := range b.rooms {
		for port := range room {
			port.closed = true
			close(port.ch)
		}
		delete(b.rooms, boundary)
	}
}

func (b *MemoryBus) deliver(from *memoryPort, frame Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for port := range b.rooms[from.boundary] {
		if port == from {
			continue
		}
		select {
		case port.ch <- frame:
		default:
		}
	}
}

type memoryPort struct {
	bus      *MemoryBus
	boundary string
	sender   string
	ch       chan Frame
	closed   bool
}

func (p *memoryPort) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	p.bus.mu.Lock()
	closed := p.closed
	p.bus.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame.Payload = append(json.RawMessage(nil), frame.Payload...)
	p.bus.deliver(p, frame)
	return nil
}

func (p *memoryPort) Frames() <-chan Frame {
	return p.ch
}

func (p *memoryPort) Close() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	delete(p.bus.rooms[p.boundary], p)
	close(p.ch)
	return nil
}
