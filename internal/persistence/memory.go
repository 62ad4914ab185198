package persistence

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process store shared by every context that holds the
// same instance, standing in for one browser profile's storage area.
type MemoryBackend struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string]map[int]chan Change
	nextID   int
	closed   bool
	done     chan struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values:   map[string][]byte{},
		watchers: map[string]map[int]chan Change{},
		done:     make(chan struct{}),
	}
}

func (b *MemoryBackend) Load(_ context.Context, key string) (*Snapshot, error) {
	if !validKey(key) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	data, ok := b.values[key]
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(data)
}

func (b *MemoryBackend) Save(_ context.Context, key string, snapshot *Snapshot) error {
	if !validKey(key) || snapshot == nil {
		return ErrInvalidInput
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.values[key] = data
	for _, ch := range b.watchers[key] {
		decoded, err := decodeSnapshot(data)
		if err != nil {
			return err
		}
		notifyLatest(ch, Change{Key: key, Snapshot: decoded})
	}
	return nil
}

// notifyLatest queues change without blocking. A full buffer loses its oldest
// change, since every change carries the whole value and the newest must be
// the last one a slow watcher sees. Callers hold the backend lock, so no
// other sender can refill the slot.
func notifyLatest(ch chan Change, change Change) {
	select {
	case ch <- change:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- change:
	default:
	}
}

func (b *MemoryBackend) Watch(ctx context.Context, key string) (<-chan Change, error) {
	if !validKey(key) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan Change, watchBuffer)
	id := b.nextID
	b.nextID++
	if b.watchers[key] == nil {
		b.watchers[key] = map[int]chan Change{}
	}
	b.watchers[key][id] = ch
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if watchers, ok := b.watchers[key]; ok {
			if _, live := watchers[id]; live {
				delete(watchers, id)
				close(ch)
			}
		}
	}()
	return ch, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for key, watchers := range b.watchers {
		for id, ch := range watchers {
			delete(watchers, id)
			close(ch)
		}
		delete(b.watchers, key)
	}
	return nil
}
