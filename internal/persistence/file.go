package persistence

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileBackend keeps one JSON document per state key inside Dir. Writes land
// atomically through a temp file and rename; watchers follow the directory
// with fsnotify, so separate processes sharing Dir see each other's writes.
type FileBackend struct {
	Dir    string
	Logger zerolog.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: strings.TrimSpace(dir), done: make(chan struct{})}
}

func (b *FileBackend) path(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return filepath.Join(b.Dir, sb.String()+".json")
}

func (b *FileBackend) Load(_ context.Context, key string) (*Snapshot, error) {
	if b == nil || b.Dir == "" || !validKey(key) {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (b *FileBackend) Save(_ context.Context, key string, snapshot *Snapshot) error {
	if b == nil || b.Dir == "" || !validKey(key) || snapshot == nil {
		return ErrInvalidInput
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	target := b.path(key)
	tmp, err := os.CreateTemp(b.Dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}

func (b *FileBackend) Watch(ctx context.Context, key string) (<-chan Change, error) {
	if b == nil || b.Dir == "" || !validKey(key) {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(b.Dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(b.path(key))
	ch := make(chan Change, watchBuffer)
	go func() {
		defer close(ch)
		defer watcher.Close()
		var last []byte
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.Logger.Warn().Err(err).Str("dir", b.Dir).Msg("file watcher error")
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				data, err := os.ReadFile(target)
				if err != nil || bytes.Equal(data, last) {
					continue
				}
				last = data
				snapshot, err := decodeSnapshot(data)
				if err != nil {
					b.Logger.Warn().Err(err).Str("key", key).Msg("unreadable state file")
					snapshot = nil
				}
				select {
				case ch <- Change{Key: key, Snapshot: snapshot}:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return ch, nil
}

func (b *FileBackend) Close() error {
	if b == nil || b.done == nil {
		return nil
	}
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
