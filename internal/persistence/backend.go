// Package persistence stores the serialized Quick Tab table under one key per
// isolation boundary and tells every watcher when that key changes.
//
// Backends are dumb key/value stores with change notification. Gateway adds
// the write discipline on top: debouncing, the empty-write guard, save ids,
// generations and acknowledgment timeouts.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/agentworkforce/tabsync/internal/quicktab"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("backend closed")
	ErrEmptyWrite     = errors.New("refusing to persist an empty table without force-empty")
)

const (
	StateKeyPrefix  = "quick_tabs_state_v2"
	DefaultBoundary = "default"
)

// StateKey is the only key the table of boundary is ever stored under.
func StateKey(boundary string) string {
	boundary = strings.TrimSpace(boundary)
	if boundary == "" {
		boundary = DefaultBoundary
	}
	return StateKeyPrefix + ":" + boundary
}

// Snapshot is the durable form of one boundary's table. Records stay raw so a
// single corrupt record can be dropped during hydration without losing the
// rest.
type Snapshot struct {
	Tabs              []json.RawMessage `json:"tabs"`
	SaveID            string            `json:"saveId"`
	Timestamp         int64             `json:"timestamp"`
	WritingContextID  string            `json:"writingContextId"`
	WritingInstanceID string            `json:"writingInstanceId"`
	Generation        uint64            `json:"generation"`
	Cleared           bool              `json:"cleared,omitempty"`
}

func NewSnapshot(tabs []quicktab.QuickTab) (*Snapshot, error) {
	out := &Snapshot{Tabs: make([]json.RawMessage, 0, len(tabs))}
	for _, tab := range tabs {
		raw, err := json.Marshal(tab)
		if err != nil {
			return nil, err
		}
		out.Tabs = append(out.Tabs, raw)
	}
	return out, nil
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Tabs)
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Tabs = make([]json.RawMessage, len(s.Tabs))
	for i, raw := range s.Tabs {
		out.Tabs[i] = append(json.RawMessage(nil), raw...)
	}
	return &out
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if s.Tabs == nil {
		clone := *s
		clone.Tabs = []json.RawMessage{}
		s = &clone
	}
	return json.Marshal(s)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Change reports a new value under Key. Snapshot is nil when the stored value
// could not be read back.
type Change struct {
	Key      string
	Snapshot *Snapshot
}

// Backend is the shared durable store. Watch channels are closed when ctx is
// done or the backend is closed. Notifications reach every watcher including
// the writer's own; callers filter echoes by provenance.
type Backend interface {
	Load(ctx context.Context, key string) (*Snapshot, error)
	Save(ctx context.Context, key string, snapshot *Snapshot) error
	Watch(ctx context.Context, key string) (<-chan Change, error)
	Close() error
}

const watchBuffer = 16

func validKey(key string) bool {
	return strings.TrimSpace(key) != ""
}
