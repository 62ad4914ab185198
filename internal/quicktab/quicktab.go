// Package quicktab holds the shared Quick Tab record and its lifecycle rules.
// Records are plain values; every copy handed across a package boundary is
// produced by Clone so callers never share slices with the table.
package quicktab

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecord = errors.New("invalid quick tab record")
	ErrSoloMuteBoth  = errors.New("solo and mute are mutually exclusive")
)

const IDPrefix = "qt-"

type Position struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type QuickTab struct {
	ID                 string   `json:"id"`
	URL                string   `json:"url"`
	Title              string   `json:"title,omitempty"`
	Position           Position `json:"position"`
	Size               Size     `json:"size"`
	ZIndex             int64    `json:"zIndex"`
	LifecycleState     State    `json:"lifecycleState"`
	OwnerContextID     string   `json:"ownerContextId,omitempty"`
	OriginContextID    string   `json:"originContextId,omitempty"`
	SoloedOnContexts   []string `json:"soloedOnContexts,omitempty"`
	MutedOnContexts    []string `json:"mutedOnContexts,omitempty"`
	WritingContextID   string   `json:"writingContextId,omitempty"`
	WritingInstanceID  string   `json:"writingInstanceId,omitempty"`
	SequenceID         uint64   `json:"sequenceId,omitempty"`
	LastWriteTimestamp int64    `json:"lastWriteTimestamp,omitempty"`
}

func NewID() string {
	return IDPrefix + uuid.Must(uuid.NewV7()).String()
}

func (t QuickTab) Clone() QuickTab {
	out := t
	out.SoloedOnContexts = cloneStrings(t.SoloedOnContexts)
	out.MutedOnContexts = cloneStrings(t.MutedOnContexts)
	return out
}

func (t QuickTab) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if !t.LifecycleState.Valid() {
		return fmt.Errorf("%w: unknown lifecycle state %q", ErrInvalidRecord, t.LifecycleState)
	}
	if t.Size.Width < 0 || t.Size.Height < 0 {
		return fmt.Errorf("%w: negative size for %s", ErrInvalidRecord, t.ID)
	}
	if len(t.SoloedOnContexts) > 0 && len(t.MutedOnContexts) > 0 {
		return fmt.Errorf("%w: %s", ErrSoloMuteBoth, t.ID)
	}
	return nil
}

func (t *QuickTab) TransitionTo(target State) error {
	next, err := Transition(t.LifecycleState, target)
	if err != nil {
		return err
	}
	t.LifecycleState = next
	return nil
}

// ToggleSolo flips solo for contextID. Turning solo on clears every mute.
func (t *QuickTab) ToggleSolo(contextID string) bool {
	if containsString(t.SoloedOnContexts, contextID) {
		t.SoloedOnContexts = removeString(t.SoloedOnContexts, contextID)
		return false
	}
	t.SoloedOnContexts = appendUnique(t.SoloedOnContexts, contextID)
	t.MutedOnContexts = nil
	return true
}

// ToggleMute flips mute for contextID. Turning mute on clears every solo.
func (t *QuickTab) ToggleMute(contextID string) bool {
	if containsString(t.MutedOnContexts, contextID) {
		t.MutedOnContexts = removeString(t.MutedOnContexts, contextID)
		return false
	}
	t.MutedOnContexts = appendUnique(t.MutedOnContexts, contextID)
	t.SoloedOnContexts = nil
	return true
}

func (t QuickTab) VisibleOn(contextID string) bool {
	if !t.LifecycleState.Live() {
		return false
	}
	if len(t.SoloedOnContexts) > 0 {
		return containsString(t.SoloedOnContexts, contextID)
	}
	return !containsString(t.MutedOnContexts, contextID)
}

// ZCounter hands out session-unique zIndex values. Observing a remote value
// keeps the counter ahead of everything it has seen.
type ZCounter struct {
	mu   sync.Mutex
	next int64
}

func NewZCounter(start int64) *ZCounter {
	if start <= 0 {
		start = 1
	}
	return &ZCounter{next: start}
}

func (c *ZCounter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	z := c.next
	c.next++
	return z
}

func (c *ZCounter) Observe(z int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if z >= c.next {
		c.next = z + 1
	}
}

func SortByZ(tabs []QuickTab) {
	sort.Slice(tabs, func(i, j int) bool {
		if tabs[i].ZIndex != tabs[j].ZIndex {
			return tabs[i].ZIndex < tabs[j].ZIndex
		}
		return tabs[i].ID < tabs[j].ID
	})
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func containsString(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}

func appendUnique(values []string, value string) []string {
	if containsString(values, value) {
		return values
	}
	out := cloneStrings(values)
	return append(out, value)
}

func removeString(values []string, value string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != value {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
