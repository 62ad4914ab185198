package ownership

import (
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const DefaultEchoWindow = 30 * time.Second

// Provenance identifies the writer of a durable change or broadcast frame.
type Provenance struct {
	ContextID  string
	InstanceID string
	SaveID     string
}

// EchoFilter remembers the save ids this context issued for a suppression
// window and recognises change events that merely echo them back.
type EchoFilter struct {
	mu           sync.Mutex
	contextID    string
	instanceID   string
	window       time.Duration
	suppressions map[string]time.Time
	metrics      *telemetry.Metrics
}

func NewEchoFilter(contextID, instanceID string, window time.Duration, metrics *telemetry.Metrics) *EchoFilter {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &EchoFilter{
		contextID:    contextID,
		instanceID:   instanceID,
		window:       window,
		suppressions: map[string]time.Time{},
		metrics:      metrics,
	}
}

func (f *EchoFilter) Record(saveID string, now time.Time) {
	saveID = strings.TrimSpace(saveID)
	if saveID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(now)
	f.suppressions[saveID] = now.Add(f.window)
}

// IsSelfWrite reports whether p describes a write this context performed.
// A remembered save id matches until its window expires; otherwise the
// writing context and instance ids decide.
func (f *EchoFilter) IsSelfWrite(p Provenance, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(now)
	self := false
	if saveID := strings.TrimSpace(p.SaveID); saveID != "" {
		if _, ok := f.suppressions[saveID]; ok {
			self = true
		}
	}
	if !self && p.ContextID != "" && p.ContextID == f.contextID {
		self = p.InstanceID == "" || p.InstanceID == f.instanceID
	}
	if self {
		f.metrics.SuppressedEchoes.Inc()
	}
	return self
}

func (f *EchoFilter) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.suppressions)
}

func (f *EchoFilter) pruneLocked(now time.Time) {
	for key, expiresAt := range f.suppressions {
		if !now.Before(expiresAt) {
			delete(f.suppressions, key)
		}
	}
}
