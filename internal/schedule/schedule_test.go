package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Time{})
	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "b") })

	m.Advance(5 * time.Millisecond)
	assert.Empty(t, order)
	m.Advance(5 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, m.Pending())
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Time{})
	fired := false
	timer := m.AfterFunc(time.Millisecond, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	m.Advance(time.Second)
	assert.False(t, fired)
}

func TestManualRunsWorkScheduledInsideWindow(t *testing.T) {
	m := NewManual(time.Time{})
	start := m.Now()
	var at []time.Duration
	m.AfterFunc(10*time.Millisecond, func() {
		at = append(at, m.Now().Sub(start))
		m.AfterFunc(10*time.Millisecond, func() {
			at = append(at, m.Now().Sub(start))
		})
	})
	m.Advance(25 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, at)
	assert.Equal(t, 25*time.Millisecond, m.Now().Sub(start))
}

func TestEveryStops(t *testing.T) {
	m := NewManual(time.Time{})
	var count int32
	stop := Every(m, 10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	m.Advance(35 * time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&count))
	stop()
	m.Advance(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real{}.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("real timer did not fire")
	}
}
