// Package schedule abstracts timers so debounce windows, acknowledgment
// timeouts and guard sweeps can be driven deterministically in tests.
//
// Real uses the wall clock. Manual is a deadline queue that only fires when
// Advance is called.
package schedule

import (
	"container/heap"
	"sync"
	"time"
)

type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Every runs f every interval until the returned stop function is called.
func Every(s Scheduler, interval time.Duration, f func()) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	var (
		mu      sync.Mutex
		stopped bool
		current Timer
	)
	var arm func()
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		current = s.AfterFunc(interval, func() {
			mu.Lock()
			done := stopped
			mu.Unlock()
			if done {
				return
			}
			f()
			arm()
		})
	}
	arm()
	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if current != nil {
			current.Stop()
		}
	}
}

type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue deadlineQueue
}

func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(1_700_000_000, 0).UTC()
	}
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	entry := &manualTimer{owner: m, deadline: m.now.Add(d), seq: m.seq, fn: f, index: -1}
	heap.Push(&m.queue, entry)
	return entry
}

// Advance moves the clock forward and runs every callback whose deadline is
// reached, in deadline order. Callbacks run on the caller's goroutine without
// the scheduler lock held, so they may schedule further work; work scheduled
// inside the advanced window also fires.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.queue[0].deadline.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		next := heap.Pop(&m.queue).(*manualTimer)
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		next.fired = true
		fn := next.fn
		m.mu.Unlock()
		fn()
	}
}

// Pending returns the number of timers waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

type manualTimer struct {
	owner    *Manual
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	fired    bool
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.fired || t.index < 0 {
		return false
	}
	heap.Remove(&t.owner.queue, t.index)
	return true
}

type deadlineQueue []*manualTimer

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	entry := x.(*manualTimer)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}
