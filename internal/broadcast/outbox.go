package broadcast

import "context"

// outbox is a bounded frame queue between Publish and the writer goroutine.
type outbox struct {
	ch chan Frame
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &outbox{ch: make(chan Frame, capacity)}
}

func (q *outbox) TryEnqueue(frame Frame) bool {
	select {
	case q.ch <- frame:
		return true
	default:
		return false
	}
}

func (q *outbox) Dequeue(ctx context.Context) (Frame, bool) {
	select {
	case frame := <-q.ch:
		return frame, true
	case <-ctx.Done():
		return Frame{}, false
	}
}

func (q *outbox) Depth() int {
	return len(q.ch)
}

func (q *outbox) Capacity() int {
	return cap(q.ch)
}
