package flightrec

import "github.com/mercurylabs/mercurystream/internal/domain/schema"

// ring is a fixed-capacity overwrite-oldest event buffer.
type ring struct {
	buf  []*schema.Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]*schema.Event, capacity)}
}

func (r *ring) Push(evt *schema.Event) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = evt
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot copies the buffered events out in arrival order.
func (r *ring) Snapshot() []*schema.Event {
	if !r.full {
		out := make([]*schema.Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]*schema.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
