package hub

// ring is a fixed-capacity buffer of the most recent events for one source,
// replayed to subscribers that join after lines were published. Callers
// synchronize access; the hub uses it only under its own lock.
type ring struct {
	buf   []Event
	head  int // next write position
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(ev Event) {
	if len(r.buf) == 0 {
		return
	}
	// Only line content is worth replaying; error and gap events are
	// meaningful to the subscribers present when they happened.
	if ev.ErrorKind != "" || ev.Gap {
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the buffered events oldest first.
func (r *ring) snapshot() []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	if r.count < len(r.buf) {
		out = append(out, r.buf[:r.count]...)
	} else {
		out = append(out, r.buf[r.head:]...)
		out = append(out, r.buf[:r.head]...)
	}
	return out
}
