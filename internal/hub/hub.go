// Package hub implements the fan-out broker between source tailers
// (producers) and stream subscribers (consumers).
//
// Each source has an independent sequence counter, a ring buffer of recent
// lines replayed to late subscribers, and a set of subscribers with bounded
// outbound queues. Publish never blocks: a subscriber whose queue is full
// loses its oldest buffered line and receives a single gap marker so the
// viewer can render the discontinuity. Slow consumers never block fast
// ones or the tailer.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies error events delivered out-of-band to subscribers.
type ErrorKind string

const (
	ErrKindSourceUnavailable ErrorKind = "SourceUnavailable"
	ErrKindSecurityViolation ErrorKind = "SecurityViolation"
	ErrKindSizeExceeded      ErrorKind = "SizeExceeded"
	ErrKindPoolExhausted     ErrorKind = "PoolExhausted"
)

// Event is a single item delivered to subscribers: either a log line, an
// out-of-band marker (gap, rotated), or an error notification.
type Event struct {
	SourceID  string    `json:"sourceId"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content,omitempty"`

	// Markers. Truncated flags a line cut at the safety length; Gap marks
	// dropped lines for this subscriber; Rotated marks a detected file
	// rotation or truncation of the underlying source.
	Truncated bool `json:"truncated,omitempty"`
	Gap       bool `json:"gap,omitempty"`
	Rotated   bool `json:"rotated,omitempty"`

	// Error notification; set only when ErrorKind is non-empty.
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// SubscriberFunc is invoked whenever a source's subscriber count changes.
// The registry uses it to start tailers lazily and stop them when the last
// viewer leaves. Called synchronously with no hub locks held.
type SubscriberFunc func(sourceID string, subscribers int)

// Subscription is one viewer's live interest in a single source.
type Subscription struct {
	ID       string
	SourceID string

	events chan Event

	mu      sync.Mutex
	dropped uint64
	gapOpen bool
	closed  bool
}

// Events returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped returns how many lines this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// sourceState is the per-source fan-out bookkeeping.
type sourceState struct {
	seq  uint64
	ring *ring
	subs map[string]*Subscription
}

// Hub routes line events from tailers to subscribers.
type Hub struct {
	queueCap int
	ringCap  int

	mu      sync.Mutex
	sources map[string]*sourceState
	onSubs  SubscriberFunc
}

// New creates a Hub. queueCap bounds each subscriber's outbound queue and
// ringCap bounds the per-source replay buffer.
func New(queueCap, ringCap int) *Hub {
	if queueCap <= 0 {
		queueCap = 4096
	}
	if ringCap < 0 {
		ringCap = 0
	}
	return &Hub{
		queueCap: queueCap,
		ringCap:  ringCap,
		sources:  make(map[string]*sourceState),
	}
}

// OnSubscriberChange registers the callback invoked after every subscribe
// and unsubscribe with the source's new subscriber count.
func (h *Hub) OnSubscriberChange(fn SubscriberFunc) {
	h.mu.Lock()
	h.onSubs = fn
	h.mu.Unlock()
}

func (h *Hub) state(sourceID string) *sourceState {
	st, ok := h.sources[sourceID]
	if !ok {
		st = &sourceState{
			ring: newRing(h.ringCap),
			subs: make(map[string]*Subscription),
		}
		h.sources[sourceID] = st
	}
	return st
}

// Publish assigns the next per-source sequence number to the event, records
// it in the replay ring, and enqueues a copy for every current subscriber
// of the source. It never blocks on a slow subscriber. Delivery happens
// under the hub lock so each subscriber observes one source's events in
// seq order regardless of which goroutine published them.
func (h *Hub) Publish(sourceID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(sourceID)
	st.seq++
	ev.SourceID = sourceID
	ev.Seq = st.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	st.ring.push(ev)

	for _, sub := range st.subs {
		sub.enqueue(ev)
	}
}

// PublishError fans an error event out to the source's subscribers. Error
// events consume a sequence number like line events so per-subscriber
// ordering stays total.
func (h *Hub) PublishError(sourceID string, kind ErrorKind, message string) {
	h.Publish(sourceID, Event{ErrorKind: kind, Message: message})
}

// Subscribe registers a new subscriber for the source and replays the ring
// buffer into its fresh queue before it can observe live events, so the
// replayed tail and the live stream form one ordered, duplicate-free
// sequence.
func (h *Hub) Subscribe(sourceID string) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		events:   make(chan Event, h.queueCap),
	}

	h.mu.Lock()
	st := h.state(sourceID)
	for _, ev := range st.ring.snapshot() {
		sub.enqueue(ev)
	}
	st.subs[sub.ID] = sub
	count := len(st.subs)
	fn := h.onSubs
	h.mu.Unlock()

	if fn != nil {
		fn(sourceID, count)
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	st, ok := h.sources[sub.SourceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := st.subs[sub.ID]; !present {
		h.mu.Unlock()
		return
	}
	delete(st.subs, sub.ID)
	count := len(st.subs)
	fn := h.onSubs
	h.mu.Unlock()

	sub.close()

	if fn != nil {
		fn(sub.SourceID, count)
	}
}

// Subscribers returns the current subscriber count for a source.
func (h *Hub) Subscribers(sourceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sources[sourceID]; ok {
		return len(st.subs)
	}
	return 0
}

// Stats reports per-source subscriber counts for the health endpoint.
func (h *Hub) Stats() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.sources))
	for id, st := range h.sources {
		out[id] = len(st.subs)
	}
	return out
}

// enqueue delivers one event to the subscriber without blocking. On a full
// queue the oldest buffered event is dropped, the dropped counter bumped,
// and a single gap marker injected per continuous overflow run.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
		// Delivered without overflow; a later overflow starts a new gap.
		s.gapOpen = false
		return
	default:
	}

	for {
		// Make room by discarding the oldest buffered event. A discarded
		// gap marker does not count as a lost line, but it must be
		// re-injected further down the queue or the consumer would never
		// see the discontinuity.
		select {
		case old := <-s.events:
			if old.Gap {
				s.gapOpen = false
			} else {
				s.dropped++
			}
		default:
		}

		if !s.gapOpen {
			select {
			case s.events <- Event{SourceID: ev.SourceID, Seq: ev.Seq, Timestamp: ev.Timestamp, Gap: true}:
				s.gapOpen = true
			default:
				continue // still full, discard another and retry the marker
			}
		}

		select {
		case s.events <- ev:
			return
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
