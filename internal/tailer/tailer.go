// Package tailer follows individual log sources, local files and remote
// files over pooled SSH sessions, and turns their growth into line events
// for the stream hub.
//
// A tailer is one goroutine per source. Local tailers wait on filesystem
// notifications with a polling fallback and detect rotation by file
// identity and size; remote tailers run a guarded tail command over a
// leased SSH session and reconnect with bounded, jittered backoff. Failures
// stay confined to the owning source: a tailer never takes another source
// or subscriber down with it.
package tailer

import (
	"math/rand"
	"time"

	"github.com/tailview/tailview/internal/hub"
	"github.com/tailview/tailview/internal/logutil"
)

// Publisher receives everything a tailer produces. *hub.Hub satisfies it.
type Publisher interface {
	Publish(sourceID string, ev hub.Event)
	PublishError(sourceID string, kind hub.ErrorKind, message string)
}

// Tailer is the common handle the registry keeps per running source.
type Tailer interface {
	// Start begins tailing in its own goroutine.
	Start()
	// Stop terminates tailing and blocks until the goroutine exits.
	// Idempotent.
	Stop()
	// State reports the current lifecycle state.
	State() State
	// Transitions returns the recent state history.
	Transitions() []Transition
}

// Limits bounds line handling for both variants.
type Limits struct {
	// MaxLineBytes cuts any longer line and flags it truncated instead of
	// buffering it unbounded.
	MaxLineBytes int
	// BacklogBytes is how much history a local tailer replays on start.
	BacklogBytes int
	// BacklogLines is how many lines a remote tailer replays on start.
	BacklogLines int
}

func (l Limits) withDefaults() Limits {
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = 16 * 1024
	}
	if l.BacklogBytes < 0 {
		l.BacklogBytes = 0
	}
	if l.BacklogLines <= 0 {
		l.BacklogLines = 100
	}
	return l
}

// emitLine publishes one line, stripping ANSI sequences and skipping
// blank lines the way the viewers expect.
func emitLine(pub Publisher, sourceID, line string, truncated bool) {
	clean := logutil.StripANSI(line)
	if clean == "" {
		return
	}
	pub.Publish(sourceID, hub.Event{Content: clean, Truncated: truncated})
}

// emitRotated publishes the out-of-band rotation marker.
func emitRotated(pub Publisher, sourceID, detail string) {
	pub.Publish(sourceID, hub.Event{Rotated: true, Content: detail})
}

// backoffDelay returns the bounded exponential backoff for the given
// attempt (0-based) with ±20% jitter.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
