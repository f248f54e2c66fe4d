package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/guard"
	"github.com/tailview/tailview/internal/hub"
	"github.com/tailview/tailview/internal/sshpool"
)

// RemoteOptions configures a remote tailer beyond the shared limits.
type RemoteOptions struct {
	Limits     Limits
	Backoff    BackoffPolicy
	MaxRetries int // consecutive failed attempts before giving up, default 10
}

// BackoffPolicy bounds the reconnect delay.
type BackoffPolicy struct {
	Base time.Duration // default 1s
	Cap  time.Duration // default 16s
}

func (b BackoffPolicy) withDefaults() BackoffPolicy {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Cap <= 0 {
		b.Cap = 16 * time.Second
	}
	return b
}

// Remote follows one file on a remote host by running a guarded follow
// command over a pooled SSH session. Broken streams are retried with
// bounded, jittered backoff; when the retry budget is exhausted the
// tailer reports SourceUnavailable and stops.
type Remote struct {
	sourceID string
	path     string
	host     config.RemoteHost
	pool     *sshpool.Pool
	opts     RemoteOptions

	tracker *stateTracker

	stopOnce sync.Once
	cancel   context.CancelFunc
	ctx      context.Context
	doneCh   chan struct{}

	// streamed flips once the first stream delivered lines; reconnects
	// then follow without a backlog so pre-drop content is not re-emitted
	// beyond the boundary line.
	streamed bool

	// openFollow and runOutput are swappable for tests.
	openFollow func(lease *sshpool.Lease, cmd string) (followStream, error)
	runOutput  func(lease *sshpool.Lease, cmd string) ([]byte, error)

	pub Publisher
}

// followStream is the output of a running follow command. Closing it
// interrupts a blocked Read.
type followStream interface {
	io.Reader
	Close() error
}

type sshStream struct {
	session *ssh.Session
	stdout  io.Reader
}

func (s *sshStream) Read(p []byte) (int, error) { return s.stdout.Read(p) }
func (s *sshStream) Close() error               { return s.session.Close() }

func openSSHFollow(lease *sshpool.Lease, cmd string) (followStream, error) {
	session, err := lease.Client().NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}
	return &sshStream{session: session, stdout: stdout}, nil
}

func runSSHOutput(lease *sshpool.Lease, cmd string) ([]byte, error) {
	session, err := lease.Client().NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()
	return session.Output(cmd)
}

// NewRemote builds a tailer for a remote file. The path must already have
// passed the access guard against the host's allowed prefixes.
func NewRemote(sourceID, path string, host config.RemoteHost, pool *sshpool.Pool, opts RemoteOptions, pub Publisher) *Remote {
	opts.Limits = opts.Limits.withDefaults()
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Remote{
		sourceID:   sourceID,
		path:       path,
		host:       host,
		pool:       pool,
		opts:       opts,
		tracker:    newStateTracker(),
		ctx:        ctx,
		cancel:     cancel,
		doneCh:     make(chan struct{}),
		openFollow: openSSHFollow,
		runOutput:  runSSHOutput,
		pub:        pub,
	}
}

func (t *Remote) Start() { go t.run() }

func (t *Remote) Stop() {
	t.stopOnce.Do(t.cancel)
	<-t.doneCh
}

func (t *Remote) State() State              { return t.tracker.state() }
func (t *Remote) Transitions() []Transition { return t.tracker.history() }

func (t *Remote) run() {
	defer close(t.doneCh)
	defer t.tracker.set(StateStopped, "tailer stopped")

	failures := 0
	for {
		if t.ctx.Err() != nil {
			return
		}

		err := t.streamOnce()
		if t.ctx.Err() != nil {
			return // clean stop, not a failure
		}
		if err == nil {
			// Stream delivered data before breaking; the source is alive,
			// so the failure budget starts over. Still pause one base
			// delay so a flapping stream cannot spin the reconnect loop.
			failures = 0
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(t.opts.Backoff.Base):
			}
			continue
		}

		var rej *guard.Rejection
		if errors.As(err, &rej) {
			// Guard rejections are not retryable. An oversized file is its
			// own failure class, not a security violation.
			kind := hub.ErrKindSecurityViolation
			if rej.Reason == guard.ReasonSizeExceeded {
				kind = hub.ErrKindSizeExceeded
			}
			log.Printf("[tailer] %s: %v", t.sourceID, err)
			t.pub.PublishError(t.sourceID, kind, err.Error())
			return
		}

		failures++
		if failures >= t.opts.MaxRetries {
			log.Printf("[tailer] %s: giving up after %d consecutive failures: %v", t.sourceID, failures, err)
			t.pub.PublishError(t.sourceID, hub.ErrKindSourceUnavailable,
				fmt.Sprintf("gave up after %d attempts: %v", failures, err))
			return
		}

		if errors.Is(err, sshpool.ErrPoolExhausted) {
			t.pub.PublishError(t.sourceID, hub.ErrKindPoolExhausted, err.Error())
		}

		delay := backoffDelay(failures-1, t.opts.Backoff.Base, t.opts.Backoff.Cap)
		t.tracker.set(StateReconnecting, fmt.Sprintf("attempt %d/%d: %v", failures, t.opts.MaxRetries, err))
		log.Printf("[tailer] %s: stream failed (attempt %d/%d), retrying in %s: %v",
			t.sourceID, failures, t.opts.MaxRetries, delay.Round(time.Millisecond), err)

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// streamOnce acquires a session, runs the follow command, and pumps lines
// until the stream breaks or the tailer is stopped. It returns nil when at
// least one line was delivered before the break, so the caller can reset
// its failure budget.
func (t *Remote) streamOnce() (err error) {
	lease, err := t.pool.Acquire(t.ctx, t.host)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	// A cleanly stopped tailer hands its healthy session back for the next
	// tailer on this host; any error discards it for disposal.
	sessionBroken := true
	defer func() {
		if sessionBroken {
			lease.Discard()
		} else {
			lease.Release()
		}
	}()

	if err := t.checkSize(lease); err != nil {
		if guard.ReasonOf(err) == guard.ReasonSizeExceeded {
			sessionBroken = false
		}
		return err
	}

	backlog := t.opts.Limits.BacklogLines
	if t.streamed {
		backlog = 0
	}
	cmd := fmt.Sprintf("tail -n %d -F %s", backlog, t.path)
	if err := guard.ValidateCommand(cmd, guard.DefaultAllowedVerbs); err != nil {
		sessionBroken = false
		return err
	}

	stream, err := t.openFollow(lease, cmd)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Closing the stream on cancellation unblocks the reader below. The
	// ssh client itself stays healthy, so the lease can still be released
	// for reuse.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-t.ctx.Done():
			stream.Close()
		case <-stopWatch:
		}
	}()

	t.tracker.set(StateStreaming, "follow command started")
	delivered, readErr := t.pump(stream)
	if delivered {
		t.streamed = true
	}

	if t.ctx.Err() != nil {
		sessionBroken = false
		return nil
	}
	if delivered {
		log.Printf("[tailer] %s: stream ended after delivering lines: %v", t.sourceID, readErr)
		return nil
	}
	if readErr == nil {
		readErr = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("stream ended: %w", readErr)
}

// checkSize verifies the remote file against the host's size bound before
// tailing begins, using a guarded stat command.
func (t *Remote) checkSize(lease *sshpool.Lease) error {
	cmd := "stat -c %s " + t.path
	if err := guard.ValidateCommand(cmd, guard.DefaultAllowedVerbs); err != nil {
		return err
	}

	out, err := t.runOutput(lease, cmd)
	if err != nil {
		// stat fails for a missing file; let the follow command's -F retry
		// semantics deal with files that appear later.
		return nil
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return nil
	}
	return guard.CheckFileSize(size, t.host.MaxFileSize)
}

// pump reads the follow command's output line by line, enforcing the line
// length guard without unbounded buffering. It reports whether any line
// was delivered.
func (t *Remote) pump(r io.Reader) (delivered bool, err error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	maxLine := t.opts.Limits.MaxLineBytes

	var partial []byte
	skipRun := false

	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return delivered, err
		}

		if skipRun {
			if !isPrefix {
				skipRun = false
				partial = nil
			}
			continue
		}

		partial = append(partial, chunk...)
		if isPrefix && len(partial) <= maxLine {
			continue
		}

		line := partial
		truncated := false
		if len(line) > maxLine {
			line = line[:maxLine]
			truncated = true
			skipRun = isPrefix
		}
		partial = nil

		emitLine(t.pub, t.sourceID, string(line), truncated)
		delivered = true
	}
}
