package tailer

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tailview/tailview/internal/hub"
)

// pollInterval is the fallback cadence for catching writes whose fsnotify
// events were missed or coalesced.
const pollInterval = time.Second

// Local follows one local file. Rotation is detected by file identity
// (device+inode via os.SameFile) and truncation by size shrink; both
// reopen the file at offset zero and emit a rotation marker.
type Local struct {
	sourceID string
	path     string
	limits   Limits
	pub      Publisher

	tracker *stateTracker

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// reader state, owned by the run goroutine
	file    *os.File
	offset  int64
	ident   os.FileInfo // identity of the currently open file
	partial []byte      // trailing bytes of an incomplete line
	skipRun bool        // inside an over-long line already emitted truncated
}

// NewLocal builds a tailer for a local file. The path must already have
// passed the access guard.
func NewLocal(sourceID, path string, limits Limits, pub Publisher) *Local {
	return &Local{
		sourceID: sourceID,
		path:     path,
		limits:   limits.withDefaults(),
		pub:      pub,
		tracker:  newStateTracker(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (t *Local) Start() { go t.run() }

func (t *Local) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

func (t *Local) State() State              { return t.tracker.state() }
func (t *Local) Transitions() []Transition { return t.tracker.history() }

func (t *Local) run() {
	defer close(t.doneCh)
	defer t.tracker.set(StateStopped, "tailer stopped")

	if err := t.open(true); err != nil {
		log.Printf("[tailer] %s: %v", t.sourceID, err)
		t.pub.PublishError(t.sourceID, hub.ErrKindSourceUnavailable, err.Error())
		return
	}
	defer t.closeFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[tailer] %s: create watcher: %v", t.sourceID, err)
		t.pub.PublishError(t.sourceID, hub.ErrKindSourceUnavailable, err.Error())
		return
	}
	defer watcher.Close()

	// Watch the parent directory: rotation replaces the file under its
	// path, so watching the file itself would go stale after the first
	// rotation.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		log.Printf("[tailer] %s: watch %s: %v", t.sourceID, filepath.Dir(t.path), err)
	}

	t.readNew()
	t.tracker.set(StateStreaming, "initial read complete")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Has(fsnotify.Write) {
				t.checkAndRead()
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				t.checkAndRead()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[tailer] %s: watcher: %v", t.sourceID, err)

		case <-ticker.C:
			t.checkAndRead()
		}
	}
}

// open opens the file and positions the read offset. A positive backlog
// seeks to the last BacklogBytes and discards the first, likely partial,
// line; zero backlog starts at the end of the file, so only lines appended
// after the open are emitted.
func (t *Local) open(withBacklog bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", t.path, err)
	}

	var offset int64
	if withBacklog {
		switch {
		case t.limits.BacklogBytes <= 0:
			offset = info.Size()
		case info.Size() > int64(t.limits.BacklogBytes):
			offset = info.Size() - int64(t.limits.BacklogBytes)
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek %s: %w", t.path, err)
	}

	t.file = f
	t.offset = offset
	t.ident = info
	t.partial = nil
	t.skipRun = midLine(f, offset)
	return nil
}

// midLine reports whether the offset lands inside a line, in which case the
// fragment up to the next newline must be discarded.
func midLine(f *os.File, offset int64) bool {
	if offset == 0 {
		return false
	}
	var b [1]byte
	if _, err := f.ReadAt(b[:], offset-1); err != nil {
		return true
	}
	return b[0] != '\n'
}

func (t *Local) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// checkAndRead inspects the file for rotation or truncation before reading
// whatever appended bytes are available.
func (t *Local) checkAndRead() {
	info, err := os.Stat(t.path)
	if err != nil {
		// Path is gone; a rotation may still be mid-flight. Keep the old
		// descriptor and wait for the replacement file to appear.
		return
	}

	switch {
	case t.ident != nil && !os.SameFile(t.ident, info):
		t.reopenAfterRotation("file replaced")
	case info.Size() < t.offset:
		t.reopenAfterRotation("file truncated")
	}

	t.readNew()
	if t.tracker.state() != StateStreaming {
		t.tracker.set(StateStreaming, "reading resumed")
	}
}

// reopenAfterRotation reopens the path at offset zero, emitting the
// rotation marker. Pre-rotation content is never re-emitted because the
// new descriptor starts at the head of the new file.
func (t *Local) reopenAfterRotation(reason string) {
	t.tracker.set(StateRotated, reason)
	t.closeFile()
	if err := t.open(false); err != nil {
		log.Printf("[tailer] %s: reopen after rotation: %v", t.sourceID, err)
		return
	}
	emitRotated(t.pub, t.sourceID, reason)
	log.Printf("[tailer] %s: %s, reopened at offset 0", t.sourceID, reason)
}

// readNew consumes all bytes appended since the last read, splitting them
// into lines. The trailing incomplete line is buffered until its newline
// arrives; lines beyond MaxLineBytes are cut, flagged, and the remainder
// of the oversized line discarded.
func (t *Local) readNew() {
	if t.file == nil {
		if err := t.open(false); err != nil {
			return
		}
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.consume(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[tailer] %s: read: %v", t.sourceID, err)
			}
			return
		}
	}
}

// consume splits a chunk on newlines, carrying partial-line state across
// calls.
func (t *Local) consume(chunk []byte) {
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			t.bufferPartial(chunk)
			return
		}

		line := chunk[:idx]
		chunk = chunk[idx+1:]

		if t.skipRun {
			// Tail of a line that was already emitted truncated, or the
			// partial first line after a backlog seek.
			t.skipRun = false
			t.partial = nil
			continue
		}

		full := line
		if len(t.partial) > 0 {
			full = append(t.partial, line...)
			t.partial = nil
		}
		t.emit(full, false)
	}
}

// bufferPartial holds an incomplete line, cutting it once it exceeds the
// line length guard.
func (t *Local) bufferPartial(chunk []byte) {
	if t.skipRun {
		return
	}
	t.partial = append(t.partial, chunk...)
	if len(t.partial) > t.limits.MaxLineBytes {
		t.emit(t.partial[:t.limits.MaxLineBytes], true)
		t.partial = nil
		t.skipRun = true
	}
}

func (t *Local) emit(line []byte, truncated bool) {
	if !truncated && len(line) > t.limits.MaxLineBytes {
		line = line[:t.limits.MaxLineBytes]
		truncated = true
	}
	s := string(bytes.TrimRight(line, "\r"))
	emitLine(t.pub, t.sourceID, s, truncated)
}
