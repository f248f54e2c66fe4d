package registry

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/hub"
	"github.com/tailview/tailview/internal/tailer"
)

func newTestRegistry(t *testing.T) (*Registry, *hub.Hub) {
	t.Helper()
	h := hub.New(64, 16)
	r := New(h, nil, Options{
		Limits:  tailer.Limits{BacklogBytes: 1024},
		Backoff: tailer.BackoffPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond},
	})
	t.Cleanup(r.Close)
	return r, h
}

func writeLog(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func activeOf(r *Registry, id string) bool {
	for _, info := range r.Sources() {
		if info.ID == id {
			return info.Active
		}
	}
	return false
}

func TestLoad_RegistersConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log")

	r, _ := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{{Name: "app", Path: path}}})

	src, ok := r.Lookup("app")
	if !ok {
		t.Fatal("configured source not registered")
	}
	if src.Kind != KindLocal || src.Path != path {
		t.Errorf("source = %+v", src)
	}

	infos := r.Sources()
	if len(infos) != 1 {
		t.Fatalf("Sources() has %d entries, want 1", len(infos))
	}
	if !infos[0].Exists || infos[0].Size != 6 {
		t.Errorf("info = %+v, want exists with size 6", infos[0])
	}
	if infos[0].Active {
		t.Error("tailer running with no subscribers and no always_on")
	}
}

func TestLoad_RejectsDenylistedPath(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{
		{Name: "bad", Path: "/etc/shadow"},
		{Name: "key", Path: "/opt/certs/server.key"},
	}})

	if _, ok := r.Lookup("bad"); ok {
		t.Error("denylisted path registered")
	}
	if _, ok := r.Lookup("key"); ok {
		t.Error("key file registered")
	}
}

func TestLoad_SkipsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	a := writeLog(t, dir, "a.log")
	b := writeLog(t, dir, "b.log")

	r, _ := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{
		{Name: "app", Path: a},
		{Name: "app", Path: b},
	}})

	src, _ := r.Lookup("app")
	if src.Path != a {
		t.Errorf("duplicate replaced the original: path = %s", src.Path)
	}
	if total, _ := r.Stats(); total != 1 {
		t.Errorf("table has %d sources, want 1", total)
	}
}

func TestAlwaysOnStartsAtLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log")

	r, _ := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{{Name: "app", Path: path, AlwaysOn: true}}})

	if !activeOf(r, "app") {
		t.Error("always_on source has no running tailer after load")
	}
}

func TestLazyStartAndStop(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log")

	r, h := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{{Name: "app", Path: path}}})

	sub := h.Subscribe("app")
	waitFor(t, 5*time.Second, func() bool { return activeOf(r, "app") }, "tailer start on first subscriber")

	// The running tailer replays the backlog into the new subscription.
	select {
	case ev := <-sub.Events():
		if ev.Content != "hello" {
			t.Errorf("first event content = %q, want hello", ev.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no backlog event after lazy start")
	}

	h.Unsubscribe(sub)
	waitFor(t, 5*time.Second, func() bool { return !activeOf(r, "app") }, "tailer stop on last unsubscribe")
}

func TestAlwaysOnSurvivesLastUnsubscribe(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log")

	r, h := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{{Name: "app", Path: path, AlwaysOn: true}}})

	sub := h.Subscribe("app")
	h.Unsubscribe(sub)
	time.Sleep(100 * time.Millisecond)

	if !activeOf(r, "app") {
		t.Error("always_on tailer stopped after last unsubscribe")
	}
}

func TestRescan_RegistersAndRetires(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "a.log")

	r, h := newTestRegistry(t)
	r.Load(config.Sources{LogDirectories: []config.LocalDir{
		{Name: "logs", ScanDir: dir, Pattern: "*.log"},
	}})

	r.Rescan(context.Background())
	if _, ok := r.Lookup("logs/a.log"); !ok {
		t.Fatal("scanned file not registered")
	}

	// A second rescan of the unchanged directory is a no-op.
	before := r.Sources()
	r.Rescan(context.Background())
	after := r.Sources()
	if len(before) != len(after) {
		t.Errorf("idempotent rescan changed the table: %d -> %d", len(before), len(after))
	}

	// New file appears.
	writeLog(t, dir, "b.log")
	r.Rescan(context.Background())
	if _, ok := r.Lookup("logs/b.log"); !ok {
		t.Fatal("newly appeared file not registered")
	}

	// Vanished file is retired and its subscribers are told.
	sub := h.Subscribe("logs/a.log")
	waitFor(t, 5*time.Second, func() bool { return activeOf(r, "logs/a.log") }, "tailer for a.log")
	if err := os.Remove(filepath.Join(dir, "a.log")); err != nil {
		t.Fatal(err)
	}
	r.Rescan(context.Background())

	if _, ok := r.Lookup("logs/a.log"); ok {
		t.Error("vanished file still registered")
	}
	if _, ok := r.Lookup("logs/b.log"); !ok {
		t.Error("retirement took the surviving source with it")
	}

	sawUnavailable := false
	deadline := time.After(5 * time.Second)
	for !sawUnavailable {
		select {
		case ev := <-sub.Events():
			if ev.ErrorKind == hub.ErrKindSourceUnavailable {
				sawUnavailable = true
			}
		case <-deadline:
			t.Fatal("no SourceUnavailable for the vanished source")
		}
	}
}

func TestClose_StopsEverything(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log")

	r, h := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{{Name: "app", Path: path, AlwaysOn: true}}})

	r.Close()
	if _, active := r.Stats(); active != 0 {
		t.Errorf("%d tailers still active after Close", active)
	}

	// Subscribing after Close must not start anything.
	sub := h.Subscribe("app")
	time.Sleep(100 * time.Millisecond)
	if _, active := r.Stats(); active != 0 {
		t.Error("Close did not refuse new tailer starts")
	}
	h.Unsubscribe(sub)
}

func TestWatchRoots(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestRegistry(t)
	r.Load(config.Sources{LogDirectories: []config.LocalDir{
		{Name: "logs", ScanDir: dir, Pattern: "*.log"},
	}})

	roots := r.WatchRoots()
	if len(roots) != 1 || roots[0] != filepath.Clean(dir) {
		t.Errorf("WatchRoots() = %v, want [%s]", roots, dir)
	}
}

func TestStartTailer_CollapsesControlCharactersInLogs(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "app.log")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	// Discovered names come off the wire; one carrying a newline must not
	// be able to forge a second log line.
	r, _ := newTestRegistry(t)
	r.Load(config.Sources{LogFiles: []config.LocalFile{
		{Name: "app\n[registry] forged entry", Path: path, AlwaysOn: true},
	}})

	logged := buf.String()
	if !strings.Contains(logged, "started tailer for app [registry] forged entry") {
		t.Errorf("start log missing collapsed name, got:\n%s", logged)
	}
	if strings.Contains(logged, "\n[registry] forged entry") {
		t.Errorf("source name injected a log line:\n%s", logged)
	}
}
