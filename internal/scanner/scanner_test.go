package scanner

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tailview/tailview/internal/config"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestLocal_FlatListing(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "app.log", "db.log", "notes.txt", "nested/deep.log")

	s := NewLocal(config.LocalDir{Name: "logs", ScanDir: dir, Pattern: "*.log"})
	entries, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"logs/app.log", "logs/db.log"}
	if got := names(entries); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
	for _, e := range entries {
		if e.Size != 2 {
			t.Errorf("%s size = %d, want 2", e.Name, e.Size)
		}
	}
}

func TestLocal_RecursiveListing(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "top.log", "svc/a.log", "svc/inner/b.log", "svc/skip.txt")

	s := NewLocal(config.LocalDir{Name: "logs", ScanDir: dir, Pattern: "*.log", Recursive: true})
	entries, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"logs/svc/a.log", "logs/svc/inner/b.log", "logs/top.log"}
	if got := names(entries); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestLocal_ListingIsStable(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "c.log", "a.log", "b.log")

	s := NewLocal(config.LocalDir{Name: "logs", ScanDir: dir, Pattern: "*.log"})
	first, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("unchanged directory produced different listings:\n%v\n%v", first, second)
	}
}

func TestLocal_MissingRoot(t *testing.T) {
	s := NewLocal(config.LocalDir{Name: "logs", ScanDir: filepath.Join(t.TempDir(), "nope"), Pattern: "*.log"})
	entries, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("missing root should list empty, got error %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %v from a missing root", entries)
	}
}

func TestFindCommand(t *testing.T) {
	tests := []struct {
		name      string
		recursive bool
		want      string
	}{
		{"flat", false, "find /var/log -maxdepth 1 -type f -name '*.log'"},
		{"recursive", true, "find /var/log -type f -name '*.log'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findCommand("/var/log", "*.log", tt.recursive); got != tt.want {
				t.Errorf("findCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatch_FiresOnNewFile(t *testing.T) {
	dir := t.TempDir()

	fired := make(chan struct{}, 1)
	stop, err := Watch([]string{dir}, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "new.log"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire for a new file")
	}
}
