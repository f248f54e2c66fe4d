// Package scanner enumerates the current file set of directory sources.
// Local directories are walked on disk; remote directories are listed with
// a guarded find command over a pooled SSH session. The registry diffs
// successive listings to register appearing files and retire vanished ones.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/guard"
	"github.com/tailview/tailview/internal/logutil"
	"github.com/tailview/tailview/internal/sshpool"
)

// maxEntries caps a single listing so a runaway directory cannot flood the
// registry.
const maxEntries = 1000

// Entry is one discovered file.
type Entry struct {
	// Name is the display name: the directory source's name joined with
	// the file's path relative to the scan root.
	Name string
	// Path is the absolute path on the owning filesystem.
	Path string
	// Size in bytes. Zero for remote entries, whose listing does not
	// report sizes.
	Size int64
}

// Lister enumerates the current matches of one directory source. Listings
// are sorted by path and capped at maxEntries, so an unchanged directory
// yields an identical result on every call.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// Local lists files under a local scan directory.
type Local struct {
	dir config.LocalDir
}

func NewLocal(dir config.LocalDir) *Local {
	return &Local{dir: dir}
}

func (s *Local) List(ctx context.Context) ([]Entry, error) {
	root := filepath.Clean(s.dir.ScanDir)

	var entries []Entry
	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree; report what the rest of the walk finds.
			log.Printf("[scanner] %s: walk %s: %v", s.dir.Name, path, err)
			return nil
		}
		if d.IsDir() {
			if path != root && !s.dir.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := filepath.Match(s.dir.Pattern, d.Name())
		if err != nil {
			return fmt.Errorf("pattern %q: %w", s.dir.Pattern, err)
		}
		if !ok {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = d.Name()
		}
		e := Entry{Name: s.dir.Name + "/" + filepath.ToSlash(rel), Path: path}
		if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
		if len(entries) >= maxEntries {
			return fs.SkipAll
		}
		return nil
	}

	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sortEntries(entries)
	return entries, nil
}

// Remote lists files in a remote directory over a pooled SSH session.
type Remote struct {
	name    string
	root    string
	pattern string
	deep    bool
	host    config.RemoteHost
	pool    *sshpool.Pool
}

func NewRemote(dir config.RemoteLog, host config.RemoteHost, pool *sshpool.Pool) *Remote {
	return &Remote{
		name:    dir.Name,
		root:    dir.Path,
		pattern: dir.Pattern,
		deep:    dir.Recursive,
		host:    host,
		pool:    pool,
	}
}

func (s *Remote) List(ctx context.Context) ([]Entry, error) {
	if err := guard.ValidatePath(s.root, s.host.AllowedPaths); err != nil {
		return nil, err
	}
	cmd := findCommand(s.root, s.pattern, s.deep)
	if err := guard.ValidateCommand(cmd, guard.DefaultAllowedVerbs); err != nil {
		return nil, err
	}

	lease, err := s.pool.Acquire(ctx, s.host)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	session, err := lease.Client().NewSession()
	if err != nil {
		lease.Discard()
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	out, err := session.Output(cmd)
	session.Close()
	if err != nil {
		lease.Discard()
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	lease.Release()

	var entries []Entry
	for _, line := range strings.Split(string(out), "\n") {
		path := strings.TrimSpace(line)
		if path == "" {
			continue
		}
		// find should only hand back paths under the root, but listings
		// feed tailers, so each path is held to the host's whitelist too.
		if err := guard.ValidatePath(path, s.host.AllowedPaths); err != nil {
			// The path came off the wire; keep it from forging log lines.
			log.Printf("[scanner] %s: skipping %s", s.name, logutil.SanitizeForLog(err.Error()))
			continue
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		entries = append(entries, Entry{Name: s.name + "/" + filepath.ToSlash(rel), Path: path})
		if len(entries) >= maxEntries {
			break
		}
	}

	sortEntries(entries)
	return entries, nil
}

// findCommand builds the remote listing command. The pattern rides in
// single quotes so the remote shell does not expand it before find runs.
func findCommand(root, pattern string, recursive bool) string {
	if recursive {
		return fmt.Sprintf("find %s -type f -name '%s'", root, pattern)
	}
	return fmt.Sprintf("find %s -maxdepth 1 -type f -name '%s'", root, pattern)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
