// Package registry owns the process-wide source table: every tailable
// source, its tailer handle, and its subscriber count. Tailers run lazily:
// the first subscriber starts one, the last leaving stops it, and always-on
// sources run regardless. Directory sources are reconciled against scanner
// listings, registering files as they appear and retiring them as they
// vanish.
package registry

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tailview/tailview/internal/config"
	"github.com/tailview/tailview/internal/guard"
	"github.com/tailview/tailview/internal/hub"
	"github.com/tailview/tailview/internal/logutil"
	"github.com/tailview/tailview/internal/scanner"
	"github.com/tailview/tailview/internal/sshpool"
	"github.com/tailview/tailview/internal/tailer"
)

// Kind tells a local source from a remote one.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Source is one tailable entry in the table.
type Source struct {
	ID       string
	Name     string
	Kind     Kind
	Path     string
	Host     *config.RemoteHost // nil for local sources
	AlwaysOn bool

	// owner names the directory source a discovered file came from; empty
	// for sources configured directly.
	owner string
	// allowRoot anchors the guard whitelist for discovered local files.
	allowRoot string
}

// Info is the externally visible view of a source.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Path        string `json:"path"`
	Host        string `json:"host,omitempty"`
	Exists      bool   `json:"exists"`
	Size        int64  `json:"size"`
	AlwaysOn    bool   `json:"alwaysOn,omitempty"`
	Active      bool   `json:"active"`
	Subscribers int    `json:"subscribers"`
}

// Options carries the tailer tuning shared by every source.
type Options struct {
	Limits     tailer.Limits
	Backoff    tailer.BackoffPolicy
	MaxRetries int
}

type entry struct {
	src  Source
	tl   tailer.Tailer
	subs int
}

// boundLister pairs a scanner with the metadata needed to register what it
// finds.
type boundLister struct {
	owner    string
	lister   scanner.Lister
	kind     Kind
	host     *config.RemoteHost
	alwaysOn bool
	// scanRoot anchors the guard whitelist for discovered local files.
	scanRoot string
}

// Registry is safe for concurrent use by the hub callback, the rescan job,
// and the HTTP handlers.
type Registry struct {
	hub  *hub.Hub
	pool *sshpool.Pool
	opts Options

	mu      sync.Mutex
	sources map[string]*entry
	listers []boundLister
	hosts   []*config.RemoteHost
	closed  bool
}

// New builds an empty registry and wires itself into the hub's subscriber
// lifecycle. Call Load before serving.
func New(h *hub.Hub, pool *sshpool.Pool, opts Options) *Registry {
	r := &Registry{
		hub:     h,
		pool:    pool,
		opts:    opts,
		sources: make(map[string]*entry),
	}
	h.OnSubscriberChange(r.onSubscribers)
	return r
}

// Load populates the table from the sources file: configured local files,
// directory sources to reconcile, and remote hosts' logs. Always-on
// sources start tailing immediately. Load validates every directly
// configured path with the guard and skips, with a log line, anything
// rejected or duplicated.
func (r *Registry) Load(srcs config.Sources) {
	r.mu.Lock()

	for _, f := range srcs.LogFiles {
		r.addLocked(Source{
			ID:       f.Name,
			Name:     f.Name,
			Kind:     KindLocal,
			Path:     filepath.Clean(f.Path),
			AlwaysOn: f.AlwaysOn,
		})
	}

	for _, d := range srcs.LogDirectories {
		r.listers = append(r.listers, boundLister{
			owner:    d.Name,
			lister:   scanner.NewLocal(d),
			kind:     KindLocal,
			scanRoot: filepath.Clean(d.ScanDir),
		})
	}

	for i := range srcs.RemoteServers {
		host := &srcs.RemoteServers[i]
		r.hosts = append(r.hosts, host)
		for _, l := range host.Logs {
			name := host.Name + "/" + l.Name
			if l.Type == "directory" {
				r.listers = append(r.listers, boundLister{
					owner:    name,
					lister:   scanner.NewRemote(remoteDirSource(name, l), *host, r.pool),
					kind:     KindRemote,
					host:     host,
					alwaysOn: l.AlwaysOn,
				})
				continue
			}
			r.addLocked(Source{
				ID:       name,
				Name:     name,
				Kind:     KindRemote,
				Path:     l.Path,
				Host:     host,
				AlwaysOn: l.AlwaysOn,
			})
		}
	}

	r.mu.Unlock()
}

// remoteDirSource renames a remote directory entry so discovered files are
// prefixed host/name.
func remoteDirSource(name string, l config.RemoteLog) config.RemoteLog {
	l.Name = name
	return l
}

// addLocked validates and inserts one source, starting its tailer when
// always-on. Callers hold r.mu.
func (r *Registry) addLocked(src Source) {
	if _, dup := r.sources[src.ID]; dup {
		log.Printf("[registry] duplicate source id %q, skipping", src.ID)
		return
	}
	if err := r.validate(src); err != nil {
		log.Printf("[registry] rejecting source %q: %s", src.ID, logutil.SanitizeForLog(err.Error()))
		return
	}

	e := &entry{src: src}
	r.sources[src.ID] = e
	if src.AlwaysOn && !r.closed {
		e.tl = r.startTailer(src)
	}
}

// validate applies the guard. Remote paths are held to the host whitelist;
// local paths get the deny-list with their own directory as the allowed
// prefix, since which local files to expose is the operator's call.
func (r *Registry) validate(src Source) error {
	if src.Kind == KindRemote {
		return guard.ValidatePath(src.Path, src.Host.AllowedPaths)
	}
	allowed := src.allowRoot
	if allowed == "" {
		allowed = filepath.Dir(src.Path)
	}
	return guard.ValidatePath(src.Path, []string{allowed})
}

func (r *Registry) startTailer(src Source) tailer.Tailer {
	var tl tailer.Tailer
	if src.Kind == KindRemote {
		tl = tailer.NewRemote(src.ID, src.Path, *src.Host, r.pool, tailer.RemoteOptions{
			Limits:     r.opts.Limits,
			Backoff:    r.opts.Backoff,
			MaxRetries: r.opts.MaxRetries,
		}, r.hub)
	} else {
		tl = tailer.NewLocal(src.ID, src.Path, r.opts.Limits, r.hub)
	}
	tl.Start()
	// Discovered IDs carry filenames from remote listings, so they are not
	// trusted to be printable.
	log.Printf("[registry] started tailer for %s", logutil.SanitizeForLog(src.ID))
	return tl
}

// onSubscribers is the hub's lifecycle callback. Stops happen outside the
// lock so a slow tailer shutdown cannot stall the whole table.
func (r *Registry) onSubscribers(sourceID string, n int) {
	var stop tailer.Tailer

	r.mu.Lock()
	e, ok := r.sources[sourceID]
	if ok && !r.closed {
		e.subs = n
		switch {
		case n > 0 && e.tl == nil:
			e.tl = r.startTailer(e.src)
		case n == 0 && e.tl != nil && !e.src.AlwaysOn:
			stop = e.tl
			e.tl = nil
		}
	}
	r.mu.Unlock()

	if stop != nil {
		stop.Stop()
		log.Printf("[registry] stopped idle tailer for %s", logutil.SanitizeForLog(sourceID))
	}
}

// Rescan reconciles every directory source against a fresh listing. A
// listing failure leaves that directory's current entries alone, so a
// transient SSH outage does not tear down running tailers. Rescan is
// idempotent: an unchanged directory causes no churn.
func (r *Registry) Rescan(ctx context.Context) {
	r.mu.Lock()
	listers := make([]boundLister, len(r.listers))
	copy(listers, r.listers)
	r.mu.Unlock()

	for _, b := range listers {
		entries, err := b.lister.List(ctx)
		if err != nil {
			log.Printf("[registry] rescan %s: %v", b.owner, err)
			continue
		}
		r.reconcile(b, entries)
	}
}

func (r *Registry) reconcile(b boundLister, entries []scanner.Entry) {
	seen := make(map[string]bool, len(entries))
	var stops []tailer.Tailer
	var vanished []string

	r.mu.Lock()
	for _, se := range entries {
		seen[se.Name] = true
		if _, ok := r.sources[se.Name]; ok {
			continue
		}
		r.addLocked(Source{
			ID:        se.Name,
			Name:      se.Name,
			Kind:      b.kind,
			Path:      se.Path,
			Host:      b.host,
			AlwaysOn:  b.alwaysOn,
			owner:     b.owner,
			allowRoot: b.scanRoot,
		})
	}
	for id, e := range r.sources {
		if e.src.owner != b.owner || seen[id] {
			continue
		}
		if e.tl != nil {
			stops = append(stops, e.tl)
		}
		delete(r.sources, id)
		vanished = append(vanished, id)
	}
	r.mu.Unlock()

	for _, tl := range stops {
		tl.Stop()
	}
	for _, id := range vanished {
		r.hub.PublishError(id, hub.ErrKindSourceUnavailable, "file no longer present in scan directory")
		log.Printf("[registry] retired vanished source %s", logutil.SanitizeForLog(id))
	}
}

// Lookup returns the source for an ID.
func (r *Registry) Lookup(id string) (Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return e.src, true
}

// Sources lists the table sorted by ID, with liveness details filled in
// for local files.
func (r *Registry) Sources() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.sources))
	for _, e := range r.sources {
		info := Info{
			ID:          e.src.ID,
			Name:        e.src.Name,
			Kind:        e.src.Kind,
			Path:        e.src.Path,
			AlwaysOn:    e.src.AlwaysOn,
			Active:      e.tl != nil,
			Subscribers: e.subs,
		}
		if e.src.Host != nil {
			info.Host = e.src.Host.Name
			info.Exists = true
		}
		infos = append(infos, info)
	}
	r.mu.Unlock()

	for i := range infos {
		if infos[i].Kind != KindLocal {
			continue
		}
		if st, err := os.Stat(infos[i].Path); err == nil {
			infos[i].Exists = true
			infos[i].Size = st.Size()
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stats summarizes the table for the health endpoint.
func (r *Registry) Stats() (total, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sources {
		if e.tl != nil {
			active++
		}
	}
	return len(r.sources), active
}

// Close stops every running tailer and refuses further starts.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var stops []tailer.Tailer
	for _, e := range r.sources {
		if e.tl != nil {
			stops = append(stops, e.tl)
			e.tl = nil
		}
	}
	r.mu.Unlock()

	for _, tl := range stops {
		tl.Stop()
	}
}

// WatchRoots lists the local scan roots for filesystem-notification
// triggered rescans.
func (r *Registry) WatchRoots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var roots []string
	for _, b := range r.listers {
		if b.kind == KindLocal {
			roots = append(roots, b.scanRoot)
		}
	}
	return roots
}
