// Package sshpool maintains a bounded set of authenticated SSH sessions
// per remote host and hands them out as exclusive leases.
//
// A session is a whole *ssh.Client (SSH multiplexes command channels over
// one TCP connection, but tailers hold long-running tail commands, so each
// tailer gets its own connection rather than sharing channels). Between
// leases a session sits Idle in the pool; a background sweep retires
// sessions that have been idle too long, exceeded their maximum age, or
// fail a liveness probe. The pool never logs credential material.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tailview/tailview/internal/config"
)

// Acquire failure classes. Callers branch on these with errors.Is.
var (
	ErrPoolExhausted = errors.New("session pool exhausted")
	ErrAuthFailed    = errors.New("ssh authentication failed")
	ErrUnreachable   = errors.New("host unreachable")
	ErrPoolClosed    = errors.New("session pool closed")
)

const (
	dialTimeout  = 10 * time.Second
	probeRequest = "keepalive@openssh.com"
)

// State describes where a session is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateLeased
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes pool behavior. Zero values fall back to defaults.
type Options struct {
	MaxConns    int           // per host, default 10
	WaitTimeout time.Duration // how long Acquire blocks when exhausted, default 10s
	IdleTimeout time.Duration // idle session eviction, default 5m
	MaxAge      time.Duration // absolute session lifetime, default 1h
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.MaxAge <= 0 {
		o.MaxAge = time.Hour
	}
	return o
}

// Session is one authenticated connection to a remote host. Exclusively
// owned by the pool while Idle and by exactly one lease holder while
// Leased.
type Session struct {
	client     *ssh.Client
	hostKey    string
	state      State
	createdAt  time.Time
	lastUsedAt time.Time
}

// Client exposes the underlying SSH client for running commands.
func (s *Session) Client() *ssh.Client { return s.client }

// closeClient tolerates the nil clients used by pool tests.
func (s *Session) closeClient() {
	if s.client != nil {
		s.client.Close()
	}
}

// Lease is the exclusive handle returned by Acquire. Exactly one of
// Release or Discard must be called when the holder is done.
type Lease struct {
	pool    *Pool
	session *Session
	host    config.RemoteHost
	done    bool
}

// Client returns the leased session's SSH client.
func (l *Lease) Client() *ssh.Client { return l.session.client }

// Host returns the host configuration the lease was acquired for.
func (l *Lease) Host() config.RemoteHost { return l.host }

// Release returns the session to the pool for reuse. A session that fails
// the liveness probe on the way back is closed instead of idling.
func (l *Lease) Release() { l.pool.release(l, true) }

// Discard tells the pool the session is broken; it is closed immediately.
func (l *Lease) Discard() { l.pool.release(l, false) }

// hostPool is the per-host slice of the pool.
type hostPool struct {
	key      string
	cfg      config.RemoteHost
	idle     []*Session
	total    int           // idle + leased; never exceeds Options.MaxConns
	released chan struct{} // capacity 1, pinged on every release/discard
}

// Pool owns all SSH sessions, keyed by host identity (user@host:port).
type Pool struct {
	opts Options

	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool

	// dial is swappable for tests.
	dial DialFunc
	// probe is swappable for tests.
	probe ProbeFunc
}

// DialFunc opens an authenticated SSH client for a host.
type DialFunc func(ctx context.Context, cfg config.RemoteHost) (*ssh.Client, error)

// ProbeFunc reports whether a pooled session is still alive.
type ProbeFunc func(s *Session) bool

// New creates a Pool with the given options.
func New(opts Options) *Pool {
	p := &Pool{
		opts:  opts.withDefaults(),
		hosts: make(map[string]*hostPool),
	}
	p.dial = dialHost
	p.probe = probeSession
	return p
}

// NewWithTransport creates a Pool with custom dial and probe functions in
// place of the SSH defaults.
func NewWithTransport(opts Options, dial DialFunc, probe ProbeFunc) *Pool {
	p := New(opts)
	if dial != nil {
		p.dial = dial
	}
	if probe != nil {
		p.probe = probe
	}
	return p
}

// HostKey derives the stable pool key for a host configuration.
func HostKey(cfg config.RemoteHost) string {
	return fmt.Sprintf("%s@%s:%d", cfg.User, cfg.Host, cfg.Port)
}

func (p *Pool) hostFor(cfg config.RemoteHost) *hostPool {
	key := HostKey(cfg)
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{
			key:      key,
			cfg:      cfg,
			released: make(chan struct{}, 1),
		}
		p.hosts[key] = hp
	}
	return hp
}

// Acquire returns an exclusive lease on a session to the host. An Idle
// session passing the liveness probe is reused; otherwise a new connection
// is opened if the host is under its cap; otherwise the call blocks until
// a lease is returned, the context ends, or WaitTimeout elapses
// (ErrPoolExhausted).
func (p *Pool) Acquire(ctx context.Context, cfg config.RemoteHost) (*Lease, error) {
	deadline := time.NewTimer(p.opts.WaitTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		hp := p.hostFor(cfg)

		// Reuse the most recently used idle session first; stale ones are
		// more likely to be dead and are the sweep's problem.
		for len(hp.idle) > 0 {
			s := hp.idle[len(hp.idle)-1]
			hp.idle = hp.idle[:len(hp.idle)-1]
			s.state = StateLeased
			p.mu.Unlock()

			if p.probe(s) {
				return &Lease{pool: p, session: s, host: cfg}, nil
			}

			// Dead while idle: close it and try the next one.
			s.state = StateClosed
			s.closeClient()
			p.mu.Lock()
			hp.total--
			log.Printf("[sshpool] dropped dead idle session to %s", hp.key)
		}

		if hp.total < p.opts.MaxConns {
			hp.total++ // reserve the slot before the slow dial
			p.mu.Unlock()

			client, err := p.dial(ctx, cfg)
			if err != nil {
				p.mu.Lock()
				hp.total--
				p.mu.Unlock()
				p.ping(hp)
				return nil, err
			}

			now := time.Now()
			s := &Session{
				client:     client,
				hostKey:    hp.key,
				state:      StateLeased,
				createdAt:  now,
				lastUsedAt: now,
			}
			return &Lease{pool: p, session: s, host: cfg}, nil
		}
		p.mu.Unlock()

		select {
		case <-hp.released:
		case <-deadline.C:
			return nil, fmt.Errorf("acquire %s: %w", HostKey(cfg), ErrPoolExhausted)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release puts a leased session back. healthy=false (Discard) or a failed
// probe closes the session; its slot frees up either way.
func (p *Pool) release(l *Lease, healthy bool) {
	if l == nil || l.done {
		return
	}
	l.done = true
	s := l.session

	if healthy {
		healthy = p.probe(s)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.closeClient()
		return
	}
	hp := p.hostFor(l.host)
	if healthy {
		s.state = StateIdle
		s.lastUsedAt = time.Now()
		hp.idle = append(hp.idle, s)
	} else {
		s.state = StateClosed
		hp.total--
	}
	p.mu.Unlock()

	if !healthy {
		s.closeClient()
		log.Printf("[sshpool] closed broken session to %s on release", s.hostKey)
	}
	p.ping(hp)
}

// ping wakes one Acquire waiter for the host.
func (p *Pool) ping(hp *hostPool) {
	select {
	case hp.released <- struct{}{}:
	default:
	}
}

// Sweep closes idle sessions past the idle timeout or maximum age and
// probes the survivors, dropping any that fail. Leased sessions are never
// touched. Intended to run on a schedule.
func (p *Pool) Sweep() {
	now := time.Now()

	var evict []*Session
	p.mu.Lock()
	for _, hp := range p.hosts {
		kept := hp.idle[:0]
		for _, s := range hp.idle {
			if now.Sub(s.lastUsedAt) > p.opts.IdleTimeout || now.Sub(s.createdAt) > p.opts.MaxAge {
				s.state = StateClosing
				evict = append(evict, s)
				hp.total--
				continue
			}
			kept = append(kept, s)
		}
		hp.idle = kept
	}
	p.mu.Unlock()

	for _, s := range evict {
		s.state = StateClosed
		s.closeClient()
		log.Printf("[sshpool] swept session to %s (age %s, idle %s)",
			s.hostKey, now.Sub(s.createdAt).Round(time.Second), now.Sub(s.lastUsedAt).Round(time.Second))
	}

	// Probe the survivors outside the lock: a probe is network I/O and a
	// dead peer can take a long time to fail, which must not stall
	// acquires on other hosts. Sessions under probe are pulled from the
	// idle list first so nothing can lease them mid-probe; their slots
	// stay reserved in total.
	p.mu.Lock()
	type probeBatch struct {
		hp       *hostPool
		sessions []*Session
	}
	var batches []probeBatch
	for _, hp := range p.hosts {
		if len(hp.idle) == 0 {
			continue
		}
		batches = append(batches, probeBatch{hp: hp, sessions: hp.idle})
		hp.idle = nil
	}
	p.mu.Unlock()

	for _, b := range batches {
		var alive, stale []*Session
		for _, s := range b.sessions {
			if p.probe(s) {
				alive = append(alive, s)
			} else {
				s.state = StateClosing
				stale = append(stale, s)
			}
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			for _, s := range alive {
				s.state = StateClosed
				s.closeClient()
			}
		} else {
			b.hp.idle = append(b.hp.idle, alive...)
			b.hp.total -= len(stale)
			p.mu.Unlock()
		}

		for _, s := range stale {
			s.state = StateClosed
			s.closeClient()
			log.Printf("[sshpool] swept unresponsive session to %s", s.hostKey)
		}
		p.ping(b.hp)
	}
}

// HostStats reports live session counts for one host.
type HostStats struct {
	Host   string `json:"host"`
	Idle   int    `json:"idle"`
	Leased int    `json:"leased"`
}

// Stats returns per-host session counts for the health endpoint.
func (p *Pool) Stats() []HostStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HostStats, 0, len(p.hosts))
	for _, hp := range p.hosts {
		out = append(out, HostStats{
			Host:   hp.key,
			Idle:   len(hp.idle),
			Leased: hp.total - len(hp.idle),
		})
	}
	return out
}

// Close closes every idle session and refuses further acquires. Leased
// sessions are closed by their holders via Release/Discard.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []*Session
	for _, hp := range p.hosts {
		all = append(all, hp.idle...)
		hp.idle = nil
	}
	p.hosts = make(map[string]*hostPool)
	p.mu.Unlock()

	for _, s := range all {
		s.state = StateClosed
		s.closeClient()
	}
	log.Printf("[sshpool] closed (%d idle sessions)", len(all))
}

// probeSession sends a keepalive request as a cheap liveness check.
func probeSession(s *Session) bool {
	_, _, err := s.client.SendRequest(probeRequest, true, nil)
	return err == nil
}

// dialHost opens and authenticates a new SSH connection.
func dialHost(ctx context.Context, cfg config.RemoteHost) (*ssh.Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	hostKeyCallback, err := hostKeyPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("host key policy for %s: %w", cfg.Host, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnreachable)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "no supported methods remain") {
			return nil, fmt.Errorf("handshake with %s: %w", addr, ErrAuthFailed)
		}
		return nil, fmt.Errorf("handshake with %s: %w", addr, ErrUnreachable)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authMethods builds the SSH auth chain from the host config. Key auth is
// preferred; the key file's permissions are checked but only warned about.
func authMethods(cfg config.RemoteHost) ([]ssh.AuthMethod, error) {
	switch cfg.AuthMethod {
	case "key":
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %v", cfg.KeyPath, err)
		}
		if info, err := os.Stat(cfg.KeyPath); err == nil && info.Mode().Perm()&0o077 != 0 {
			log.Printf("[sshpool] WARNING: key file %s has insecure permissions %o", cfg.KeyPath, info.Mode().Perm())
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %v", cfg.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case "password":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", cfg.AuthMethod)
	}
}

// hostKeyPolicy returns the host key verification callback. Verified
// known_hosts pinning is the default; skipping verification is an explicit
// per-host opt-in and is logged every time a pool dials with it.
func hostKeyPolicy(cfg config.RemoteHost) (ssh.HostKeyCallback, error) {
	if cfg.InsecureSkipVerify {
		log.Printf("[sshpool] WARNING: host key verification disabled for %s (insecure_skip_verify)", cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home for known_hosts: %w", err)
		}
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}
