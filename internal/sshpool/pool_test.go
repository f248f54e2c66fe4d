package sshpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tailview/tailview/internal/config"
)

func testHost() config.RemoteHost {
	return config.RemoteHost{
		Name:         "test",
		Host:         "10.0.0.5",
		Port:         22,
		User:         "ops",
		AuthMethod:   "key",
		KeyPath:      "/tmp/id_test",
		AllowedPaths: []string{"/var/log"},
		MaxFileSize:  config.DefaultMaxFileSize,
	}
}

// fakePool returns a pool whose dial always succeeds (with a nil client)
// and whose probe always passes, plus counters for both.
func fakePool(opts Options) (*Pool, *atomic.Int64) {
	p := New(opts)
	var dials atomic.Int64
	p.dial = func(ctx context.Context, cfg config.RemoteHost) (*ssh.Client, error) {
		dials.Add(1)
		return nil, nil
	}
	p.probe = func(s *Session) bool { return true }
	return p, &dials
}

func TestAcquire_ReusesIdleSession(t *testing.T) {
	p, dials := fakePool(Options{MaxConns: 2})
	host := testHost()

	l1, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	l1.Release()

	l2, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	defer l2.Release()

	if got := dials.Load(); got != 1 {
		t.Errorf("dial count = %d, want 1 (idle session should be reused)", got)
	}
}

func TestAcquire_RespectsMaxConns(t *testing.T) {
	p, dials := fakePool(Options{MaxConns: 3, WaitTimeout: 50 * time.Millisecond})
	host := testHost()

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), host)
		if err != nil {
			t.Fatalf("Acquire %d error: %v", i, err)
		}
		leases = append(leases, l)
	}

	// Pool is at the cap: the invariant leased+idle <= MaxConns must hold
	// and the next acquire must fail with ErrPoolExhausted after the wait.
	if _, err := p.Acquire(context.Background(), host); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Acquire over cap = %v, want ErrPoolExhausted", err)
	}
	if got := dials.Load(); got != 3 {
		t.Errorf("dial count = %d, want 3", got)
	}

	stats := p.Stats()
	if len(stats) != 1 || stats[0].Leased != 3 || stats[0].Idle != 0 {
		t.Errorf("Stats() = %+v, want 3 leased / 0 idle", stats)
	}

	for _, l := range leases {
		l.Release()
	}
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	p, _ := fakePool(Options{MaxConns: 1, WaitTimeout: 2 * time.Second})
	host := testHost()

	l1, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), host)
		if err != nil {
			t.Errorf("blocked Acquire() error: %v", err)
		}
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before the lease was released")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()

	select {
	case l2 := <-acquired:
		l2.Release()
	case <-time.After(time.Second):
		t.Fatal("Acquire did not wake up after Release")
	}
}

func TestAcquire_DropsDeadIdleSessions(t *testing.T) {
	p, dials := fakePool(Options{MaxConns: 2})
	host := testHost()

	// First probe after idling fails, forcing a fresh dial.
	var probes atomic.Int64
	p.probe = func(s *Session) bool {
		return probes.Add(1) != 2 // fail exactly the second probe
	}

	l1, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	l1.Release() // probe #1 passes, session idles

	l2, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	defer l2.Release()

	if got := dials.Load(); got != 2 {
		t.Errorf("dial count = %d, want 2 (dead idle session must be replaced)", got)
	}
}

func TestRelease_ClosesUnhealthySession(t *testing.T) {
	p, _ := fakePool(Options{MaxConns: 2})
	host := testHost()

	l, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	p.probe = func(s *Session) bool { return false }
	l.Release()

	stats := p.Stats()
	if len(stats) != 1 || stats[0].Idle != 0 || stats[0].Leased != 0 {
		t.Errorf("Stats() = %+v, want empty pool after unhealthy release", stats)
	}
}

func TestDiscard_FreesSlotImmediately(t *testing.T) {
	p, dials := fakePool(Options{MaxConns: 1, WaitTimeout: time.Second})
	host := testHost()

	l, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	l.Discard()
	l.Discard() // double release/discard must be a no-op

	l2, err := p.Acquire(context.Background(), host)
	if err != nil {
		t.Fatalf("Acquire after Discard error: %v", err)
	}
	l2.Release()

	if got := dials.Load(); got != 2 {
		t.Errorf("dial count = %d, want 2 (discarded session must not be reused)", got)
	}
}

func TestSweep_EvictsExpiredIdleSessions(t *testing.T) {
	p, _ := fakePool(Options{MaxConns: 4, IdleTimeout: time.Minute, MaxAge: time.Hour})
	host := testHost()

	l1, _ := p.Acquire(context.Background(), host)
	l2, _ := p.Acquire(context.Background(), host)
	leased, _ := p.Acquire(context.Background(), host)
	l1.Release()
	l2.Release()

	// Backdate one idle session past the idle timeout and the other past
	// its maximum age.
	p.mu.Lock()
	hp := p.hosts[HostKey(host)]
	hp.idle[0].lastUsedAt = time.Now().Add(-2 * time.Minute)
	hp.idle[1].createdAt = time.Now().Add(-2 * time.Hour)
	p.mu.Unlock()

	p.Sweep()

	stats := p.Stats()
	if len(stats) != 1 || stats[0].Idle != 0 {
		t.Errorf("Stats() = %+v, want 0 idle after sweep", stats)
	}
	if stats[0].Leased != 1 {
		t.Errorf("leased = %d, want 1 (sweep must never touch leased sessions)", stats[0].Leased)
	}
	leased.Release()
}

func TestSweep_DropsUnresponsiveIdleSessions(t *testing.T) {
	p, _ := fakePool(Options{MaxConns: 2})
	host := testHost()

	l, _ := p.Acquire(context.Background(), host)
	l.Release()

	p.probe = func(s *Session) bool { return false }
	p.Sweep()

	if stats := p.Stats(); stats[0].Idle != 0 {
		t.Errorf("idle = %d, want 0 after probing sweep", stats[0].Idle)
	}
}

func TestSweep_DoesNotBlockAcquireOnOtherHosts(t *testing.T) {
	p, _ := fakePool(Options{MaxConns: 2, WaitTimeout: 5 * time.Second})
	hostA := testHost()
	hostB := testHost()
	hostB.Host = "10.0.0.6"

	// Park one idle session on host A for the sweep to find.
	l, err := p.Acquire(context.Background(), hostA)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	l.Release()

	// Host A's liveness check hangs, as it would against a dead peer.
	entered := make(chan struct{})
	var enteredOnce sync.Once
	unhang := make(chan struct{})
	var unhangOnce sync.Once
	defer unhangOnce.Do(func() { close(unhang) })
	p.probe = func(s *Session) bool {
		if s.hostKey == HostKey(hostA) {
			enteredOnce.Do(func() { close(entered) })
			<-unhang
		}
		return true
	}

	done := make(chan struct{})
	go func() {
		p.Sweep()
		close(done)
	}()
	<-entered

	// With the sweep stuck on host A, host B must still be served.
	acquired := make(chan error, 1)
	go func() {
		lb, err := p.Acquire(context.Background(), hostB)
		if err == nil {
			lb.Release()
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire(hostB) error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Acquire(hostB) stalled behind the sweep's liveness check on hostA")
	}

	unhangOnce.Do(func() { close(unhang) })
	<-done

	// The probed session must come back to host A's idle list.
	for _, s := range p.Stats() {
		if s.Host == HostKey(hostA) && s.Idle != 1 {
			t.Errorf("hostA idle = %d after sweep, want 1", s.Idle)
		}
	}
}

func TestAcquire_AfterClose(t *testing.T) {
	p, _ := fakePool(Options{})
	p.Close()
	if _, err := p.Acquire(context.Background(), testHost()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
}

func TestAcquire_ConcurrentNeverExceedsCap(t *testing.T) {
	const maxConns = 5
	p, _ := fakePool(Options{MaxConns: maxConns, WaitTimeout: 2 * time.Second})
	host := testHost()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), host)
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()

	if peak.Load() > maxConns {
		t.Errorf("peak concurrent leases = %d, exceeds cap %d", peak.Load(), maxConns)
	}
}
