package connpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeTransport is an in-memory Transport for pool tests; it never touches
// the network.
type fakeTransport struct {
	key     string
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeTransport(key string) *fakeTransport {
	t := &fakeTransport{key: key}
	t.healthy.Store(true)
	return t
}

func (f *fakeTransport) Key() string       { return f.key }
func (f *fakeTransport) Protocol() Protocol { return ProtoSSH }
func (f *fakeTransport) Healthy() bool      { return f.healthy.Load() && !f.closed.Load() }
func (f *fakeTransport) NewShell(ctx context.Context, shell string) (Session, error) { return nil, nil }
func (f *fakeTransport) ExecLine(ctx context.Context, cmd string) (string, error)    { return "", nil }
func (f *fakeTransport) OpenX11Channel(ctx context.Context) (X11Channel, error)      { return nil, nil }
func (f *fakeTransport) SSHRaw() (any, bool)                                         { return nil, false }
func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDialer hands out one fakeTransport per key and counts dial calls.
type fakeDialer struct {
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, key string, cfg Config) (Transport, error) {
	d.dials.Add(1)
	return newFakeTransport(key), nil
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:     64,
		MaxPerServer:       2,
		ConnectTimeout:     time.Second,
		IdleTimeout:        time.Hour, // long enough that sweeps don't interfere
		HealthCheckPool:    time.Hour,
		HealthCheckMonitor: time.Hour,
		PoolWaitTimeout:    50 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, dialer Dialer, onAbandoned func(string, error)) *Pool {
	t.Helper()
	p := NewPool(testPoolConfig(), dialer, zerolog.Nop(), onAbandoned)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestGetConnection_ReusesSameKey(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, nil)

	cfg := Config{Host: "10.0.0.1", Port: 22, User: "root"}
	ctx := context.Background()

	tr1, err := p.GetConnection(ctx, cfg, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	tr2, err := p.GetConnection(ctx, cfg, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if tr1 != tr2 {
		t.Fatal("GetConnection() dialed a second transport for an identical key")
	}
	if dialer.dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dials.Load())
	}
}

func TestGetConnection_TabIsolation(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, nil)
	ctx := context.Background()

	cfgA := Config{Host: "10.0.0.1", Port: 22, User: "root", TabID: "tab-a"}
	cfgB := Config{Host: "10.0.0.1", Port: 22, User: "root", TabID: "tab-b"}

	trA, err := p.GetConnection(ctx, cfgA, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection(a) error = %v", err)
	}
	trB, err := p.GetConnection(ctx, cfgB, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection(b) error = %v", err)
	}
	if trA.Key() == trB.Key() {
		t.Fatal("per-tab configs collapsed onto the same transport key")
	}

	got, ok := p.GetByTab("tab-a")
	if !ok || got.Key() != trA.Key() {
		t.Fatalf("GetByTab(tab-a) = %v, %v, want %s transport", got, ok, trA.Key())
	}
}

func TestGetConnection_PerHostCapBlocksThenTimesOut(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, nil)
	ctx := context.Background()

	// MaxPerServer is 2; three distinct tab-isolated transports to the same
	// host should leave the third blocked until it times out with
	// PoolExhausted, since the first two stay InUse (no Idle one to evict).
	cfg1 := Config{Host: "10.0.0.2", Port: 22, User: "root", TabID: "t1"}
	cfg2 := Config{Host: "10.0.0.2", Port: 22, User: "root", TabID: "t2"}
	cfg3 := Config{Host: "10.0.0.2", Port: 22, User: "root", TabID: "t3"}

	if _, err := p.GetConnection(ctx, cfg1, GetOptions{}); err != nil {
		t.Fatalf("GetConnection(1) error = %v", err)
	}
	if _, err := p.GetConnection(ctx, cfg2, GetOptions{}); err != nil {
		t.Fatalf("GetConnection(2) error = %v", err)
	}

	_, err := p.GetConnection(ctx, cfg3, GetOptions{WaitTimeout: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("GetConnection(3) succeeded, want PoolExhausted")
	}
}

func TestRelease_MakesTransportIdleNotClosed(t *testing.T) {
	dialer := &fakeDialer{}
	p := newTestPool(t, dialer, nil)
	ctx := context.Background()

	cfg := Config{Host: "10.0.0.3", Port: 22, User: "root"}
	tr, err := p.GetConnection(ctx, cfg, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}

	p.Release(tr.Key(), "")

	tr2, err := p.GetConnection(ctx, cfg, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection() after release error = %v", err)
	}
	if tr2 != tr {
		t.Fatal("released transport was not reused; it should go Idle, not Closed")
	}
}

func TestSweepActiveHealth_MarksLostAndNotifies(t *testing.T) {
	dialer := &fakeDialer{}
	notified := make(chan string, 1)
	p := newTestPool(t, dialer, func(key string, cause error) {
		notified <- key
	})
	ctx := context.Background()

	cfg := Config{Host: "10.0.0.4", Port: 22, User: "root"}
	tr, err := p.GetConnection(ctx, cfg, GetOptions{})
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	tr.(*fakeTransport).healthy.Store(false)

	p.sweepActiveHealth()

	select {
	case key := <-notified:
		if key != tr.Key() {
			t.Fatalf("notified key = %q, want %q", key, tr.Key())
		}
	case <-time.After(time.Second):
		t.Fatal("onAbandoned was not called after health sweep")
	}

	if _, ok := p.GetByTab(tr.Key()); ok {
		t.Fatal("lost transport is still reachable via GetByTab's legacy fallback")
	}
}
