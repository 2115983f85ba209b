package reconnect

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/events"
)

type stubTransport struct{ key string }

func (s *stubTransport) Key() string        { return s.key }
func (s *stubTransport) Protocol() connpool.Protocol { return connpool.ProtoSSH }
func (s *stubTransport) Healthy() bool      { return true }
func (s *stubTransport) NewShell(ctx context.Context, shell string) (connpool.Session, error) {
	return nil, nil
}
func (s *stubTransport) ExecLine(ctx context.Context, cmd string) (string, error) { return "", nil }
func (s *stubTransport) OpenX11Channel(ctx context.Context) (connpool.X11Channel, error) {
	return nil, nil
}
func (s *stubTransport) SSHRaw() (any, bool) { return nil, false }
func (s *stubTransport) Close() error        { return nil }

// flakyDialer fails the first N dials, then succeeds.
type flakyDialer struct {
	failures int32
	attempts atomic.Int32
}

func (d *flakyDialer) Dial(ctx context.Context, key string, cfg connpool.Config) (connpool.Transport, error) {
	n := d.attempts.Add(1)
	if n <= d.failures {
		return nil, context.DeadlineExceeded
	}
	return &stubTransport{key: key}, nil
}

func testPolicy() Policy {
	return Policy{BaseDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond, MaxAttempts: 3}
}

func TestManager_SucceedsWithinMaxAttempts(t *testing.T) {
	dialer := &flakyDialer{failures: 1}
	pool := connpool.NewPool(connpool.PoolConfig{
		MaxConnections: 64, MaxPerServer: 64, ConnectTimeout: time.Second,
		IdleTimeout: time.Hour, HealthCheckPool: time.Hour, HealthCheckMonitor: time.Hour,
		PoolWaitTimeout: time.Second,
	}, dialer, zerolog.Nop(), nil)
	defer pool.Shutdown(context.Background())

	bus := events.NewBus(8)
	mgr := NewManager(testPolicy(), pool, bus, zerolog.Nop())
	defer mgr.Shutdown()

	cfg := connpool.Config{Host: "10.9.9.9", Port: 22, User: "root"}
	mgr.OnAbandoned(cfg)("10.9.9.9:22:root", context.DeadlineExceeded)

	select {
	case ev := <-bus.ConnectionReplaced:
		if ev.Key != "10.9.9.9:22:root" {
			t.Fatalf("ConnectionReplaced.Key = %q", ev.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectionReplaced")
	}
}

func TestManager_AbandonsAfterMaxAttempts(t *testing.T) {
	dialer := &flakyDialer{failures: 100}
	pool := connpool.NewPool(connpool.PoolConfig{
		MaxConnections: 64, MaxPerServer: 64, ConnectTimeout: time.Second,
		IdleTimeout: time.Hour, HealthCheckPool: time.Hour, HealthCheckMonitor: time.Hour,
		PoolWaitTimeout: time.Second,
	}, dialer, zerolog.Nop(), nil)
	defer pool.Shutdown(context.Background())

	bus := events.NewBus(8)
	mgr := NewManager(testPolicy(), pool, bus, zerolog.Nop())
	defer mgr.Shutdown()

	cfg := connpool.Config{Host: "10.9.9.8", Port: 22, User: "root"}
	mgr.OnAbandoned(cfg)("10.9.9.8:22:root", context.DeadlineExceeded)

	select {
	case ev := <-bus.ReconnectAbandoned:
		if ev.Key != "10.9.9.8:22:root" {
			t.Fatalf("ReconnectAbandoned.Key = %q", ev.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReconnectAbandoned")
	}
}
