package substrate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/config"
	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/substraterr"
)

// fakeTransport is a minimal connpool.Transport stand-in, reused across
// substrate tests so Connect/StartX11 can run without a real SSH server.
type fakeTransport struct {
	key     string
	healthy bool
}

func (f *fakeTransport) Key() string                { return f.key }
func (f *fakeTransport) Protocol() connpool.Protocol { return connpool.ProtoSSH }
func (f *fakeTransport) Healthy() bool               { return f.healthy }
func (f *fakeTransport) SSHRaw() (any, bool)         { return nil, false }
func (f *fakeTransport) Close() error                { return nil }
func (f *fakeTransport) NewShell(ctx context.Context, shell string) (connpool.Session, error) {
	return nil, nil
}
func (f *fakeTransport) ExecLine(ctx context.Context, cmd string) (string, error) {
	return "latency_test\n", nil
}
func (f *fakeTransport) OpenX11Channel(ctx context.Context) (connpool.X11Channel, error) {
	<-ctx.Done()
	return nil, substraterr.Wrap(substraterr.TimeoutOp, "fake: no x11 channel", ctx.Err())
}

// fakeDialer hands out one fakeTransport per key, never touching the
// network.
type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, key string, cfg connpool.Config) (connpool.Transport, error) {
	return &fakeTransport{key: key, healthy: true}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConnections:       8,
		ConnectTimeout:       time.Second,
		IdleTimeout:          time.Minute,
		HealthCheckPool:      time.Hour,
		HealthCheckMonitor:   time.Hour,
		PoolWaitTimeout:      time.Second,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		ReconnectMaxAttempts: 1,
		MaxSessionsPerTab:    1,
		MaxTotalSessions:     10,
		SessionIdleTimeout:   time.Minute,
		SSHReadyTimeout:      time.Second,
		OpBaseTimeout:        time.Second,
		OpMaxRetries:         2,
		ChunkSize:            4096,
		ChunkMaxRetries:      3,
		ProgressBatchN:       20,
		ProgressInterval:     100 * time.Millisecond,
		StagingRoot:          "",
		MemoryCapBytes:       256 << 20,
		MemoryPressureCutoff: 0.8,
		CPUPressureCutoff:    0.9,
		MaxConcurrentStreams: 10,
		MaxQueueSize:         100,
		SampleInterval:       time.Hour,
		LatencyProbeInterval: time.Hour,
		LatencyProbeTimeout:  time.Second,
	}
}

func TestNew_WiresEveryComponent(t *testing.T) {
	c := New(testConfig(), fakeDialer{}, zerolog.Nop())
	defer c.Shutdown(context.Background())

	if c.Bus == nil || c.Backpressure == nil || c.Pool == nil || c.Reconnect == nil ||
		c.SFTPPool == nil || c.SFTPQueue == nil || c.Transfer == nil || c.Latency == nil || c.X11 == nil {
		t.Fatal("New() left a component nil")
	}
}

func TestConnect_TracksCfgAndRegistersLatencyProbe(t *testing.T) {
	c := New(testConfig(), fakeDialer{}, zerolog.Nop())
	defer c.Shutdown(context.Background())

	cfg := connpool.Config{Host: "example.com", Port: 22, User: "alice"}
	transport, err := c.Connect(context.Background(), cfg, connpool.GetOptions{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	c.mu.Lock()
	got, ok := c.cfgByKey[transport.Key()]
	c.mu.Unlock()
	if !ok {
		t.Fatal("Connect() did not record cfg for the transport's key")
	}
	if got.Host != cfg.Host || got.User != cfg.User {
		t.Errorf("tracked cfg = %+v, want %+v", got, cfg)
	}

	sample := c.Latency.ProbeNow(context.Background(), transport.Key(), transport)
	if sample.Err != nil {
		t.Errorf("latency probe on a connected transport failed: %v", sample.Err)
	}
}

func TestStartStopX11_AllocatesAndReleasesDisplay(t *testing.T) {
	c := New(testConfig(), fakeDialer{}, zerolog.Nop())
	defer c.Shutdown(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	transport := &fakeTransport{key: "tab1-transport", healthy: true}
	display, ok := c.StartX11("tab1", transport)
	if !ok {
		t.Fatal("StartX11() ok = false")
	}
	if display <= 0 {
		t.Errorf("display = %d, want positive", display)
	}

	c.StopX11("tab1")

	// A fresh Acquire for the same tab after Stop must get a clean
	// allocation rather than colliding with a still-registered bridge.
	d2, ok := c.X11.Acquire("tab1")
	if !ok || d2 != display {
		t.Fatalf("Acquire() after StopX11 = (%d, %v), want (%d, true)", d2, ok, display)
	}
	c.X11.Release("tab1")
}

func TestShutdown_ReturnsNoErrorWithNoActivity(t *testing.T) {
	c := New(testConfig(), fakeDialer{}, zerolog.Nop())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
