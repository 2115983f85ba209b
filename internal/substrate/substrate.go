// Package substrate implements the application context that owns every
// session-substrate component's lifetime. It replaces the global
// singletons (pool, back-pressure controller, SFTP engine) the Design
// Notes call out for removal: one Context is constructed with explicit
// wiring, in the documented order (memory/back-pressure -> pool -> SFTP
// engine -> latency), and torn down in the reverse order on Shutdown.
//
// Grounded on the cmd/server wiring style: one place that
// constructs every collaborator in dependency order and closes them in
// reverse, rather than package-level init() singletons.
package substrate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/backpressure"
	"github.com/websoft9/termsub/internal/config"
	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/events"
	"github.com/websoft9/termsub/internal/latency"
	"github.com/websoft9/termsub/internal/reconnect"
	"github.com/websoft9/termsub/internal/sftppool"
	"github.com/websoft9/termsub/internal/sftpqueue"
	"github.com/websoft9/termsub/internal/transfer"
	"github.com/websoft9/termsub/internal/x11"
)

// Context wires and owns every C1-C9 component for one running process.
type Context struct {
	Bus          *events.Bus
	Backpressure *backpressure.Controller
	Pool         *connpool.Pool
	Reconnect    *reconnect.Manager
	SFTPPool     *sftppool.Pool
	SFTPQueue    *sftpqueue.Queue
	Transfer     *transfer.Engine
	Latency      *latency.Prober
	X11          *x11.DisplayPool

	log zerolog.Logger

	mu        sync.Mutex
	cfgByKey  map[string]connpool.Config // tracks what to redial on abandonment
	x11Bridge map[string]*x11.Bridge     // tabID -> active bridge
}

// New constructs every component in the order the Design Notes specify
// (memory/back-pressure -> pool -> SFTP engine -> latency) and starts their
// background loops. dialer is typically connpool.NewDefaultDialer(), passed
// in rather than constructed here so tests can substitute a fake.
func New(cfg *config.Config, dialer connpool.Dialer, log zerolog.Logger) *Context {
	c := &Context{
		Bus:       events.NewBus(0),
		log:       log,
		cfgByKey:  make(map[string]connpool.Config),
		x11Bridge: make(map[string]*x11.Bridge),
	}

	c.Backpressure = backpressure.NewController(backpressure.Config{
		MemoryCapBytes:       cfg.MemoryCapBytes,
		MemoryCutoffPct:      cfg.MemoryPressureCutoff,
		CPUCutoffPct:         cfg.CPUPressureCutoff,
		SampleInterval:       cfg.SampleInterval,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxQueueSize:         cfg.MaxQueueSize,
	}, log)

	// c.Reconnect is constructed after c.Pool (it needs the pool reference),
	// but c.Pool's onAbandoned callback needs c.Reconnect. reconnectMgr is
	// captured by the closure below and assigned once construction
	// completes; onAbandoned only ever fires from the pool's background
	// health loops, whose first tick comes one health-check interval after
	// NewPool.
	var reconnectMgr *reconnect.Manager
	onAbandoned := func(key string, cause error) {
		c.mu.Lock()
		dialCfg, ok := c.cfgByKey[key]
		c.mu.Unlock()
		if !ok || reconnectMgr == nil {
			c.log.Warn().Str("key", key).Msg("transport abandoned with no tracked config, cannot reconnect")
			return
		}
		reconnectMgr.OnAbandoned(dialCfg)(key, cause)
	}

	c.Pool = connpool.NewPool(connpool.PoolConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxPerServer:       cfg.MaxPerServer(),
		ConnectTimeout:     cfg.ConnectTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		HealthCheckPool:    cfg.HealthCheckPool,
		HealthCheckMonitor: cfg.HealthCheckMonitor,
		PoolWaitTimeout:    cfg.PoolWaitTimeout,
	}, dialer, log, onAbandoned)

	reconnectMgr = reconnect.NewManager(reconnect.Policy{
		BaseDelay:   cfg.ReconnectBaseDelay,
		Multiplier:  2,
		MaxDelay:    cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}, c.Pool, c.Bus, log)
	c.Reconnect = reconnectMgr

	c.SFTPPool = sftppool.NewPool(sftppool.Config{
		MaxSessionsPerTab:  cfg.MaxSessionsPerTab,
		MaxTotalSessions:   cfg.MaxTotalSessions,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		SSHReadyTimeout:    cfg.SSHReadyTimeout,
		SweepInterval:      90 * time.Second,
		StatProbeTimeout:   5 * time.Second,
	}, c.Pool, log)

	c.SFTPQueue = sftpqueue.NewQueue(sftpqueue.Policy{
		BaseTimeout: cfg.OpBaseTimeout,
		MaxRetries:  cfg.OpMaxRetries,
	}, log)

	c.Transfer = transfer.NewEngine(transfer.Config{
		ChunkSize:        int64(cfg.ChunkSize),
		ChunkMaxRetries:  cfg.ChunkMaxRetries,
		ProgressBatchN:   cfg.ProgressBatchN,
		ProgressInterval: cfg.ProgressInterval,
		StagingRoot:      cfg.StagingRoot,
	}, c.Bus, log)

	c.Latency = latency.NewProber(latency.Config{
		Interval: cfg.LatencyProbeInterval,
		Timeout:  cfg.LatencyProbeTimeout,
	}, c.Bus, log)

	c.X11 = x11.NewDisplayPool(0, 0)

	return c
}

// Connect requests a transport for cfg, remembering cfg so the
// reconnection manager can redial the same host/user/proxy if the
// transport is later abandoned. Every caller asking C4 for a connection
// through the Context (rather than reaching into c.Pool directly) should go
// through here so reconnection stays wired.
func (c *Context) Connect(ctx context.Context, cfg connpool.Config, opts connpool.GetOptions) (connpool.Transport, error) {
	transport, err := c.Pool.GetConnection(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cfgByKey[transport.Key()] = cfg
	c.mu.Unlock()
	c.Latency.Register(transport.Key(), transport)
	c.Bus.PublishConnectionStatus(events.ConnectionStatus{
		TabID: cfg.TabID, Key: transport.Key(), Host: cfg.Host, Port: cfg.Port,
		Connected: true, Quality: -1,
	})
	return transport, nil
}

// StartX11 allocates a display for tabID and bridges inbound x11 channels
// on transport to it, returning the display number the caller should pass
// through DISPLAY=:N to the remote shell. Calling it again for a tabID that
// already has a bridge tears down the old one first — the path C5 takes
// when a transport is replaced out from under a tab with X11 enabled.
func (c *Context) StartX11(tabID string, transport connpool.Transport) (display int, ok bool) {
	c.StopX11(tabID)

	display, ok = c.X11.Acquire(tabID)
	if !ok {
		return 0, false
	}
	bridge := x11.NewBridge(tabID, display, transport, c.log)

	c.mu.Lock()
	c.x11Bridge[tabID] = bridge
	c.mu.Unlock()
	return display, true
}

// StopX11 tears down tabID's x11 bridge and releases its display, a no-op
// if none is active.
func (c *Context) StopX11(tabID string) {
	c.mu.Lock()
	bridge, ok := c.x11Bridge[tabID]
	if ok {
		delete(c.x11Bridge, tabID)
	}
	c.mu.Unlock()

	if ok {
		bridge.Stop()
	}
	c.X11.Release(tabID)
}

// Shutdown tears every component down in the reverse of construction
// order (latency -> SFTP engine -> pool -> back-pressure), awaiting
// in-flight work for a bounded grace period before ctx's deadline forces
// the pool closed.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	bridges := make([]*x11.Bridge, 0, len(c.x11Bridge))
	for tabID, bridge := range c.x11Bridge {
		bridges = append(bridges, bridge)
		delete(c.x11Bridge, tabID)
	}
	c.mu.Unlock()
	for _, bridge := range bridges {
		bridge.Stop()
	}

	c.Latency.Shutdown()
	c.SFTPQueue.Shutdown()
	c.SFTPPool.Shutdown()
	c.Reconnect.Shutdown()
	err := c.Pool.Shutdown(ctx)
	c.Backpressure.Shutdown()
	return err
}
