// Package reconnect implements the session substrate's reconnection manager
// (C5): on transport loss it schedules retries with exponential backoff and
// replaces the pool's entry in place so dependent components (C6, C7, open
// transfers) migrate to the new transport without the tab needing to
// reconnect by hand. Grounded on the internal/tunnel/server.go
// keepalive/session-lifecycle loop, generalized from "detect and log" to
// "detect, retry, and swap".
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/events"
	"github.com/websoft9/termsub/internal/substraterr"
)

// Policy is the backoff schedule: base 5s, multiplier 2, cap 30s,
// MaxAttempts 3 by default, taken from config so tests can shrink it.
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxAttempts int
}

// nextDelay returns the backoff delay before attempt n (1-indexed).
func (p Policy) nextDelay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// sessionState is C5's per-key bookkeeping: spec's "registers sessions on
// loss with an initial state (pending|autoStart)".
type sessionState struct {
	key      string
	cfg      connpool.Config
	attempts int
	cancel   context.CancelFunc
}

// Manager watches for pool abandonment and drives reconnection.
type Manager struct {
	policy Policy
	pool   *connpool.Pool
	bus    *events.Bus
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(policy Policy, pool *connpool.Pool, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		policy:   policy,
		pool:     pool,
		bus:      bus,
		log:      log.With().Str("component", "reconnect").Logger(),
		sessions: make(map[string]*sessionState),
		stopCh:   make(chan struct{}),
	}
}

// OnAbandoned is the callback connpool.NewPool's onAbandoned parameter
// expects: it registers key for reconnection (the "pending|autoStart"
// initial state — autoStart means it begins retrying immediately rather
// than waiting for an explicit resume call) and starts the backoff loop.
func (m *Manager) OnAbandoned(cfg connpool.Config) func(key string, cause error) {
	return func(key string, cause error) {
		m.mu.Lock()
		if _, exists := m.sessions[key]; exists {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		st := &sessionState{key: key, cfg: cfg, cancel: cancel}
		m.sessions[key] = st
		m.mu.Unlock()

		m.log.Warn().Str("key", key).Err(cause).Msg("transport lost, scheduling reconnection")
		m.bus.PublishConnectionStatus(events.ConnectionStatus{
			TabID: cfg.TabID, Key: key, Host: cfg.Host, Port: cfg.Port,
			Connected: false, Connecting: true, Quality: -1, Reason: cause.Error(),
		})

		m.wg.Add(1)
		go m.retryLoop(ctx, st)
	}
}

func (m *Manager) retryLoop(ctx context.Context, st *sessionState) {
	defer m.wg.Done()
	defer m.forget(st)

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		delay := m.policy.nextDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}

		m.mu.Lock()
		st.attempts = attempt
		m.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := m.pool.GetConnection(dialCtx, st.cfg, connpool.GetOptions{})
		cancel()
		if err == nil {
			m.log.Info().Str("key", st.key).Int("attempt", attempt).Msg("reconnection succeeded")
			m.bus.PublishConnectionReplaced(events.ConnectionReplaced{Key: st.key, NewKey: st.key})
			m.bus.PublishConnectionStatus(events.ConnectionStatus{
				TabID: st.cfg.TabID, Key: st.key, Host: st.cfg.Host, Port: st.cfg.Port,
				Connected: true, Quality: -1,
			})
			return
		}
		m.log.Warn().Str("key", st.key).Int("attempt", attempt).Err(err).Msg("reconnection attempt failed")
	}

	reason := substraterr.New(substraterr.TransportLost, "reconnect: attempts exhausted")
	m.bus.PublishReconnectAbandoned(events.ReconnectAbandoned{Key: st.key, Reason: reason})
	m.bus.PublishConnectionStatus(events.ConnectionStatus{
		TabID: st.cfg.TabID, Key: st.key, Host: st.cfg.Host, Port: st.cfg.Port,
		Connected: false, Quality: -1, Reason: "reconnect attempts exhausted",
	})
}

// forget drops st's entry unless ResetOnNetworkRestore has already replaced
// it with a new one for the same key.
func (m *Manager) forget(st *sessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[st.key] == st {
		delete(m.sessions, st.key)
	}
}

// ResetOnNetworkRestore restarts reconnection after the local network comes
// back; nothing in this module calls it. It cancels every in-flight backoff
// wait and re-registers every pending session with its attempt counter at
// zero. Each re-registered session starts the backoff schedule again from
// the first attempt, which still waits BaseDelay; no attempt is made
// immediately.
func (m *Manager) ResetOnNetworkRestore() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	cfgs := make([]connpool.Config, 0, len(m.sessions))
	for k, st := range m.sessions {
		st.cancel()
		keys = append(keys, k)
		cfgs = append(cfgs, st.cfg)
	}
	for k := range m.sessions {
		delete(m.sessions, k)
	}
	m.mu.Unlock()

	for i, key := range keys {
		cb := m.OnAbandoned(cfgs[i])
		cb(key, substraterr.New(substraterr.TransportLost, "reconnect: restarted after network restore"))
	}
}

// Pending reports whether key currently has an in-flight reconnection
// attempt, and how many attempts have been made so far.
func (m *Manager) Pending(key string) (attempts int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, exists := m.sessions[key]
	if !exists {
		return 0, false
	}
	return st.attempts, true
}

// Shutdown cancels every in-flight retry loop and waits for them to exit.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	for _, st := range m.sessions {
		st.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
