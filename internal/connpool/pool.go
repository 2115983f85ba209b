// Package connpool implements the session substrate's connection pool: a
// keyed cache of live SSH/Telnet transports shared across tabs, with
// reference counting, idle eviction, a two-cadence health checker, and a
// waiter queue for callers blocked behind a per-host cap.
package connpool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/substraterr"
)

// Dialer establishes a brand-new Transport for cfg. The pool never dials
// directly — DefaultDialer in this package handles both the plain case and,
// via proxytunnel, routing through a SOCKS/HTTP CONNECT proxy first.
// Separating the interface keeps the pool itself free of
// credentials/proxy concerns, following the habit of keeping
// internal/terminal ignorant of how a *ssh.ClientConfig was assembled.
type Dialer interface {
	Dial(ctx context.Context, key string, cfg Config) (Transport, error)
}

// globalWaitKey is a reserved waiters-map key for callers blocked on the
// global MaxConnections cap rather than any single host's cap. HostKey never
// produces this value (it is always "host:port:user").
const globalWaitKey = "\x00global"

// entry is the pool's bookkeeping record for one live transport.
type entry struct {
	transport Transport
	cfg       Config // the Config this transport was dialed for
	state     State

	createdAt time.Time
	lastUsed  time.Time

	refCount int
	tabRefs  map[string]struct{}

	abandoned bool
	// intentionalClose distinguishes a caller-requested Close from a
	// transport the health checker or keepalive loop discovered dead, so
	// the reconnection manager (C5) is only notified of the latter.
	intentionalClose bool
}

// PoolConfig mirrors the subset of internal/config.Config the pool consumes
// directly so tests can construct one without the full config package.
type PoolConfig struct {
	MaxConnections     int
	MaxPerServer       int
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	HealthCheckPool    time.Duration
	HealthCheckMonitor time.Duration
	PoolWaitTimeout    time.Duration
}

// Pool is the C4 connection pool. Safe for concurrent use.
type Pool struct {
	cfg    PoolConfig
	dialer Dialer
	log    zerolog.Logger

	onAbandoned func(key string, cause error) // notifies C5

	mu          sync.Mutex
	transports  map[string]*entry
	tabBindings map[string]string // tabID -> transport key
	waiters     map[string][]chan struct{} // hostKey (or globalWaitKey) -> FIFO of wake channels

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool constructs a Pool and starts its two health-checker goroutines.
// onAbandoned, if non-nil, is invoked whenever a transport transitions to
// Lost so the reconnection manager can pick it up; it must not block.
func NewPool(cfg PoolConfig, dialer Dialer, log zerolog.Logger, onAbandoned func(key string, cause error)) *Pool {
	p := &Pool{
		cfg:         cfg,
		dialer:      dialer,
		log:         log.With().Str("component", "connpool").Logger(),
		onAbandoned: onAbandoned,
		transports:  make(map[string]*entry),
		tabBindings: make(map[string]string),
		waiters:     make(map[string][]chan struct{}),
		stopCh:      make(chan struct{}),
	}
	p.wg.Add(2)
	go p.healthLoop(cfg.HealthCheckPool, p.sweepPoolHealth)
	go p.healthLoop(cfg.HealthCheckMonitor, p.sweepActiveHealth)
	return p
}

// GetConnection returns a ready Transport for cfg, creating or reusing one
// per the key derivation in Key. Callers MUST call Release with the same
// key (and tabID, if cfg.TabID was set) when done. If the per-host cap
// (MaxPerServer) or the global cap (MaxConnections) is reached, an
// oldest-idle transport is evicted first (scoped to the host for the
// per-host cap, across every host for the global cap); if nothing is
// evictable the caller blocks on a FIFO waiter until a slot frees or
// opts.WaitTimeout (or cfg's default) elapses, at which point PoolExhausted
// is returned.
func (p *Pool) GetConnection(ctx context.Context, cfg Config, opts GetOptions) (Transport, error) {
	key := Key(cfg)
	hostKey := HostKey(cfg)

	for {
		p.mu.Lock()
		if e, ok := p.transports[key]; ok && !e.state.terminal() {
			e.refCount++
			e.lastUsed = time.Now()
			if cfg.TabID != "" {
				if e.tabRefs == nil {
					e.tabRefs = make(map[string]struct{})
				}
				e.tabRefs[cfg.TabID] = struct{}{}
				p.tabBindings[cfg.TabID] = key
			}
			if e.state == StateIdle {
				e.state = StateInUse
			}
			p.mu.Unlock()
			return e.transport, nil
		}

		if p.cfg.MaxPerServer > 0 && p.countForHostLocked(hostKey) >= p.cfg.MaxPerServer {
			if evicted := p.evictOldestIdleForHostLocked(hostKey); !evicted {
				if err := p.waitForSlot(ctx, opts, hostKey, "connpool: per-host connection limit reached"); err != nil {
					return nil, err
				}
				continue // re-check from the top
			}
		}

		if p.cfg.MaxConnections > 0 && p.countLocked() >= p.cfg.MaxConnections {
			if evicted := p.evictOldestIdleGlobalLocked(); !evicted {
				if err := p.waitForSlot(ctx, opts, globalWaitKey, "connpool: global connection limit reached"); err != nil {
					return nil, err
				}
				continue // re-check from the top
			}
		}

		p.mu.Unlock()
		break
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	transport, err := p.dialer.Dial(dialCtx, key, cfg)
	if err != nil {
		p.wakeOneWaiter(hostKey)
		p.wakeOneWaiter(globalWaitKey)
		return nil, err
	}

	p.mu.Lock()
	e := &entry{
		transport: transport,
		cfg:       cfg,
		state:     StateInUse,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		refCount:  1,
		tabRefs:   make(map[string]struct{}),
	}
	if cfg.TabID != "" {
		e.tabRefs[cfg.TabID] = struct{}{}
		p.tabBindings[cfg.TabID] = key
	}
	p.transports[key] = e
	p.mu.Unlock()

	return transport, nil
}

// Release drops one reference to the transport registered under key. When
// tabID is non-empty the tab's binding is also cleared. A transport whose
// refCount reaches zero becomes Idle, not Closed — it stays pooled until
// IdleTimeout elapses or the per-host cap forces an eviction.
func (p *Pool) Release(key, tabID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.transports[key]
	if !ok {
		return
	}
	if tabID != "" {
		delete(e.tabRefs, tabID)
		delete(p.tabBindings, tabID)
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount == 0 && e.state == StateInUse {
		e.state = StateIdle
		// The transport is now evictable: wake the oldest waiter on its host
		// cap and on the global cap so they re-check and can evict it.
		for _, wk := range []string{HostKey(e.cfg), globalWaitKey} {
			if list := p.waiters[wk]; len(list) > 0 {
				p.waiters[wk] = list[1:]
				close(list[0])
			}
		}
	}
	e.lastUsed = time.Now()
}

// AddTabReference binds tabID to the transport already registered under
// key, incrementing its reference count. Used when a second tab attaches to
// an existing shared (non-isolated) transport.
func (p *Pool) AddTabReference(tabID, key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.transports[key]
	if !ok || e.state.terminal() {
		return false
	}
	if e.tabRefs == nil {
		e.tabRefs = make(map[string]struct{})
	}
	e.tabRefs[tabID] = struct{}{}
	p.tabBindings[tabID] = key
	e.refCount++
	if e.state == StateIdle {
		e.state = StateInUse
	}
	return true
}

// RemoveTabReference is shorthand for Release when the caller only knows
// the tabID, not the transport key.
func (p *Pool) RemoveTabReference(tabID string) {
	p.mu.Lock()
	key, ok := p.tabBindings[tabID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.Release(key, tabID)
}

// GetByTab resolves a previously bound tab to its transport. It also
// accepts the legacy key form tab:<tabId>:host:port:user[:proxy…] as a
// documented fallback, for callers that recorded a raw key string rather
// than the bare tabId.
func (p *Pool) GetByTab(tabID string) (Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.tabBindings[tabID]
	if !ok {
		key = tabID
		if !strings.HasPrefix(key, legacyTabKeyPrefix) {
			return nil, false
		}
	}
	e, ok := p.transports[key]
	if !ok || e.state.terminal() {
		return nil, false
	}
	return e.transport, true
}

// Shutdown stops the health-checker goroutines and closes every pooled
// transport, marking the close intentional so C5 is not notified.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.transports {
		e.intentionalClose = true
		e.state = StateClosing
		_ = e.transport.Close()
		e.state = StateClosed
		delete(p.transports, key)
	}
	return nil
}

func (p *Pool) countForHostLocked(hostKey string) int {
	n := 0
	for _, e := range p.transports {
		if e.state.terminal() {
			continue
		}
		if HostKey(e.cfg) == hostKey {
			n++
		}
	}
	return n
}

// countLocked returns the total number of live (non-terminal) transports
// across every host, for the global MaxConnections cap.
func (p *Pool) countLocked() int {
	n := 0
	for _, e := range p.transports {
		if !e.state.terminal() {
			n++
		}
	}
	return n
}

// evictOldestIdleForHostLocked closes the least-recently-used Idle
// transport belonging to hostKey, if one exists, freeing a slot for a new
// dial. Returns false if every transport for that host is currently InUse.
func (p *Pool) evictOldestIdleForHostLocked(hostKey string) bool {
	var oldestKey string
	var oldest *entry
	for key, e := range p.transports {
		if e.state != StateIdle {
			continue
		}
		if HostKey(e.cfg) != hostKey {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldest, oldestKey = e, key
		}
	}
	if oldest == nil {
		return false
	}
	if oldest.refCount != 0 {
		// Invariant: an Idle entry must have refCount 0. Surface loudly in
		// tests rather than silently evicting a referenced transport.
		panic("connpool: Idle entry with non-zero refCount")
	}
	oldest.state = StateClosing
	oldest.intentionalClose = true
	_ = oldest.transport.Close()
	oldest.state = StateClosed
	delete(p.transports, oldestKey)
	return true
}

// evictOldestIdleGlobalLocked closes the least-recently-used Idle transport
// across every host, if one exists, freeing a slot against the global cap.
// Returns false if every pooled transport is currently InUse.
func (p *Pool) evictOldestIdleGlobalLocked() bool {
	var oldestKey string
	var oldest *entry
	for key, e := range p.transports {
		if e.state != StateIdle {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldest, oldestKey = e, key
		}
	}
	if oldest == nil {
		return false
	}
	if oldest.refCount != 0 {
		panic("connpool: Idle entry with non-zero refCount")
	}
	oldest.state = StateClosing
	oldest.intentionalClose = true
	_ = oldest.transport.Close()
	oldest.state = StateClosed
	delete(p.transports, oldestKey)
	return true
}

// waitForSlot parks the caller on a FIFO waiter registered under waitKey
// until a slot frees, ctx is cancelled, opts.WaitTimeout (or the pool
// default) elapses, or the pool shuts down. Must be called with p.mu held;
// it unlocks before blocking and always returns with p.mu unlocked.
func (p *Pool) waitForSlot(ctx context.Context, opts GetOptions, waitKey, exhaustedMsg string) error {
	wait := make(chan struct{})
	p.waiters[waitKey] = append(p.waiters[waitKey], wait)
	p.mu.Unlock()

	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = p.cfg.PoolWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wait:
		return nil
	case <-timer.C:
		p.removeWaiter(waitKey, wait)
		return substraterr.New(substraterr.PoolExhausted, exhaustedMsg)
	case <-ctx.Done():
		p.removeWaiter(waitKey, wait)
		return substraterr.Wrap(substraterr.CancelledUser, "connpool: wait for connection slot cancelled", ctx.Err())
	case <-p.stopCh:
		p.removeWaiter(waitKey, wait)
		return substraterr.New(substraterr.Shutdown, "connpool: pool is shutting down")
	}
}

func (p *Pool) removeWaiter(hostKey string, wait chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[hostKey]
	for i, w := range list {
		if w == wait {
			p.waiters[hostKey] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (p *Pool) wakeOneWaiter(hostKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[hostKey]
	if len(list) == 0 {
		return
	}
	next := list[0]
	p.waiters[hostKey] = list[1:]
	close(next)
}

func (p *Pool) healthLoop(interval time.Duration, sweep func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sweepPoolHealth runs at HealthCheckPool cadence (default 5m): evicts Idle
// transports past IdleTimeout and probes Healthy() on everything else,
// without holding the pool lock across the probe itself.
func (p *Pool) sweepPoolHealth() {
	now := time.Now()
	var toProbe []*entry
	var toEvict []string

	p.mu.Lock()
	for key, e := range p.transports {
		if e.state == StateIdle && now.Sub(e.lastUsed) >= p.cfg.IdleTimeout {
			toEvict = append(toEvict, key)
			continue
		}
		if !e.state.terminal() {
			toProbe = append(toProbe, e)
		}
	}
	p.mu.Unlock()

	for _, key := range toEvict {
		p.mu.Lock()
		e, ok := p.transports[key]
		if ok && e.state == StateIdle && e.refCount == 0 {
			e.state = StateClosing
			e.intentionalClose = true
			_ = e.transport.Close()
			e.state = StateClosed
			delete(p.transports, key)
		}
		p.mu.Unlock()
	}

	p.markUnhealthy(toProbe)
}

// sweepActiveHealth runs at HealthCheckMonitor cadence (default 15s) and
// only probes InUse transports, to catch a mid-session drop quickly without
// paying the cost of probing every Idle entry that often.
func (p *Pool) sweepActiveHealth() {
	p.mu.Lock()
	var toProbe []*entry
	for _, e := range p.transports {
		if e.state == StateInUse {
			toProbe = append(toProbe, e)
		}
	}
	p.mu.Unlock()

	p.markUnhealthy(toProbe)
}

func (p *Pool) markUnhealthy(entries []*entry) {
	for _, e := range entries {
		if e.transport.Healthy() {
			continue
		}
		p.mu.Lock()
		if e.state.terminal() {
			p.mu.Unlock()
			continue
		}
		e.state = StateLost
		key := e.transport.Key()
		intentional := e.intentionalClose
		delete(p.transports, key)
		p.mu.Unlock()

		_ = e.transport.Close()
		p.log.Warn().Str("key", key).Msg("transport failed health check, marking lost")
		if !intentional && p.onAbandoned != nil {
			p.onAbandoned(key, substraterr.New(substraterr.TransportLost, "connpool: health check found transport unresponsive"))
		}
	}
}

// activeKeys returns the currently pooled transport keys, sorted.
func (p *Pool) activeKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.transports))
	for k := range p.transports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
