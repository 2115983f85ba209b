// Package sftppool implements the session substrate's SFTP session pool
// (C6): up to MaxSessionsPerTab SFTP sub-sessions per tab (the primary
// counts toward that cap, and Borrow may hand it out), a global cap across
// all tabs, and idle/health sweeps. Grounded on the internal/terminal/sftp.go
// NewSFTPClient (dial-then-sftp.NewClient shape), generalized from a
// single short-lived client per call to a pooled, reused-across-operations
// set per tab.
package sftppool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/substraterr"
)

// Config mirrors the C6 fields from internal/config.Config.
type Config struct {
	MaxSessionsPerTab  int
	MaxTotalSessions   int
	SessionIdleTimeout time.Duration
	SSHReadyTimeout    time.Duration
	SweepInterval      time.Duration // HealthCheckInterval, default 90s
	StatProbeTimeout   time.Duration // default 5s
}

type sftpEntry struct {
	id        string
	tabID     string
	client    *sftp.Client
	createdAt time.Time
	lastUsed  time.Time
	busyCount int
}

// Pool is the C6 SFTP session pool. Safe for concurrent use.
type Pool struct {
	cfg  Config
	pool *connpool.Pool
	log  zerolog.Logger

	mu        sync.Mutex
	byTab     map[string]map[string]*sftpEntry // tabID -> sessionID -> entry
	primaryID map[string]string                // tabID -> primary sessionID

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(cfg Config, connPool *connpool.Pool, log zerolog.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		pool:      connPool,
		log:       log.With().Str("component", "sftppool").Logger(),
		byTab:     make(map[string]map[string]*sftpEntry),
		primaryID: make(map[string]string),
		stopCh:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// EnsurePrimary returns tabID's primary SFTP sub-session, creating one over
// the tab's current transport if absent or unhealthy. It resolves the
// transport via the connection pool's tab binding (C4.GetByTab) and waits
// up to SSHReadyTimeout for it to report itself ready before failing
// TransportNotReady.
func (p *Pool) EnsurePrimary(ctx context.Context, tabID string) (*sftpEntry, error) {
	p.mu.Lock()
	id, hasPrimary := p.primaryID[tabID]
	var candidate *sftpEntry
	if hasPrimary {
		candidate = p.byTab[tabID][id]
	}
	p.mu.Unlock()

	if candidate != nil && p.probeHealthy(candidate) {
		return candidate, nil
	}

	transport, ok := p.pool.GetByTab(tabID)
	if !ok {
		return nil, substraterr.New(substraterr.TransportNotReady, "sftppool: tab has no bound transport")
	}

	if err := p.waitReady(ctx, transport); err != nil {
		return nil, err
	}

	e, err := p.createSession(tabID, transport)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.primaryID[tabID] = e.id
	p.mu.Unlock()
	return e, nil
}

func (p *Pool) waitReady(ctx context.Context, transport connpool.Transport) error {
	deadline := time.Now().Add(p.cfg.SSHReadyTimeout)
	for {
		if transport.Healthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return substraterr.New(substraterr.TransportNotReady, "sftppool: transport not ready within SSHReadyTimeout")
		}
		select {
		case <-ctx.Done():
			return substraterr.Wrap(substraterr.CancelledUser, "sftppool: wait for transport ready cancelled", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *Pool) createSession(tabID string, transport connpool.Transport) (*sftpEntry, error) {
	raw, ok := transport.SSHRaw()
	if !ok {
		return nil, substraterr.New(substraterr.Unknown, "sftppool: transport does not support SFTP sub-sessions")
	}
	sshClient, ok := raw.(*cryptossh.Client)
	if !ok {
		return nil, substraterr.New(substraterr.Unknown, "sftppool: transport's SSHRaw is not an *ssh.Client")
	}

	p.mu.Lock()
	total := p.totalSessionsLocked()
	p.mu.Unlock()
	if total >= p.cfg.MaxTotalSessions {
		if !p.evictOldestGlobal() {
			return nil, substraterr.New(substraterr.PoolExhausted, "sftppool: global session cap reached")
		}
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.Unknown, "sftppool: open sftp subsystem", err)
	}

	e := &sftpEntry{
		id:        uuid.NewString(),
		tabID:     tabID,
		client:    client,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	p.mu.Lock()
	if p.byTab[tabID] == nil {
		p.byTab[tabID] = make(map[string]*sftpEntry)
	}
	p.byTab[tabID][e.id] = e
	p.mu.Unlock()

	return e, nil
}

// Borrow returns a session for tabID, preferring to create a new one while
// under MaxSessionsPerTab, otherwise picking the least-busy existing
// session. The caller must call Release(tabID, sessionID) when done.
func (p *Pool) Borrow(ctx context.Context, tabID string) (sessionID string, client *sftp.Client, err error) {
	p.mu.Lock()
	sessions := p.byTab[tabID]
	needsNew := len(sessions) < p.cfg.MaxSessionsPerTab

	var least *sftpEntry
	if !needsNew {
		for _, e := range sessions {
			if least == nil || e.busyCount < least.busyCount {
				least = e
			}
		}
		needsNew = least == nil // MaxSessionsPerTab <= 0 and nothing exists yet
	}
	p.mu.Unlock()

	if needsNew {
		transport, ok := p.pool.GetByTab(tabID)
		if !ok {
			return "", nil, substraterr.New(substraterr.TransportNotReady, "sftppool: tab has no bound transport")
		}
		e, err := p.createSession(tabID, transport)
		if err != nil {
			return "", nil, err
		}
		p.mu.Lock()
		e.busyCount++
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.id, e.client, nil
	}

	p.mu.Lock()
	least.busyCount++
	least.lastUsed = time.Now()
	id, client := least.id, least.client
	p.mu.Unlock()
	return id, client, nil
}

// Release decrements the session's busy count.
func (p *Pool) Release(tabID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byTab[tabID][sessionID]
	if !ok {
		return
	}
	if e.busyCount > 0 {
		e.busyCount--
	}
	e.lastUsed = time.Now()
}

// CloseOne closes and removes a single session.
func (p *Pool) CloseOne(tabID, sessionID string) error {
	p.mu.Lock()
	e, ok := p.byTab[tabID][sessionID]
	if ok {
		delete(p.byTab[tabID], sessionID)
		if p.primaryID[tabID] == sessionID {
			delete(p.primaryID, tabID)
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return e.client.Close()
}

// CloseAll closes every session belonging to tabID.
func (p *Pool) CloseAll(tabID string) {
	p.mu.Lock()
	sessions := p.byTab[tabID]
	delete(p.byTab, tabID)
	delete(p.primaryID, tabID)
	p.mu.Unlock()

	for _, e := range sessions {
		_ = e.client.Close()
	}
}

func (p *Pool) totalSessionsLocked() int {
	n := 0
	for _, sessions := range p.byTab {
		n += len(sessions)
	}
	return n
}

// evictOldestGlobal closes the oldest-created session across every tab:
// a global sweep closes the oldest-created sessions first. Must not be
// called while holding p.mu.
func (p *Pool) evictOldestGlobal() bool {
	p.mu.Lock()
	oldestTab, oldestID, oldest := findOldest(p.byTab)
	if oldest == nil {
		p.mu.Unlock()
		return false
	}
	delete(p.byTab[oldestTab], oldestID)
	if p.primaryID[oldestTab] == oldestID {
		delete(p.primaryID, oldestTab)
	}
	p.mu.Unlock()

	_ = oldest.client.Close()
	return true
}

// findOldest returns the least-recently-created entry across every tab, or
// a nil entry if byTab is empty. Pure function, no locking: the caller
// holds p.mu (or, in tests, owns byTab exclusively).
func findOldest(byTab map[string]map[string]*sftpEntry) (tabID, sessionID string, oldest *sftpEntry) {
	for tab, sessions := range byTab {
		for id, e := range sessions {
			if oldest == nil || e.createdAt.Before(oldest.createdAt) {
				oldest, tabID, sessionID = e, tab, id
			}
		}
	}
	return tabID, sessionID, oldest
}

// splitIdle partitions every tracked entry into the ones past idleTimeout
// with no in-flight operation (idle, to be closed) and everything else (to
// be health-probed). Pure function, no locking.
func splitIdle(byTab map[string]map[string]*sftpEntry, now time.Time, idleTimeout time.Duration) (idleTabs, idleIDs []string, idle, toProbe []*sftpEntry) {
	for tabID, sessions := range byTab {
		for id, e := range sessions {
			if e.busyCount == 0 && now.Sub(e.lastUsed) > idleTimeout {
				idle = append(idle, e)
				idleTabs = append(idleTabs, tabID)
				idleIDs = append(idleIDs, id)
				continue
			}
			toProbe = append(toProbe, e)
		}
	}
	return idleTabs, idleIDs, idle, toProbe
}

// probeHealthy runs a quick stat(".") with a 5s timeout as the primary
// session's healthiness check.
func (p *Pool) probeHealthy(e *sftpEntry) bool {
	done := make(chan error, 1)
	go func() {
		_, err := e.client.Stat(".")
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-time.After(p.cfg.StatProbeTimeout):
		return false
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes idle sessions past SessionIdleTimeout and probes the rest.
func (p *Pool) sweep() {
	p.mu.Lock()
	idleTabs, idleIDs, idle, toProbe := splitIdle(p.byTab, time.Now(), p.cfg.SessionIdleTimeout)
	for i := range idle {
		delete(p.byTab[idleTabs[i]], idleIDs[i])
		if p.primaryID[idleTabs[i]] == idleIDs[i] {
			delete(p.primaryID, idleTabs[i])
		}
	}
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.client.Close()
	}
	for _, e := range toProbe {
		if !p.probeHealthy(e) {
			p.log.Warn().Str("session", e.id).Str("tab", e.tabID).Msg("sftp session failed health probe, closing")
			_ = p.CloseOne(e.tabID, e.id)
		}
	}
}

// Shutdown stops the sweep loop and closes every pooled session.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	all := p.byTab
	p.byTab = make(map[string]map[string]*sftpEntry)
	p.primaryID = make(map[string]string)
	p.mu.Unlock()

	for _, sessions := range all {
		for _, e := range sessions {
			_ = e.client.Close()
		}
	}
}
