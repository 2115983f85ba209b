// Package x11 bridges inbound SSH "x11" channels to a local X server.
//
// Grounded on the internal/tunnel/server.go forwardConn (the
// bidirectional io.Copy bridge between a net.Conn and an ssh.Channel) and
// internal/tunnel/portpool.go (the allocate/conflict-detect/release shape),
// adapted from TCP tunnel ports to X display numbers: display allocation
// here tracks which display numbers are in use per tab rather than
// persisting port assignments across restarts, since an X11 bridge is
// scoped to one tab's connection lifetime.
package x11

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/substraterr"
)

const baseX11Port = 6000

// DisplayPool allocates X display numbers for tabs requesting X11
// forwarding, tracking which are currently in use. Grounded on
// tunnel.PortPool's byServer/byPort reverse-index shape.
type DisplayPool struct {
	mu     sync.Mutex
	start  int
	end    int
	byTab  map[string]int
	byDisp map[int]string
}

// NewDisplayPool covers display numbers [start, end] inclusive (default
// [10, 99], i.e. local ports 6010-6099, leaving 6000-6009 for any real X
// servers already running on the host).
func NewDisplayPool(start, end int) *DisplayPool {
	if start <= 0 {
		start = 10
	}
	if end < start {
		end = start + 89
	}
	return &DisplayPool{start: start, end: end, byTab: make(map[string]int), byDisp: make(map[int]string)}
}

// Acquire returns the display number reserved for tabID, allocating a new
// one if tabID has none yet. Returns ok=false when the range is exhausted.
func (p *DisplayPool) Acquire(tabID string) (display int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, exists := p.byTab[tabID]; exists {
		return d, true
	}
	for d := p.start; d <= p.end; d++ {
		if _, used := p.byDisp[d]; used {
			continue
		}
		p.byTab[tabID] = d
		p.byDisp[d] = tabID
		return d, true
	}
	return 0, false
}

// Release frees tabID's display number, a no-op if it has none.
func (p *DisplayPool) Release(tabID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.byTab[tabID]
	if !ok {
		return
	}
	delete(p.byTab, tabID)
	delete(p.byDisp, d)
}

// Bridge accepts inbound x11 channels on a transport and forwards them to
// the local X server for the display allocated to a tab. A Bridge is scoped
// to a single transport: it tears down on transport loss and must be
// re-established by the caller against the replacement transport C5
// installs, rather than trying to survive reconnection itself.
type Bridge struct {
	tabID     string
	display   int
	transport connpool.Transport
	log       zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBridge starts accepting x11 channels from transport and forwarding
// each to 127.0.0.1:6000+display. The caller owns calling Stop when the tab
// closes or the transport is replaced.
func NewBridge(tabID string, display int, transport connpool.Transport, log zerolog.Logger) *Bridge {
	b := &Bridge{
		tabID:     tabID,
		display:   display,
		transport: transport,
		log:       log.With().Str("component", "x11").Str("tab", tabID).Int("display", display).Logger(),
		stopCh:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	return b
}

func (b *Bridge) acceptLoop() {
	defer b.wg.Done()
	for {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-b.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		ch, err := b.transport.OpenX11Channel(ctx)
		cancel()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
			}
			if substraterr.Is(err, substraterr.TransportLost) || substraterr.Is(err, substraterr.Shutdown) {
				return
			}
			b.log.Warn().Err(err).Msg("x11 channel accept failed")
			return
		}

		b.wg.Add(1)
		go b.forward(ch)
	}
}

// forward dials the local X server for this bridge's display and copies
// bytes bidirectionally with ch, following the forwardConn shape.
func (b *Bridge) forward(ch connpool.X11Channel) {
	defer b.wg.Done()
	defer ch.Conn().Close()

	addr := fmt.Sprintf("127.0.0.1:%d", baseX11Port+b.display)
	local, err := net.Dial("tcp", addr)
	if err != nil {
		b.log.Warn().Err(err).Str("addr", addr).Msg("dial local X server failed")
		return
	}
	defer local.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(local, ch.Conn()) }()
	go func() { defer wg.Done(); _, _ = io.Copy(ch.Conn(), local) }()
	wg.Wait()
}

// Stop tears down the bridge, closing every in-flight forward. It does not
// release the display allocation; callers manage that via DisplayPool.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
