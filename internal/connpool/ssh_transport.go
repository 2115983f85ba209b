package connpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/termsub/internal/substraterr"
)

// sshKeepaliveInterval/MaxUnanswered implement a keepalive every 15s with a
// max of 6 unanswered before the connection is considered dead.
const (
	sshKeepaliveInterval    = 15 * time.Second
	sshKeepaliveMaxMissed   = 6
	sshX11ChannelType       = "x11"
)

// sshTransport wraps a *cryptossh.Client behind the Transport interface.
// Grounded on the internal/terminal/ssh.go dial/session pattern,
// generalized from "one session per connection" to "many sessions/tabs
// sharing one client", and internal/docker/ssh.go's ExecLine-style
// session.CombinedOutput usage.
type sshTransport struct {
	key    string
	client *cryptossh.Client

	destroyed atomic.Bool
	missedKA  atomic.Int32

	x11Chans chan cryptossh.NewChannel
	stopOnce sync.Once
	stopCh   chan struct{}
}

// DialSSH performs the handshake over an already-connected net.Conn (which
// may itself be the far end of a proxy tunnel, see proxytunnel) and returns
// a Transport. ctx governs the handshake only; once established the
// transport outlives ctx.
func DialSSH(ctx context.Context, key string, conn net.Conn, clientCfg *cryptossh.ClientConfig, addr string) (Transport, error) {
	type result struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, nc, reqs, err := cryptossh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{cryptossh.NewClient(c, nc, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return nil, substraterr.Wrap(substraterr.TimeoutConnect, fmt.Sprintf("ssh: handshake to %s timed out", addr), ctx.Err())
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
			return nil, classifyDialErr(addr, r.err)
		}
		t := &sshTransport{
			key:      key,
			client:   r.client,
			x11Chans: make(chan cryptossh.NewChannel, 4),
			stopCh:   make(chan struct{}),
		}
		go t.acceptChannels()
		go t.keepaliveLoop()
		return t, nil
	}
}

func classifyDialErr(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return substraterr.Wrap(substraterr.AuthFailed, fmt.Sprintf("ssh: authentication failed for %s", addr), err)
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "connection refused"):
		return substraterr.Wrap(substraterr.HostUnreachable, fmt.Sprintf("ssh: connection refused to %s", addr), err)
	default:
		return substraterr.Wrap(substraterr.Unknown, fmt.Sprintf("ssh: dial %s", addr), err)
	}
}

func (t *sshTransport) Key() string        { return t.key }
func (t *sshTransport) Protocol() Protocol  { return ProtoSSH }
func (t *sshTransport) SSHRaw() (any, bool) { return t.client, true }

// Healthy reports the client is ready and not destroyed. "Ready" is
// approximated by the connection not having reported a closed transport via
// the keepalive loop.
func (t *sshTransport) Healthy() bool {
	return !t.destroyed.Load() && t.missedKA.Load() < sshKeepaliveMaxMissed
}

func (t *sshTransport) NewShell(ctx context.Context, shell string) (Session, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, substraterr.Wrap(substraterr.TransportNotReady, "ssh: new session", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		return nil, substraterr.Wrap(substraterr.Unknown, "ssh: request pty", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, substraterr.Wrap(substraterr.Unknown, "ssh: stdin pipe", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, substraterr.Wrap(substraterr.Unknown, "ssh: stdout pipe", err)
	}

	// As in the newSSHSession: sess.Shell() is correct for the
	// default case, sess.Start("$SHELL") would send the literal string.
	if shell != "" {
		if err := sess.Start(shell); err != nil {
			if err2 := sess.Shell(); err2 != nil {
				sess.Close()
				return nil, substraterr.Wrap(substraterr.Unknown, fmt.Sprintf("ssh: start shell %q", shell), err)
			}
		}
	} else if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, substraterr.Wrap(substraterr.Unknown, "ssh: start login shell", err)
	}

	return &shellSession{session: sess, stdin: stdin, stdout: stdout}, nil
}

func (t *sshTransport) ExecLine(ctx context.Context, cmd string) (string, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return "", substraterr.Wrap(substraterr.TransportNotReady, "ssh: exec session", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return "", substraterr.Wrap(substraterr.TimeoutOp, fmt.Sprintf("ssh: exec %q timed out", cmd), ctx.Err())
	case err := <-done:
		if err != nil {
			return "", substraterr.Wrap(substraterr.Unknown, fmt.Sprintf("ssh: exec %q failed", cmd), err)
		}
		return strings.TrimSpace(out.String()), nil
	}
}

func (t *sshTransport) OpenX11Channel(ctx context.Context) (X11Channel, error) {
	select {
	case nc, ok := <-t.x11Chans:
		if !ok {
			return nil, substraterr.New(substraterr.TransportLost, "ssh: transport closed while waiting for x11 channel")
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			return nil, substraterr.Wrap(substraterr.Unknown, "ssh: accept x11 channel", err)
		}
		go cryptossh.DiscardRequests(reqs)
		return newX11Channel(nc, ch), nil
	case <-ctx.Done():
		return nil, substraterr.Wrap(substraterr.TimeoutOp, "ssh: waiting for x11 channel timed out", ctx.Err())
	case <-t.stopCh:
		return nil, substraterr.New(substraterr.TransportLost, "ssh: transport closed")
	}
}

func (t *sshTransport) Close() error {
	t.destroyed.Store(true)
	t.stopOnce.Do(func() { close(t.stopCh) })
	return t.client.Close()
}

// acceptChannels routes inbound x11 channel-open requests to x11Chans and
// rejects everything else, mirroring the reverse-tunnel
// "forward-only" channel rejection in internal/tunnel/server.go.
func (t *sshTransport) acceptChannels() {
	chans := t.client.HandleChannelOpen(sshX11ChannelType)
	if chans == nil {
		return
	}
	for nc := range chans {
		select {
		case t.x11Chans <- nc:
		default:
			_ = nc.Reject(cryptossh.ResourceShortage, "x11 channel backlog full")
		}
	}
}

// keepaliveLoop sends an SSH keepalive global request every 15s; six
// consecutive unanswered requests mark the transport unhealthy so the pool's
// health checker (C4) evicts it and notifies the reconnection manager (C5).
// Grounded on internal/tunnel/server.go's keepalive() goroutine.
func (t *sshTransport) keepaliveLoop() {
	ticker := time.NewTicker(sshKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ch := make(chan error, 1)
			go func() {
				_, _, err := t.client.SendRequest("keepalive@termsub", true, nil)
				ch <- err
			}()
			select {
			case err := <-ch:
				if err != nil {
					t.missedKA.Add(1)
				} else {
					t.missedKA.Store(0)
				}
			case <-time.After(sshKeepaliveInterval):
				t.missedKA.Add(1)
			case <-t.stopCh:
				return
			}
		}
	}
}

// shellSession adapts an *cryptossh.Session + pipes to the Session
// interface, identical in shape to the sshSession.
type shellSession struct {
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	mu      sync.Mutex
}

func (s *shellSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *shellSession) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *shellSession) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *shellSession) Close() error {
	_ = s.stdin.Close()
	return s.session.Close()
}
