package connpool

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/websoft9/termsub/internal/substraterr"
)

// Telnet IAC command bytes (RFC 854/1073). No library in the retrieved
// example pack implements Telnet — unlike SSH and SFTP, which are grounded
// on golang.org/x/crypto/ssh and github.com/pkg/sftp respectively, this is a
// from-scratch minimal client built directly against net.Conn, handling only
// the negotiation a plain shell session needs (echo, suppress-go-ahead,
// NAWS window size).
const (
	iacSE   byte = 240
	iacNOP  byte = 241
	iacDM   byte = 242
	iacBRK  byte = 243
	iacIP   byte = 244
	iacAO   byte = 245
	iacAYT  byte = 246
	iacEC   byte = 247
	iacEL   byte = 248
	iacGA   byte = 249
	iacSB   byte = 250
	iacWILL byte = 251
	iacWONT byte = 252
	iacDO   byte = 253
	iacDONT byte = 254
	iacIAC  byte = 255

	optEcho  byte = 1
	optSGA   byte = 3
	optTType byte = 24
	optNAWS  byte = 31
)

// telnetTransport is a single plain-text net.Conn speaking Telnet line
// negotiation. A Telnet transport always backs exactly one tab: the pool
// never shares a Telnet transport across tabs, so NewShell may only be
// called once successfully per transport.
type telnetTransport struct {
	key  string
	conn net.Conn

	mu        sync.Mutex
	destroyed atomic.Bool
	shellOpen bool
}

// DialTelnet connects to addr. It sends no option negotiation itself; that
// happens when NewShell opens the session.
func DialTelnet(ctx context.Context, key string, addr string, dialer func(ctx context.Context, network, addr string) (net.Conn, error)) (Transport, error) {
	if dialer == nil {
		dialer = (&net.Dialer{}).DialContext
	}
	conn, err := dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.HostUnreachable, fmt.Sprintf("telnet: dial %s", addr), err)
	}
	return &telnetTransport{key: key, conn: conn}, nil
}

func (t *telnetTransport) Key() string       { return t.key }
func (t *telnetTransport) Protocol() Protocol { return ProtoTelnet }
func (t *telnetTransport) Healthy() bool      { return !t.destroyed.Load() }
func (t *telnetTransport) SSHRaw() (any, bool) { return nil, false }

func (t *telnetTransport) OpenX11Channel(ctx context.Context) (X11Channel, error) {
	return nil, substraterr.New(substraterr.Unknown, "telnet: x11 forwarding is not supported over telnet transports")
}

func (t *telnetTransport) ExecLine(ctx context.Context, cmd string) (string, error) {
	return "", substraterr.New(substraterr.Unknown, "telnet: exec-line is not supported over telnet transports")
}

func (t *telnetTransport) NewShell(ctx context.Context, shell string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shellOpen {
		return nil, substraterr.New(substraterr.Unknown, "telnet: transport already has an open shell session")
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	negotiate := []byte{
		iacIAC, iacWILL, optSGA,
		iacIAC, iacDO, optSGA,
		iacIAC, iacWONT, optEcho,
	}
	if _, err := t.conn.Write(negotiate); err != nil {
		return nil, substraterr.Wrap(substraterr.Unknown, "telnet: negotiation write", err)
	}
	_ = t.conn.SetWriteDeadline(time.Time{})

	t.shellOpen = true
	return &telnetSession{conn: t.conn}, nil
}

func (t *telnetTransport) Close() error {
	t.destroyed.Store(true)
	return t.conn.Close()
}

// telnetSession strips IAC sequences from inbound data and encodes NAWS
// (RFC 1073) window size updates on Resize.
type telnetSession struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *telnetSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !bytes.ContainsRune(p, rune(iacIAC)) {
		return s.conn.Write(p)
	}
	// Escape any literal 0xFF byte in outbound user data as IAC IAC.
	escaped := bytes.ReplaceAll(p, []byte{iacIAC}, []byte{iacIAC, iacIAC})
	n, err := s.conn.Write(escaped)
	if err != nil {
		return 0, err
	}
	if n == len(escaped) {
		return len(p), nil
	}
	return len(p), nil
}

// Read strips IAC negotiation sequences from the stream, replying WONT/DONT
// to any option request so the remote end doesn't stall waiting on a
// sub-negotiation this minimal client doesn't implement.
func (s *telnetSession) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	n, err := s.conn.Read(raw)
	if n == 0 {
		return 0, err
	}

	out := p[:0]
	i := 0
	for i < n {
		b := raw[i]
		if b != iacIAC {
			out = append(out, b)
			i++
			continue
		}
		if i+1 >= n {
			i++
			break
		}
		cmd := raw[i+1]
		switch cmd {
		case iacWILL, iacWONT, iacDO, iacDONT:
			if i+2 >= n {
				i += 2
				break
			}
			opt := raw[i+2]
			s.replyNegotiation(cmd, opt)
			i += 3
		case iacSB:
			j := i + 2
			for j+1 < n && !(raw[j] == iacIAC && raw[j+1] == iacSE) {
				j++
			}
			i = j + 2
		case iacIAC:
			out = append(out, iacIAC)
			i += 2
		default:
			i += 2
		}
	}
	return len(out), err
}

func (s *telnetSession) replyNegotiation(cmd, opt byte) {
	var reply byte
	switch cmd {
	case iacWILL:
		reply = iacDONT
	case iacDO:
		reply = iacWONT
	default:
		return
	}
	_, _ = s.conn.Write([]byte{iacIAC, reply, opt})
}

// Resize sends a NAWS sub-negotiation announcing the new window size.
func (s *telnetSession) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := []byte{iacIAC, iacSB, optNAWS}
	buf = appendNAWSDim(buf, cols)
	buf = appendNAWSDim(buf, rows)
	buf = append(buf, iacIAC, iacSE)
	_, err := s.conn.Write(buf)
	return err
}

func appendNAWSDim(buf []byte, v uint16) []byte {
	hi, lo := byte(v>>8), byte(v)
	for _, b := range []byte{hi, lo} {
		buf = append(buf, b)
		if b == iacIAC {
			buf = append(buf, iacIAC)
		}
	}
	return buf
}

func (s *telnetSession) Close() error { return s.conn.Close() }
