// Package proxytunnel implements the session substrate's proxy tunnel
// (C2): given a proxy descriptor and a target (host, port), returns a
// connected byte stream already tunneled to the target.
//
// Grounded on the retrieval pack's go-rawhttp transport.go, which implements
// exactly these three proxy kinds against a target address: HTTP/HTTPS
// CONNECT (hand-rolled, since no CONNECT-tunnel library appears anywhere in
// the pack), SOCKS4 (hand-rolled per RFC, again no library covers SOCKS4),
// and SOCKS5 via the ecosystem's golang.org/x/net/proxy rather than a
// hand-rolled implementation, matching that file's own stated rationale
// ("the proven golang.org/x/net/proxy library for SOCKS5 instead of manual
// implementation for reliability and RFC compliance"). Per-proxy dial rate
// limiting uses golang.org/x/time/rate, the same rate-limiting library used
// for the accept-rate gate in internal/tunnel/server.go.
package proxytunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	netproxy "golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/websoft9/termsub/internal/substraterr"
)

// Type is the proxy kind.
type Type string

const (
	TypeNone   Type = "none"
	TypeHTTP   Type = "http"
	TypeHTTPS  Type = "https"
	TypeSOCKS4 Type = "socks4"
	TypeSOCKS5 Type = "socks5"
)

// Config describes a resolved proxy record: translating named proxy records
// from the configuration store into full proxy parameters happens upstream
// of this package, so Config here is already the resolved result.
type Config struct {
	Type     Type
	Host     string
	Port     int
	Username string
	Password string
	// TLSConfig is used only when Type is https, to upgrade the connection
	// to the proxy itself before issuing CONNECT.
	TLSConfig *tls.Config
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

const (
	defaultRateLimit rate.Limit = 5
	defaultBurst                = 3
)

// Dialer tunnels connections to a target (host, port) through a proxy,
// rate limiting dial attempts per proxy address so a flapping proxy cannot
// be hammered by C5's reconnection attempts.
type Dialer struct {
	rateLimit rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDialer builds a Dialer. rateLimit/burst default to 5/s and 3 when <= 0.
func NewDialer(rateLimit rate.Limit, burst int) *Dialer {
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Dialer{rateLimit: rateLimit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (d *Dialer) limiterFor(proxyAddr string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[proxyAddr]
	if !ok {
		l = rate.NewLimiter(d.rateLimit, d.burst)
		d.limiters[proxyAddr] = l
	}
	return l
}

// Dial connects to targetHost:targetPort through proxy. When proxy.Type is
// TypeNone it is a plain net.Dialer pass-through with no rate limiting (no
// proxy exists to hammer). The returned net.Conn is already fully tunneled:
// the caller can treat it exactly like a direct TCP connection and attach it
// to the transport so that closing the transport tears down the tunnel too.
func (d *Dialer) Dial(ctx context.Context, proxy Config, targetHost string, targetPort int) (net.Conn, error) {
	targetAddr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))

	if proxy.Type == "" || proxy.Type == TypeNone {
		return dialDirect(ctx, targetAddr)
	}

	limiter := d.limiterFor(proxy.addr())
	if err := limiter.Wait(ctx); err != nil {
		return nil, substraterr.Wrap(substraterr.ProxyTimeout, "proxytunnel: rate limiter wait", err)
	}

	timeout := dialTimeout(ctx)

	switch proxy.Type {
	case TypeHTTP, TypeHTTPS:
		return dialHTTPConnect(ctx, proxy, targetAddr, targetHost, timeout)
	case TypeSOCKS4:
		return dialSOCKS4(ctx, proxy, targetAddr, timeout)
	case TypeSOCKS5:
		return dialSOCKS5(ctx, proxy, targetAddr, timeout)
	default:
		return nil, substraterr.New(substraterr.ProxyRefused, fmt.Sprintf("proxytunnel: unknown proxy type %q", proxy.Type))
	}
}

func dialTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return 15 * time.Second
}

func dialDirect(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.HostUnreachable, fmt.Sprintf("proxytunnel: dial %s", addr), err)
	}
	return conn, nil
}

// dialHTTPConnect issues CONNECT targetAddr over a connection to the proxy,
// optionally upgraded to TLS first when proxy.Type is https. Grounded on
// connectViaHTTPProxy in the pack's rawhttp transport.
func dialHTTPConnect(ctx context.Context, proxy Config, targetAddr, targetHost string, timeout time.Duration) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", proxy.addr())
	if err != nil {
		return nil, substraterr.Wrap(substraterr.ProxyTimeout, fmt.Sprintf("proxytunnel: dial proxy %s", proxy.addr()), err)
	}

	if proxy.Type == TypeHTTPS {
		tlsCfg := proxy.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: proxy.Host}
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: TLS handshake to proxy failed", err)
		}
		conn = tlsConn
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n", targetAddr, targetHost)
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: send CONNECT request", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: read CONNECT response", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		if strings.Contains(statusLine, " 407") {
			return nil, substraterr.New(substraterr.ProxyAuth, "proxytunnel: proxy requires authentication")
		}
		return nil, substraterr.New(substraterr.ProxyRefused, fmt.Sprintf("proxytunnel: CONNECT refused: %s", strings.TrimSpace(statusLine)))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: read CONNECT response headers", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return conn, nil
}

// socks4Granted/Rejected/IdentdMissing/IdentdAuthFail are SOCKS4 reply codes.
const (
	socks4Granted        = 0x5A
	socks4Rejected       = 0x5B
	socks4IdentdMissing  = 0x5C
	socks4IdentdAuthFail = 0x5D
)

// dialSOCKS4 performs a SOCKS4 handshake. Grounded on
// connectViaSOCKS4Proxy; no SOCKS4 library exists in the pack, matching
// that file's own hand-rolled implementation.
func dialSOCKS4(ctx context.Context, proxy Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: invalid target address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: invalid target port", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, substraterr.Wrap(substraterr.HostUnreachable, fmt.Sprintf("proxytunnel: resolve %s for SOCKS4 (IPv4 required)", host), err)
	}
	targetIP := ips[0].To4()

	netDialer := &net.Dialer{Timeout: timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", proxy.addr())
	if err != nil {
		return nil, substraterr.Wrap(substraterr.ProxyTimeout, fmt.Sprintf("proxytunnel: dial SOCKS4 proxy %s", proxy.addr()), err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: send SOCKS4 request", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: read SOCKS4 response", err)
	}

	switch resp[1] {
	case socks4Granted:
		return conn, nil
	case socks4Rejected:
		conn.Close()
		return nil, substraterr.New(substraterr.ProxyRefused, "proxytunnel: SOCKS4 request rejected")
	case socks4IdentdMissing, socks4IdentdAuthFail:
		conn.Close()
		return nil, substraterr.New(substraterr.ProxyAuth, "proxytunnel: SOCKS4 identd authentication failed")
	default:
		conn.Close()
		return nil, substraterr.New(substraterr.ProxyRefused, fmt.Sprintf("proxytunnel: SOCKS4 unknown status 0x%02X", resp[1]))
	}
}

// dialSOCKS5 performs a SOCKS5 handshake via golang.org/x/net/proxy,
// grounded on connectViaSOCKS5Proxy.
func dialSOCKS5(ctx context.Context, proxy Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}

	dialer, err := netproxy.SOCKS5("tcp", proxy.addr(), auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: create SOCKS5 dialer", err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial("tcp", targetAddr)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifySOCKS5Err(r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, substraterr.Wrap(substraterr.ProxyTimeout, "proxytunnel: SOCKS5 dial cancelled", ctx.Err())
	}
}

func classifySOCKS5Err(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "auth"):
		return substraterr.Wrap(substraterr.ProxyAuth, "proxytunnel: SOCKS5 authentication failed", err)
	case strings.Contains(msg, "timeout"):
		return substraterr.Wrap(substraterr.ProxyTimeout, "proxytunnel: SOCKS5 dial timed out", err)
	default:
		return substraterr.Wrap(substraterr.ProxyRefused, "proxytunnel: SOCKS5 connection failed", err)
	}
}
