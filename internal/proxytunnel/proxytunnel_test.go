package proxytunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/websoft9/termsub/internal/substraterr"
)

func TestDial_NoneIsPassThrough(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	conn, err := d.Dial(context.Background(), Config{Type: TypeNone}, host, port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("ping"))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	if string(buf[:n]) != "ping" {
		t.Errorf("echo = %q, want %q", buf[:n], "ping")
	}
}

// startFakeHTTPConnectProxy runs a minimal HTTP CONNECT proxy that accepts
// any CONNECT request and replies with wantStatus; on a 200 it then echoes
// bytes back on the tunneled connection — enough to exercise dialHTTPConnect
// end to end.
func startFakeHTTPConnectProxy(t *testing.T, wantStatus string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}

		fmt.Fprintf(conn, "HTTP/1.1 %s\r\n\r\n", wantStatus)
		if wantStatus != "200 Connection Established" {
			return
		}

		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	return ln.Addr().String()
}

func TestDial_HTTPConnectSuccess(t *testing.T) {
	addr := startFakeHTTPConnectProxy(t, "200 Connection Established")
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	conn, err := d.Dial(context.Background(), Config{Type: TypeHTTP, Host: host, Port: port}, "example.com", 443)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("ping"))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	if string(buf[:n]) != "ping" {
		t.Errorf("tunneled echo = %q, want %q", buf[:n], "ping")
	}
}

func TestDial_HTTPConnectAuthRequired(t *testing.T) {
	addr := startFakeHTTPConnectProxy(t, "407 Proxy Authentication Required")
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	_, err := d.Dial(context.Background(), Config{Type: TypeHTTP, Host: host, Port: port}, "example.com", 443)
	if !substraterr.Is(err, substraterr.ProxyAuth) {
		t.Fatalf("Dial() error = %v, want ProxyAuth", err)
	}
}

func TestDial_HTTPConnectRefused(t *testing.T) {
	addr := startFakeHTTPConnectProxy(t, "502 Bad Gateway")
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	_, err := d.Dial(context.Background(), Config{Type: TypeHTTP, Host: host, Port: port}, "example.com", 443)
	if !substraterr.Is(err, substraterr.ProxyRefused) {
		t.Fatalf("Dial() error = %v, want ProxyRefused", err)
	}
}

// startFakeSOCKS4Proxy runs a minimal SOCKS4 proxy that always replies with
// the given status byte, enough to exercise dialSOCKS4's response parsing.
func startFakeSOCKS4Proxy(t *testing.T, status byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req := make([]byte, 9) // VER CMD PORT(2) IP(4) + at least a NULL terminator
		if _, err := io.ReadAtLeast(conn, req, 9); err != nil {
			return
		}
		conn.Write([]byte{0x00, status, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	}()

	return ln.Addr().String()
}

func TestDial_SOCKS4Granted(t *testing.T) {
	addr := startFakeSOCKS4Proxy(t, socks4Granted)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	conn, err := d.Dial(context.Background(), Config{Type: TypeSOCKS4, Host: host, Port: port}, "127.0.0.1", 80)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	conn.Close()
}

func TestDial_SOCKS4Rejected(t *testing.T) {
	addr := startFakeSOCKS4Proxy(t, socks4Rejected)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	_, err := d.Dial(context.Background(), Config{Type: TypeSOCKS4, Host: host, Port: port}, "127.0.0.1", 80)
	if !substraterr.Is(err, substraterr.ProxyRefused) {
		t.Fatalf("Dial() error = %v, want ProxyRefused", err)
	}
}

func TestDial_SOCKS4IdentdFailureIsProxyAuth(t *testing.T) {
	addr := startFakeSOCKS4Proxy(t, socks4IdentdAuthFail)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(0, 0)
	_, err := d.Dial(context.Background(), Config{Type: TypeSOCKS4, Host: host, Port: port}, "127.0.0.1", 80)
	if !substraterr.Is(err, substraterr.ProxyAuth) {
		t.Fatalf("Dial() error = %v, want ProxyAuth", err)
	}
}

func TestLimiterFor_ReusesLimiterPerProxyAddr(t *testing.T) {
	d := NewDialer(5, 3)
	l1 := d.limiterFor("proxy1:1080")
	l2 := d.limiterFor("proxy1:1080")
	l3 := d.limiterFor("proxy2:1080")

	if l1 != l2 {
		t.Error("limiterFor() returned distinct limiters for the same proxy address")
	}
	if l1 == l3 {
		t.Error("limiterFor() returned the same limiter for distinct proxy addresses")
	}
}

func TestDial_RateLimiterThrottlesBurstOfDials(t *testing.T) {
	addr := startFakeHTTPConnectProxy(t, "200 Connection Established")
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := NewDialer(rate.Limit(1), 1)
	_, err := d.Dial(context.Background(), Config{Type: TypeHTTP, Host: host, Port: port}, "example.com", 443)
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Dial(ctx, Config{Type: TypeHTTP, Host: host, Port: port}, "example.com", 443)
	if !substraterr.Is(err, substraterr.ProxyTimeout) {
		t.Fatalf("second Dial() error = %v, want ProxyTimeout once the burst is exhausted", err)
	}
}
