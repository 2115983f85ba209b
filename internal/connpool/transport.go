package connpool

import (
	"context"
	"time"
)

// Protocol distinguishes the two transport kinds the pool manages.
type Protocol string

const (
	ProtoSSH    Protocol = "ssh"
	ProtoTelnet Protocol = "telnet"
)

// Session is a live terminal channel bridging a tab's keyboard/screen to the
// remote shell. It mirrors the terminal.Session contract
// (internal/terminal/connector.go) generalized to any Transport.
type Session interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Close() error
}

// Transport is a live SSH or Telnet connection owned by the pool. A single
// Transport may back many tabs (when the config's key has no tabId) or
// exactly one (when per-tab isolation is requested, see Key).
type Transport interface {
	// Key is the pool key this transport is registered under.
	Key() string
	Protocol() Protocol
	// Healthy reports whether the underlying client is ready and not
	// destroyed (SSH) or connected and ready (Telnet).
	Healthy() bool
	// NewShell opens a new terminal channel over the transport.
	NewShell(ctx context.Context, shell string) (Session, error)
	// ExecLine runs a single command to completion and returns its standard
	// output with surrounding whitespace trimmed — used by the latency
	// prober (C3) and termsubctl. Telnet transports return an error.
	ExecLine(ctx context.Context, cmd string) (string, error)
	// OpenX11Channel waits for the next inbound "x11" channel request, used
	// by the x11 bridge. Transports that don't support X11 (Telnet) return
	// an error.
	OpenX11Channel(ctx context.Context) (X11Channel, error)
	// SSHRaw exposes the underlying *ssh.Client for SFTP sub-session
	// creation. Telnet transports return (nil, false).
	SSHRaw() (any, bool)
	Close() error
}

// X11Channel is a single accepted X11 forwarding channel paired with the
// request metadata the SSH server sent.
type X11Channel interface {
	OriginatorAddr() string
	OriginatorPort() uint32
	Conn() interface {
		Read(p []byte) (int, error)
		Write(p []byte) (int, error)
		Close() error
	}
}

// Config is the inbound connect() request shape.
type Config struct {
	Host     string
	Port     int
	User     string
	TabID    string // non-empty requests per-tab transport isolation
	Protocol Protocol
	Proxy    *ProxyConfig
	Creds    CredentialMaterial
	Shell    string
	// EnableX11 requests the server negotiate X11 forwarding on this
	// transport's sessions.
	EnableX11 bool
}

// ProxyConfig names a proxy record, already resolved from the external
// config store into concrete parameters.
type ProxyConfig struct {
	Type     string // none|http|https|socks4|socks5
	Host     string
	Port     int
	Username string
	Password string
}

// CredentialMaterial is the subset of credentials.Material the pool needs;
// declared locally to avoid a dependency cycle (credentials imports nothing
// from connpool).
type CredentialMaterial struct {
	Type       string
	Secret     string
	KeyPath    string
	Passphrase string
}

// GetOptions tunes a single getConnection call.
type GetOptions struct {
	WaitTimeout time.Duration // overrides Config default pool-wait timeout
}
