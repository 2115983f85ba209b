// Package events implements the session substrate's outbound event bus: one
// typed channel per event variant, replacing the emitter/listener pattern
// the Design Notes call out for removal ("event emitters -> typed
// channels"). Grounded on the internal/tunnel/server.go
// SessionHooks interface, which already passes callbacks in rather than
// registering against a global emitter; Bus generalizes that to channels so
// a caller that stops draining one event kind can't block the others or
// leak across tabs.
package events

import "time"

// TerminalData is a chunk of bytes read from a tab's remote shell.
type TerminalData struct {
	TabID string
	Data  []byte
}

// TerminalExit reports a tab's shell session ending.
type TerminalExit struct {
	TabID    string
	ExitCode int
	Err      error
}

// ConnectionStatus reports a transport's reachability for a tab.
type ConnectionStatus struct {
	TabID      string
	Key        string
	Host       string
	Port       int
	Connected  bool
	Connecting bool
	Quality    int // [0,100] score from C3, -1 when not yet sampled
	Reason     string
}

// TransferProgress reports coalesced upload/download progress (C8).
type TransferProgress struct {
	TransferID string
	BytesDone  int64
	BytesTotal int64
	Rate       int64         // bytes/sec, 0 until two samples have landed
	ETA        time.Duration // 0 when Rate is 0 or the transfer is done
}

// TransferComplete reports a transfer's terminal outcome.
type TransferComplete struct {
	TransferID string
	Err        error
}

// LatencyUpdated reports a fresh RTT sample (C3).
type LatencyUpdated struct {
	Key string
	RTT int64 // milliseconds
}

// LatencyError reports a failed probe round.
type LatencyError struct {
	Key string
	Err error
}

// LatencyDisconnected reports the prober concluding a transport is down.
type LatencyDisconnected struct {
	Key string
}

// PoolAlert reports a pool-level condition worth surfacing to an operator
// (exhaustion, sustained eviction pressure, and so on).
type PoolAlert struct {
	Key     string
	Message string
}

// ConnectionReplaced is C5's success notification: key's transport was
// recreated and dependents should migrate to newKey.
type ConnectionReplaced struct {
	Key    string
	NewKey string
}

// ReconnectAbandoned is C5's exhaustion notification.
type ReconnectAbandoned struct {
	Key    string
	Reason error
}

// Bus fans out every event variant on its own buffered channel. Publish
// calls never block: a full channel drops the oldest event rather than
// stalling the publisher, since a slow UI listener must never back-pressure
// the session substrate itself.
type Bus struct {
	TerminalData        chan TerminalData
	TerminalExit        chan TerminalExit
	ConnectionStatus    chan ConnectionStatus
	TransferProgress    chan TransferProgress
	TransferComplete    chan TransferComplete
	LatencyUpdated      chan LatencyUpdated
	LatencyError        chan LatencyError
	LatencyDisconnected chan LatencyDisconnected
	PoolAlert           chan PoolAlert
	ConnectionReplaced  chan ConnectionReplaced
	ReconnectAbandoned  chan ReconnectAbandoned
}

const defaultBufferSize = 64

// NewBus allocates a Bus with every channel buffered to size (or
// defaultBufferSize if size <= 0).
func NewBus(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		TerminalData:        make(chan TerminalData, size),
		TerminalExit:        make(chan TerminalExit, size),
		ConnectionStatus:    make(chan ConnectionStatus, size),
		TransferProgress:    make(chan TransferProgress, size),
		TransferComplete:    make(chan TransferComplete, size),
		LatencyUpdated:      make(chan LatencyUpdated, size),
		LatencyError:        make(chan LatencyError, size),
		LatencyDisconnected: make(chan LatencyDisconnected, size),
		PoolAlert:           make(chan PoolAlert, size),
		ConnectionReplaced:  make(chan ConnectionReplaced, size),
		ReconnectAbandoned:  make(chan ReconnectAbandoned, size),
	}
}

func publish[T any](ch chan T, ev T) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) PublishTerminalData(ev TerminalData)               { publish(b.TerminalData, ev) }
func (b *Bus) PublishTerminalExit(ev TerminalExit)                { publish(b.TerminalExit, ev) }
func (b *Bus) PublishConnectionStatus(ev ConnectionStatus)        { publish(b.ConnectionStatus, ev) }
func (b *Bus) PublishTransferProgress(ev TransferProgress)        { publish(b.TransferProgress, ev) }
func (b *Bus) PublishTransferComplete(ev TransferComplete)        { publish(b.TransferComplete, ev) }
func (b *Bus) PublishLatencyUpdated(ev LatencyUpdated)            { publish(b.LatencyUpdated, ev) }
func (b *Bus) PublishLatencyError(ev LatencyError)                { publish(b.LatencyError, ev) }
func (b *Bus) PublishLatencyDisconnected(ev LatencyDisconnected)  { publish(b.LatencyDisconnected, ev) }
func (b *Bus) PublishPoolAlert(ev PoolAlert)                      { publish(b.PoolAlert, ev) }
func (b *Bus) PublishConnectionReplaced(ev ConnectionReplaced)    { publish(b.ConnectionReplaced, ev) }
func (b *Bus) PublishReconnectAbandoned(ev ReconnectAbandoned)    { publish(b.ReconnectAbandoned, ev) }
