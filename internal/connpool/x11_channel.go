package connpool

import (
	"encoding/binary"

	cryptossh "golang.org/x/crypto/ssh"
)

// x11Channel pairs an accepted channel with the originator fields of its
// "x11" channel-open request (RFC 4254 §6.3.2): a string originator address
// followed by a uint32 originator port. ssh.NewChannel.ExtraData() hands back the raw payload
// after the channel type, so it's decoded by hand rather than via
// ssh.Unmarshal's struct tags (the tunnel/server.go does the same
// manual decode for forwarded-tcpip payloads).
type x11Channel struct {
	addr string
	port uint32
	ch   cryptossh.Channel
}

func newX11Channel(nc cryptossh.NewChannel, ch cryptossh.Channel) X11Channel {
	addr, port := decodeX11Payload(nc.ExtraData())
	return &x11Channel{addr: addr, port: port, ch: ch}
}

func decodeX11Payload(data []byte) (string, uint32) {
	if len(data) < 4 {
		return "", 0
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n+4 {
		return string(data), 0
	}
	addr := string(data[:n])
	port := binary.BigEndian.Uint32(data[n : n+4])
	return addr, port
}

func (x *x11Channel) OriginatorAddr() string { return x.addr }
func (x *x11Channel) OriginatorPort() uint32 { return x.port }

func (x *x11Channel) Conn() interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
} {
	return x.ch
}
