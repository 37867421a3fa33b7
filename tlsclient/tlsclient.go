// Package tlsclient is the small public surface this module exposes
// for opening a TLS connection: a net.Dial-shaped Dialer and a couple
// of package-level convenience functions wrapping config.ClientConfig
// and handshake.Handshake.
package tlsclient

import (
	"context"
	"net"

	"github.com/coldwire/tls13/config"
	"github.com/coldwire/tls13/handshake"
)

// Dialer opens TCP connections and runs the client handshake over
// them, mirroring the shape of crypto/tls.Dialer for callers migrating
// code written against the standard library.
type Dialer struct {
	NetDialer *net.Dialer
	Config    *config.ClientConfig
}

// NewDialer builds a Dialer with a zero-value net.Dialer.
func NewDialer(cfg *config.ClientConfig) *Dialer {
	return &Dialer{NetDialer: &net.Dialer{}, Config: cfg}
}

// DialContext connects to addr, then runs the handshake against addr's
// host as the server name (addr itself if it has no port). The underlying TCP
// connection is closed if the handshake fails.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (*handshake.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	nd := d.NetDialer
	if nd == nil {
		nd = &net.Dialer{}
	}
	raw, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := handshake.Handshake(ctx, raw, d.Config, host, nil)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Dial opens a TCP connection to addr and performs the handshake,
// using a background context and no early data payload.
func Dial(network, addr string, cfg *config.ClientConfig) (*handshake.Conn, error) {
	return NewDialer(cfg).DialContext(context.Background(), network, addr)
}

// DialWithEarlyData is like Dial but offers payload as 0-RTT data when
// cfg has early data enabled and a usable session ticket is on hand.
// Whether the data was actually accepted is only known once the
// returned Conn's ConnectionState reports it.
func DialWithEarlyData(ctx context.Context, network, addr string, cfg *config.ClientConfig, payload []byte) (*handshake.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	nd := &net.Dialer{}
	raw, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := handshake.Handshake(ctx, raw, cfg, host, payload)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}
