package tlsclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldwire/tls13/config"
)

// unroutableAddr is reserved for documentation/testing (RFC 5737) and
// never accepts connections, so dials to it fail with a timeout/refusal
// before any handshake code runs.
const unroutableAddr = "192.0.2.1:1"

func TestNewDialerDefaultsNetDialer(t *testing.T) {
	cfg := &config.ClientConfig{}
	d := NewDialer(cfg)
	require.NotNil(t, d.NetDialer)
	require.Same(t, cfg, d.Config)
}

func TestDialContextPropagatesDialFailure(t *testing.T) {
	d := NewDialer(&config.ClientConfig{})
	d.NetDialer = &net.Dialer{Timeout: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := d.DialContext(ctx, "tcp", unroutableAddr)
	require.Error(t, err)
}

func TestDialContextWithNilNetDialerFallsBack(t *testing.T) {
	d := &Dialer{Config: &config.ClientConfig{}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := d.DialContext(ctx, "tcp", unroutableAddr)
	require.Error(t, err)
}

func TestDialPropagatesDialFailure(t *testing.T) {
	_, err := Dial("tcp", unroutableAddr, &config.ClientConfig{})
	require.Error(t, err)
}

func TestDialWithEarlyDataPropagatesDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := DialWithEarlyData(ctx, "tcp", unroutableAddr, &config.ClientConfig{}, []byte("hello"))
	require.Error(t, err)
}
