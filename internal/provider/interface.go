package provider

import (
	"context"
	"errors"
	"net"
)

// ErrUDPNotSupported is returned by DialUDP when the provider cannot carry UDP.
var ErrUDPNotSupported = errors.New("UDP not supported by provider")

// Dialer is the contract every outbound path implements. The relay picks
// a Dialer per flow: the SOCKS5 endpoint for proxied flows, the direct
// provider for bypassed flows and for fallback.
type Dialer interface {
	// DialTCP creates a TCP connection to addr ("host:port"). Blocks until
	// connected or ctx is cancelled.
	DialTCP(ctx context.Context, addr string) (net.Conn, error)

	// DialUDP creates a connected UDP socket to addr.
	// Each Read returns one datagram; each Write sends one datagram.
	DialUDP(ctx context.Context, addr string) (net.Conn, error)

	// Name returns a human-readable name for logging.
	Name() string
}
