package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type addressesKey struct{}

// WithAddresses attaches the validated addresses for the next dial.
func WithAddresses(ctx context.Context, addrs []string) context.Context {
	return context.WithValue(ctx, addressesKey{}, addrs)
}

func addressesFrom(ctx context.Context) []string {
	addrs, _ := ctx.Value(addressesKey{}).([]string)
	return addrs
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// PinnedDialer dials only the addresses attached with WithAddresses, so a
// DNS answer that changes between validation and connect can not redirect
// the socket.
type PinnedDialer struct {
	// Dial performs the actual connection. Nil uses a net.Dialer.
	Dial DialFunc
}

// DialContext is suitable for http.Transport.DialContext.
func (d *PinnedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}
	addrs := addressesFrom(ctx)
	if len(addrs) == 0 {
		return nil, errors.New("ssrf: no validated addresses for dial")
	}

	dial := d.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		dial = dialer.DialContext
	}

	var lastErr error
	for _, ip := range addrs {
		if IsPrivateOrLoopback(ip) {
			return nil, fmt.Errorf("ssrf: refusing to dial private address %s", ip)
		}
		conn, err := dial(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
