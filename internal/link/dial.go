// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/simkit/simbus/internal/log"
)

// DialTimeout bounds one connection attempt.
const DialTimeout = 5 * time.Second

// DialRegistry connects to the registry, retrying with exponential backoff up
// to attempts tries. Exhaustion surfaces ErrRegistryUnreachable; this is
// terminal for a fresh participant.
func DialRegistry(ctx context.Context, host string, port int, attempts int) (net.Conn, error) {
	if attempts < 1 {
		attempts = 1
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	logger := log.WithComponent("link")

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		d := net.Dialer{Timeout: DialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Debug().
				Str(log.FieldEvent, "link.registry_dial_retry").
				Str(log.FieldEndpoint, addr).
				Err(err).
				Msg("registry dial attempt failed")
		}
		return c, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrRegistryUnreachable, addr, attempts, err)
	}
	return conn, nil
}

// DialPeer connects to one advertised peer. Local (unix-domain) endpoints are
// preferred when enabled; TCP endpoints are tried in announcement order.
func DialPeer(ctx context.Context, localEndpoints []string, tcpEndpoints []Addr, enableDomainSockets bool) (net.Conn, error) {
	var lastErr error
	d := net.Dialer{Timeout: DialTimeout}
	if enableDomainSockets {
		for _, path := range localEndpoints {
			conn, err := d.DialContext(ctx, "unix", path)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
	}
	for _, ep := range tcpEndpoints {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints advertised")
	}
	return nil, fmt.Errorf("%w: %v", ErrDisconnected, lastErr)
}

// Addr is one TCP endpoint candidate.
type Addr struct {
	Host string
	Port uint16
}
