// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux || darwin

package netio

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/joeycumines/go-fiberloop"
)

// Client wraps c as the client side of a TLS connection. The handshake runs
// on first use, on the calling fiber.
func Client(c *Conn, cfg *tls.Config) *tls.Conn {
	return tls.Client(c, cfg)
}

// Server wraps c as the server side of a TLS connection.
func Server(c *Conn, cfg *tls.Config) *tls.Conn {
	return tls.Server(c, cfg)
}

// DialTLS connects and completes a TLS handshake, both within timeout. If
// cfg does not name a server, the host part of address is used.
func DialTLS(rt *fiberloop.Runtime, network, address string, timeout time.Duration, cfg *tls.Config) (*tls.Conn, error) {
	start := time.Now()
	c, err := Dial(rt, network, address, timeout)
	if err != nil {
		return nil, err
	}

	if cfg == nil {
		cfg = new(tls.Config)
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}

	if timeout > 0 {
		_ = c.SetDeadline(start.Add(timeout))
	}
	tc := tls.Client(c, cfg)
	if err := tc.HandshakeContext(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}
	_ = c.SetDeadline(time.Time{})
	return tc, nil
}
