// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package conn

import (
	"crypto/tls"
	"time"

	"github.com/rivermdb/driver/internal/compressor"
)

// config collects the options a connection is built from, the teacher's
// functional-options idiom (core/connection/connection.go's ConnectionOption
// and ConfigureX helpers) applied to this package's own fields.
type config struct {
	dialer      Dialer
	handshaker  Handshaker
	tlsConfig   *tls.Config
	maxIdleTime time.Duration
	maxLifetime time.Duration
	readTimeout time.Duration
	writeTimeout time.Duration
	compressors []compressor.Compressor
}

// Option configures a connection built with New.
type Option func(*config)

func newConfig(opts ...Option) *config {
	cfg := &config{dialer: DefaultDialer}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithDialer overrides the default net.Dialer, for testing or for custom
// network setups (e.g. a SOCKS proxy).
func WithDialer(d Dialer) Option {
	return func(cfg *config) { cfg.dialer = d }
}

// WithHandshaker sets the Handshaker run immediately after the connection
// is established, before it is returned from New.
func WithHandshaker(h Handshaker) Option {
	return func(cfg *config) { cfg.handshaker = h }
}

// WithTLSConfig enables TLS using the given configuration.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) { c.tlsConfig = cfg }
}

// WithIdleTimeout sets how long a connection may sit unused in a pool
// before Expired reports true.
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.maxIdleTime = d }
}

// WithMaxLifetime sets the maximum time a connection may remain open,
// regardless of use, before Expired reports true.
func WithMaxLifetime(d time.Duration) Option {
	return func(cfg *config) { cfg.maxLifetime = d }
}

// WithReadTimeout bounds how long a single ReadWireMessage call may block.
func WithReadTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.readTimeout = d }
}

// WithWriteTimeout bounds how long a single WriteWireMessage call may block.
func WithWriteTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.writeTimeout = d }
}

// WithCompressors registers the compressors this connection is willing to
// use, in preference order; the first one also supported by the server (per
// its hello reply's "compression" array) is selected for outbound OP_MSG
// traffic.
func WithCompressors(compressors ...compressor.Compressor) Option {
	return func(cfg *config) { cfg.compressors = compressors }
}
