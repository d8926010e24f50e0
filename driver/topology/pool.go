// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/rivermdb/driver/driver/auth"
	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/driver/description"
	"github.com/rivermdb/driver/driver/pool"
	"github.com/rivermdb/driver/internal/logger"
)

// applicationHandshaker runs isMaster and, if a credential is configured,
// the mechanism handshake (spec §4.4) on a freshly dialed application
// connection before the pool hands it out — unlike the Monitor's probe
// connection (spec §4.5), which never authenticates.
type applicationHandshaker struct {
	cfg *config
}

func (h *applicationHandshaker) Handshake(ctx context.Context, addr string, c conn.Connection) (description.Server, error) {
	reply, err := runIsMaster(ctx, c, h.cfg.appName, h.cfg.compressors)
	if err != nil {
		return description.Server{}, err
	}
	desc, err := description.NewServer(addr, reply, 0)
	if err != nil {
		return description.Server{}, err
	}

	if h.cfg.credential != nil {
		authenticator, err := auth.CreateAuthenticator(h.cfg.credential)
		if err != nil {
			return description.Server{}, err
		}
		db := h.cfg.credential.Source
		if db == "" {
			db = "admin"
		}
		if err := authenticator.Auth(ctx, &auth.Config{Connection: c, Database: db, Logger: h.cfg.logger}); err != nil {
			return description.Server{}, err
		}
	}

	return desc, nil
}

// newApplicationConnDialer builds the pool.Dialer one address's connection
// pool uses to produce ready-to-use connections: dial, then hand off to
// applicationHandshaker via conn.New's own Handshaker hook, so isMaster and
// auth run on the same socket the pool will later check out for real
// traffic.
func newApplicationConnDialer(addr string, cfg *config) pool.Dialer {
	opts := append([]conn.Option{}, cfg.connOpts...)
	opts = append(opts, conn.WithHandshaker(&applicationHandshaker{cfg: cfg}))
	return func(ctx context.Context) (conn.Connection, error) {
		c, err := conn.New(ctx, addr, opts...)
		if err != nil {
			return nil, err
		}
		if cfg.logger != nil {
			cfg.logger.Print(logger.LevelDebug, &logger.ConnectionCreatedMessage{ServerConnID: c.ID(), ServerHost: addr})
		}
		return &loggingConnection{Connection: c, log: cfg.logger}, nil
	}
}

// loggingConnection wraps a conn.Connection to emit a
// ConnectionClosedMessage exactly once, on the first Close call, the one connection-
// lifecycle event this package's plain dial path has no other hook for.
type loggingConnection struct {
	conn.Connection
	log    *logger.Logger
	closed bool
}

func (c *loggingConnection) Close() error {
	err := c.Connection.Close()
	if c.log != nil && !c.closed {
		c.closed = true
		reason := "normal"
		if err != nil {
			reason = err.Error()
		}
		c.log.Print(logger.LevelDebug, &logger.ConnectionClosedMessage{ServerConnID: c.ID(), Reason: reason})
	}
	return err
}
