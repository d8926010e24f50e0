// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package pool is the thin connection-pool adapter spec §4.7 (C7) treats
// as bound 1:1 to one server address: checkout/checkin/drain over a
// bounded set of driver/conn.Connections. Spec §1 names real connection
// pooling an external collaborator ("treated as a black box with
// checkout/checkin semantics"); this package is exactly that black box's
// contract, grounded on core/connection/connection.go's Connection
// lifecycle fields (dead/idleDeadline/lifetimeDeadline) for what "must not
// be re-checked-in" means operationally, generalized from one Connection to
// a sized set of them.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/rivermdb/driver/driver/conn"
)

// ErrClosed is returned by Checkout once the pool has been drained.
var ErrClosed = errors.New("pool: closed")

// Dialer creates a new, ready-to-use Connection to the pool's address,
// including any handshake (hello/isMaster + authentication) the caller's
// Topology configured. Checkout calls it on demand, up to maxSize
// concurrently outstanding connections.
type Dialer func(ctx context.Context) (conn.Connection, error)

// Pool hands out Connections to one address, up to maxSize concurrently
// checked out. A checked-out Connection is owned exclusively by its caller
// until Checkin (spec §4.7's contract); Checkin silently discards a
// Connection that is no longer Alive rather than returning it to the idle
// set, since the caller found it broken and the next Checkout would only
// get the same failure.
type Pool struct {
	addr string
	dial Dialer
	sem  chan struct{}

	mu     sync.Mutex
	idle   []conn.Connection
	closed bool
}

// New builds a Pool for addr, sized to maxSize outstanding connections
// (spec §6's maxPoolSize connstring option; default 10 per spec §4.7).
func New(addr string, maxSize int, dial Dialer) *Pool {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &Pool{
		addr: addr,
		dial: dial,
		sem:  make(chan struct{}, maxSize),
	}
}

// Address returns the server address this pool is bound to.
func (p *Pool) Address() string { return p.addr }

// Checkout returns an exclusively-owned Connection, reusing an idle one if
// a live, unexpired one is available, else dialing (and handshaking) a new
// one. It blocks until a slot is free, ctx is done, or the pool is closed.
func (p *Pool) Checkout(ctx context.Context) (conn.Connection, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, ErrClosed
	}
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.Alive() && !c.Expired() {
			p.mu.Unlock()
			return c, nil
		}
		c.Close()
	}
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return c, nil
}

// Checkin returns a Connection checked out from this pool. A Connection
// that is no longer Alive (the caller observed a socket error on it, spec
// §4.3) is closed and dropped instead of being reused, per spec §4.7: "on
// socket error, the Connection closes itself and must not be re-checked-in".
func (p *Pool) Checkin(c conn.Connection) {
	defer func() { <-p.sem }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !c.Alive() || c.Expired() {
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// Drain closes every idle connection and marks the pool closed; connections
// currently checked out are the caller's responsibility to Close or Checkin
// (which will close them, since Checkin only reuses live ones on an open
// pool).
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}

// Len reports the number of currently idle connections, for tests and
// diagnostics only.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
