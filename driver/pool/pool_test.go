// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/driver/description"
	"github.com/rivermdb/driver/wiremessage"
)

type fakeConn struct {
	id    string
	dead  bool
	alive bool
}

func (f *fakeConn) WriteWireMessage(context.Context, wiremessage.WireMessage) error { return nil }
func (f *fakeConn) ReadWireMessage(context.Context) (wiremessage.WireMessage, error) {
	return nil, nil
}
func (f *fakeConn) Close() error                        { f.dead = true; return nil }
func (f *fakeConn) Expired() bool                       { return f.dead }
func (f *fakeConn) Alive() bool                         { return f.alive && !f.dead }
func (f *fakeConn) ID() string                          { return f.id }
func (f *fakeConn) Description() description.Server     { return description.Server{Addr: f.id} }

func dialCounter(n *int64) Dialer {
	return func(ctx context.Context) (conn.Connection, error) {
		atomic.AddInt64(n, 1)
		return &fakeConn{id: "c", alive: true}, nil
	}
}

func TestCheckoutReusesIdleConnection(t *testing.T) {
	var dials int64
	p := New("a:1", 2, dialCounter(&dials))

	c, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Checkin(c)
	if got := p.Len(); got != 1 {
		t.Fatalf("expected 1 idle connection, got %d", got)
	}

	c2, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c {
		t.Fatalf("expected reuse of idle connection")
	}
	if atomic.LoadInt64(&dials) != 1 {
		t.Fatalf("expected exactly one dial, got %d", dials)
	}
}

func TestCheckinDropsDeadConnection(t *testing.T) {
	var dials int64
	p := New("a:1", 2, dialCounter(&dials))

	c, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c.(*fakeConn).dead = true
	p.Checkin(c)

	if got := p.Len(); got != 0 {
		t.Fatalf("expected dead connection to be dropped, got %d idle", got)
	}

	if _, err := p.Checkout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&dials) != 2 {
		t.Fatalf("expected a fresh dial after dropping the dead connection, got %d", dials)
	}
}

func TestCheckoutBlocksUntilSlotFree(t *testing.T) {
	var dials int64
	p := New("a:1", 1, dialCounter(&dials))

	c, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while pool is exhausted, got %v", err)
	}

	p.Checkin(c)
	if _, err := p.Checkout(context.Background()); err != nil {
		t.Fatalf("checkout after checkin should succeed: %v", err)
	}
}

func TestDrainClosesIdleAndRejectsFurtherCheckout(t *testing.T) {
	var dials int64
	p := New("a:1", 2, dialCounter(&dials))

	c, _ := p.Checkout(context.Background())
	p.Checkin(c)
	p.Drain()

	if !c.(*fakeConn).dead {
		t.Fatalf("expected idle connection to be closed on drain")
	}
	if _, err := p.Checkout(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}
