// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology owns one Monitor per server address and folds their
// heartbeats into a single description.Topology, serialized through a
// single-writer goroutine exactly as spec §5 requires ("the Topology acts
// as a single-writer over the TopologyDescription: all mutations arrive as
// messages, are applied in arrival order"). Grounded on cluster/cluster.go's
// Cluster (the subscribe-then-fan-out-to-waiters mailbox pattern, its
// SelectServer retry loop) and x/mongo/driver/topology/server.go (the
// per-server Monitor's heartbeat/update goroutine).
package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/driver/description"
	"github.com/rivermdb/driver/driver/pool"
	"github.com/rivermdb/driver/internal/csot"
	"github.com/rivermdb/driver/internal/logger"
)

// ErrServerSelectionTimeout is returned by SelectServer when no suitable
// server appears before the deadline (spec §4.6 step 6).
var ErrServerSelectionTimeout = errors.New("topology: server selection timed out")

// Topology tracks the deployment's SDAM state and serves server selection
// against it.
type Topology struct {
	cfg *config
	id  string

	updates chan description.Server
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	desc     description.Topology
	monitors map[string]*Monitor
	pools    map[string]*pool.Pool

	waiterMu     sync.Mutex
	waiters      map[int64]chan struct{}
	lastWaiterID int64

	subMu sync.Mutex
	subs  map[int64]chan description.Topology
	lastSubID int64

	rand *rand.Rand
}

// New builds a Topology from its seed list and starts a Monitor for each
// seed immediately.
func New(opts ...Option) (*Topology, error) {
	cfg := newConfig(opts...)
	if len(cfg.seeds) == 0 {
		return nil, errors.New("topology: at least one seed address is required")
	}

	kind := description.TopologyUnknown
	switch {
	case cfg.kind == singleKind:
		kind = description.TopologySingle
	case cfg.kind == replicaSetKind:
		kind = description.TopologyReplicaSetNoPrimary
	case len(cfg.seeds) == 1 && cfg.setName == "":
		kind = description.TopologySingle
	default:
		kind = description.TopologyUnknown
	}

	t := &Topology{
		cfg:      cfg,
		id:       strings.Join(cfg.seeds, ","),
		updates:  make(chan description.Server, 64),
		done:     make(chan struct{}),
		monitors: make(map[string]*Monitor),
		pools:    make(map[string]*pool.Pool),
		waiters:  make(map[int64]chan struct{}),
		subs:     make(map[int64]chan description.Topology),
		desc:     description.NewTopology(kind, cfg.setName, cfg.seeds),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, addr := range cfg.seeds {
		t.monitors[addr] = startMonitor(addr, cfg, t.updates, &t.wg)
	}

	if cfg.logger != nil {
		logger.StartPrintListener(cfg.logger)
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// Close stops every per-server Monitor and drains every connection pool
// before returning, per spec §5's shutdown ordering. Monitors and pools
// are torn down concurrently (one goroutine per address via errgroup)
// since they share no state and a slow TCP close on one address shouldn't
// hold up the others.
func (t *Topology) Close() {
	close(t.done)

	t.mu.Lock()
	monitors := make([]*Monitor, 0, len(t.monitors))
	for _, m := range t.monitors {
		monitors = append(monitors, m)
	}
	pools := make([]*pool.Pool, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.pools = make(map[string]*pool.Pool)
	t.mu.Unlock()

	var g errgroup.Group
	for _, m := range monitors {
		m := m
		g.Go(func() error { m.stop(); return nil })
	}
	for _, p := range pools {
		p := p
		g.Go(func() error { p.Drain(); return nil })
	}
	g.Wait()

	t.wg.Wait()

	t.waiterMu.Lock()
	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
	t.waiterMu.Unlock()

	t.subMu.Lock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.subMu.Unlock()

	if t.cfg.logger != nil {
		t.cfg.logger.Close()
	}
}

// Description returns a snapshot of the current topology description.
func (t *Topology) Description() description.Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc.Clone()
}

// RequestImmediateCheck asks every known server's Monitor to heartbeat now
// instead of waiting out its interval, used when server selection finds no
// candidates (spec §4.6 step 6).
func (t *Topology) RequestImmediateCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.monitors {
		m.RequestImmediateCheck()
	}
}

// RTTStats reports the diagnostic RTT window (spec §4.5 supplemented
// feature) for one known server address, or "" if addr isn't currently
// monitored. Never consulted for server selection, which uses only each
// Monitor's EWMA.
func (t *Topology) RTTStats(addr string) string {
	t.mu.Lock()
	m, ok := t.monitors[addr]
	t.mu.Unlock()
	if !ok {
		return ""
	}
	return m.Stats()
}

// Subscribe returns a channel of topology-description snapshots, one per
// applied change, pre-populated with the current description. Call the
// returned function to unsubscribe.
func (t *Topology) Subscribe() (<-chan description.Topology, func()) {
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subMu.Lock()
	id := t.lastSubID
	t.lastSubID++
	t.subs[id] = ch
	t.subMu.Unlock()

	return ch, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}
}

// SelectServer runs the server-selection algorithm (spec §4.6) against the
// live topology, waiting for topology changes and re-evaluating until a
// candidate appears or cfg.serverSelectionTimeout elapses. The deadline
// applied is whichever of ctx's own deadline and cfg.serverSelectionTimeout
// is tighter (internal/csot.WithServerSelectionTimeout), so a caller that
// already set a shorter context deadline isn't overridden by a longer
// configured default.
func (t *Topology) SelectServer(ctx context.Context, op OperationKind, rp ReadPreference) (description.Server, error) {
	start := time.Now()
	ctx, cancel := csot.WithServerSelectionTimeout(ctx, t.cfg.serverSelectionTimeout)
	defer cancel()

	updated, waiterID := t.awaitUpdates()
	defer t.removeWaiter(waiterID)

	for {
		result, err := Select(t.Description(), op, rp, t.cfg.localThreshold)
		if err != nil {
			return description.Server{}, err
		}
		if len(result.Servers) > 0 {
			selected := result.Servers[t.rand.Intn(len(result.Servers))]
			if t.cfg.logger != nil {
				t.cfg.logger.Print(logger.LevelDebug, &logger.ServerSelectionSucceededMessage{
					Operation:  op.String(),
					Selected:   selected.Addr,
					DurationMS: time.Since(start).Milliseconds(),
				})
			}
			return selected, nil
		}

		t.RequestImmediateCheck()

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return description.Server{}, ErrServerSelectionTimeout
			}
			return description.Server{}, fmt.Errorf("topology: %w", ctx.Err())
		case <-updated:
		}
	}
}

// Checkout selects a server for op/rp (spec §4.6) and returns an
// exclusively-owned Connection to it from that server's pool (spec §4.7),
// dialing and handshaking one if none is idle. Pair every Checkout with a
// Checkin once the caller is done with the Connection.
func (t *Topology) Checkout(ctx context.Context, op OperationKind, rp ReadPreference) (conn.Connection, error) {
	srv, err := t.SelectServer(ctx, op, rp)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	p, ok := t.pools[srv.Addr]
	if !ok {
		p = pool.New(srv.Addr, t.cfg.maxPoolSize, newApplicationConnDialer(srv.Addr, t.cfg))
		t.pools[srv.Addr] = p
	}
	t.mu.Unlock()

	return p.Checkout(ctx)
}

// Checkin returns a Connection obtained from Checkout to its server's pool.
// If the server has since been removed from the topology (e.g. demoted by
// SDAM) the Connection is simply closed.
func (t *Topology) Checkin(c conn.Connection) {
	t.mu.Lock()
	p, ok := t.pools[c.Description().Addr]
	t.mu.Unlock()
	if !ok {
		c.Close()
		return
	}
	p.Checkin(c)
}

func (t *Topology) awaitUpdates() (<-chan struct{}, int64) {
	t.waiterMu.Lock()
	defer t.waiterMu.Unlock()
	id := t.lastWaiterID
	t.lastWaiterID++
	ch := make(chan struct{}, 1)
	t.waiters[id] = ch
	return ch, id
}

func (t *Topology) removeWaiter(id int64) {
	t.waiterMu.Lock()
	defer t.waiterMu.Unlock()
	if ch, ok := t.waiters[id]; ok {
		close(ch)
		delete(t.waiters, id)
	}
}

// run is the single-writer serializer goroutine: every description.Server
// update arrives here, in order, is folded into the topology description
// via description.Apply, and the reconciled monitor set and every
// subscriber/waiter are notified before the next update is accepted.
func (t *Topology) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case srv := <-t.updates:
			t.applyUpdate(srv)
		}
	}
}

func (t *Topology) applyUpdate(srv description.Server) {
	t.mu.Lock()
	before := t.desc
	t.desc = description.Apply(t.desc, srv)
	after := t.desc
	t.reconcileMonitors(before, after)
	t.mu.Unlock()

	t.notifyWaiters()
	t.notifySubscribers(after)

	if t.cfg.logger != nil {
		t.cfg.logger.Print(logger.LevelDebug, &logger.TopologyDescriptionChangedMessage{
			TopologyID:   t.id,
			PreviousDesc: fmt.Sprintf("%+v", before),
			NewDesc:      fmt.Sprintf("%+v", after),
		})
	}
}

// reconcileMonitors starts a Monitor for every address newly present in
// the topology (e.g. a replica set member discovered via a primary's host
// list) and stops the Monitor for every address that fell out of it (spec
// §4.6: "added addresses spawn a Monitor ...; removed addresses have their
// Monitor stopped"). Must be called with t.mu held.
func (t *Topology) reconcileMonitors(before, after description.Topology) {
	for addr := range after.Servers {
		if _, ok := t.monitors[addr]; !ok {
			t.monitors[addr] = startMonitor(addr, t.cfg, t.updates, &t.wg)
		}
	}
	for addr, m := range t.monitors {
		if _, ok := after.Servers[addr]; !ok {
			m.stop()
			delete(t.monitors, addr)
		}
	}
	for addr, p := range t.pools {
		if _, ok := after.Servers[addr]; !ok {
			p.Drain()
			delete(t.pools, addr)
		}
	}
}

func (t *Topology) notifyWaiters() {
	t.waiterMu.Lock()
	defer t.waiterMu.Unlock()
	for _, ch := range t.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (t *Topology) notifySubscribers(desc description.Topology) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- desc
	}
}
