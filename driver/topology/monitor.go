// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/driver/description"
)

// Monitor owns one dedicated probe Connection per address and runs the
// cooperative isMaster heartbeat loop of spec §4.5, posting every new
// description.Server it observes to out. Grounded on
// x/mongo/driver/topology/server.go's update()/heartbeat() pair, adapted
// from that file's pool-backed *Server (which multiplexes monitoring and
// application connections through one pool) to a monitor that owns a
// single standalone probe connection, since this package's pool (C7) is
// a separate concern the monitor does not depend on.
type Monitor struct {
	addr string
	cfg  *config
	out  chan<- description.Server

	done     chan struct{}
	checkNow chan struct{}
	closewg  *sync.WaitGroup

	mu            sync.Mutex
	conn          conn.Connection
	averageRTT    time.Duration
	averageRTTSet bool
	lastKind      description.ServerKind
	rtt           rttWindow
}

func startMonitor(addr string, cfg *config, out chan<- description.Server, wg *sync.WaitGroup) *Monitor {
	m := &Monitor{
		addr:     addr,
		cfg:      cfg,
		out:      out,
		done:     make(chan struct{}),
		checkNow: make(chan struct{}, 1),
		closewg:  wg,
		lastKind: description.Unknown,
	}
	wg.Add(1)
	go m.run()
	return m
}

// RequestImmediateCheck preempts the heartbeat sleep (spec §4.5's
// `force_check` input).
func (m *Monitor) RequestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *Monitor) stop() {
	close(m.done)
}

func (m *Monitor) run() {
	defer m.closewg.Done()

	ticker := time.NewTicker(m.cfg.heartbeatInterval)
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer ticker.Stop()
	defer rateLimiter.Stop()

	m.publish(m.probe())

	for {
		select {
		case <-m.done:
			m.closeProbe()
			return
		case <-ticker.C:
		case <-m.checkNow:
		}

		select {
		case <-m.done:
			m.closeProbe()
			return
		case <-rateLimiter.C:
		}

		m.publish(m.probe())
	}
}

func (m *Monitor) publish(desc description.Server) {
	desc.HeartbeatInterval = m.cfg.heartbeatInterval
	select {
	case m.out <- desc:
	case <-m.done:
	}
}

// probe runs a single isMaster attempt (with the one-retry-on-network-error
// allowance of spec §4.5 when the server is currently unknown), computing
// RTT and folding the result into a description.Server.
func (m *Monitor) probe() description.Server {
	const maxAttempts = 2
	retryAllowed := m.lastKind == description.Unknown

	var lastErr error
	attempts := 1
	if retryAllowed {
		attempts = maxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		desc, err := m.probeOnce()
		if err == nil {
			m.lastKind = desc.Kind
			return desc
		}
		lastErr = err
		m.closeProbe()
	}

	m.lastKind = description.Unknown
	return description.NewServerFromError(m.addr, lastErr)
}

func (m *Monitor) probeOnce() (description.Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.heartbeatTimeout)
	defer cancel()

	c, err := m.ensureConn(ctx)
	if err != nil {
		return description.Server{}, err
	}

	start := time.Now()
	reply, err := runIsMaster(ctx, c, m.cfg.appName, m.cfg.compressors)
	if err != nil {
		m.closeProbe()
		return description.Server{}, err
	}
	observed := time.Since(start)
	smoothedRTT := m.updateAverageRTT(observed)
	m.mu.Lock()
	m.rtt.add(observed)
	m.mu.Unlock()

	desc, err := description.NewServer(m.addr, reply, smoothedRTT)
	if err != nil {
		return description.Server{}, err
	}
	return desc, nil
}

// ensureConn dials the probe connection if it isn't already open. The
// probe connection never authenticates (spec §4.5) and always targets the
// admin database, since it only ever runs isMaster.
func (m *Monitor) ensureConn(ctx context.Context) (conn.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.Alive() && !m.conn.Expired() {
		return m.conn, nil
	}

	// The probe connection never authenticates: no Handshaker is configured,
	// so New returns as soon as the dial (and optional TLS) completes.
	opts := append([]conn.Option{}, m.cfg.connOpts...)
	opts = append(opts,
		conn.WithReadTimeout(m.cfg.heartbeatTimeout),
		conn.WithWriteTimeout(m.cfg.heartbeatTimeout),
	)

	c, err := conn.New(ctx, m.addr, opts...)
	if err != nil {
		return nil, err
	}
	m.conn = c
	return c, nil
}

func (m *Monitor) closeProbe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Monitor) updateAverageRTT(delay time.Duration) time.Duration {
	if !m.averageRTTSet {
		m.averageRTT = delay
		m.averageRTTSet = true
	} else {
		const alpha = 0.2
		m.averageRTT = time.Duration(alpha*float64(delay) + (1-alpha)*float64(m.averageRTT))
	}
	return m.averageRTT
}

// Stats reports the monitor's RTT ring buffer alongside the EWMA server
// selection actually uses. Diagnostic only: nothing in this package ever
// reads it back for a selection decision, only updateAverageRTT's value
// does (spec §4.6).
func (m *Monitor) Stats() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt.stats(m.averageRTT)
}

// rttWindowSize bounds the ring buffer to the most recent heartbeats, old
// enough to smooth over a single slow probe but short enough to track a
// server whose network path actually changed.
const rttWindowSize = 20

// rttWindow is a small fixed-capacity ring buffer of recent heartbeat RTT
// samples, giving an operator a Min()/P90() view of recent network
// behavior independent of the EWMA server selection consults. Grounded on
// the ZeroRTTMonitor stub's EWMA/Min/P90/Stats shape, implemented for
// real here since selection must never depend on it.
type rttWindow struct {
	samples [rttWindowSize]time.Duration
	size    int
	next    int
}

func (w *rttWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % rttWindowSize
	if w.size < rttWindowSize {
		w.size++
	}
}

func (w *rttWindow) min() time.Duration {
	if w.size == 0 {
		return 0
	}
	min := w.samples[0]
	for i := 1; i < w.size; i++ {
		if w.samples[i] < min {
			min = w.samples[i]
		}
	}
	return min
}

// p90 returns the 90th-percentile sample via a full sort of the current
// window; rttWindowSize is small enough that this costs nothing measured
// against the network round trip it summarizes.
func (w *rttWindow) p90() time.Duration {
	if w.size == 0 {
		return 0
	}
	sorted := make([]time.Duration, w.size)
	copy(sorted, w.samples[:w.size])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.9)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (w *rttWindow) stats(ewma time.Duration) string {
	if w.size == 0 {
		return fmt.Sprintf("EWMA RTT: %s", ewma)
	}
	return fmt.Sprintf("EWMA RTT: %s, Min RTT: %s, P90 RTT: %s, samples: %d", ewma, w.min(), w.p90(), w.size)
}
