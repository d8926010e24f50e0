// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"container/list"
	"sync"
	"time"
)

// sessionIdleTimeout is the server's logical-session timeout (spec §4.9:
// "a FIFO of recently released sessions filtered for age ≤ 10 minutes").
// A 1-minute margin below the server's actual 10-minute
// logicalSessionTimeoutMinutes default avoids handing out an id the server
// may have already reaped.
const sessionIdleTimeout = 9 * time.Minute

// Pool is a per-Topology FIFO of recently-ended Sessions, letting
// start_session reuse a server-known lsid instead of minting (and later
// having the server garbage-collect) a fresh one for every short-lived
// session (spec §4.9). Expiry is checked lazily at Start time rather than
// by a background reaper goroutine, matching this driver's general
// preference for pull-based cleanup in this layer (SPEC_FULL.md's
// supplemented-features note).
type Pool struct {
	mu   sync.Mutex
	idle *list.List // of *Session, front = most recently released
}

// NewPool creates an empty session pool.
func NewPool() *Pool {
	return &Pool{idle: list.New()}
}

// Start returns a Session ready for use: a released, unexpired one from
// the pool if available, else a freshly generated one. Sessions are taken
// from the back of the idle list, the oldest release first, since releases
// push to the front; expired entries encountered there are discarded until
// a live one is found or the pool is empty.
func (p *Pool) Start(opts Options) (*Session, error) {
	p.mu.Lock()
	now := time.Now()
	for p.idle.Len() > 0 {
		back := p.idle.Back()
		s := back.Value.(*Session)
		p.idle.Remove(back)
		if now.Sub(s.lastActive) <= sessionIdleTimeout {
			p.mu.Unlock()
			s.mu.Lock()
			s.state = NoTransaction
			s.causalConsistency = opts.causalConsistency()
			s.mu.Unlock()
			s.pool = p
			return s, nil
		}
	}
	p.mu.Unlock()

	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	s.pool = p
	return s, nil
}

// Return releases s back to the pool for reuse by a future Start, per spec
// §4.9's end_session: "returns the session to the pool (or issues
// endSessions if expired)". A Session mid-transaction is not releasable —
// its transaction must be committed or aborted first.
func (p *Pool) Return(s *Session) {
	s.mu.Lock()
	s.lastActive = time.Now()
	inTxn := s.state == TransactionStarted || s.state == InTransaction
	s.mu.Unlock()
	if inTxn {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle.PushFront(s)
}

// Expired reports the ids of pooled sessions old enough that the server
// has likely already reaped them, so a caller can issue a best-effort
// endSessions for them instead of silently leaking server-side state.
func (p *Pool) Expired() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*Session
	now := time.Now()
	for e := p.idle.Back(); e != nil; {
		prev := e.Prev()
		s := e.Value.(*Session)
		if now.Sub(s.lastActive) > sessionIdleTimeout {
			expired = append(expired, s)
			p.idle.Remove(e)
		}
		e = prev
	}
	return expired
}
