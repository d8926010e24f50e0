// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements the logical-session and transaction state
// machine of spec §3/§4.9 (C9): a server-tracked lsid, a strictly
// increasing txnNumber, and the no_transaction/transaction_started/
// in_transaction/transaction_committed/transaction_aborted states a
// transaction walks through. Grounded on spec §3/§4.9 directly (no teacher
// source for this package was in the retrieved pack: the historical
// snapshots of core/mongo/driverlegacy in this pack predate sessions); the
// state machine is written in the small explicit-enum-and-switch style
// x/mongo/driver/topology/server.go uses for its own connection-state enum.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rivermdb "github.com/rivermdb/driver"
	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
)

// State is one of the five states a Session's transaction may be in
// (spec §3).
type State int

const (
	NoTransaction State = iota
	TransactionStarted
	InTransaction
	TransactionCommitted
	TransactionAborted
)

func (s State) String() string {
	switch s {
	case NoTransaction:
		return "no_transaction"
	case TransactionStarted:
		return "transaction_started"
	case InTransaction:
		return "in_transaction"
	case TransactionCommitted:
		return "transaction_committed"
	case TransactionAborted:
		return "transaction_aborted"
	default:
		return "unknown"
	}
}

// ErrNotInTransaction is returned by an operation that requires a live
// transaction (commit, abort, a transaction-scoped command) when the
// Session's state doesn't allow it.
var ErrNotInTransaction = errors.New("session: no transaction in progress")

// ErrTransactionAlreadyInProgress is returned by StartTransaction when
// called from a state other than the three spec §4.9 allows it from.
var ErrTransactionAlreadyInProgress = errors.New("session: a transaction is already in progress")

// TransactionOptions overrides write/read concern for one transaction,
// captured at StartTransaction time (spec §4.9).
type TransactionOptions struct {
	ReadConcern  bson.D
	WriteConcern bson.D
}

// CommandRunner executes a single command against a server and returns its
// reply body; Session.CommitTransaction/AbortTransaction run the respective
// admin command through one, letting the caller (driver/topology plus a
// checked-out driver/conn.Connection, typically) own connection management.
type CommandRunner interface {
	RunCommand(ctx context.Context, db string, cmd bson.D) (bsoncore.Document, error)
}

// Session is a logical session: a server-tracked id grouping a sequence of
// operations for causal consistency and, optionally, one transaction at a
// time (spec §3).
type Session struct {
	ID bson.Binary

	mu                sync.Mutex
	txnNumber         int64
	state             State
	causalConsistency bool
	operationTime     bson.Timestamp
	pinnedServer      string
	txnOpts           TransactionOptions

	pool       *Pool
	lastActive time.Time
}

// Options configures a new Session.
type Options struct {
	// CausalConsistency enables the afterClusterTime/operationTime
	// propagation of spec §4.9; defaults to true per spec.
	CausalConsistency *bool
}

func (o Options) causalConsistency() bool {
	if o.CausalConsistency == nil {
		return true
	}
	return *o.CausalConsistency
}

// New allocates a fresh Session with a new UUIDv4 lsid. Prefer
// Pool.Start, which reuses a recently released id when one is available
// (spec §4.9).
func New(opts Options) (*Session, error) {
	id, err := newUUID()
	if err != nil {
		return nil, fmt.Errorf("session: generate lsid: %w", err)
	}
	return &Session{
		ID:                bson.Binary{Subtype: bsoncore.BinaryUUID, Data: id},
		causalConsistency: opts.causalConsistency(),
		lastActive:        time.Now(),
	}, nil
}

// State returns the session's current transaction state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TxnNumber returns the session's current transaction number.
func (s *Session) TxnNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnNumber
}

// OperationTime returns the most recent cluster timestamp this session has
// observed (spec §3).
func (s *Session) OperationTime() bson.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationTime
}

// AdvanceOperationTime updates the session's operationTime, but only if t
// is strictly greater than what it already holds — spec invariant 9:
// "A session's operation_time is monotonically non-decreasing."
func (s *Session) AdvanceOperationTime(t bson.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timestampLess(s.operationTime, t) {
		s.operationTime = t
	}
}

func timestampLess(a, b bson.Timestamp) bool {
	if a.T != b.T {
		return a.T < b.T
	}
	return a.I < b.I
}

// StartTransaction begins a new transaction: legal only from
// no_transaction, transaction_committed, or transaction_aborted (spec
// §4.9); increments txnNumber and captures opts' overrides.
func (s *Session) StartTransaction(opts TransactionOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case NoTransaction, TransactionCommitted, TransactionAborted:
	default:
		return ErrTransactionAlreadyInProgress
	}
	s.txnNumber++
	s.state = TransactionStarted
	s.txnOpts = opts
	s.pinnedServer = ""
	return nil
}

// AddSessionFields annotates an outgoing command with the lsid/txnNumber/
// startTransaction/autocommit/writeConcern/readConcern fields spec §4.9
// describes, and — for a causally-consistent read — the
// readConcern.afterClusterTime field. It transitions
// transaction_started → in_transaction on the first use inside a
// transaction. isWrite distinguishes a write (no afterClusterTime) from a
// read.
func (s *Session) AddSessionFields(cmd bson.D, isWrite bool) (bson.D, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	out := append(bson.D{}, cmd...)
	out = append(out, bson.E{Key: "lsid", Value: bson.D{{Key: "id", Value: s.ID}}})

	switch s.state {
	case TransactionStarted, InTransaction:
		out = append(out,
			bson.E{Key: "txnNumber", Value: s.txnNumber},
			bson.E{Key: "autocommit", Value: false},
		)
		if s.state == TransactionStarted {
			out = append(out, bson.E{Key: "startTransaction", Value: true})
			if len(s.txnOpts.WriteConcern) > 0 {
				out = append(out, bson.E{Key: "writeConcern", Value: s.txnOpts.WriteConcern})
			}
			if len(s.txnOpts.ReadConcern) > 0 {
				out = append(out, bson.E{Key: "readConcern", Value: s.txnOpts.ReadConcern})
			}
			s.state = InTransaction
		}
	default:
		if !isWrite && s.causalConsistency && s.operationTime != (bson.Timestamp{}) {
			rc := bson.D{{Key: "afterClusterTime", Value: s.operationTime}}
			out = append(out, bson.E{Key: "readConcern", Value: rc})
		}
	}

	return out, nil
}

// PinServer records the server address a started transaction's operations
// must keep using (e.g. a mongos a sharded transaction was routed to).
func (s *Session) PinServer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinnedServer = addr
}

// PinnedServer returns the address a transaction is pinned to, if any.
func (s *Session) PinnedServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedServer
}

const majorityWriteConcernTimeout = 10 * time.Second

// CommitTransaction runs commitTransaction against the admin database
// through runner. On a retryable error (spec §7) it retries exactly once
// with an upgraded write concern {w: "majority", wtimeout: 10000} (spec
// §4.9/§8 scenario 6); if the retry also fails, the original error is
// returned (spec §7: "if the retry fails, the original error is returned").
func (s *Session) CommitTransaction(ctx context.Context, runner CommandRunner) error {
	s.mu.Lock()
	if s.state != TransactionStarted && s.state != InTransaction {
		s.mu.Unlock()
		return ErrNotInTransaction
	}
	txnNumber := s.txnNumber
	s.mu.Unlock()

	cmd := bson.D{
		{Key: "commitTransaction", Value: int32(1)},
		{Key: "lsid", Value: bson.D{{Key: "id", Value: s.ID}}},
		{Key: "txnNumber", Value: txnNumber},
		{Key: "autocommit", Value: false},
	}

	_, err := runner.RunCommand(ctx, "admin", cmd)
	if err != nil && rivermdb.IsRetryable(err) {
		retryCmd := append(bson.D{}, cmd...)
		retryCmd = append(retryCmd, bson.E{Key: "writeConcern", Value: bson.D{
			{Key: "w", Value: "majority"},
			{Key: "wtimeout", Value: int64(majorityWriteConcernTimeout / time.Millisecond)},
		}})
		if _, retryErr := runner.RunCommand(ctx, "admin", retryCmd); retryErr == nil {
			err = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.state = TransactionCommitted
	}
	return err
}

// AbortTransaction runs abortTransaction against the admin database,
// retrying once on a retryable error exactly as CommitTransaction does;
// abort errors are otherwise swallowed (an abort the server already
// forgot about is not a caller-visible failure).
func (s *Session) AbortTransaction(ctx context.Context, runner CommandRunner) error {
	s.mu.Lock()
	if s.state != TransactionStarted && s.state != InTransaction {
		s.mu.Unlock()
		return ErrNotInTransaction
	}
	txnNumber := s.txnNumber
	s.mu.Unlock()

	cmd := bson.D{
		{Key: "abortTransaction", Value: int32(1)},
		{Key: "lsid", Value: bson.D{{Key: "id", Value: s.ID}}},
		{Key: "txnNumber", Value: txnNumber},
		{Key: "autocommit", Value: false},
	}

	_, err := runner.RunCommand(ctx, "admin", cmd)
	if err != nil && rivermdb.IsRetryable(err) {
		retryCmd := append(bson.D{}, cmd...)
		retryCmd = append(retryCmd, bson.E{Key: "writeConcern", Value: bson.D{
			{Key: "w", Value: "majority"},
			{Key: "wtimeout", Value: int64(majorityWriteConcernTimeout / time.Millisecond)},
		}})
		runner.RunCommand(ctx, "admin", retryCmd)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = TransactionAborted
	return nil
}

// EndSession releases the session back to the Pool it was started from (if
// any), implementing spec §4.9's end_session for the common case; a
// Session obtained via New directly (no Pool) is simply abandoned.
func (s *Session) EndSession() {
	if s.pool != nil {
		s.pool.Return(s)
	}
}

var uuidCounter uint32

func newUUID() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	atomic.AddUint32(&uuidCounter, 1)
	// RFC 4122 version 4, variant 1.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return b, nil
}
