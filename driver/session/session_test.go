// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"testing"

	rivermdb "github.com/rivermdb/driver"
	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
)

type fakeRunner struct {
	replies []error
	calls   []bson.D
}

func (f *fakeRunner) RunCommand(ctx context.Context, db string, cmd bson.D) (bsoncore.Document, error) {
	f.calls = append(f.calls, cmd)
	if len(f.replies) == 0 {
		return nil, nil
	}
	err := f.replies[0]
	f.replies = f.replies[1:]
	return nil, err
}

func TestStartTransactionIncrementsTxnNumber(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartTransaction(TransactionOptions{}); err != nil {
		t.Fatal(err)
	}
	if s.TxnNumber() != 1 {
		t.Fatalf("expected txnNumber 1, got %d", s.TxnNumber())
	}

	if err := s.StartTransaction(TransactionOptions{}); err != ErrTransactionAlreadyInProgress {
		t.Fatalf("expected ErrTransactionAlreadyInProgress, got %v", err)
	}

	if err := s.CommitTransaction(context.Background(), &fakeRunner{}); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTransaction(TransactionOptions{}); err != nil {
		t.Fatalf("starting a new transaction after commit should succeed: %v", err)
	}
	if s.TxnNumber() != 2 {
		t.Fatalf("expected txnNumber 2 after a second start, got %d", s.TxnNumber())
	}
}

func TestAddSessionFieldsMarksStartTransactionOnce(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartTransaction(TransactionOptions{}); err != nil {
		t.Fatal(err)
	}

	first, err := s.AddSessionFields(bson.D{{Key: "insert", Value: "coll"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := first.Map()["startTransaction"]; !ok || v != true {
		t.Fatalf("expected startTransaction:true on the first command, got %v", first)
	}
	if s.State() != InTransaction {
		t.Fatalf("expected state in_transaction after first use, got %s", s.State())
	}

	second, err := s.AddSessionFields(bson.D{{Key: "insert", Value: "coll"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := second.Map()["startTransaction"]; ok {
		t.Fatalf("expected no startTransaction field on the second command, got %v", second)
	}
}

func TestAddSessionFieldsAddsAfterClusterTimeWhenCausallyConsistent(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	s.AdvanceOperationTime(bson.Timestamp{T: 100, I: 1})

	cmd, err := s.AddSessionFields(bson.D{{Key: "find", Value: "coll"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	rc, ok := cmd.Map()["readConcern"].(bson.D)
	if !ok {
		t.Fatalf("expected a readConcern field, got %v", cmd)
	}
	if rc.Map()["afterClusterTime"] != (bson.Timestamp{T: 100, I: 1}) {
		t.Fatalf("expected afterClusterTime to match operationTime, got %v", rc)
	}
}

func TestAdvanceOperationTimeIsMonotonic(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	s.AdvanceOperationTime(bson.Timestamp{T: 100, I: 5})
	s.AdvanceOperationTime(bson.Timestamp{T: 100, I: 2})
	if s.OperationTime() != (bson.Timestamp{T: 100, I: 5}) {
		t.Fatalf("operationTime regressed: %v", s.OperationTime())
	}
	s.AdvanceOperationTime(bson.Timestamp{T: 101, I: 0})
	if s.OperationTime() != (bson.Timestamp{T: 101, I: 0}) {
		t.Fatalf("expected operationTime to advance, got %v", s.OperationTime())
	}
}

func TestCommitTransactionRetriesOnceOnRetryableError(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartTransaction(TransactionOptions{}); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{replies: []error{&rivermdb.CommandError{Code: 91, Message: "ShutdownInProgress"}, nil}}
	if err := s.CommitTransaction(context.Background(), runner); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected exactly one retry (2 calls total), got %d", len(runner.calls))
	}
	retryCmd := runner.calls[1].Map()
	wc, ok := retryCmd["writeConcern"].(bson.D)
	if !ok || wc.Map()["w"] != "majority" {
		t.Fatalf("expected the retry to carry w:majority, got %v", retryCmd)
	}
	if s.State() != TransactionCommitted {
		t.Fatalf("expected transaction_committed, got %s", s.State())
	}
}

func TestCommitTransactionReturnsOriginalErrorWhenRetryFails(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartTransaction(TransactionOptions{}); err != nil {
		t.Fatal(err)
	}

	original := &rivermdb.CommandError{Code: 91, Message: "ShutdownInProgress"}
	runner := &fakeRunner{replies: []error{original, &rivermdb.CommandError{Code: 91, Message: "still down"}}}
	err = s.CommitTransaction(context.Background(), runner)
	if err != original {
		t.Fatalf("expected the original error back, got %v", err)
	}
}

func TestSessionPoolReusesReleasedID(t *testing.T) {
	pool := NewPool()
	s1, err := pool.Start(Options{})
	if err != nil {
		t.Fatal(err)
	}
	id1 := s1.ID
	pool.Return(s1)

	s2, err := pool.Start(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !s2.ID.Equal(id1) {
		t.Fatalf("expected the released session's id to be reused")
	}
}

func TestSessionPoolDoesNotReturnSessionMidTransaction(t *testing.T) {
	pool := NewPool()
	s, err := pool.Start(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartTransaction(TransactionOptions{}); err != nil {
		t.Fatal(err)
	}
	pool.Return(s)

	s2, err := pool.Start(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if s2.ID.Equal(s.ID) {
		t.Fatalf("a session mid-transaction must not be returned to the pool")
	}
}
