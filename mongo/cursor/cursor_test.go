// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cursor

import (
	"context"
	"testing"

	rivermdb "github.com/rivermdb/driver"
	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
)

// fakeRunner serves a scripted sequence of getMore/killCursors replies,
// recording every command it was asked to run.
type fakeRunner struct {
	batches [][]bson.D // one []bson.D per getMore call, in order
	idx     int
	nextID  []int64 // cursor id to report after each getMore, in order
	calls   []bson.D
	err     error // returned (once) on the next RunCommand call
}

func (f *fakeRunner) RunCommand(ctx context.Context, db string, cmd bson.D) (bsoncore.Document, error) {
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	if cmd.Map()["killCursors"] != nil {
		return mustBuild(bson.D{{Key: "ok", Value: 1}}), nil
	}

	var docs []bson.D
	var id int64
	if f.idx < len(f.batches) {
		docs = f.batches[f.idx]
		id = f.nextID[f.idx]
		f.idx++
	}
	batch := bson.A{}
	for _, d := range docs {
		batch = append(batch, d)
	}
	reply := bson.D{{Key: "cursor", Value: bson.D{
		{Key: "id", Value: id},
		{Key: "nextBatch", Value: batch},
	}}, {Key: "ok", Value: 1}}
	return mustBuild(reply), nil
}

func mustBuild(d bson.D) bsoncore.Document {
	b, err := bson.Marshal(d)
	if err != nil {
		panic(err)
	}
	return bsoncore.Document(b)
}

func findReply(id int64, firstBatch []bson.D, ns string) bsoncore.Document {
	batch := bson.A{}
	for _, d := range firstBatch {
		batch = append(batch, d)
	}
	reply := bson.D{{Key: "cursor", Value: bson.D{
		{Key: "id", Value: id},
		{Key: "firstBatch", Value: batch},
		{Key: "ns", Value: ns},
	}}, {Key: "ok", Value: 1}}
	return mustBuild(reply)
}

func TestFromCommandReplyIteratesFirstBatchWithoutGetMore(t *testing.T) {
	reply := findReply(0, []bson.D{
		{{Key: "_id", Value: int32(1)}},
		{{Key: "_id", Value: int32(2)}},
	}, "testdb.coll")

	c, err := FromCommandReply(&fakeRunner{}, reply, Options{})
	if err != nil {
		t.Fatal(err)
	}

	var got []int32
	for c.Next(context.Background()) {
		idVal, _ := c.Current().Lookup("_id")
		v, _ := idVal.Int32Value()
		got = append(got, v)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected documents: %v", got)
	}
}

func TestCursorFetchesGetMoreWhenBatchExhausted(t *testing.T) {
	reply := findReply(123, []bson.D{{{Key: "_id", Value: int32(1)}}}, "testdb.coll")
	runner := &fakeRunner{
		batches: [][]bson.D{{{{Key: "_id", Value: int32(2)}}, {{Key: "_id", Value: int32(3)}}}},
		nextID:  []int64{0},
	}

	c, err := FromCommandReply(runner, reply, Options{})
	if err != nil {
		t.Fatal(err)
	}

	var got []int32
	for c.Next(context.Background()) {
		idVal, _ := c.Current().Lookup("_id")
		v, _ := idVal.Int32Value()
		got = append(got, v)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 documents across both batches, got %v", got)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected exactly one getMore call, got %d", len(runner.calls))
	}
	getMore := runner.calls[0].Map()
	if getMore["getMore"] != int64(123) || getMore["collection"] != "coll" {
		t.Fatalf("unexpected getMore command: %v", getMore)
	}
}

func TestCursorEnforcesClientSideLimitAndKillsServerCursor(t *testing.T) {
	reply := findReply(77, []bson.D{
		{{Key: "_id", Value: int32(1)}},
		{{Key: "_id", Value: int32(2)}},
		{{Key: "_id", Value: int32(3)}},
	}, "testdb.coll")
	runner := &fakeRunner{}

	c, err := FromCommandReply(runner, reply, Options{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	for c.Next(context.Background()) {
		n++
	}
	if n != 2 {
		t.Fatalf("expected exactly 2 documents under the limit, got %d", n)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected exactly one killCursors call, got %d", len(runner.calls))
	}
	kill := runner.calls[0].Map()
	if kill["killCursors"] != "coll" {
		t.Fatalf("unexpected killCursors command: %v", kill)
	}
}

func TestCursorNotFoundSurfacesErrCursorLost(t *testing.T) {
	reply := findReply(5, []bson.D{{{Key: "_id", Value: int32(1)}}}, "testdb.coll")
	runner := &fakeRunner{err: &rivermdb.CommandError{Code: 43, Message: "cursor not found"}}

	c, err := FromCommandReply(runner, reply, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Next(context.Background()) {
		// consume the single buffered document first
	}
	for c.Next(context.Background()) {
	}
	if c.Err() != rivermdb.ErrCursorLost {
		t.Fatalf("expected ErrCursorLost, got %v", c.Err())
	}
}

func TestFromLegacyResultNeverIssuesGetMore(t *testing.T) {
	reply := mustBuild(bson.D{{Key: "result", Value: bson.A{
		bson.D{{Key: "_id", Value: int32(1)}},
		bson.D{{Key: "_id", Value: int32(2)}},
	}}, {Key: "ok", Value: 1}})

	c, err := FromLegacyResult(reply)
	if err != nil {
		t.Fatal(err)
	}
	var n int
	for c.Next(context.Background()) {
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 documents, got %d", n)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error closing a legacy cursor: %v", err)
	}
}

func TestCloseIsIdempotentAndKillsOnlyOnce(t *testing.T) {
	reply := findReply(99, []bson.D{{{Key: "_id", Value: int32(1)}}}, "testdb.coll")
	runner := &fakeRunner{}

	c, err := FromCommandReply(runner, reply, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected exactly one killCursors call across two Close calls, got %d", len(runner.calls))
	}
}

func TestFirstBatchSizeCapsAtServerDefaultAndLimit(t *testing.T) {
	if got := FirstBatchSize(Options{}); got != defaultBatchSizeCap {
		t.Fatalf("expected the 1000 default cap, got %d", got)
	}
	if got := FirstBatchSize(Options{Limit: 5}); got != 5 {
		t.Fatalf("expected the limit to win when smaller than the cap, got %d", got)
	}
	if got := FirstBatchSize(Options{BatchSize: 50, Limit: 500}); got != 50 {
		t.Fatalf("expected the explicit batch size to win when smallest, got %d", got)
	}
}
