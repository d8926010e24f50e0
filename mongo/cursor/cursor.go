// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package cursor is the cursor engine of spec §4.8 (C8): a finite,
// non-restartable lazy sequence of documents streamed across getMore
// batches, with client-side limit enforcement and best-effort
// kill_cursors on early abandonment. Grounded on
// mongo/private/roots/command/get_more.go's getMore-command construction
// and x/mongo/driverlegacy/kill_cursors.go's one-id-per-call best-effort
// teardown, generalized to cover all three cursor shapes spec §4.8's table
// names (query, aggregation, and the legacy singly "result" batch) and
// adapted from mongo/gridfs/download_stream.go's streaming-with-buffered-
// batch idiom (GridFS itself is out of scope per spec §1).
package cursor

import (
	"context"
	"errors"
	"fmt"

	rivermdb "github.com/rivermdb/driver"
	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
)

// Runner executes one command against the server a cursor is bound to.
// mongo/cursor never dials or selects a server itself (spec's server
// selection, C6, and connection checkout, C7, are the caller's concern,
// typically driver/topology.Checkout plus a driver/conn.Connection); it
// only needs to run getMore/killCursors against whatever Runner the caller
// already resolved for the cursor's originating command.
type Runner interface {
	RunCommand(ctx context.Context, db string, cmd bson.D) (bsoncore.Document, error)
}

// defaultBatchSizeCap is spec §4.8's literal ceiling for the first fetch
// when no smaller limit or batch size applies: "batch_size for the first
// fetch defaults to min(opts.batch_size, limit, 1000)".
const defaultBatchSizeCap = 1000

// Cursor streams documents across batches for one server-side cursor,
// implementing all three shapes of spec §4.8's table behind one API: a
// cursor_id of 0 built in from the start (the legacy singly/"result"
// shape) never issues a getMore and is terminal after its one batch.
type Cursor struct {
	runner Runner
	db     string
	coll   string

	id        int64
	batch     []bsoncore.Document
	pos       int
	current   bsoncore.Document
	batchSize int32
	limit     int32
	delivered int32
	err       error
	closed    bool
}

// Options configures a new Cursor's batching and limit behavior.
type Options struct {
	// BatchSize requested per getMore; 0 means the server's default.
	BatchSize int32
	// Limit caps the total number of documents delivered across the
	// cursor's lifetime; 0 means unlimited.
	Limit int32
}

// FirstBatchSize computes the batchSize a caller should put on the
// originating find/aggregate command, per spec §4.8: "defaults to
// min(opts.batch_size, limit, 1000)". mongo/cursor itself only consumes
// the reply that command produces (FromCommandReply); building the
// command is the caller's job, since the command's other fields (filter,
// pipeline, sort, ...) are outside this package's concern.
func FirstBatchSize(opts Options) int32 {
	n := opts.BatchSize
	if n == 0 || n > defaultBatchSizeCap {
		n = defaultBatchSizeCap
	}
	if opts.Limit != 0 && (opts.Limit < n || n == 0) {
		n = opts.Limit
	}
	return n
}

// FromCommandReply builds a Cursor from a find/aggregate command's reply,
// whose cursor-bearing shape is {cursor: {id, firstBatch, ns}} regardless
// of which command produced it (spec §4.8's "Query cursor" and
// "Aggregation cursor" rows share this wire shape; only how the first
// batch was obtained differs).
func FromCommandReply(runner Runner, reply bsoncore.Document, opts Options) (*Cursor, error) {
	cursorVal, ok := reply.Lookup("cursor")
	if !ok {
		return nil, fmt.Errorf("cursor: reply had no \"cursor\" field")
	}
	cursorDoc, ok := cursorVal.DocumentValue()
	if !ok {
		return nil, fmt.Errorf("cursor: \"cursor\" field was not a document")
	}

	idVal, ok := cursorDoc.Lookup("id")
	if !ok {
		return nil, fmt.Errorf("cursor: cursor document had no \"id\" field")
	}
	id, ok := idVal.Int64Value()
	if !ok {
		id32, ok32 := idVal.Int32Value()
		if !ok32 {
			return nil, fmt.Errorf("cursor: cursor \"id\" field was not an integer")
		}
		id = int64(id32)
	}

	ns, _ := lookupString(cursorDoc, "ns")
	db, coll := splitNamespace(ns)

	batchVal, ok := cursorDoc.Lookup("firstBatch")
	if !ok {
		batchVal, ok = cursorDoc.Lookup("nextBatch")
	}
	var batch []bsoncore.Document
	if ok {
		arr, _ := batchVal.ArrayValue()
		values, err := arr.Values()
		if err != nil {
			return nil, &rivermdb.MalformedBSONError{Wrapped: err}
		}
		for _, v := range values {
			doc, ok := v.DocumentValue()
			if !ok {
				return nil, fmt.Errorf("cursor: batch element was not a document")
			}
			batch = append(batch, doc)
		}
	}

	return &Cursor{
		runner:    runner,
		db:        db,
		coll:      coll,
		id:        id,
		batch:     batch,
		batchSize: opts.BatchSize,
		limit:     opts.Limit,
	}, nil
}

// FromLegacyResult builds the terminal, single-batch cursor shape spec
// §4.8's table calls "Singly (legacy result)": a command whose entire
// result set arrived under a top-level "result" array, with no server-side
// cursor to iterate further (cursor id is always 0).
func FromLegacyResult(reply bsoncore.Document) (*Cursor, error) {
	resultVal, ok := reply.Lookup("result")
	if !ok {
		return nil, fmt.Errorf("cursor: reply had no \"result\" field")
	}
	arr, ok := resultVal.ArrayValue()
	if !ok {
		return nil, fmt.Errorf("cursor: \"result\" field was not an array")
	}
	values, err := arr.Values()
	if err != nil {
		return nil, &rivermdb.MalformedBSONError{Wrapped: err}
	}
	var batch []bsoncore.Document
	for _, v := range values {
		doc, ok := v.DocumentValue()
		if !ok {
			return nil, fmt.Errorf("cursor: result element was not a document")
		}
		batch = append(batch, doc)
	}
	return &Cursor{id: 0, batch: batch}, nil
}

func lookupString(doc bsoncore.Document, key string) (string, bool) {
	v, ok := doc.Lookup(key)
	if !ok {
		return "", false
	}
	return v.StringValue()
}

func splitNamespace(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}

// Next advances the cursor to the next document, fetching another getMore
// batch from the server if the current one is exhausted and the cursor is
// still open and under its limit. It returns false when the cursor is
// exhausted (server cursor closed, no documents left) or the limit has
// been reached; check Err to distinguish "exhausted" from "failed".
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil || c.closed {
		return false
	}
	if c.limit != 0 && c.delivered >= c.limit {
		c.closeOnLimitReached(ctx)
		return false
	}

	for c.pos >= len(c.batch) {
		if c.id == 0 {
			return false
		}
		if err := c.fetchMore(ctx); err != nil {
			c.err = err
			return false
		}
		if len(c.batch) == 0 && c.id == 0 {
			return false
		}
	}

	c.current = c.batch[c.pos]
	c.pos++
	c.delivered++
	return true
}

// Current returns the document Next most recently advanced to.
func (c *Cursor) Current() bsoncore.Document { return c.current }

// Err returns the error, if any, that caused the cursor to stop producing
// documents. A nil Err after Next returns false means the cursor was
// exhausted normally (or its limit was reached).
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fetchMore(ctx context.Context) error {
	batchSize := c.batchSize
	if c.limit != 0 {
		remaining := c.limit - c.delivered
		if batchSize == 0 || remaining < batchSize {
			batchSize = remaining
		}
	}

	cmd := bson.D{
		{Key: "getMore", Value: c.id},
		{Key: "collection", Value: c.coll},
	}
	if batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: batchSize})
	}

	reply, err := c.runner.RunCommand(ctx, c.db, cmd)
	if err != nil {
		if isCursorNotFound(err) {
			c.id = 0
			return rivermdb.ErrCursorLost
		}
		return err
	}

	cursorVal, ok := reply.Lookup("cursor")
	if !ok {
		return fmt.Errorf("cursor: getMore reply had no \"cursor\" field")
	}
	cursorDoc, ok := cursorVal.DocumentValue()
	if !ok {
		return fmt.Errorf("cursor: getMore \"cursor\" field was not a document")
	}
	idVal, _ := cursorDoc.Lookup("id")
	id, _ := idVal.Int64Value()
	c.id = id

	c.batch = nil
	c.pos = 0
	if batchVal, ok := cursorDoc.Lookup("nextBatch"); ok {
		arr, _ := batchVal.ArrayValue()
		values, err := arr.Values()
		if err != nil {
			return &rivermdb.MalformedBSONError{Wrapped: err}
		}
		for _, v := range values {
			doc, ok := v.DocumentValue()
			if ok {
				c.batch = append(c.batch, doc)
			}
		}
	}

	return nil
}

func isCursorNotFound(err error) bool {
	var cmdErr *rivermdb.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 43 // CursorNotFound
	}
	return errors.Is(err, rivermdb.ErrCursorLost)
}

// closeOnLimitReached issues kill_cursors once the client-side limit has
// been reached before the server closed the cursor on its own (spec
// §4.8: "when reached before the server closes the cursor, the cursor
// issues kill_cursors and terminates").
func (c *Cursor) closeOnLimitReached(ctx context.Context) {
	if c.id != 0 {
		c.killCursors(ctx)
	}
	c.closed = true
}

// Close terminates the cursor, issuing a best-effort kill_cursors if the
// server-side cursor is still open (spec §4.8's and invariant 7's "at most
// once per cursor_id and only when the cursor was closed with a non-zero
// server id"). Failure of the kill_cursors call is non-fatal and is not
// returned.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.id != 0 {
		c.killCursors(ctx)
	}
	return nil
}

func (c *Cursor) killCursors(ctx context.Context) {
	id := c.id
	c.id = 0
	cmd := bson.D{
		{Key: "killCursors", Value: c.coll},
		{Key: "cursors", Value: bson.A{id}},
	}
	// Best-effort: the caller cannot act on a failure here and the server
	// will eventually reap an abandoned cursor on its own timeout anyway.
	c.runner.RunCommand(ctx, c.db, cmd)
}
