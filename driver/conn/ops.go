// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package conn

import (
	"context"
	"fmt"
	"strings"

	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/driver/description"
	"github.com/rivermdb/driver/internal/logger"
	"github.com/rivermdb/driver/wiremessage"
)

// legacyWireVersionMax is the maxWireVersion from which the modern command
// protocol (commands sent as OP_MSG, which first appears at wire version 6)
// is used: a server reporting a lower maxWireVersion is spoken to
// with OP_QUERY/OP_GET_MORE/OP_KILL_CURSORS/OP_INSERT/OP_UPDATE/OP_DELETE
// instead.
const legacyWireVersionMax = 6

func isLegacy(desc description.Server) bool { return desc.WireVersion.Max < legacyWireVersionMax }

func splitNamespace(namespace string) (db, coll string, err error) {
	i := strings.IndexByte(namespace, '.')
	if i < 0 {
		return "", "", fmt.Errorf("conn: malformed namespace %q: missing database.collection separator", namespace)
	}
	return namespace[:i], namespace[i+1:], nil
}

// ReadFlags are the OP_QUERY-era read preferences and cursor behaviors
// find and get_more translate into the legacy wire flags (or their modern
// command-field equivalents) for servers on either side of the OP_MSG
// cutover.
type ReadFlags struct {
	Tailable        bool
	SlaveOK         bool
	NoCursorTimeout bool
	AwaitData       bool
	Exhaust         bool
	Partial         bool
}

func (f ReadFlags) bits() int32 {
	var bits int32
	if f.Tailable {
		bits |= wiremessage.TailableCursor
	}
	if f.SlaveOK {
		bits |= wiremessage.SlaveOK
	}
	if f.NoCursorTimeout {
		bits |= wiremessage.NoCursorTimeout
	}
	if f.AwaitData {
		bits |= wiremessage.AwaitData
	}
	if f.Exhaust {
		bits |= wiremessage.Exhaust
	}
	if f.Partial {
		bits |= wiremessage.Partial
	}
	return bits
}

// WriteFlags are the OP_INSERT/OP_UPDATE/OP_DELETE-era write flags: insert's
// continue_on_error, update's upsert/multi, and delete's single (the
// inverse of multi; the wire's SingleRemove bit is set only when Single is
// requested and Multi is not).
type WriteFlags struct {
	ContinueOnError bool
	Upsert          bool
	Multi           bool
	Single          bool
}

func (f WriteFlags) insertBits() int32 {
	var bits int32
	if f.ContinueOnError {
		bits |= wiremessage.ContinueOnError
	}
	return bits
}

func (f WriteFlags) updateBits() int32 {
	var bits int32
	if f.Upsert {
		bits |= wiremessage.Upsert
	}
	if f.Multi {
		bits |= wiremessage.MultiUpdate
	}
	return bits
}

func (f WriteFlags) deleteBits() int32 {
	var bits int32
	if f.Single && !f.Multi {
		bits |= wiremessage.SingleRemove
	}
	return bits
}

// NumberToReturn maps a find/get_more batch_size onto the wire's
// num_return convention: 0 requests the server default, a positive value
// asks for at most that many documents while leaving the cursor open, and
// closeAfter negates it so the server returns at most |batchSize|
// documents and closes the cursor immediately (the "return at most N and
// close" case).
func NumberToReturn(batchSize int32, closeAfter bool) int32 {
	if batchSize == 0 {
		return 0
	}
	n := batchSize
	if n < 0 {
		n = -n
	}
	if closeAfter {
		return -n
	}
	return n
}

// WriteConcern controls whether a write op is acknowledged. W == 0 means
// unacknowledged: the op is written and nothing more is read from the
// socket. Any other W issues a getLastError immediately after the write,
// concatenated into the same send buffer via wiremessage.CombinedWrite so
// the two never straddle a TCP segment boundary on their own.
type WriteConcern struct {
	W        int32
	WTimeout int32
	Journal  bool
}

// IsAcknowledged reports whether wc requires a getLastError follow-up.
func (wc WriteConcern) IsAcknowledged() bool { return wc.W != 0 }

func (wc WriteConcern) getLastErrorCommand() bson.D {
	cmd := bson.D{{Key: "getLastError", Value: int32(1)}}
	if wc.WTimeout > 0 {
		cmd = append(cmd, bson.E{Key: "wtimeout", Value: wc.WTimeout})
	}
	if wc.Journal {
		cmd = append(cmd, bson.E{Key: "j", Value: true})
	}
	return cmd
}

// defaultMaxDocumentSize is the classic 16MB BSON document ceiling
// (spec §6's 16 MB boundary), used when a server's isMaster reply never
// populated description.Server.MaxDocumentSize (e.g. the legacy-reply
// path for a server too old to report it).
const defaultMaxDocumentSize = 16 * 1024 * 1024

// SplitInsertBatches groups docs into sub-batches whose summed *encoded*
// size never exceeds the server's reported maxBsonObjectSize (falling
// back to the classic 16MB ceiling when the server never reported one)
// and whose document count never exceeds MaxBatchCount, satisfying spec
// §6 testable scenario 5 (bulk inserts are split "by measured encoded
// size", not by a hardcoded per-document guess). A single document larger
// than the limit still gets its own one-document batch; the server will
// reject it, but SplitInsertBatches itself never drops data.
func SplitInsertBatches(docs []bsoncore.Document, desc description.Server) [][]bsoncore.Document {
	maxSize := desc.MaxDocumentSize
	if maxSize <= 0 {
		maxSize = defaultMaxDocumentSize
	}
	maxCount := desc.MaxBatchCount
	if maxCount <= 0 {
		maxCount = 1000
	}

	var batches [][]bsoncore.Document
	var cur []bsoncore.Document
	var curSize int32
	for _, d := range docs {
		size := int32(len(d))
		if len(cur) > 0 && (curSize+size > maxSize || int32(len(cur)) >= maxCount) {
			batches = append(batches, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, d)
		curSize += size
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// Ping executes spec §4.3's ping op: a bare {ping: 1} command, the
// cheapest possible round trip for liveness checks and RTT sampling.
func Ping(ctx context.Context, c Connection, log *logger.Logger, db string) error {
	_, err := RunCommand(ctx, c, log, db, bson.D{{Key: "ping", Value: int32(1)}})
	return err
}

// Command executes an arbitrary command against db, spec §4.3's generic
// command op. It is RunCommand under a name matching the other named
// operations in this file.
func Command(ctx context.Context, c Connection, log *logger.Logger, db string, cmd bson.D) (bsoncore.Document, error) {
	return RunCommand(ctx, c, log, db, cmd)
}

// Find executes spec §4.3's find op. Against a server at or above the
// OP_MSG cutover it issues a "find" command through RunCommand; against
// an older server it falls back to a raw OP_QUERY, mirroring the
// modern-command-by-default / legacy-opcode-fallback shape the teacher
// uses for kill_cursors.
func Find(ctx context.Context, c Connection, log *logger.Logger, namespace string, query, projection bsoncore.Document, read ReadFlags, batchSize int32) (bsoncore.Document, error) {
	db, coll, err := splitNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if !isLegacy(c.Description()) {
		cmd := bson.D{{Key: "find", Value: coll}, {Key: "filter", Value: bson.Raw(query)}}
		if len(projection) > 0 {
			cmd = append(cmd, bson.E{Key: "projection", Value: bson.Raw(projection)})
		}
		if batchSize != 0 {
			n := batchSize
			if n < 0 {
				n = -n
			}
			cmd = append(cmd, bson.E{Key: "batchSize", Value: n})
		}
		if read.Tailable {
			cmd = append(cmd, bson.E{Key: "tailable", Value: true})
		}
		if read.AwaitData {
			cmd = append(cmd, bson.E{Key: "awaitData", Value: true})
		}
		if read.NoCursorTimeout {
			cmd = append(cmd, bson.E{Key: "noCursorTimeout", Value: true})
		}
		if read.Partial {
			cmd = append(cmd, bson.E{Key: "allowPartialResults", Value: true})
		}
		return RunCommand(ctx, c, log, db, cmd)
	}

	q := &wiremessage.Query{
		MsgHeader:            wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		Flags:                read.bits(),
		FullCollectionName:   namespace,
		NumberToReturn:       NumberToReturn(batchSize, false),
		Query:                query,
		ReturnFieldsSelector: projection,
	}
	reply, err := legacyRoundTrip(ctx, c, q)
	if err != nil {
		return nil, err
	}
	return legacyFirstBatch(reply), nil
}

// GetMore executes spec §4.3's get_more op, again preferring the modern
// getMore command and falling back to OP_GET_MORE pre-cutover.
func GetMore(ctx context.Context, c Connection, log *logger.Logger, namespace string, cursorID int64, batchSize int32) (bsoncore.Document, error) {
	db, coll, err := splitNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if !isLegacy(c.Description()) {
		cmd := bson.D{{Key: "getMore", Value: cursorID}, {Key: "collection", Value: coll}}
		if batchSize != 0 {
			n := batchSize
			if n < 0 {
				n = -n
			}
			cmd = append(cmd, bson.E{Key: "batchSize", Value: n})
		}
		return RunCommand(ctx, c, log, db, cmd)
	}

	g := &wiremessage.GetMore{
		MsgHeader:          wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		FullCollectionName: namespace,
		NumberToReturn:     NumberToReturn(batchSize, false),
		CursorID:           cursorID,
	}
	reply, err := legacyRoundTrip(ctx, c, g)
	if err != nil {
		return nil, err
	}
	return legacyFirstBatch(reply), nil
}

// KillCursors executes spec §4.3's kill_cursors op as a modern command.
// LegacyKillCursors is the pre-cutover, fire-and-forget equivalent.
func KillCursors(ctx context.Context, c Connection, log *logger.Logger, coll string, cursorIDs []int64) error {
	db, collName, err := splitNamespace(coll)
	if err != nil {
		return err
	}
	ids := make(bson.A, len(cursorIDs))
	for i, id := range cursorIDs {
		ids[i] = id
	}
	_, err = RunCommand(ctx, c, log, db, bson.D{{Key: "killCursors", Value: collName}, {Key: "cursors", Value: ids}})
	return err
}

// LegacyKillCursors sends a raw OP_KILL_CURSORS for servers below the
// OP_MSG cutover. OP_KILL_CURSORS has no reply; per spec §6 this is
// best-effort teardown only.
func LegacyKillCursors(ctx context.Context, c Connection, cursorIDs []int64) error {
	k := &wiremessage.KillCursors{
		MsgHeader: wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		CursorIDs: cursorIDs,
	}
	return c.WriteWireMessage(ctx, k)
}

// Insert executes spec §4.3's insert op. An unacknowledged write
// ({W: 0}) is sent and nothing more is read from the socket; an
// acknowledged legacy write is followed by a getLastError command in the
// same send buffer via wiremessage.CombinedWrite, and a modern write goes
// through the insert command (whose reply already carries the ack).
func Insert(ctx context.Context, c Connection, log *logger.Logger, namespace string, docs []bsoncore.Document, flags WriteFlags, wc WriteConcern) (bsoncore.Document, error) {
	db, coll, err := splitNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if !isLegacy(c.Description()) {
		batches := SplitInsertBatches(docs, c.Description())
		var last bsoncore.Document
		for _, batch := range batches {
			documents := make(bson.A, len(batch))
			for i, d := range batch {
				documents[i] = bson.Raw(d)
			}
			cmd := bson.D{{Key: "insert", Value: coll}, {Key: "documents", Value: documents}}
			if flags.ContinueOnError {
				cmd = append(cmd, bson.E{Key: "ordered", Value: false})
			}
			reply, err := RunCommand(ctx, c, log, db, cmd)
			if err != nil && !flags.ContinueOnError {
				return reply, err
			}
			last = reply
		}
		return last, nil
	}

	ins := &wiremessage.Insert{
		MsgHeader:          wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		Flags:              flags.insertBits(),
		FullCollectionName: namespace,
		Documents:          docs,
	}
	if !wc.IsAcknowledged() {
		return nil, c.WriteWireMessage(ctx, ins)
	}
	return legacyAckedWrite(ctx, c, db, ins, wc)
}

// Update executes spec §4.3's update op, with the same legacy/modern and
// acknowledgement split as Insert.
func Update(ctx context.Context, c Connection, log *logger.Logger, namespace string, query, updateDoc bsoncore.Document, flags WriteFlags, wc WriteConcern) (bsoncore.Document, error) {
	db, coll, err := splitNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if !isLegacy(c.Description()) {
		u := bsoncore.NewDocumentBuilder().
			AppendDocument("q", query).
			AppendDocument("u", updateDoc).
			AppendBoolean("upsert", flags.Upsert).
			AppendBoolean("multi", flags.Multi).
			Build()
		cmd := bson.D{
			{Key: "update", Value: coll},
			{Key: "updates", Value: bson.A{bson.Raw(u)}},
		}
		return RunCommand(ctx, c, log, db, cmd)
	}

	u := &wiremessage.Update{
		MsgHeader:          wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		FullCollectionName: namespace,
		Flags:              flags.updateBits(),
		Selector:           query,
		Update:             updateDoc,
	}
	if !wc.IsAcknowledged() {
		return nil, c.WriteWireMessage(ctx, u)
	}
	return legacyAckedWrite(ctx, c, db, u, wc)
}

// Delete executes spec §4.3's delete op, with the same legacy/modern and
// acknowledgement split as Insert.
func Delete(ctx context.Context, c Connection, log *logger.Logger, namespace string, query bsoncore.Document, flags WriteFlags, wc WriteConcern) (bsoncore.Document, error) {
	db, coll, err := splitNamespace(namespace)
	if err != nil {
		return nil, err
	}

	limit := int32(0)
	if flags.Single && !flags.Multi {
		limit = 1
	}

	if !isLegacy(c.Description()) {
		del := bsoncore.NewDocumentBuilder().
			AppendDocument("q", query).
			AppendInt32("limit", limit).
			Build()
		cmd := bson.D{
			{Key: "delete", Value: coll},
			{Key: "deletes", Value: bson.A{bson.Raw(del)}},
		}
		return RunCommand(ctx, c, log, db, cmd)
	}

	d := &wiremessage.Delete{
		MsgHeader:          wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		FullCollectionName: namespace,
		Flags:              flags.deleteBits(),
		Selector:           query,
	}
	if !wc.IsAcknowledged() {
		return nil, c.WriteWireMessage(ctx, d)
	}
	return legacyAckedWrite(ctx, c, db, d, wc)
}

// legacyAckedWrite concatenates op with a getLastError Query into one
// wiremessage.CombinedWrite so they land in the same send buffer
// (spec §4.3), then reads the single OP_REPLY that answers the
// getLastError.
func legacyAckedWrite(ctx context.Context, c Connection, db string, op wiremessage.WireMessage, wc WriteConcern) (bsoncore.Document, error) {
	gleDoc, err := bson.Marshal(wc.getLastErrorCommand())
	if err != nil {
		return nil, err
	}
	gle := &wiremessage.Query{
		MsgHeader:          wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		FullCollectionName: db + ".$cmd",
		NumberToReturn:     -1,
		Query:              bsoncore.Document(gleDoc),
	}

	combined := &wiremessage.CombinedWrite{First: op, Second: gle}
	if err := c.WriteWireMessage(ctx, combined); err != nil {
		return nil, err
	}

	wm, err := c.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}
	reply, ok := wm.(*wiremessage.Reply)
	if !ok {
		return nil, fmt.Errorf("conn: getLastError: unexpected reply opcode")
	}
	return legacyFirstBatch(reply), nil
}

func legacyRoundTrip(ctx context.Context, c Connection, wm wiremessage.WireMessage) (*wiremessage.Reply, error) {
	if err := c.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	resp, err := c.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}
	reply, ok := resp.(*wiremessage.Reply)
	if !ok {
		return nil, fmt.Errorf("conn: unexpected reply opcode for legacy op")
	}
	if reply.ResponseFlags&wiremessage.QueryFailure != 0 {
		return nil, legacyFailureError(reply)
	}
	return reply, nil
}

func legacyFirstBatch(reply *wiremessage.Reply) bsoncore.Document {
	if len(reply.Documents) == 0 {
		return nil
	}
	return reply.Documents[0]
}

func legacyFailureError(reply *wiremessage.Reply) error {
	if len(reply.Documents) == 0 {
		return fmt.Errorf("conn: OP_QUERY failed with no $err document")
	}
	msg, _ := lookupString(reply.Documents[0], "$err")
	if msg == "" {
		msg = reply.Documents[0].String()
	}
	return fmt.Errorf("conn: OP_QUERY failed: %s", msg)
}
