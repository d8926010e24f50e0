// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package conn

import (
	"fmt"
	"time"

	"context"

	rivermdb "github.com/rivermdb/driver"
	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/internal/logger"
	"github.com/rivermdb/driver/wiremessage"
)

// RunCommand sends cmd as a single OP_MSG command against db over c and
// returns its reply body, translating an ok:0 reply into a
// rivermdb.CommandError (spec §4.3's "Command-level errors (ok: 0) are
// returned as CommandError{code, message}"). It is the one choke point
// every command-issuing caller in this module goes through: driver/auth's
// saslStart/saslContinue conversation and mongo/cursor's getMore/
// killCursors both run through it, mirroring the teacher's
// core/command.Execute single-entry-point shape.
//
// log may be nil (the default, no-op case); when set, the command's
// start/success/failure are emitted through it at ComponentCommand, the
// ambient command-monitoring events spec's logging section calls for.
func RunCommand(ctx context.Context, c Connection, log *logger.Logger, db string, cmd bson.D) (bsoncore.Document, error) {
	full := append(bson.D{}, cmd...)
	full = append(full, bson.E{Key: "$db", Value: db})

	doc, err := bson.Marshal(full)
	if err != nil {
		return nil, err
	}

	name := commandName(cmd)
	reqID := wiremessage.NextRequestID()
	start := time.Now()

	logCommandStarted(log, name, db, reqID, c.ID(), doc)

	req := &wiremessage.Msg{
		MsgHeader: wiremessage.Header{RequestID: reqID},
		Sections:  []wiremessage.MsgSection{{Kind: wiremessage.SectionBody, Document: bsoncore.Document(doc)}},
	}
	if err := c.WriteWireMessage(ctx, req); err != nil {
		logCommandFailed(log, name, reqID, c.ID(), start, err)
		return nil, err
	}

	wm, err := c.ReadWireMessage(ctx)
	if err != nil {
		logCommandFailed(log, name, reqID, c.ID(), start, err)
		return nil, err
	}
	resp, ok := wm.(*wiremessage.Msg)
	if !ok {
		err := fmt.Errorf("conn: unexpected reply opcode for command %q", name)
		logCommandFailed(log, name, reqID, c.ID(), start, err)
		return nil, err
	}
	body, ok := resp.BodyDocument()
	if !ok {
		err := fmt.Errorf("conn: reply to %q had no body document", name)
		logCommandFailed(log, name, reqID, c.ID(), start, err)
		return nil, err
	}

	if v, ok := body.Lookup("ok"); ok && !isTruthyOK(v) {
		var code int32
		if codeVal, ok := body.Lookup("code"); ok {
			code, _ = codeVal.Int32Value()
		}
		errmsg, _ := lookupString(body, "errmsg")
		cmdErr := &rivermdb.CommandError{Code: code, Message: errmsg}
		logCommandFailed(log, name, reqID, c.ID(), start, cmdErr)
		return nil, cmdErr
	}

	if log != nil {
		log.Print(logger.LevelDebug, &logger.CommandSucceededMessage{
			CommandName:  name,
			RequestID:    reqID,
			ServerConnID: c.ID(),
			DurationMS:   time.Since(start).Milliseconds(),
			Reply:        bson.Raw(body),
		})
	}
	return body, nil
}

func logCommandStarted(log *logger.Logger, name, db string, reqID int32, connID string, doc []byte) {
	if log == nil {
		return
	}
	log.Print(logger.LevelDebug, &logger.CommandStartedMessage{
		CommandName:  name,
		DatabaseName: db,
		RequestID:    reqID,
		ServerConnID: connID,
		Command:      bson.Raw(doc),
	})
}

func logCommandFailed(log *logger.Logger, name string, reqID int32, connID string, start time.Time, err error) {
	if log == nil {
		return
	}
	log.Print(logger.LevelDebug, &logger.CommandFailedMessage{
		CommandName:  name,
		RequestID:    reqID,
		ServerConnID: connID,
		DurationMS:   time.Since(start).Milliseconds(),
		Failure:      err.Error(),
	})
}

func commandName(cmd bson.D) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0].Key
}

func lookupString(doc bsoncore.Document, key string) (string, bool) {
	v, ok := doc.Lookup(key)
	if !ok {
		return "", false
	}
	return v.StringValue()
}

// isTruthyOK reports whether a command reply's "ok" field, sent by the
// server as a double, int32, int64, or bool depending on opcode and
// server version, represents success.
func isTruthyOK(v bsoncore.Value) bool {
	if f, ok := v.DoubleValue(); ok {
		return f != 0
	}
	if i, ok := v.Int32Value(); ok {
		return i != 0
	}
	if i, ok := v.Int64Value(); ok {
		return i != 0
	}
	if b, ok := v.BooleanValue(); ok {
		return b
	}
	return true
}
