// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/driver/conn"
)

// SaslClient is the client side of a SASL conversation: a sequence of
// challenge/response steps ending when the server reports done and the
// client agrees it is complete. Grounded on mongo/private/auth/sasl.go's
// SaslClient interface.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (response []byte, err error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that holds resources (e.g. a cached
// derived key) needing cleanup once the conversation ends.
type SaslClientCloser interface {
	SaslClient
	Close()
}

type saslResponse struct {
	ConversationID int32       `bson:"conversationId"`
	Code           int32       `bson:"code"`
	Done           bool        `bson:"done"`
	Payload        bson.Binary `bson:"payload"`
}

// ConductSaslConversation drives client through a full saslStart/
// saslContinue exchange against db, the teacher's mongo/private/auth/
// sasl.go loop adapted to run over this module's OP_MSG-speaking
// driver/conn.Connection instead of the teacher's legacy msg.NewCommand/
// conn.ExecuteCommand pair.
func ConductSaslConversation(ctx context.Context, cfg *Config, db string, client SaslClient) error {
	if skipArbiter(cfg) {
		return nil
	}
	if db == "" {
		db = "admin"
	}
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError("sasl start", mechanism, err)
	}

	cmd := bson.D{
		{Key: "saslStart", Value: int32(1)},
		{Key: "mechanism", Value: mechanism},
		{Key: "payload", Value: bson.Binary{Data: payload}},
	}
	resp, err := runSaslCommand(ctx, cfg, db, cmd)
	if err != nil {
		return newAuthError("saslStart failed", mechanism, err)
	}

	for {
		if resp.Code != 0 {
			return newAuthError("server reported a non-zero sasl error code", mechanism, nil)
		}
		if resp.Done && client.Completed() {
			return nil
		}

		payload, err = client.Next(resp.Payload.Data)
		if err != nil {
			return newAuthError("sasl step", mechanism, err)
		}

		if resp.Done && client.Completed() {
			return nil
		}

		cmd = bson.D{
			{Key: "saslContinue", Value: int32(1)},
			{Key: "conversationId", Value: resp.ConversationID},
			{Key: "payload", Value: bson.Binary{Data: payload}},
		}
		resp, err = runSaslCommand(ctx, cfg, db, cmd)
		if err != nil {
			return newAuthError("saslContinue failed", mechanism, err)
		}
	}
}

func runSaslCommand(ctx context.Context, cfg *Config, db string, cmd bson.D) (saslResponse, error) {
	reply, err := runCommand(ctx, cfg, db, cmd)
	if err != nil {
		return saslResponse{}, err
	}
	var resp saslResponse
	if err := bson.Unmarshal(reply, &resp); err != nil {
		return saslResponse{}, err
	}
	return resp, nil
}

// runCommand executes a single OP_MSG command against db and returns its
// reply body, delegating the wire exchange and ok:0 -> CommandError
// translation to conn.RunCommand — the same choke point mongo/cursor's
// getMore/killCursors run through.
func runCommand(ctx context.Context, cfg *Config, db string, cmd bson.D) (bsoncore.Document, error) {
	return conn.RunCommand(ctx, cfg.Connection, cfg.Logger, db, cmd)
}
