// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"

	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/wiremessage"
)

// runIsMaster issues a single isMaster against c, the Monitor's probe
// command (spec §4.5): helloOk is always set so a server that understands
// the newer "hello" alias replies in the richer shape without this driver
// needing to speak it. Grounded on x/mongo/driver/topology/server.go's
// heartbeat(), which builds the same command via operation.NewIsMaster();
// this package builds the command directly since operation.NewIsMaster
// was not retrieved in the example pack.
func runIsMaster(ctx context.Context, c conn.Connection, appName string, compressors []string) (bsoncore.Document, error) {
	cmd := bson.D{
		{Key: "isMaster", Value: int32(1)},
		{Key: "helloOk", Value: true},
	}
	if appName != "" {
		cmd = append(cmd, bson.E{Key: "client", Value: bson.D{
			{Key: "application", Value: bson.D{{Key: "name", Value: appName}}},
		}})
	}
	if len(compressors) > 0 {
		arr := make(bson.A, 0, len(compressors))
		for _, name := range compressors {
			arr = append(arr, name)
		}
		cmd = append(cmd, bson.E{Key: "compression", Value: arr})
	}
	cmd = append(cmd, bson.E{Key: "$db", Value: "admin"})

	doc, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	req := &wiremessage.Msg{
		MsgHeader: wiremessage.Header{RequestID: wiremessage.NextRequestID()},
		Sections:  []wiremessage.MsgSection{{Kind: wiremessage.SectionBody, Document: bsoncore.Document(doc)}},
	}
	if err := c.WriteWireMessage(ctx, req); err != nil {
		return nil, err
	}

	wm, err := c.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := wm.(*wiremessage.Msg)
	if !ok {
		return nil, fmt.Errorf("topology: isMaster reply was not an OP_MSG")
	}
	body, ok := resp.BodyDocument()
	if !ok {
		return nil, fmt.Errorf("topology: isMaster reply had no body document")
	}
	return body, nil
}
