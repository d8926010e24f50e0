// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/mongo/cursor"
	"github.com/rivermdb/driver/wiremessage"
)

func pipeDialer(server net.Conn) conn.DialerFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return server, nil
	}
}

// respondOnce reads exactly one wire message off side and writes back a
// single OP_MSG reply built from body, echoing the request's id as
// response_to.
func respondOnce(side net.Conn, body bsoncore.Document) error {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(side, sizeBuf[:]); err != nil {
		return err
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	rest := make([]byte, int(size)-4)
	if _, err := io.ReadFull(side, rest); err != nil {
		return err
	}
	full := append(sizeBuf[:], rest...)

	hdr, err := wiremessage.ReadHeader(full, 0)
	if err != nil {
		return err
	}

	reply := wiremessage.Msg{
		MsgHeader: wiremessage.Header{RequestID: 1, ResponseTo: hdr.RequestID, OpCode: wiremessage.OpMsg},
		Sections:  []wiremessage.MsgSection{{Kind: wiremessage.SectionBody, Document: body}},
	}
	buf, err := reply.AppendWireMessage(nil)
	if err != nil {
		return err
	}
	_, err = side.Write(buf)
	return err
}

// TestConnectionRunner_DrivesGetMoreOverTheWire exercises the full C6/C3/C8
// composition ConnectionRunner exists for: a Cursor built from a find
// reply's firstBatch, whose getMore for the remaining batch actually
// travels over a driver/conn.Connection as an OP_MSG command, exactly as
// spec §4.8 describes.
func TestConnectionRunner_DrivesGetMoreOverTheWire(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	c, err := conn.New(context.Background(), "a:27017", conn.WithDialer(pipeDialer(clientSide)))
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	defer c.Close()

	getMoreReply := bsoncore.NewDocumentBuilder().
		AppendDocument("cursor", bsoncore.NewDocumentBuilder().
			AppendInt64("id", 0).
			AppendArray("nextBatch", bsoncore.NewArrayBuilder().
				AppendDocument(bsoncore.NewDocumentBuilder().AppendInt32("_id", 2).Build()).
				Build()).
			Build()).
		AppendInt32("ok", 1).
		Build()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- respondOnce(serverSide, getMoreReply)
	}()

	runner := ConnectionRunner{Conn: c}

	firstBatchReply := bsoncore.NewDocumentBuilder().
		AppendDocument("cursor", bsoncore.NewDocumentBuilder().
			AppendInt64("id", 42).
			AppendString("ns", "db.coll").
			AppendArray("firstBatch", bsoncore.NewArrayBuilder().
				AppendDocument(bsoncore.NewDocumentBuilder().AppendInt32("_id", 1).Build()).
				Build()).
			Build()).
		AppendInt32("ok", 1).
		Build()

	cur, err := cursor.FromCommandReply(runner, firstBatchReply, cursor.Options{})
	if err != nil {
		t.Fatalf("FromCommandReply: %v", err)
	}

	if !cur.Next(context.Background()) {
		t.Fatalf("expected first document from the cached batch, Err=%v", cur.Err())
	}
	if !cur.Next(context.Background()) {
		t.Fatalf("expected a second document fetched via getMore, Err=%v", cur.Err())
	}
	idVal, _ := cur.Current().Lookup("_id")
	v, _ := idVal.Int32Value()
	if v != 2 {
		t.Fatalf("expected _id 2 from the getMore batch, got %d", v)
	}
	if cur.Next(context.Background()) {
		t.Fatalf("expected the cursor to be exhausted (server cursor id 0)")
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
