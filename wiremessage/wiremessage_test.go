// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"

	"github.com/rivermdb/driver/bson/bsoncore"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{MessageLength: 42, RequestID: 7, ResponseTo: 3, OpCode: OpMsg}
	buf := h.AppendHeader(nil)
	if len(buf) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(buf))
	}
	got, err := ReadHeader(buf, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s\nwant:\n%sgot:\n%s", diff, spew.Sdump(h), spew.Sdump(got))
	}
}

func TestNextRequestIDMonotonicAndUnique(t *testing.T) {
	seen := map[int32]bool{}
	for i := 0; i < 1000; i++ {
		id := NextRequestID()
		if id <= 0 {
			t.Fatalf("expected a positive request id, got %d", id)
		}
		if seen[id] {
			t.Fatalf("request id %d reused", id)
		}
		seen[id] = true
	}
}

func TestMsgRoundTrip(t *testing.T) {
	body := bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).AppendString("name", "foo").Build()
	seqDoc := bsoncore.NewDocumentBuilder().AppendString("x", "y").Build()

	msg := Msg{
		MsgHeader: Header{RequestID: 5, ResponseTo: 0},
		FlagBits:  0,
		Sections: []MsgSection{
			{Kind: SectionBody, Document: body},
			{Kind: SectionDocumentSequence, SequenceName: "documents", Documents: []bsoncore.Document{seqDoc, seqDoc}},
		},
	}

	buf, err := msg.AppendWireMessage(nil)
	if err != nil {
		t.Fatalf("AppendWireMessage: %v", err)
	}

	var got Msg
	if err := got.UnmarshalWireMessage(buf); err != nil {
		t.Fatalf("UnmarshalWireMessage: %v", err)
	}

	if got.MsgHeader.OpCode != OpMsg {
		t.Fatalf("expected OpMsg opcode, got %s", got.MsgHeader.OpCode)
	}
	if len(got.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(got.Sections))
	}
	gotBody, ok := got.BodyDocument()
	if !ok {
		t.Fatalf("expected a body section")
	}
	if diff := cmp.Diff([]byte(body), []byte(gotBody)); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
	if got.Sections[1].SequenceName != "documents" {
		t.Fatalf("expected sequence name %q, got %q", "documents", got.Sections[1].SequenceName)
	}
	if len(got.Sections[1].Documents) != 2 {
		t.Fatalf("expected 2 documents in sequence, got %d", len(got.Sections[1].Documents))
	}
}

func TestQueryRoundTrip(t *testing.T) {
	doc := bsoncore.NewDocumentBuilder().AppendInt32("ismaster", 1).Build()
	q := Query{
		MsgHeader:          Header{RequestID: 9},
		Flags:              SlaveOK,
		FullCollectionName: "admin.$cmd",
		NumberToSkip:       0,
		NumberToReturn:     -1,
		Query:              doc,
	}
	buf, err := q.AppendWireMessage(nil)
	if err != nil {
		t.Fatalf("AppendWireMessage: %v", err)
	}
	var got Query
	if err := got.UnmarshalWireMessage(buf); err != nil {
		t.Fatalf("UnmarshalWireMessage: %v", err)
	}
	if got.FullCollectionName != q.FullCollectionName {
		t.Fatalf("expected collection name %q, got %q", q.FullCollectionName, got.FullCollectionName)
	}
	if got.NumberToReturn != -1 {
		t.Fatalf("expected NumberToReturn -1, got %d", got.NumberToReturn)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	doc1 := bsoncore.NewDocumentBuilder().AppendInt32("a", 1).Build()
	doc2 := bsoncore.NewDocumentBuilder().AppendInt32("b", 2).Build()
	r := Reply{
		MsgHeader:      Header{ResponseTo: 9},
		CursorID:       123456789,
		NumberReturned: 2,
		Documents:      []bsoncore.Document{doc1, doc2},
	}
	buf, err := r.AppendWireMessage(nil)
	if err != nil {
		t.Fatalf("AppendWireMessage: %v", err)
	}
	var got Reply
	if err := got.UnmarshalWireMessage(buf); err != nil {
		t.Fatalf("UnmarshalWireMessage: %v", err)
	}
	if got.CursorID != r.CursorID {
		t.Fatalf("expected cursor id %d, got %d", r.CursorID, got.CursorID)
	}
	if len(got.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(got.Documents))
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	c := Compressed{
		MsgHeader:         Header{RequestID: 1, ResponseTo: 2},
		OriginalOpCode:    OpMsg,
		UncompressedSize:  100,
		CompressorID:      CompressorSnappy,
		CompressedMessage: []byte("not really compressed"),
	}
	buf, err := c.AppendWireMessage(nil)
	if err != nil {
		t.Fatalf("AppendWireMessage: %v", err)
	}
	var got Compressed
	if err := got.UnmarshalWireMessage(buf); err != nil {
		t.Fatalf("UnmarshalWireMessage: %v", err)
	}
	if got.MsgHeader.OpCode != OpCompressed {
		t.Fatalf("expected header opcode OP_COMPRESSED, got %s", got.MsgHeader.OpCode)
	}
	if got.OriginalOpCode != OpMsg {
		t.Fatalf("expected original opcode OP_MSG, got %s", got.OriginalOpCode)
	}
	if string(got.CompressedMessage) != string(c.CompressedMessage) {
		t.Fatalf("compressed payload mismatch: got %q want %q", got.CompressedMessage, c.CompressedMessage)
	}
}
