// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import "testing"

func TestGetMoreRoundTrip(t *testing.T) {
	g := GetMore{
		MsgHeader:          Header{RequestID: 11},
		FullCollectionName: "test.coll",
		NumberToReturn:     100,
		CursorID:           9876543210,
	}
	buf, err := g.AppendWireMessage(nil)
	if err != nil {
		t.Fatalf("AppendWireMessage: %v", err)
	}
	var got GetMore
	if err := got.UnmarshalWireMessage(buf); err != nil {
		t.Fatalf("UnmarshalWireMessage: %v", err)
	}
	if got.FullCollectionName != g.FullCollectionName {
		t.Fatalf("expected collection name %q, got %q", g.FullCollectionName, got.FullCollectionName)
	}
	if got.CursorID != g.CursorID {
		t.Fatalf("expected cursor id %d, got %d", g.CursorID, got.CursorID)
	}
	if got.MsgHeader.OpCode != OpGetMore {
		t.Fatalf("expected OP_GET_MORE opcode, got %s", got.MsgHeader.OpCode)
	}
}

func TestKillCursorsRoundTrip(t *testing.T) {
	k := KillCursors{
		MsgHeader: Header{RequestID: 12},
		CursorIDs: []int64{1, 2, 3},
	}
	buf, err := k.AppendWireMessage(nil)
	if err != nil {
		t.Fatalf("AppendWireMessage: %v", err)
	}
	var got KillCursors
	if err := got.UnmarshalWireMessage(buf); err != nil {
		t.Fatalf("UnmarshalWireMessage: %v", err)
	}
	if len(got.CursorIDs) != 3 {
		t.Fatalf("expected 3 cursor ids, got %d", len(got.CursorIDs))
	}
	for i, id := range []int64{1, 2, 3} {
		if got.CursorIDs[i] != id {
			t.Fatalf("cursor id %d: expected %d, got %d", i, id, got.CursorIDs[i])
		}
	}
}
