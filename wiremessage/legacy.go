// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"fmt"

	"github.com/rivermdb/driver/bson/bsoncore"
)

// GetMore is an OP_GET_MORE message: the legacy cursor-iteration opcode
// this driver still speaks against servers below wire version 6 (spec's
// cursor engine component, C8).
type GetMore struct {
	MsgHeader          Header
	FullCollectionName string
	NumberToReturn     int32
	CursorID           int64
}

// AppendWireMessage implements WireMessage.
func (g GetMore) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := g.MsgHeader
	hdr.OpCode = OpGetMore
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, 0) // reserved
	dst = appendCString(dst, g.FullCollectionName)
	dst = appendi32(dst, g.NumberToReturn)
	dst = appendi64(dst, g.CursorID)
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (g *GetMore) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	g.MsgHeader = hdr
	rem := src[20:] // skip header + reserved int32
	name, rem, ok := readCString(rem)
	if !ok {
		return fmt.Errorf("wiremessage: OP_GET_MORE missing collection name")
	}
	g.FullCollectionName = name
	g.NumberToReturn = le32(rem)
	rem = rem[4:]
	g.CursorID = le64(rem)
	return nil
}

// KillCursors is an OP_KILL_CURSORS message, the best-effort cursor
// teardown opcode used against servers below wire version 6; modern
// servers get an equivalent killCursors command instead (spec §6).
type KillCursors struct {
	MsgHeader  Header
	CursorIDs  []int64
}

// AppendWireMessage implements WireMessage.
func (k KillCursors) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := k.MsgHeader
	hdr.OpCode = OpKillCursors
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, 0) // reserved
	dst = appendi32(dst, int32(len(k.CursorIDs)))
	for _, id := range k.CursorIDs {
		dst = appendi64(dst, id)
	}
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (k *KillCursors) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	k.MsgHeader = hdr
	rem := src[20:] // skip header + reserved int32
	n := le32(rem)
	rem = rem[4:]
	k.CursorIDs = k.CursorIDs[:0]
	for i := int32(0); i < n; i++ {
		k.CursorIDs = append(k.CursorIDs, le64(rem))
		rem = rem[8:]
	}
	return nil
}

// Flags used by OP_INSERT.
const (
	ContinueOnError int32 = 1 << 0
)

// Flags used by OP_UPDATE.
const (
	Upsert      int32 = 1 << 0
	MultiUpdate int32 = 1 << 1
)

// Flags used by OP_DELETE.
const (
	SingleRemove int32 = 1 << 0
)

// Insert is an OP_INSERT message: the legacy unacknowledged write opcode,
// spoken only when the caller asked for {w: 0} and the server predates
// OP_MSG (spec §4.3's write-concern paragraph). OP_INSERT carries no
// request id a server ever replies to; the driver that sends one and wants
// an ack follows it with a separate getLastError command.
type Insert struct {
	MsgHeader          Header
	Flags              int32
	FullCollectionName string
	Documents          []bsoncore.Document
}

// AppendWireMessage implements WireMessage.
func (ins Insert) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := ins.MsgHeader
	hdr.OpCode = OpInsert
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, ins.Flags)
	dst = appendCString(dst, ins.FullCollectionName)
	for _, d := range ins.Documents {
		dst = append(dst, d...)
	}
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (ins *Insert) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	ins.MsgHeader = hdr
	rem := src[16:]
	ins.Flags, rem = int32(le32(rem)), rem[4:]
	name, rem, ok := readCString(rem)
	if !ok {
		return fmt.Errorf("wiremessage: OP_INSERT missing collection name")
	}
	ins.FullCollectionName = name
	ins.Documents = ins.Documents[:0]
	for len(rem) > 0 {
		doc := bsoncore.Document(rem)
		if err := doc.Validate(); err != nil {
			return err
		}
		n := doc.Len()
		ins.Documents = append(ins.Documents, doc[:n])
		rem = rem[n:]
	}
	return nil
}

// Update is an OP_UPDATE message: the legacy unacknowledged write opcode
// for update operations (spec §4.3, pre-OP_MSG fallback).
type Update struct {
	MsgHeader          Header
	FullCollectionName string
	Flags              int32
	Selector           bsoncore.Document
	Update             bsoncore.Document
}

// AppendWireMessage implements WireMessage.
func (u Update) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := u.MsgHeader
	hdr.OpCode = OpUpdate
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, 0) // reserved
	dst = appendCString(dst, u.FullCollectionName)
	dst = appendi32(dst, u.Flags)
	dst = append(dst, u.Selector...)
	dst = append(dst, u.Update...)
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (u *Update) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	u.MsgHeader = hdr
	rem := src[20:] // skip header + reserved int32
	name, rem, ok := readCString(rem)
	if !ok {
		return fmt.Errorf("wiremessage: OP_UPDATE missing collection name")
	}
	u.FullCollectionName = name
	u.Flags, rem = int32(le32(rem)), rem[4:]
	selector := bsoncore.Document(rem)
	if err := selector.Validate(); err != nil {
		return err
	}
	n := selector.Len()
	u.Selector = selector[:n]
	rem = rem[n:]
	update := bsoncore.Document(rem)
	if err := update.Validate(); err != nil {
		return err
	}
	u.Update = update[:update.Len()]
	return nil
}

// Delete is an OP_DELETE message: the legacy unacknowledged write opcode
// for delete operations (spec §4.3, pre-OP_MSG fallback).
type Delete struct {
	MsgHeader          Header
	FullCollectionName string
	Flags              int32
	Selector           bsoncore.Document
}

// AppendWireMessage implements WireMessage.
func (d Delete) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := d.MsgHeader
	hdr.OpCode = OpDelete
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, 0) // reserved
	dst = appendCString(dst, d.FullCollectionName)
	dst = appendi32(dst, d.Flags)
	dst = append(dst, d.Selector...)
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (d *Delete) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	d.MsgHeader = hdr
	rem := src[20:] // skip header + reserved int32
	name, rem, ok := readCString(rem)
	if !ok {
		return fmt.Errorf("wiremessage: OP_DELETE missing collection name")
	}
	d.FullCollectionName = name
	d.Flags, rem = int32(le32(rem)), rem[4:]
	selector := bsoncore.Document(rem)
	if err := selector.Validate(); err != nil {
		return err
	}
	d.Selector = selector[:selector.Len()]
	return nil
}

// CombinedWrite concatenates two already-framed WireMessages into one
// AppendWireMessage call so Connection.WriteWireMessage's single
// net.Conn.Write puts both in the same send buffer. This is how an
// acknowledged legacy write and its trailing getLastError command satisfy
// spec §4.3's "sent ... in the same send buffer" requirement without
// Connection growing a batched-write method: the write op and the
// getLastError Query are each fully framed on their own, then handed to
// CombinedWrite for one write() syscall.
type CombinedWrite struct {
	First  WireMessage
	Second WireMessage
}

// AppendWireMessage implements WireMessage.
func (cw CombinedWrite) AppendWireMessage(dst []byte) ([]byte, error) {
	dst, err := cw.First.AppendWireMessage(dst)
	if err != nil {
		return nil, err
	}
	return cw.Second.AppendWireMessage(dst)
}

// UnmarshalWireMessage is not supported: CombinedWrite is a send-only
// composite, never a decoded reply shape.
func (cw *CombinedWrite) UnmarshalWireMessage(src []byte) error {
	return fmt.Errorf("wiremessage: CombinedWrite cannot be unmarshalled")
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0x00)
}

func readCString(src []byte) (string, []byte, bool) {
	for i, b := range src {
		if b == 0x00 {
			return string(src[:i]), src[i+1:], true
		}
	}
	return "", src, false
}
