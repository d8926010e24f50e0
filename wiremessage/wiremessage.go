// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage provides the types that make up the MongoDB Wire
// Protocol: the 16-byte message header, the per-opcode message shapes, and
// the encode/decode routines connection.go's read/write loop calls on every
// round trip.
package wiremessage

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/rivermdb/driver/bson/bsoncore"
)

// OpCode identifies a wire protocol message's shape.
type OpCode int32

// The opcodes this driver speaks. OP_UPDATE/OP_INSERT/OP_DELETE/OP_KILL_CURSORS
// predate command-based writes and cursor teardown; driver/conn/ops.go
// produces them only for servers that predate OP_MSG (spec §6).
const (
	OpReply      OpCode = 1
	OpUpdate     OpCode = 2001
	OpInsert     OpCode = 2002
	OpQuery      OpCode = 2004
	OpGetMore    OpCode = 2005
	OpDelete     OpCode = 2006
	OpKillCursors OpCode = 2007
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

func (c OpCode) String() string {
	switch c {
	case OpReply:
		return "OP_REPLY"
	case OpUpdate:
		return "OP_UPDATE"
	case OpInsert:
		return "OP_INSERT"
	case OpQuery:
		return "OP_QUERY"
	case OpGetMore:
		return "OP_GET_MORE"
	case OpDelete:
		return "OP_DELETE"
	case OpKillCursors:
		return "OP_KILL_CURSORS"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return fmt.Sprintf("OpCode(%d)", int32(c))
	}
}

// CompressorID identifies the wire compression algorithm used by an
// OP_COMPRESSED message, per spec's supplemented OP_COMPRESSED support.
type CompressorID byte

const (
	CompressorNoop CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZlib   CompressorID = 2
	CompressorZstd   CompressorID = 3
)

// Header is the 16-byte preamble common to every wire protocol message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// AppendHeader appends h's 16-byte wire encoding to dst.
func (h Header) AppendHeader(dst []byte) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.MessageLength))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.OpCode))
	return append(dst, b[:]...)
}

// ReadHeader reads a Header from src at pos.
func ReadHeader(src []byte, pos int32) (Header, error) {
	if int32(len(src))-pos < 16 {
		return Header{}, fmt.Errorf("wiremessage: header requires 16 bytes, got %d", int32(len(src))-pos)
	}
	return Header{
		MessageLength: readInt32(src, pos),
		RequestID:     readInt32(src, pos+4),
		ResponseTo:    readInt32(src, pos+8),
		OpCode:        OpCode(readInt32(src, pos+12)),
	}, nil
}

func readInt32(b []byte, pos int32) int32 {
	return int32(b[pos]) | int32(b[pos+1])<<8 | int32(b[pos+2])<<16 | int32(b[pos+3])<<24
}

// requestIDCounter hands out monotonically increasing, process-wide request
// ids; wraparound at 2^31 is harmless since ids only need to be unique
// among messages in flight on one connection at a time.
var requestIDCounter int32

// NextRequestID returns the next request id to stamp on an outgoing message.
// Safe for concurrent use by multiple connections.
func NextRequestID() int32 {
	id := atomic.AddInt32(&requestIDCounter, 1)
	if id < 0 {
		// Extremely unlikely: only on wraparound past MaxInt32. Reset and
		// retry so callers never observe a negative request id.
		atomic.CompareAndSwapInt32(&requestIDCounter, id, 0)
		return NextRequestID()
	}
	return id
}

// WireMessage is any message this driver can send or receive. Each opcode
// gets its own Go type implementing this, mirroring the teacher's
// core/connection split between encode (AppendWireMessage) and decode
// (UnmarshalWireMessage) instead of a single interface{} framing.
type WireMessage interface {
	AppendWireMessage(dst []byte) ([]byte, error)
	UnmarshalWireMessage(src []byte) error
}

// Flags used by OP_QUERY.
const (
	TailableCursor  int32 = 1 << 1
	SlaveOK         int32 = 1 << 2
	NoCursorTimeout int32 = 1 << 4
	AwaitData       int32 = 1 << 5
	Exhaust         int32 = 1 << 6
	Partial         int32 = 1 << 7
)

// Query is an OP_QUERY message: the legacy command-dispatch shape this
// driver still uses against servers that predate OP_MSG (wire version < 6).
type Query struct {
	MsgHeader            Header
	Flags                int32
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                bsoncore.Document
	ReturnFieldsSelector bsoncore.Document
}

// AppendWireMessage implements WireMessage.
func (q Query) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	dst = q.MsgHeader.AppendHeader(dst)
	dst = appendi32(dst, q.Flags)
	dst = bsoncore.AppendCString(dst, q.FullCollectionName)
	dst = appendi32(dst, q.NumberToSkip)
	dst = appendi32(dst, q.NumberToReturn)
	dst = append(dst, q.Query...)
	if len(q.ReturnFieldsSelector) > 0 {
		dst = append(dst, q.ReturnFieldsSelector...)
	}
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (q *Query) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	q.MsgHeader = hdr
	rem := src[16:]
	q.Flags, rem = int32(le32(rem)), rem[4:]
	var ok bool
	q.FullCollectionName, rem, ok = bsoncore.ReadCString(rem)
	if !ok {
		return fmt.Errorf("wiremessage: OP_QUERY missing collection name")
	}
	q.NumberToSkip, rem = int32(le32(rem)), rem[4:]
	q.NumberToReturn, rem = int32(le32(rem)), rem[4:]
	doc := bsoncore.Document(rem)
	if err := doc.Validate(); err != nil {
		return err
	}
	q.Query = doc[:doc.Len()]
	return nil
}

// Reply is an OP_REPLY message: the legacy command-response shape.
type Reply struct {
	MsgHeader      Header
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bsoncore.Document
}

// Flags used by OP_REPLY.
const (
	CursorNotFound   int32 = 1 << 0
	QueryFailure     int32 = 1 << 1
	ShardConfigStale int32 = 1 << 2
	AwaitCapable     int32 = 1 << 3
)

// AppendWireMessage implements WireMessage.
func (r Reply) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	dst = r.MsgHeader.AppendHeader(dst)
	dst = appendi32(dst, r.ResponseFlags)
	dst = appendi64(dst, r.CursorID)
	dst = appendi32(dst, r.StartingFrom)
	dst = appendi32(dst, r.NumberReturned)
	for _, d := range r.Documents {
		dst = append(dst, d...)
	}
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (r *Reply) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	r.MsgHeader = hdr
	rem := src[16:]
	r.ResponseFlags, rem = int32(le32(rem)), rem[4:]
	r.CursorID, rem = int64(le64(rem)), rem[8:]
	r.StartingFrom, rem = int32(le32(rem)), rem[4:]
	r.NumberReturned, rem = int32(le32(rem)), rem[4:]
	r.Documents = r.Documents[:0]
	for len(rem) > 0 {
		doc := bsoncore.Document(rem)
		if err := doc.Validate(); err != nil {
			return err
		}
		n := doc.Len()
		r.Documents = append(r.Documents, doc[:n])
		rem = rem[n:]
	}
	return nil
}

// Compressed is an OP_COMPRESSED message wrapping another message's body.
type Compressed struct {
	MsgHeader         Header
	OriginalOpCode    OpCode
	UncompressedSize  int32
	CompressorID      CompressorID
	CompressedMessage []byte
}

// AppendWireMessage implements WireMessage.
func (c Compressed) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := c.MsgHeader
	hdr.OpCode = OpCompressed
	dst = hdr.AppendHeader(dst)
	dst = appendi32(dst, int32(c.OriginalOpCode))
	dst = appendi32(dst, c.UncompressedSize)
	dst = append(dst, byte(c.CompressorID))
	dst = append(dst, c.CompressedMessage...)
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (c *Compressed) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	c.MsgHeader = hdr
	rem := src[16:]
	c.OriginalOpCode, rem = OpCode(le32(rem)), rem[4:]
	c.UncompressedSize, rem = int32(le32(rem)), rem[4:]
	if len(rem) < 1 {
		return fmt.Errorf("wiremessage: OP_COMPRESSED missing compressor id")
	}
	c.CompressorID, rem = CompressorID(rem[0]), rem[1:]
	c.CompressedMessage = append([]byte(nil), rem...)
	return nil
}

// MsgFlag is the bitset carried in an OP_MSG header.
type MsgFlag uint32

const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// MsgSectionKind identifies an OP_MSG section's payload shape.
type MsgSectionKind byte

const (
	SectionBody              MsgSectionKind = 0
	SectionDocumentSequence  MsgSectionKind = 1
)

// MsgSection is a single OP_MSG section: either a lone body document (kind
// 0) or a named sequence of documents (kind 1, used for bulk write batches).
type MsgSection struct {
	Kind         MsgSectionKind
	Document     bsoncore.Document   // kind 0
	SequenceName string              // kind 1
	Documents    []bsoncore.Document // kind 1
}

// Msg is an OP_MSG message, the modern (wire version >= 6) command shape
// that replaces OP_QUERY/OP_REPLY. The isMaster handshake in
// driver/topology is sent as OP_MSG as well; no OP_QUERY handshake is sent.
type Msg struct {
	MsgHeader Header
	FlagBits  MsgFlag
	Sections  []MsgSection
}

// AppendWireMessage implements WireMessage.
func (m Msg) AppendWireMessage(dst []byte) ([]byte, error) {
	idx := int32(len(dst))
	hdr := m.MsgHeader
	hdr.OpCode = OpMsg
	dst = hdr.AppendHeader(dst)
	dst = appendu32(dst, uint32(m.FlagBits))
	for _, s := range m.Sections {
		dst = append(dst, byte(s.Kind))
		switch s.Kind {
		case SectionBody:
			dst = append(dst, s.Document...)
		case SectionDocumentSequence:
			seqIdx := int32(len(dst))
			dst = appendi32(dst, 0)
			dst = bsoncore.AppendCString(dst, s.SequenceName)
			for _, d := range s.Documents {
				dst = append(dst, d...)
			}
			dst = setLength(dst, seqIdx)
		default:
			return nil, fmt.Errorf("wiremessage: unknown OP_MSG section kind %d", s.Kind)
		}
	}
	dst = setLength(dst, idx)
	return dst, nil
}

// UnmarshalWireMessage implements WireMessage.
func (m *Msg) UnmarshalWireMessage(src []byte) error {
	hdr, err := ReadHeader(src, 0)
	if err != nil {
		return err
	}
	m.MsgHeader = hdr
	rem := src[16:]
	m.FlagBits = MsgFlag(le32(rem))
	rem = rem[4:]
	end := int(hdr.MessageLength) - 16 - 4
	if m.FlagBits&ChecksumPresent != 0 {
		end -= 4
	}
	if end < 0 || end > len(rem) {
		return fmt.Errorf("wiremessage: OP_MSG declared length inconsistent with buffer")
	}
	rem = rem[:end]

	m.Sections = m.Sections[:0]
	for len(rem) > 0 {
		kind := MsgSectionKind(rem[0])
		rem = rem[1:]
		switch kind {
		case SectionBody:
			doc := bsoncore.Document(rem)
			if err := doc.Validate(); err != nil {
				return err
			}
			n := doc.Len()
			m.Sections = append(m.Sections, MsgSection{Kind: SectionBody, Document: doc[:n]})
			rem = rem[n:]
		case SectionDocumentSequence:
			seqLen, after, ok := bsoncore.ReadLength(rem)
			if !ok {
				return fmt.Errorf("wiremessage: OP_MSG section kind 1 missing length")
			}
			seqEnd := int(seqLen) - 4
			name, after, ok := bsoncore.ReadCString(after)
			if !ok {
				return fmt.Errorf("wiremessage: OP_MSG section kind 1 missing sequence name")
			}
			remaining := int(seqLen) - 4 - (len(name) + 1)
			seq := MsgSection{Kind: SectionDocumentSequence, SequenceName: name}
			body := after
			for remaining > 0 {
				doc := bsoncore.Document(body)
				if err := doc.Validate(); err != nil {
					return err
				}
				n := doc.Len()
				seq.Documents = append(seq.Documents, doc[:n])
				body = body[n:]
				remaining -= int(n)
			}
			m.Sections = append(m.Sections, seq)
			rem = rem[seqEnd+4:]
			_ = seqEnd
		default:
			return fmt.Errorf("wiremessage: unrecognized OP_MSG section kind %d", kind)
		}
	}
	return nil
}

// BodyDocument returns the first kind-0 section's document, the common
// case of reading a command reply.
func (m Msg) BodyDocument() (bsoncore.Document, bool) {
	for _, s := range m.Sections {
		if s.Kind == SectionBody {
			return s.Document, true
		}
	}
	return nil, false
}

func appendi32(dst []byte, v int32) []byte { return bsoncore.AppendInt32(dst, v) }
func appendi64(dst []byte, v int64) []byte { return bsoncore.AppendInt64(dst, v) }
func appendu32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func le32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}

func le64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * uint(i))
	}
	return v
}

func setLength(dst []byte, idx int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:idx+4], uint32(int32(len(dst))-idx))
	return dst
}
