// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore contains the raw, allocation-light building blocks the
// higher level bson package is built from: byte-slice Documents, Arrays,
// Elements, and Values that can be read and validated without reflection.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type represents the type tag of a BSON value.
type Type byte

// The BSON type tags, per the closed tagged union in the wire spec.
const (
	TypeDouble           Type = 0x01
	TypeString           Type = 0x02
	TypeEmbeddedDocument Type = 0x03
	TypeArray            Type = 0x04
	TypeBinary           Type = 0x05
	TypeUndefined        Type = 0x06 // deprecated
	TypeObjectID         Type = 0x07
	TypeBoolean          Type = 0x08
	TypeDateTime         Type = 0x09
	TypeNull             Type = 0x0A
	TypeRegex            Type = 0x0B
	TypeDBPointer        Type = 0x0C // deprecated
	TypeJavaScript       Type = 0x0D
	TypeSymbol           Type = 0x0E // deprecated, coerced to string on decode
	TypeCodeWithScope    Type = 0x0F
	TypeInt32            Type = 0x10
	TypeTimestamp        Type = 0x11
	TypeInt64            Type = 0x12
	TypeDecimal128       Type = 0x13
	TypeMinKey           Type = 0xFF
	TypeMaxKey           Type = 0x7F
)

// String returns a human-readable name for t.
func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeEmbeddedDocument:
		return "embedded document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeUndefined:
		return "undefined"
	case TypeObjectID:
		return "objectID"
	case TypeBoolean:
		return "bool"
	case TypeDateTime:
		return "UTC datetime"
	case TypeNull:
		return "null"
	case TypeRegex:
		return "regex"
	case TypeDBPointer:
		return "dbPointer"
	case TypeJavaScript:
		return "javascript"
	case TypeSymbol:
		return "symbol"
	case TypeCodeWithScope:
		return "code with scope"
	case TypeInt32:
		return "32-bit integer"
	case TypeTimestamp:
		return "timestamp"
	case TypeInt64:
		return "64-bit integer"
	case TypeDecimal128:
		return "decimal128"
	case TypeMinKey:
		return "min key"
	case TypeMaxKey:
		return "max key"
	default:
		return fmt.Sprintf("<unknown type 0x%02X>", byte(t))
	}
}

// Binary subtype constants (spec §3).
const (
	BinaryGeneric     byte = 0x00
	BinaryFunction    byte = 0x01
	BinaryBinaryOld   byte = 0x02
	BinaryUUIDOld     byte = 0x03
	BinaryUUID        byte = 0x04
	BinaryMD5         byte = 0x05
	BinaryUserDefined byte = 0x80
)

// ErrMissingNull is returned when a document or cstring is missing its
// required terminating null byte.
var ErrMissingNull = errors.New("bsoncore: document or cstring is missing null terminator")

// ErrInvalidLength is returned when a length prefix is negative or
// otherwise inconsistent with the number of available bytes.
var ErrInvalidLength = errors.New("bsoncore: invalid length")

// ErrInvalidKey is returned when an array's field keys are not the
// expected "0", "1", "2", ... sequence.
var ErrInvalidKey = errors.New("bsoncore: invalid array index key")

// InsufficientBytesError is returned when a buffer ends before a value it
// declares is fully readable.
type InsufficientBytesError struct {
	Source []byte
	Remain []byte
}

// NewInsufficientBytesError constructs an InsufficientBytesError from the
// original source and the unread remainder.
func NewInsufficientBytesError(src, remain []byte) error {
	return InsufficientBytesError{Source: src, Remain: remain}
}

func (e InsufficientBytesError) Error() string {
	return fmt.Sprintf("bsoncore: insufficient bytes to read value, %d bytes remain", len(e.Remain))
}

func lengthError(kind string, length, total int) error {
	return fmt.Errorf("bsoncore: %s length %d exceeds available %d bytes: %w", kind, length, total, ErrInvalidLength)
}

// ReadLength reads a little-endian int32 length prefix from the front of
// src, returning the remaining bytes after the prefix.
func ReadLength(src []byte) (int32, []byte, bool) {
	return ReadInt32(src)
}

// ReadInt32 reads a little-endian int32 from the front of src.
func ReadInt32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

// ReadInt64 reads a little-endian int64 from the front of src.
func ReadInt64(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src)), src[8:], true
}

// ReadDouble reads a little-endian IEEE 754 double from the front of src.
func ReadDouble(src []byte) (float64, []byte, bool) {
	bits, rem, ok := ReadInt64(src)
	if !ok {
		return 0, src, false
	}
	return math.Float64frombits(uint64(bits)), rem, true
}

// ReadCString reads a null-terminated string from the front of src,
// returning the string (without the terminator) and the remainder.
func ReadCString(src []byte) (string, []byte, bool) {
	idx := indexByte(src, 0x00)
	if idx < 0 {
		return "", src, false
	}
	return string(src[:idx]), src[idx+1:], true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ReadString reads a length-prefixed, null-terminated BSON string
// (int32 length including the terminator, followed by that many bytes).
func ReadString(src []byte) (string, []byte, bool) {
	length, rem, ok := ReadLength(src)
	if !ok || length < 1 || int(length) > len(rem) {
		return "", src, false
	}
	b := rem[:length]
	if b[length-1] != 0x00 {
		return "", src, false
	}
	return string(b[:length-1]), rem[length:], true
}

// AppendInt32 appends a little-endian int32 to dst.
func AppendInt32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// AppendInt64 appends a little-endian int64 to dst.
func AppendInt64(dst []byte, v int64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// AppendDouble appends a little-endian IEEE 754 double to dst.
func AppendDouble(dst []byte, v float64) []byte {
	return AppendInt64(dst, int64(math.Float64bits(v)))
}

// AppendCString appends a null-terminated string to dst.
func AppendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0x00)
}

// AppendString appends a length-prefixed, null-terminated BSON string to dst.
func AppendString(dst []byte, s string) []byte {
	dst = AppendInt32(dst, int32(len(s)+1))
	dst = append(dst, s...)
	return append(dst, 0x00)
}

// ReserveLength appends four placeholder bytes to dst for a length that
// will be patched in later via UpdateLength, returning the new slice and
// the index the length starts at.
func ReserveLength(dst []byte) ([]byte, int32) {
	idx := int32(len(dst))
	return append(dst, 0x00, 0x00, 0x00, 0x00), idx
}

// UpdateLength writes the length of dst[idx:] (as an int32) into
// dst[idx:idx+4]. length is the value to write, typically len(dst)-int(idx).
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:], uint32(length))
	return dst
}
