// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"bytes"
	"fmt"
)

// Document is a raw bytes representation of a BSON document. Unlike the
// reflective bson.D/bson.M types, a Document is never decoded into Go
// values until a caller asks for a specific field; this keeps the wire
// layer (framing, command dispatch) allocation-light.
type Document []byte

// NewDocumentBuilder starts an empty document, reserving space for the
// length prefix that Build will patch in.
func NewDocumentBuilder() *DocumentBuilder {
	buf, idx := ReserveLength(nil)
	return &DocumentBuilder{buf: buf, start: idx}
}

// DocumentBuilder incrementally constructs a Document.
type DocumentBuilder struct {
	buf   []byte
	start int32
}

// AppendInt32 appends an int32-valued field.
func (b *DocumentBuilder) AppendInt32(key string, v int32) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeInt32))
	b.buf = AppendCString(b.buf, key)
	b.buf = AppendInt32(b.buf, v)
	return b
}

// AppendInt64 appends an int64-valued field.
func (b *DocumentBuilder) AppendInt64(key string, v int64) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeInt64))
	b.buf = AppendCString(b.buf, key)
	b.buf = AppendInt64(b.buf, v)
	return b
}

// AppendDouble appends a float64-valued field.
func (b *DocumentBuilder) AppendDouble(key string, v float64) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeDouble))
	b.buf = AppendCString(b.buf, key)
	b.buf = AppendDouble(b.buf, v)
	return b
}

// AppendString appends a UTF-8 string-valued field.
func (b *DocumentBuilder) AppendString(key, v string) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeString))
	b.buf = AppendCString(b.buf, key)
	b.buf = AppendString(b.buf, v)
	return b
}

// AppendBoolean appends a bool-valued field.
func (b *DocumentBuilder) AppendBoolean(key string, v bool) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeBoolean))
	b.buf = AppendCString(b.buf, key)
	if v {
		b.buf = append(b.buf, 0x01)
	} else {
		b.buf = append(b.buf, 0x00)
	}
	return b
}

// AppendNull appends a null-valued field.
func (b *DocumentBuilder) AppendNull(key string) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeNull))
	b.buf = AppendCString(b.buf, key)
	return b
}

// AppendBinary appends a binary-valued field with the given subtype.
func (b *DocumentBuilder) AppendBinary(key string, subtype byte, data []byte) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeBinary))
	b.buf = AppendCString(b.buf, key)
	b.buf = AppendInt32(b.buf, int32(len(data)))
	b.buf = append(b.buf, subtype)
	b.buf = append(b.buf, data...)
	return b
}

// AppendDocument appends a pre-built embedded document.
func (b *DocumentBuilder) AppendDocument(key string, doc Document) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeEmbeddedDocument))
	b.buf = AppendCString(b.buf, key)
	b.buf = append(b.buf, doc...)
	return b
}

// AppendArray appends a pre-built array (encoded identically to a document).
func (b *DocumentBuilder) AppendArray(key string, arr Array) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeArray))
	b.buf = AppendCString(b.buf, key)
	b.buf = append(b.buf, arr...)
	return b
}

// AppendObjectID appends a 12-byte ObjectID-valued field.
func (b *DocumentBuilder) AppendObjectID(key string, id [12]byte) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeObjectID))
	b.buf = AppendCString(b.buf, key)
	b.buf = append(b.buf, id[:]...)
	return b
}

// AppendDateTime appends a UTC datetime field (milliseconds since epoch).
func (b *DocumentBuilder) AppendDateTime(key string, ms int64) *DocumentBuilder {
	b.buf = append(b.buf, byte(TypeDateTime))
	b.buf = AppendCString(b.buf, key)
	b.buf = AppendInt64(b.buf, ms)
	return b
}

// AppendValue appends a pre-typed raw Value under key.
func (b *DocumentBuilder) AppendValue(key string, v Value) *DocumentBuilder {
	b.buf = append(b.buf, byte(v.Type))
	b.buf = AppendCString(b.buf, key)
	b.buf = append(b.buf, v.Data...)
	return b
}

// Build finalizes the document, patching the length prefix and the
// trailing null terminator.
func (b *DocumentBuilder) Build() Document {
	b.buf = append(b.buf, 0x00)
	b.buf = UpdateLength(b.buf, b.start, int32(len(b.buf))-b.start)
	return Document(b.buf)
}

// BuildDocument is a convenience for one-shot field lists.
func BuildDocument(fields func(*DocumentBuilder)) Document {
	b := NewDocumentBuilder()
	fields(b)
	return b.Build()
}

// Len returns the document's declared length prefix, or -1 if it cannot be read.
func (d Document) Len() int32 {
	length, _, ok := ReadLength(d)
	if !ok {
		return -1
	}
	return length
}

// Validate walks d, returning an error at the first structural problem:
// a bad length prefix, a missing cstring terminator, an unrecognized type
// tag, or a missing trailing 0x00.
func (d Document) Validate() error {
	length, rem, ok := ReadLength(d)
	if !ok {
		return NewInsufficientBytesError(d, rem)
	}
	if length < 5 {
		return ErrInvalidLength
	}
	if int(length) > len(d) {
		return lengthError("document", int(length), len(d))
	}
	if d[length-1] != 0x00 {
		return ErrMissingNull
	}
	length -= 4
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		if err := elem.Validate(); err != nil {
			return err
		}
	}
	if len(rem) < 1 || rem[0] != 0x00 {
		return ErrMissingNull
	}
	return nil
}

// Elements returns the top-level elements of d in wire order.
func (d Document) Elements() ([]Element, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, NewInsufficientBytesError(d, rem)
	}
	length -= 4
	var elems []Element
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return elems, NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		elems = append(elems, elem)
	}
	return elems, nil
}

// Lookup finds the first top-level element with the given key.
func (d Document) Lookup(key string) (Value, bool) {
	elems, err := d.Elements()
	if err != nil {
		return Value{}, false
	}
	for _, e := range elems {
		if e.Key() == key {
			return e.Value(), true
		}
	}
	return Value{}, false
}

// String renders d as a compact, shell-quotable debug string. It never
// panics even on a malformed document.
func (d Document) String() string {
	elems, err := d.Elements()
	if err != nil {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range elems {
		if i != 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%s", e.Key(), e.Value().DebugString())
	}
	buf.WriteByte('}')
	return buf.String()
}

// Array is encoded identically to a Document but its keys must be the
// decimal-ASCII index sequence "0", "1", "2", ....
type Array []byte

// Validate behaves like Document.Validate but also checks index keys.
func (a Array) Validate() error {
	if err := Document(a).Validate(); err != nil {
		return err
	}
	elems, err := Document(a).Elements()
	if err != nil {
		return err
	}
	for i, e := range elems {
		want := itoa(i)
		if e.Key() != want {
			return fmt.Errorf("%w: expected %q, got %q", ErrInvalidKey, want, e.Key())
		}
	}
	return nil
}

// Values returns the array's values in index order.
func (a Array) Values() ([]Value, error) {
	elems, err := Document(a).Elements()
	if err != nil {
		return nil, err
	}
	vals := make([]Value, len(elems))
	for i, e := range elems {
		vals[i] = e.Value()
	}
	return vals, nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// NewArrayBuilder starts an empty array builder; keys are assigned
// automatically in append order.
func NewArrayBuilder() *ArrayBuilder {
	buf, idx := ReserveLength(nil)
	return &ArrayBuilder{buf: buf, start: idx}
}

// ArrayBuilder incrementally constructs an Array.
type ArrayBuilder struct {
	buf   []byte
	start int32
	n     int
}

// AppendValue appends v as the next indexed element.
func (b *ArrayBuilder) AppendValue(v Value) *ArrayBuilder {
	b.buf = append(b.buf, byte(v.Type))
	b.buf = AppendCString(b.buf, itoa(b.n))
	b.buf = append(b.buf, v.Data...)
	b.n++
	return b
}

// AppendDocument appends a document as the next indexed element.
func (b *ArrayBuilder) AppendDocument(doc Document) *ArrayBuilder {
	return b.AppendValue(Value{Type: TypeEmbeddedDocument, Data: doc})
}

// AppendString appends a string as the next indexed element.
func (b *ArrayBuilder) AppendString(s string) *ArrayBuilder {
	return b.AppendValue(Value{Type: TypeString, Data: AppendString(nil, s)})
}

// Build finalizes the array.
func (b *ArrayBuilder) Build() Array {
	b.buf = append(b.buf, 0x00)
	b.buf = UpdateLength(b.buf, b.start, int32(len(b.buf))-b.start)
	return Array(b.buf)
}
