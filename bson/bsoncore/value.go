// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"fmt"
)

// Element is a single key/value pair as it appears on the wire: a type
// tag, a cstring key, and a type-specific value, all as one contiguous
// byte slice.
type Element []byte

// ReadElement reads one element (tag, key, value) from the front of src.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 1 {
		return nil, src, false
	}
	t := Type(src[0])
	_, rem, ok := ReadCString(src[1:])
	if !ok {
		return nil, src, false
	}
	valLen, ok := valueLength(t, rem)
	if !ok || valLen > len(rem) {
		return nil, src, false
	}
	total := len(src) - len(rem) + valLen
	return Element(src[:total]), src[total:], true
}

// Key returns the element's key.
func (e Element) Key() string {
	k, _, _ := ReadCString(e[1:])
	return k
}

// Value returns the element's value as a Value.
func (e Element) Value() Value {
	t := Type(e[0])
	_, rem, _ := ReadCString(e[1:])
	return Value{Type: t, Data: rem}
}

// Validate checks that e decodes to a well-formed key and value.
func (e Element) Validate() error {
	if len(e) < 2 {
		return NewInsufficientBytesError(e, nil)
	}
	_, rem, ok := ReadCString(e[1:])
	if !ok {
		return ErrMissingNull
	}
	return Value{Type: Type(e[0]), Data: rem}.Validate()
}

// DebugString renders the element for debug output.
func (e Element) DebugString() string {
	return fmt.Sprintf("%q: %s", e.Key(), e.Value().DebugString())
}

// Value is a type tag paired with its raw, type-specific encoded bytes
// (the key has already been stripped off).
type Value struct {
	Type Type
	Data []byte
}

// valueLength returns how many bytes of src (after the key) the value of
// type t occupies, without fully decoding it.
func valueLength(t Type, src []byte) (int, bool) {
	switch t {
	case TypeDouble, TypeDateTime, TypeTimestamp, TypeInt64:
		return 8, len(src) >= 8
	case TypeString, TypeJavaScript, TypeSymbol:
		length, _, ok := ReadLength(src)
		if !ok || length < 1 {
			return 0, false
		}
		return 4 + int(length), true
	case TypeEmbeddedDocument, TypeArray:
		length, _, ok := ReadLength(src)
		if !ok || length < 5 {
			return 0, false
		}
		return int(length), true
	case TypeBinary:
		length, _, ok := ReadLength(src)
		if !ok || length < 0 {
			return 0, false
		}
		return 4 + 1 + int(length), true
	case TypeUndefined, TypeNull, TypeMinKey, TypeMaxKey:
		return 0, true
	case TypeObjectID:
		return 12, len(src) >= 12
	case TypeBoolean:
		return 1, len(src) >= 1
	case TypeRegex:
		_, rem, ok := ReadCString(src)
		if !ok {
			return 0, false
		}
		_, rem2, ok := ReadCString(rem)
		if !ok {
			return 0, false
		}
		return len(src) - len(rem2), true
	case TypeDBPointer:
		length, rem, ok := ReadLength(src)
		if !ok || length < 1 {
			return 0, false
		}
		return 4 + int(length) + 12, len(rem) >= int(length)+12
	case TypeCodeWithScope:
		length, _, ok := ReadLength(src)
		if !ok || length < 5 {
			return 0, false
		}
		return int(length), true
	case TypeInt32:
		return 4, len(src) >= 4
	case TypeDecimal128:
		return 16, len(src) >= 16
	default:
		return 0, false
	}
}

// Validate checks that v's Data is exactly as long as its Type requires
// and, for compound types, recursively valid.
func (v Value) Validate() error {
	n, ok := valueLength(v.Type, v.Data)
	if !ok {
		return fmt.Errorf("bsoncore: malformed value of type %s", v.Type)
	}
	if n > len(v.Data) {
		return NewInsufficientBytesError(v.Data, nil)
	}
	switch v.Type {
	case TypeEmbeddedDocument:
		return Document(v.Data[:n]).Validate()
	case TypeArray:
		return Array(v.Data[:n]).Validate()
	}
	return nil
}

// StringValue decodes v as a BSON string (or symbol, which is coerced).
func (v Value) StringValue() (string, bool) {
	if v.Type != TypeString && v.Type != TypeSymbol {
		return "", false
	}
	s, _, ok := ReadString(v.Data)
	return s, ok
}

// Int32Value decodes v as a 32-bit integer.
func (v Value) Int32Value() (int32, bool) {
	if v.Type != TypeInt32 {
		return 0, false
	}
	n, _, ok := ReadInt32(v.Data)
	return n, ok
}

// Int64Value decodes v as a 64-bit integer.
func (v Value) Int64Value() (int64, bool) {
	if v.Type != TypeInt64 {
		return 0, false
	}
	n, _, ok := ReadInt64(v.Data)
	return n, ok
}

// DoubleValue decodes v as a double.
func (v Value) DoubleValue() (float64, bool) {
	if v.Type != TypeDouble {
		return 0, false
	}
	f, _, ok := ReadDouble(v.Data)
	return f, ok
}

// BooleanValue decodes v as a bool.
func (v Value) BooleanValue() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] != 0x00, true
}

// DocumentValue decodes v as an embedded document.
func (v Value) DocumentValue() (Document, bool) {
	if v.Type != TypeEmbeddedDocument {
		return nil, false
	}
	n, ok := valueLength(v.Type, v.Data)
	if !ok {
		return nil, false
	}
	return Document(v.Data[:n]), true
}

// ArrayValue decodes v as an array.
func (v Value) ArrayValue() (Array, bool) {
	if v.Type != TypeArray {
		return nil, false
	}
	n, ok := valueLength(v.Type, v.Data)
	if !ok {
		return nil, false
	}
	return Array(v.Data[:n]), true
}

// ObjectIDValue decodes v as a 12-byte ObjectID.
func (v Value) ObjectIDValue() ([12]byte, bool) {
	var id [12]byte
	if v.Type != TypeObjectID || len(v.Data) < 12 {
		return id, false
	}
	copy(id[:], v.Data[:12])
	return id, true
}

// BinaryValue decodes v as a (subtype, payload) binary value.
func (v Value) BinaryValue() (subtype byte, data []byte, ok bool) {
	if v.Type != TypeBinary {
		return 0, nil, false
	}
	length, rem, lok := ReadLength(v.Data)
	if !lok || len(rem) < 1+int(length) {
		return 0, nil, false
	}
	return rem[0], rem[1 : 1+length], true
}

// DebugString renders v for debug output, tolerating malformed values.
func (v Value) DebugString() string {
	switch v.Type {
	case TypeString, TypeSymbol:
		s, ok := v.StringValue()
		if !ok {
			return "<malformed string>"
		}
		return fmt.Sprintf("%q", s)
	case TypeInt32:
		n, _ := v.Int32Value()
		return fmt.Sprintf("%d", n)
	case TypeInt64:
		n, _ := v.Int64Value()
		return fmt.Sprintf("%d", n)
	case TypeDouble:
		f, _ := v.DoubleValue()
		return fmt.Sprintf("%v", f)
	case TypeBoolean:
		b, _ := v.BooleanValue()
		return fmt.Sprintf("%v", b)
	case TypeNull:
		return "null"
	case TypeEmbeddedDocument:
		d, ok := v.DocumentValue()
		if !ok {
			return "<malformed document>"
		}
		return d.String()
	case TypeArray:
		a, ok := v.ArrayValue()
		if !ok {
			return "<malformed array>"
		}
		return Document(a).String()
	case TypeObjectID:
		id, ok := v.ObjectIDValue()
		if !ok {
			return "<malformed objectID>"
		}
		return fmt.Sprintf("ObjectID(%x)", id)
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}

// String implements fmt.Stringer.
func (v Value) String() string { return v.DebugString() }
