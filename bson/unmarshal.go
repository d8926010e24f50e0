// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"fmt"
	"reflect"

	"github.com/rivermdb/driver/bson/bsoncore"
)

// Unmarshal decodes data into v. If v is *D, *M, or *Raw it receives the
// decoded document directly; otherwise v must be a pointer to a struct or
// map and fields are assigned by matching bson/json tag or lowercased
// field name. Decoding always produces an ordered D internally first
// (spec §4.1); field order is kept for *D and *Raw targets and is lost only
// when the final destination is an unordered map.
func Unmarshal(data []byte, v interface{}) error {
	doc := bsoncore.Document(data)
	if err := doc.Validate(); err != nil {
		return newMalformed("%v", err)
	}
	d, err := decodeDocument(doc)
	if err != nil {
		return err
	}

	switch t := v.(type) {
	case *D:
		*t = d
		return nil
	case *M:
		*t = d.Map()
		return nil
	case *Raw:
		*t = append(Raw(nil), doc...)
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bson: Unmarshal target must be a non-nil pointer, got %T", v)
	}
	return assignInto(rv.Elem(), d)
}

// UnmarshalD decodes data directly to an ordered D, the common case for
// driver-internal use (dispatch replies, command results) where no
// caller-supplied Go struct exists.
func UnmarshalD(data []byte) (D, error) {
	doc := bsoncore.Document(data)
	if err := doc.Validate(); err != nil {
		return nil, newMalformed("%v", err)
	}
	return decodeDocument(doc)
}

func decodeDocument(doc bsoncore.Document) (D, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, newMalformed("%v", err)
	}
	out := make(D, 0, len(elems))
	for _, e := range elems {
		val, err := decodeValue(e.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, E{Key: e.Key(), Value: val})
	}
	return out, nil
}

func decodeArray(arr bsoncore.Array) (A, error) {
	if err := arr.Validate(); err != nil {
		return nil, newMalformed("%v", err)
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, newMalformed("%v", err)
	}
	out := make(A, len(vals))
	for i, v := range vals {
		dv, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = dv
	}
	return out, nil
}

func decodeValue(v bsoncore.Value) (interface{}, error) {
	switch v.Type {
	case bsoncore.TypeDouble:
		f, ok := v.DoubleValue()
		if !ok {
			return nil, newMalformed("truncated double")
		}
		return f, nil
	case bsoncore.TypeString:
		s, ok := v.StringValue()
		if !ok {
			return nil, newMalformed("truncated string")
		}
		return s, nil
	case bsoncore.TypeSymbol:
		s, ok := v.StringValue()
		if !ok {
			return nil, newMalformed("truncated symbol")
		}
		return s, nil // decoder coerces symbol to string, per spec §4.1
	case bsoncore.TypeEmbeddedDocument:
		d, ok := v.DocumentValue()
		if !ok {
			return nil, newMalformed("truncated document")
		}
		return decodeDocument(d)
	case bsoncore.TypeArray:
		a, ok := v.ArrayValue()
		if !ok {
			return nil, newMalformed("truncated array")
		}
		return decodeArray(a)
	case bsoncore.TypeBinary:
		subtype, data, ok := v.BinaryValue()
		if !ok {
			return nil, newMalformed("truncated binary")
		}
		cp := append([]byte(nil), data...)
		return Binary{Subtype: subtype, Data: cp}, nil
	case bsoncore.TypeUndefined:
		return Undefined{}, nil
	case bsoncore.TypeObjectID:
		id, ok := v.ObjectIDValue()
		if !ok {
			return nil, newMalformed("truncated objectID")
		}
		return ObjectID(id), nil
	case bsoncore.TypeBoolean:
		b, ok := v.BooleanValue()
		if !ok {
			return nil, newMalformed("truncated bool")
		}
		return b, nil
	case bsoncore.TypeDateTime:
		ms, ok := v.Int64Value()
		if !ok {
			n, _, rok := bsoncore.ReadInt64(v.Data)
			if !rok {
				return nil, newMalformed("truncated datetime")
			}
			ms = n
		}
		return DateTime(ms), nil
	case bsoncore.TypeNull:
		return Null{}, nil
	case bsoncore.TypeRegex:
		pattern, rem, ok := bsoncore.ReadCString(v.Data)
		if !ok {
			return nil, newMalformed("truncated regex pattern")
		}
		options, _, ok := bsoncore.ReadCString(rem)
		if !ok {
			return nil, newMalformed("truncated regex options")
		}
		return Regex{Pattern: pattern, Options: options}, nil
	case bsoncore.TypeDBPointer:
		length, rem, ok := bsoncore.ReadLength(v.Data)
		if !ok || length < 1 {
			return nil, newMalformed("truncated dbpointer")
		}
		ns := string(rem[:length-1])
		var id ObjectID
		copy(id[:], rem[length:length+12])
		return DBPointer{NS: ns, ID: id}, nil
	case bsoncore.TypeJavaScript:
		s, _, ok := bsoncore.ReadString(v.Data)
		if !ok {
			return nil, newMalformed("truncated javascript")
		}
		return JavaScript(s), nil
	case bsoncore.TypeCodeWithScope:
		_, rem, ok := bsoncore.ReadLength(v.Data)
		if !ok {
			return nil, newMalformed("truncated code-with-scope")
		}
		code, rem2, ok := bsoncore.ReadString(rem)
		if !ok {
			return nil, newMalformed("truncated code-with-scope code")
		}
		scope, err := decodeDocument(bsoncore.Document(rem2))
		if err != nil {
			return nil, err
		}
		return CodeWithScope{Code: code, Scope: scope}, nil
	case bsoncore.TypeInt32:
		n, ok := v.Int32Value()
		if !ok {
			return nil, newMalformed("truncated int32")
		}
		return n, nil
	case bsoncore.TypeTimestamp:
		if len(v.Data) < 8 {
			return nil, newMalformed("truncated timestamp")
		}
		i, _, _ := bsoncore.ReadInt32(v.Data)
		t, _, _ := bsoncore.ReadInt32(v.Data[4:])
		return Timestamp{T: uint32(t), I: uint32(i)}, nil
	case bsoncore.TypeInt64:
		n, ok := v.Int64Value()
		if !ok {
			return nil, newMalformed("truncated int64")
		}
		return n, nil
	case bsoncore.TypeDecimal128:
		if len(v.Data) < 16 {
			return nil, newMalformed("truncated decimal128")
		}
		var b [16]byte
		copy(b[:], v.Data[:16])
		return Decimal128FromBytes(b), nil
	case bsoncore.TypeMinKey:
		return MinKey{}, nil
	case bsoncore.TypeMaxKey:
		return MaxKey{}, nil
	default:
		return nil, newMalformed("unrecognized BSON type tag 0x%02X", byte(v.Type))
	}
}

func assignInto(rv reflect.Value, d D) error {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			rv.Set(reflect.MakeMap(rv.Type()))
		}
		for _, e := range d {
			vv := reflect.New(rv.Type().Elem()).Elem()
			if err := assignValue(vv, e.Value); err != nil {
				return err
			}
			rv.SetMapIndex(reflect.ValueOf(e.Key).Convert(rv.Type().Key()), vv)
		}
		return nil
	case reflect.Struct:
		byName := map[string]interface{}{}
		for _, e := range d {
			byName[e.Key] = e.Value
		}
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			sf := rt.Field(i)
			if sf.PkgPath != "" && !sf.Anonymous {
				continue
			}
			name, _, skip := parseTag(sf)
			if skip {
				continue
			}
			val, ok := byName[name]
			if !ok {
				continue
			}
			if err := assignValue(rv.Field(i), val); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("bson: cannot unmarshal document into %s", rv.Kind())
	}
}

func assignValue(dst reflect.Value, val interface{}) error {
	if val == nil {
		return nil
	}
	vv := reflect.ValueOf(val)
	if dst.Kind() == reflect.Interface {
		dst.Set(vv)
		return nil
	}
	if sub, ok := val.(D); ok && (dst.Kind() == reflect.Struct || dst.Kind() == reflect.Map) {
		return assignInto(dst, sub)
	}
	if sub, ok := val.(A); ok && (dst.Kind() == reflect.Slice || dst.Kind() == reflect.Array) {
		out := reflect.MakeSlice(dst.Type(), len(sub), len(sub))
		for i, elem := range sub {
			if err := assignValue(out.Index(i), elem); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	}
	if vv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(vv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("bson: cannot assign %T into %s", val, dst.Type())
}
