// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"fmt"
	"reflect"
	"time"

	"github.com/rivermdb/driver/bson/bsoncore"
)

// Marshal encodes v to its BSON byte representation. v may be a D, an M,
// a struct, a pointer to either, or anything reflect can walk into an
// ordered or unordered set of fields. Integers auto-widen to the smallest
// of int32/int64 that fits (spec §4.1); maps are accepted but, being
// unordered, make no field-order guarantee on re-encoding.
func Marshal(v interface{}) ([]byte, error) {
	fields, err := toFields(v)
	if err != nil {
		return nil, err
	}
	b := bsoncore.NewDocumentBuilder()
	if err := appendFields(b, fields); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// field is an encoder-internal ordered key/value pair, used so both D and
// reflected structs/maps can share one encoding path.
type field struct {
	key   string
	value interface{}
}

func toFields(v interface{}) ([]field, error) {
	switch t := v.(type) {
	case D:
		fields := make([]field, len(t))
		for i, e := range t {
			fields[i] = field{e.Key, e.Value}
		}
		return fields, nil
	case M:
		fields := make([]field, 0, len(t))
		for k, val := range t {
			fields = append(fields, field{k, val})
		}
		return fields, nil
	case nil:
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		return structFields(rv)
	case reflect.Map:
		fields := make([]field, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			fields = append(fields, field{fmt.Sprint(iter.Key().Interface()), iter.Value().Interface()})
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("bson: cannot marshal %T as a document", v)
	}
}

func structFields(rv reflect.Value) ([]field, error) {
	rt := rv.Type()
	fields := make([]field, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if sf.PkgPath != "" && !sf.Anonymous {
			continue // unexported
		}
		name, omitempty, skip := parseTag(sf)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if omitempty && isEmptyValue(fv) {
			continue
		}
		fields = append(fields, field{name, fv.Interface()})
	}
	return fields, nil
}

func parseTag(sf reflect.StructField) (name string, omitempty bool, skip bool) {
	tag := sf.Tag.Get("bson")
	if tag == "" {
		tag = sf.Tag.Get("json")
	}
	if tag == "-" {
		return "", false, true
	}
	name = lowerFirst(sf.Name)
	if tag == "" {
		return name, false, false
	}
	parts := splitComma(tag)
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

func splitComma(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}

func appendFields(b *bsoncore.DocumentBuilder, fields []field) error {
	seenSymbol := map[string]bool{}
	seenString := map[string]bool{}
	for _, f := range fields {
		if _, isSym := f.value.(Symbol); isSym {
			seenSymbol[f.key] = true
		} else if _, isStr := f.value.(string); isStr {
			seenString[f.key] = true
		}
		if seenSymbol[f.key] && seenString[f.key] {
			return &InconsistentKeyingError{Key: f.key}
		}
		if err := appendValue(b, f.key, f.value); err != nil {
			return err
		}
	}
	return nil
}

func appendValue(b *bsoncore.DocumentBuilder, key string, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.AppendNull(key)
	case bool:
		b.AppendBoolean(key, val)
	case int:
		appendWidestInt(b, key, int64(val))
	case int8:
		b.AppendInt32(key, int32(val))
	case int16:
		b.AppendInt32(key, int32(val))
	case int32:
		b.AppendInt32(key, val)
	case int64:
		appendWidestInt(b, key, val)
	case uint:
		appendWidestInt(b, key, int64(val))
	case uint32:
		appendWidestInt(b, key, int64(val))
	case uint64:
		appendWidestInt(b, key, int64(val))
	case float32:
		b.AppendDouble(key, float64(val))
	case float64:
		b.AppendDouble(key, val)
	case string:
		b.AppendString(key, val)
	case Symbol:
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeSymbol, Data: bsoncore.AppendString(nil, string(val))})
	case []byte:
		b.AppendBinary(key, bsoncore.BinaryGeneric, val)
	case Binary:
		b.AppendBinary(key, val.Subtype, val.Data)
	case ObjectID:
		b.AppendObjectID(key, [12]byte(val))
	case DateTime:
		b.AppendDateTime(key, int64(val))
	case time.Time:
		b.AppendDateTime(key, val.UnixMilli())
	case Decimal128:
		bytes := val.Bytes()
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeDecimal128, Data: bytes[:]})
	case Timestamp:
		data := bsoncore.AppendInt32(nil, int32(val.I))
		data = bsoncore.AppendInt32(data, int32(val.T))
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeTimestamp, Data: data})
	case Regex:
		data := bsoncore.AppendCString(nil, val.Pattern)
		data = bsoncore.AppendCString(data, val.Options)
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeRegex, Data: data})
	case JavaScript:
		data := bsoncore.AppendString(nil, string(val))
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeJavaScript, Data: data})
	case CodeWithScope:
		scopeDoc, err := Marshal(val.Scope)
		if err != nil {
			return err
		}
		inner := bsoncore.AppendString(nil, val.Code)
		inner = append(inner, scopeDoc...)
		full := bsoncore.AppendInt32(nil, int32(len(inner)+4))
		full = append(full, inner...)
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeCodeWithScope, Data: full})
	case MinKey:
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeMinKey})
	case MaxKey:
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeMaxKey})
	case Null:
		b.AppendNull(key)
	case Undefined:
		b.AppendValue(key, bsoncore.Value{Type: bsoncore.TypeUndefined})
	case D:
		doc, err := Marshal(val)
		if err != nil {
			return err
		}
		b.AppendDocument(key, doc)
	case M:
		doc, err := Marshal(val)
		if err != nil {
			return err
		}
		b.AppendDocument(key, doc)
	case A:
		arr, err := marshalArray(val)
		if err != nil {
			return err
		}
		b.AppendArray(key, arr)
	case bsoncore.Document:
		b.AppendDocument(key, val)
	default:
		return appendReflected(b, key, v)
	}
	return nil
}

func appendWidestInt(b *bsoncore.DocumentBuilder, key string, v int64) {
	if v >= -(1<<31) && v <= (1<<31-1) {
		b.AppendInt32(key, int32(v))
		return
	}
	b.AppendInt64(key, v)
}

func marshalArray(a A) (bsoncore.Array, error) {
	ab := bsoncore.NewArrayBuilder()
	for _, v := range a {
		val, err := toValue(v)
		if err != nil {
			return nil, err
		}
		ab.AppendValue(val)
	}
	return ab.Build(), nil
}

// toValue encodes a single Go value to a bsoncore.Value by round-tripping
// it through a one-field document and stripping the key back off; this
// keeps array-element encoding and document-field encoding on exactly one
// code path.
func toValue(v interface{}) (bsoncore.Value, error) {
	doc, err := Marshal(D{{Key: "0", Value: v}})
	if err != nil {
		return bsoncore.Value{}, err
	}
	val, ok := bsoncore.Document(doc).Lookup("0")
	if !ok {
		return bsoncore.Value{}, fmt.Errorf("bson: failed to encode array element")
	}
	return val, nil
}

func appendReflected(b *bsoncore.DocumentBuilder, key string, v interface{}) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		b.AppendNull(key)
		return nil
	}
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			b.AppendNull(key)
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			b.AppendNull(key)
			return nil
		}
		arr := make(A, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		encoded, err := marshalArray(arr)
		if err != nil {
			return err
		}
		b.AppendArray(key, encoded)
		return nil
	case reflect.Struct, reflect.Map:
		doc, err := Marshal(rv.Interface())
		if err != nil {
			return err
		}
		b.AppendDocument(key, doc)
		return nil
	case reflect.String:
		b.AppendString(key, rv.String())
		return nil
	case reflect.Bool:
		b.AppendBoolean(key, rv.Bool())
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		appendWidestInt(b, key, rv.Int())
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		appendWidestInt(b, key, int64(rv.Uint()))
		return nil
	case reflect.Float32, reflect.Float64:
		b.AppendDouble(key, rv.Float())
		return nil
	default:
		return fmt.Errorf("bson: cannot marshal value of kind %s", rv.Kind())
	}
}
