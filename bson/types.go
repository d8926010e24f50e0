// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bson implements the BSON document model: an ordered document
// type preserving field order (the command protocol is sensitive to which
// field comes first), the closed set of typed BSON values, and an
// encoder/decoder pair between that model and the wire's byte form.
package bson

import "github.com/rivermdb/driver/bson/bsoncore"

// E is a single ordered document field.
type E struct {
	Key   string
	Value interface{}
}

// D is an ordered BSON document: a sequence of key/value pairs. Use D,
// rather than a map, whenever field order matters — which for MongoDB
// commands is "whenever you're building a command", since the first key
// names the command.
type D []E

// Map converts d to an (unordered) M, discarding duplicate-key and order
// information.
func (d D) Map() M {
	m := make(M, len(d))
	for _, e := range d {
		m[e.Key] = e.Value
	}
	return m
}

// M is an unordered BSON document represented as a Go map. It is accepted
// for encoding but decoding always yields a D, since the wire form and the
// command protocol are order sensitive.
type M map[string]interface{}

// A is a BSON array: an ordered, densely-indexed sequence of values.
type A []interface{}

// MinKey is the BSON sentinel value that compares less than all other
// values in the MongoDB total order.
type MinKey struct{}

// MaxKey is the BSON sentinel value that compares greater than all other
// values in the MongoDB total order.
type MaxKey struct{}

// Undefined represents the deprecated BSON undefined value.
type Undefined struct{}

// Null represents an explicit BSON null value, distinguished from the
// field being altogether absent.
type Null struct{}

// DateTime is a BSON UTC datetime: milliseconds since the Unix epoch.
type DateTime int64

// Timestamp is the MongoDB internal BSON timestamp type: an increment
// ordinal paired with a seconds-since-epoch value. It is distinct from
// DateTime and is used internally by replication (oplog) and change
// streams, never by user data.
type Timestamp struct {
	T uint32 // seconds since epoch
	I uint32 // ordinal within that second
}

// Regex is a BSON regular expression: a pattern plus option flags, both
// carried as cstrings on the wire.
type Regex struct {
	Pattern string
	Options string
}

// JavaScript is BSON Javascript code without an associated scope.
type JavaScript string

// CodeWithScope is BSON JavaScript code paired with a scope document in
// which it should be evaluated.
type CodeWithScope struct {
	Code  string
	Scope D
}

// Symbol is the deprecated BSON symbol type; the decoder always coerces
// it to a plain Go string, but the encoder exposes this type for byte-exact
// round-tripping of documents that specifically need the symbol tag.
type Symbol string

// Binary is a BSON binary value: an opaque byte string tagged with a
// subtype (bsoncore.BinaryGeneric, bsoncore.BinaryUUID, etc).
type Binary struct {
	Subtype byte
	Data    []byte
}

// Equal reports whether b and o carry the same subtype and bytes.
func (b Binary) Equal(o Binary) bool {
	if b.Subtype != o.Subtype || len(b.Data) != len(o.Data) {
		return false
	}
	for i := range b.Data {
		if b.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// DBPointer is the deprecated BSON DBPointer type (a namespace plus an
// ObjectID), retained only so documents containing it still round-trip.
type DBPointer struct {
	NS string
	ID ObjectID
}

// Raw is a Document already in wire form; Marshal copies its bytes in
// verbatim rather than re-encoding.
type Raw = bsoncore.Document
