// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestMarshal_HelloWorld is spec's literal 22-byte round-trip vector:
// {"hello": "world"} encodes to
// 16 00 00 00 02 "hello\0" 06 00 00 00 "world\0" 00.
func TestMarshal_HelloWorld(t *testing.T) {
	got, err := Marshal(D{{Key: "hello", Value: "world"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := []byte{
		0x16, 0x00, 0x00, 0x00, // total length = 22
		0x02, // string type
		'h', 'e', 'l', 'l', 'o', 0x00, // key "hello"
		0x06, 0x00, 0x00, 0x00, // string length = 6 (includes trailing NUL)
		'w', 'o', 'r', 'l', 'd', 0x00, // "world\0"
		0x00, // document terminator
	}
	if len(got) != 22 {
		t.Fatalf("expected a 22-byte document, got %d bytes", len(got))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encoding mismatch (-want +got):\n%s", diff)
	}
}

// TestMarshal_BSONArrayVector is spec's literal 49-byte vector:
// {"BSON": ["awesome", 5.05, 1986]}, whose integer element "2" is the
// int32 1986 (little-endian bytes C2 07 00 00).
func TestMarshal_BSONArrayVector(t *testing.T) {
	got, err := Marshal(D{{Key: "BSON", Value: A{"awesome", 5.05, 1986}}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(got) != 49 {
		t.Fatalf("expected a 49-byte document, got %d bytes", len(got))
	}

	doc, err := UnmarshalD(got)
	if err != nil {
		t.Fatalf("UnmarshalD: %v", err)
	}
	if len(doc) != 1 || doc[0].Key != "BSON" {
		t.Fatalf("expected a single \"BSON\" field, got %+v", doc)
	}
	arr, ok := doc[0].Value.(A)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected a 3-element array, got %#v", doc[0].Value)
	}
	if arr[0] != "awesome" {
		t.Fatalf("element 0 = %#v, want %q", arr[0], "awesome")
	}
	if arr[1] != 5.05 {
		t.Fatalf("element 1 = %#v, want 5.05", arr[1])
	}

	// Locate the encoded int32 element keyed "2" directly and check its
	// four little-endian bytes, per the vector's explicit byte check.
	idx := indexOf(got, []byte{0x10, '2', 0x00})
	if idx < 0 {
		t.Fatalf("could not find int32-typed element \"2\" in the encoding")
	}
	intBytes := got[idx+3 : idx+7]
	wantIntBytes := []byte{0xC2, 0x07, 0x00, 0x00}
	if diff := cmp.Diff(wantIntBytes, intBytes); diff != "" {
		t.Fatalf("int32 field \"2\" byte mismatch (-want +got):\n%s", diff)
	}
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

func TestMarshal_StructTagsAndOmitempty(t *testing.T) {
	type doc struct {
		Name  string `bson:"name"`
		Empty string `bson:"empty,omitempty"`
		Skip  string `bson:"-"`
	}
	got, err := Marshal(doc{Name: "x", Empty: "", Skip: "hidden"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	d, err := UnmarshalD(got)
	if err != nil {
		t.Fatalf("UnmarshalD: %v", err)
	}
	if len(d) != 1 || d[0].Key != "name" || d[0].Value != "x" {
		t.Fatalf("expected only {name: x}, got %+v", d)
	}
}

func TestMarshal_InconsistentKeying(t *testing.T) {
	_, err := Marshal(D{{Key: "x", Value: "a"}, {Key: "x", Value: Symbol("a")}})
	if err == nil {
		t.Fatalf("expected an error mixing string and Symbol under the same key")
	}
}
