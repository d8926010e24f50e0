// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import "fmt"

// MalformedError is returned by Unmarshal when the byte sequence is not
// well-formed BSON: a bad length prefix, an unterminated cstring, an
// unrecognized type tag, or a missing trailing 0x00.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("bson: malformed document: %s", e.Reason)
}

func newMalformed(format string, args ...interface{}) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// InconsistentKeyingError is returned by Marshal when a document gives a
// key both a string-typed and a Symbol-typed value, which the encoder
// refuses to serialize deterministically (spec §3, §9 Open Question 2:
// treated as a client-side argument error rather than a wire-level
// malformation, since it is caught before any bytes are produced).
type InconsistentKeyingError struct {
	Key string
}

func (e *InconsistentKeyingError) Error() string {
	return fmt.Sprintf("bson: document mixes string- and symbol-keyed entries at key %q", e.Key)
}
