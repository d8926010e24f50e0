// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import "testing"

func TestMongoDBCRDigestDeterministic(t *testing.T) {
	d1 := mongoDBCRDigest("alice", "s3cr3t", "abcd1234")
	d2 := mongoDBCRDigest("alice", "s3cr3t", "abcd1234")
	if d1 != d2 {
		t.Fatalf("expected the same inputs to produce the same digest")
	}
	if len(d1) != 32 {
		t.Fatalf("expected a 32-character hex MD5 digest, got %d chars: %s", len(d1), d1)
	}
}

func TestMongoDBCRDigestSensitiveToEachInput(t *testing.T) {
	base := mongoDBCRDigest("alice", "s3cr3t", "abcd1234")
	if d := mongoDBCRDigest("bob", "s3cr3t", "abcd1234"); d == base {
		t.Fatalf("expected digest to change with username")
	}
	if d := mongoDBCRDigest("alice", "different", "abcd1234"); d == base {
		t.Fatalf("expected digest to change with password")
	}
	if d := mongoDBCRDigest("alice", "s3cr3t", "ffff0000"); d == base {
		t.Fatalf("expected digest to change with nonce")
	}
}
