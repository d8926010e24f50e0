// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// ObjectID is the 12-byte MongoDB identifier:
// seconds(4) | machine_id(3) | process_id(2) | counter(3), big-endian.
type ObjectID [12]byte

// NilObjectID is the zero ObjectID.
var NilObjectID ObjectID

// objectIDGenerator is the process-wide singleton described in spec §9:
// a fixed machine id and process id, plus a counter seeded randomly and
// incremented atomically so concurrent NewObjectID calls never collide.
var globalGenerator = newObjectIDGenerator()

type objectIDGenerator struct {
	machineID [3]byte
	processID [2]byte
	counter   uint32
}

func newObjectIDGenerator() *objectIDGenerator {
	g := &objectIDGenerator{}
	var sum [md5.Size]byte
	if hostname, err := os.Hostname(); err == nil {
		sum = md5.Sum([]byte(hostname))
	} else {
		_, _ = io.ReadFull(rand.Reader, sum[:])
	}
	copy(g.machineID[:], sum[:3])

	pid := os.Getpid()
	g.processID[0] = byte(pid >> 8)
	g.processID[1] = byte(pid)

	var seed [4]byte
	_, _ = io.ReadFull(rand.Reader, seed[:])
	g.counter = binary.BigEndian.Uint32(seed[:]) & 0x00FFFFFF
	return g
}

func (g *objectIDGenerator) next() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], g.machineID[:])
	copy(id[7:9], g.processID[:])

	c := atomic.AddUint32(&g.counter, 1) & 0x00FFFFFF
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// NewObjectID generates a new ObjectID using the process-wide generator.
func NewObjectID() ObjectID {
	return globalGenerator.next()
}

// NewObjectIDFromTimestamp builds an ObjectID whose seconds-since-epoch
// field is t, with the remaining bytes drawn from the generator. This is
// useful for constructing range-query bounds, not for identifying a
// specific document.
func NewObjectIDFromTimestamp(t time.Time) ObjectID {
	id := globalGenerator.next()
	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	return id
}

// ErrInvalidObjectID is returned when a hex string is not a well-formed
// 24-character ObjectID.
var ErrInvalidObjectID = errors.New("bson: invalid ObjectID")

// ObjectIDFromHex parses the 24-character hex representation of an ObjectID.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, ErrInvalidObjectID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidObjectID
	}
	copy(id[:], b)
	return id, nil
}

// IsValidObjectID reports whether s is a well-formed 24-character hex
// ObjectID, without allocating the parsed value.
func IsValidObjectID(s string) bool {
	_, err := ObjectIDFromHex(s)
	return err == nil
}

// Hex returns the lowercase 24-character hex representation of id.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer as ObjectID("<hex>"), matching the
// teacher's convention for debug-printable wire identifiers.
func (id ObjectID) String() string {
	return "ObjectID(\"" + id.Hex() + "\")"
}

// Timestamp returns the embedded seconds-since-epoch component as a Time.
func (id ObjectID) Timestamp() time.Time {
	sec := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(sec), 0).UTC()
}

// IsZero reports whether id is the nil ObjectID.
func (id ObjectID) IsZero() bool {
	return id == NilObjectID
}
