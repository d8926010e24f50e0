// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver names this module and holds the error taxonomy of spec
// §7: the sentinel-var-plus-struct shape core/* uses throughout (e.g.
// core/command's errors), generalized into one typed-error family every
// other package (driver/conn, driver/topology, driver/session,
// mongo/cursor) constructs or inspects instead of matching on strings.
package driver

import (
	"errors"
	"fmt"
	"strings"
)

// NetworkError wraps a socket connect/read/write or TLS-handshake failure
// (spec §7). It is always retryable.
type NetworkError struct {
	Addr    string
	Wrapped error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("driver: network error talking to %s: %v", e.Addr, e.Wrapped)
}
func (e *NetworkError) Unwrap() error { return e.Wrapped }

// NetworkTimeout wraps a deadline-exceeded socket operation (spec §7); it
// is handled identically to NetworkError.
type NetworkTimeout struct {
	Addr    string
	Wrapped error
}

func (e *NetworkTimeout) Error() string {
	return fmt.Sprintf("driver: network timeout talking to %s: %v", e.Addr, e.Wrapped)
}
func (e *NetworkTimeout) Unwrap() error { return e.Wrapped }

// CommandError is an ok:0 reply to an otherwise well-formed command (spec
// §7), carrying the server's numeric error code.
type CommandError struct {
	Code    int32
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("driver: command error (code %d): %s", e.Code, e.Message)
}

// WriteError is a per-document error inside a bulk write reply (spec §7).
type WriteError struct {
	Index   int
	Code    int32
	Message string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("driver: write error at index %d (code %d): %s", e.Index, e.Code, e.Message)
}

// WriteConcernError is present on an otherwise-ok write reply when the
// requested write concern could not be satisfied (spec §7).
type WriteConcernError struct {
	Code    int32
	Message string
}

func (e *WriteConcernError) Error() string {
	return fmt.Sprintf("driver: write concern error (code %d): %s", e.Code, e.Message)
}

// ErrCursorLost is returned when a getMore reply carries the
// cursor_not_found flag (spec §7).
var ErrCursorLost = errors.New("driver: cursor not found on server")

// ErrSelectionTimeout is returned when server selection finds no suitable
// candidate before its deadline (spec §7; mirrors
// topology.ErrServerSelectionTimeout, kept distinct so callers outside
// driver/topology can match on the package-level taxonomy alone).
var ErrSelectionTimeout = errors.New("driver: server selection timed out")

// IncompatibleWireVersionError is returned when a server's wire-version
// range is disjoint from this driver's supported range (spec §7).
type IncompatibleWireVersionError struct {
	Message string
}

func (e *IncompatibleWireVersionError) Error() string { return "driver: " + e.Message }

// MalformedBSONError is a fatal protocol-level decode failure in a BSON
// document (spec §7).
type MalformedBSONError struct {
	Wrapped error
}

func (e *MalformedBSONError) Error() string { return fmt.Sprintf("driver: malformed BSON: %v", e.Wrapped) }
func (e *MalformedBSONError) Unwrap() error { return e.Wrapped }

// MalformedWireMessageError is a fatal protocol-level decode failure above
// the BSON layer (a bad header, an unrecognized opcode, a truncated reply).
type MalformedWireMessageError struct {
	Wrapped error
}

func (e *MalformedWireMessageError) Error() string {
	return fmt.Sprintf("driver: malformed wire message: %v", e.Wrapped)
}
func (e *MalformedWireMessageError) Unwrap() error { return e.Wrapped }

// InvalidArgumentError is a client-side precondition violation (spec §7),
// never a round trip to the server.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string { return "driver: invalid argument: " + e.Message }

// retryableCodes is spec §7's mandatory list of server error codes that
// must be treated as retryable.
var retryableCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	9001:  true, // SocketException
	10107: true, // NotMaster
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13435: true, // NotMasterNoSlaveOk
	13436: true, // NotMasterOrSecondary
}

// retryableMessageSubstrings is spec §7's fallback: "An error is also
// retryable if its message matches `not master | node is recovering`".
var retryableMessageSubstrings = []string{"not master", "node is recovering"}

// IsRetryable classifies err per spec §7: NetworkError/NetworkTimeout are
// always retryable; a CommandError is retryable if its code is in the
// mandatory list or its message matches the not-master/recovering
// fallback pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	var netTimeout *NetworkTimeout
	if errors.As(err, &netErr) || errors.As(err, &netTimeout) {
		return true
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if retryableCodes[cmdErr.Code] {
			return true
		}
		lower := strings.ToLower(cmdErr.Message)
		for _, substr := range retryableMessageSubstrings {
			if strings.Contains(lower, substr) {
				return true
			}
		}
	}
	return false
}
