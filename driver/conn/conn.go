// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package conn contains the types for building connections that speak the
// MongoDB Wire Protocol. It purposefully hides the underlying net.Conn and
// exposes only WireMessage read/write, mirroring the teacher's
// core/connection package (Connection/Dialer/Handshaker adapter idioms,
// one-write-then-one-read-in-flight contract, idle/lifetime deadline
// tracking) generalized to this module's own wiremessage types and to
// OP_MSG in addition to the teacher's OP_QUERY/OP_REPLY pair.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rivermdb/driver/driver/description"
	"github.com/rivermdb/driver/internal/compressor"
	"github.com/rivermdb/driver/wiremessage"
)

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// Connection reads and writes wire protocol messages over one network
// connection. Implementations are not safe for concurrent use: the wire
// protocol is half-duplex per spec §2, one request in flight at a time.
type Connection interface {
	WriteWireMessage(context.Context, wiremessage.WireMessage) error
	ReadWireMessage(context.Context) (wiremessage.WireMessage, error)
	Close() error
	Expired() bool
	Alive() bool
	ID() string
	Description() description.Server
}

// Dialer makes network connections. Swappable for tests via DialerFunc.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts an ordinary function to a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements Dialer.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is used when no Dialer option is given.
var DefaultDialer Dialer = &net.Dialer{}

// Handshaker performs the initial hello/isMaster + auth exchange a new
// connection must complete before the pool will hand it out. New invokes
// Handshake on the just-dialed Connection itself, after the TCP/TLS dial
// and before returning it to the caller, so the handshake's isMaster and
// any subsequent auth commands run on the very socket that will serve
// application traffic (spec §4.4: authentication "runs immediately after
// TCP handshake, before the Connection is made available").
type Handshaker interface {
	Handshake(ctx context.Context, addr string, c Connection) (description.Server, error)
}

// HandshakerFunc adapts an ordinary function to a Handshaker.
type HandshakerFunc func(ctx context.Context, addr string, c Connection) (description.Server, error)

// Handshake implements Handshaker.
func (hf HandshakerFunc) Handshake(ctx context.Context, addr string, c Connection) (description.Server, error) {
	return hf(ctx, addr, c)
}

// Error wraps a connection-level failure with the connection's id, the
// style the teacher's core/connection.Error uses so a caller can always
// tell which socket failed without string-matching the message.
type Error struct {
	ConnectionID string
	Wrapped      error
	message      string
}

func (e Error) Error() string {
	msg := fmt.Sprintf("connection(%s) %s", e.ConnectionID, e.message)
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

func (e Error) Unwrap() error { return e.Wrapped }

type connection struct {
	addr    string
	id      string
	conn    net.Conn
	dead    bool
	desc    description.Server

	idleTimeout      time.Duration
	idleDeadline     time.Time
	lifetimeDeadline time.Time
	readTimeout      time.Duration
	writeTimeout     time.Duration

	compressorOut compressor.Compressor
	compressors   map[wiremessage.CompressorID]compressor.Compressor

	readBuf  []byte
	writeBuf []byte
}

// New dials addr and, if a Handshaker is configured, performs the initial
// handshake before returning. The returned Connection's Description() is
// the zero value if no Handshaker was configured.
func New(ctx context.Context, addr string, opts ...Option) (Connection, error) {
	cfg := newConfig(opts...)

	nc, err := cfg.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}

	if cfg.tlsConfig != nil {
		nc, err = configureTLS(ctx, nc, addr, cfg.tlsConfig.Clone())
		if err != nil {
			return nil, err
		}
	}

	var lifetimeDeadline time.Time
	if cfg.maxLifetime > 0 {
		lifetimeDeadline = time.Now().Add(cfg.maxLifetime)
	}

	c := &connection{
		id:               fmt.Sprintf("%s[-%d]", addr, nextConnectionID()),
		addr:             addr,
		conn:             nc,
		idleTimeout:      cfg.maxIdleTime,
		lifetimeDeadline: lifetimeDeadline,
		readTimeout:      cfg.readTimeout,
		writeTimeout:     cfg.writeTimeout,
		compressors:      map[wiremessage.CompressorID]compressor.Compressor{},
		readBuf:          make([]byte, 256),
		writeBuf:         make([]byte, 0, 256),
	}
	for _, comp := range cfg.compressors {
		c.compressors[comp.CompressorID()] = comp
	}
	c.bumpIdleDeadline()

	if cfg.handshaker != nil {
		desc, err := cfg.handshaker.Handshake(ctx, addr, c)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.desc = desc
		if len(desc.Compression) > 0 {
		pick:
			for _, want := range cfg.compressors {
				for _, serverName := range desc.Compression {
					if want.Name() == serverName {
						c.compressorOut = want
						break pick
					}
				}
			}
		}
	}

	return c, nil
}

func configureTLS(ctx context.Context, nc net.Conn, addr string, cfg *tls.Config) (net.Conn, error) {
	if cfg.ServerName == "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i != -1 {
			host = addr[:i]
		}
		cfg.ServerName = host
	}

	client := tls.Client(nc, cfg)
	done := make(chan error, 1)
	go func() { done <- client.Handshake() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("conn: TLS handshake: %w", err)
		}
	case <-ctx.Done():
		return nil, errors.New("conn: TLS handshake cancelled")
	}
	return client, nil
}

func (c *connection) Description() description.Server { return c.desc }

func (c *connection) Alive() bool { return !c.dead }

func (c *connection) Expired() bool {
	now := time.Now()
	if !c.idleDeadline.IsZero() && now.After(c.idleDeadline) {
		return true
	}
	if !c.lifetimeDeadline.IsZero() && now.After(c.lifetimeDeadline) {
		return true
	}
	return c.dead
}

func (c *connection) bumpIdleDeadline() {
	if c.idleTimeout > 0 {
		c.idleDeadline = time.Now().Add(c.idleTimeout)
	}
}

func (c *connection) ID() string { return c.id }

func (c *connection) Close() error {
	c.dead = true
	if err := c.conn.Close(); err != nil {
		return Error{ConnectionID: c.id, Wrapped: err, message: "failed to close net.Conn"}
	}
	return nil
}

func (c *connection) deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout != 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	return d
}

func (c *connection) WriteWireMessage(ctx context.Context, wm wiremessage.WireMessage) error {
	if c.dead {
		return Error{ConnectionID: c.id, message: "connection is dead"}
	}
	select {
	case <-ctx.Done():
		return Error{ConnectionID: c.id, Wrapped: ctx.Err(), message: "failed to write"}
	default:
	}

	if err := c.conn.SetWriteDeadline(c.deadline(ctx, c.writeTimeout)); err != nil {
		return Error{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}

	c.writeBuf = c.writeBuf[:0]
	toWrite := wm
	if c.compressorOut != nil {
		if compressed, ok, err := c.compress(wm); err != nil {
			return Error{ConnectionID: c.id, Wrapped: err, message: "unable to compress wire message"}
		} else if ok {
			toWrite = &compressed
		}
	}

	var err error
	c.writeBuf, err = toWrite.AppendWireMessage(c.writeBuf)
	if err != nil {
		return Error{ConnectionID: c.id, Wrapped: err, message: "unable to encode wire message"}
	}

	if _, err := c.conn.Write(c.writeBuf); err != nil {
		c.Close()
		return Error{ConnectionID: c.id, Wrapped: err, message: "unable to write wire message to network"}
	}
	c.bumpIdleDeadline()
	return nil
}

// compress wraps a Msg in OP_COMPRESSED. Only OP_MSG is compressed, and an
// OP_MSG whose command is one of the handshake/auth commands
// (isMaster/saslStart/...) is exempt per spec and is never compressed
// regardless of negotiated compressor.
func (c *connection) compress(wm wiremessage.WireMessage) (wiremessage.Compressed, bool, error) {
	msg, ok := wm.(*wiremessage.Msg)
	if !ok {
		return wiremessage.Compressed{}, false, nil
	}
	body, ok := msg.BodyDocument()
	if !ok {
		return wiremessage.Compressed{}, false, nil
	}
	if elems, err := body.Elements(); err == nil && len(elems) > 0 && !canCompress(elems[0].Key()) {
		return wiremessage.Compressed{}, false, nil
	}

	raw, err := msg.AppendWireMessage(nil)
	if err != nil {
		return wiremessage.Compressed{}, false, err
	}
	payload := raw[16:]

	compressed, err := c.compressorOut.CompressBytes(payload, nil)
	if err != nil {
		return wiremessage.Compressed{}, false, err
	}

	return wiremessage.Compressed{
		MsgHeader:         wiremessage.Header{RequestID: msg.MsgHeader.RequestID, ResponseTo: msg.MsgHeader.ResponseTo},
		OriginalOpCode:    wiremessage.OpMsg,
		UncompressedSize:  int32(len(payload)),
		CompressorID:      c.compressorOut.CompressorID(),
		CompressedMessage: compressed,
	}, true, nil
}

func canCompress(cmd string) bool {
	switch cmd {
	case "isMaster", "hello", "saslStart", "saslContinue", "getnonce", "authenticate",
		"createUser", "updateUser", "copydbSaslStart", "copydbgetnonce", "copydb":
		return false
	default:
		return true
	}
}

func (c *connection) uncompress(compressed wiremessage.Compressed) ([]byte, wiremessage.OpCode, error) {
	dec, ok := c.compressors[compressed.CompressorID]
	if !ok {
		return nil, 0, fmt.Errorf("conn: no decompressor registered for compressor id %d", compressed.CompressorID)
	}
	uncompressed, err := dec.UncompressBytes(compressed.CompressedMessage, make([]byte, 0, compressed.UncompressedSize))
	if err != nil {
		return nil, 0, err
	}

	hdr := wiremessage.Header{
		MessageLength: int32(len(uncompressed)) + 16,
		RequestID:     compressed.MsgHeader.RequestID,
		ResponseTo:    compressed.MsgHeader.ResponseTo,
		OpCode:        compressed.OriginalOpCode,
	}
	full := hdr.AppendHeader(nil)
	full = append(full, uncompressed...)
	return full, hdr.OpCode, nil
}

func (c *connection) ReadWireMessage(ctx context.Context) (wiremessage.WireMessage, error) {
	if c.dead {
		return nil, Error{ConnectionID: c.id, message: "connection is dead"}
	}
	select {
	case <-ctx.Done():
		c.Close()
		return nil, Error{ConnectionID: c.id, Wrapped: ctx.Err(), message: "failed to read"}
	default:
	}

	if err := c.conn.SetReadDeadline(c.deadline(ctx, c.readTimeout)); err != nil {
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.conn, sizeBuf[:]); err != nil {
		c.Close()
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to read message length"}
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 16 {
		c.Close()
		return nil, Error{ConnectionID: c.id, message: "message length smaller than header"}
	}

	if cap(c.readBuf) < int(size) {
		c.readBuf = make([]byte, size)
	} else {
		c.readBuf = c.readBuf[:size]
	}
	copy(c.readBuf, sizeBuf[:])
	if _, err := io.ReadFull(c.conn, c.readBuf[4:]); err != nil {
		c.Close()
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to read full message"}
	}

	hdr, err := wiremessage.ReadHeader(c.readBuf, 0)
	if err != nil {
		c.Close()
		return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to decode header"}
	}

	toDecode := c.readBuf
	opcode := hdr.OpCode
	if opcode == wiremessage.OpCompressed {
		var compressed wiremessage.Compressed
		if err := compressed.UnmarshalWireMessage(c.readBuf); err != nil {
			c.Close()
			return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to decode OP_COMPRESSED"}
		}
		toDecode, opcode, err = c.uncompress(compressed)
		if err != nil {
			c.Close()
			return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to uncompress message"}
		}
	}

	var wm wiremessage.WireMessage
	switch opcode {
	case wiremessage.OpMsg:
		m := new(wiremessage.Msg)
		if err := m.UnmarshalWireMessage(toDecode); err != nil {
			c.Close()
			return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to decode OP_MSG"}
		}
		wm = m
	case wiremessage.OpReply:
		r := new(wiremessage.Reply)
		if err := r.UnmarshalWireMessage(toDecode); err != nil {
			c.Close()
			return nil, Error{ConnectionID: c.id, Wrapped: err, message: "unable to decode OP_REPLY"}
		}
		wm = r
	default:
		c.Close()
		return nil, Error{ConnectionID: c.id, message: fmt.Sprintf("opcode %s not implemented", hdr.OpCode)}
	}

	c.bumpIdleDeadline()
	return wm, nil
}
