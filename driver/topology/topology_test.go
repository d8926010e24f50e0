// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/wiremessage"
)

// standaloneIsMasterReply is a minimal but complete isMaster reply for a
// standalone server running a wire version within this driver's supported
// range.
func standaloneIsMasterReply() bsoncore.Document {
	return bsoncore.NewDocumentBuilder().
		AppendBoolean("ismaster", true).
		AppendInt32("maxWireVersion", 9).
		AppendInt32("minWireVersion", 0).
		AppendDouble("ok", 1).
		Build()
}

// singleShotIsMasterDialer returns a Dialer whose one connection answers
// every request written to it with reply, forever, letting a Monitor's
// repeated heartbeats all succeed identically without the test needing to
// script a growing reply queue.
func singleShotIsMasterDialer(t *testing.T, reply bsoncore.Document) conn.DialerFunc {
	t.Helper()
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		go serveIsMasterForever(serverSide, reply)
		return clientSide, nil
	}
}

func serveIsMasterForever(server net.Conn, reply bsoncore.Document) {
	defer server.Close()
	for {
		var sizeBuf [4]byte
		if _, err := io.ReadFull(server, sizeBuf[:]); err != nil {
			return
		}
		size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
		rest := make([]byte, int(size)-4)
		if _, err := io.ReadFull(server, rest); err != nil {
			return
		}

		msg := wiremessage.Msg{
			MsgHeader: wiremessage.Header{RequestID: 1, ResponseTo: 0, OpCode: wiremessage.OpMsg},
			Sections:  []wiremessage.MsgSection{{Kind: wiremessage.SectionBody, Document: reply}},
		}
		buf, err := msg.AppendWireMessage(nil)
		if err != nil {
			return
		}
		if _, err := server.Write(buf); err != nil {
			return
		}
	}
}

func TestTopology_SingleSeedBecomesSingleStandalone(t *testing.T) {
	topo, err := New(
		WithSeedList("a:27017"),
		WithHeartbeatInterval(minHeartbeatInterval),
		WithConnectionOptions(conn.WithDialer(singleShotIsMasterDialer(t, standaloneIsMasterReply()))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer topo.Close()

	updates, unsubscribe := topo.Subscribe()
	defer unsubscribe()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case desc := <-updates:
			if s, ok := desc.Server("a:27017"); ok && s.Kind.String() == "Standalone" {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the standalone server description")
		}
	}
}

func TestTopology_RTTStatsReflectsTheMonitoredServer(t *testing.T) {
	topo, err := New(
		WithSeedList("a:27017"),
		WithHeartbeatInterval(minHeartbeatInterval),
		WithConnectionOptions(conn.WithDialer(singleShotIsMasterDialer(t, standaloneIsMasterReply()))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer topo.Close()

	updates, unsubscribe := topo.Subscribe()
	defer unsubscribe()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case desc := <-updates:
			if s, ok := desc.Server("a:27017"); ok && s.Kind.String() == "Standalone" {
				if stats := topo.RTTStats("a:27017"); stats == "" {
					t.Fatalf("expected non-empty RTT stats once a:27017 has been probed")
				}
				if stats := topo.RTTStats("unknown:27017"); stats != "" {
					t.Fatalf("expected empty RTT stats for an unmonitored address, got %q", stats)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the standalone server description")
		}
	}
}

func TestTopology_SelectServerReturnsTheStandalone(t *testing.T) {
	topo, err := New(
		WithSeedList("a:27017"),
		WithHeartbeatInterval(minHeartbeatInterval),
		WithConnectionOptions(conn.WithDialer(singleShotIsMasterDialer(t, standaloneIsMasterReply()))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer topo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv, err := topo.SelectServer(ctx, ReadOperation, Primary)
	if err != nil {
		t.Fatalf("SelectServer: %v", err)
	}
	if srv.Addr != "a:27017" {
		t.Fatalf("expected to select a:27017, got %s", srv.Addr)
	}
}

func TestTopology_SelectServerTimesOutWithNoServers(t *testing.T) {
	topo, err := New(
		WithSeedList("unreachable:27017"),
		WithReplicaSetName("rs0"),
		WithServerSelectionTimeout(50*time.Millisecond),
		WithHeartbeatTimeout(100*time.Millisecond),
		WithConnectionOptions(conn.WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer topo.Close()

	_, err = topo.SelectServer(context.Background(), ReadOperation, Primary)
	if err != ErrServerSelectionTimeout {
		t.Fatalf("expected ErrServerSelectionTimeout, got %v", err)
	}
}
