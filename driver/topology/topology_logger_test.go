// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/internal/logger"
)

type fakeSink struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeSink) Info(level int, msg string, kv ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeSink) seen(msg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func TestTopology_LogsDescriptionChangeAndServerSelection(t *testing.T) {
	sink := &fakeSink{}
	log := logger.New(sink, logger.DefaultMaxDocumentLength, map[logger.Component]logger.Level{
		logger.ComponentTopology:        logger.LevelDebug,
		logger.ComponentServerSelection: logger.LevelDebug,
	})

	topo, err := New(
		WithSeedList("a:27017"),
		WithHeartbeatInterval(minHeartbeatInterval),
		WithConnectionOptions(conn.WithDialer(singleShotIsMasterDialer(t, standaloneIsMasterReply()))),
		WithLogger(log),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer topo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := topo.SelectServer(ctx, ReadOperation, Primary); err != nil {
		t.Fatalf("SelectServer: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if sink.seen("Topology description changed") && sink.seen("Server selection succeeded") {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both log messages, got %v", sink.messages)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
