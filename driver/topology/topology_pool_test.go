// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"testing"
	"time"

	"github.com/rivermdb/driver/driver/conn"
)

func TestTopology_CheckoutThenCheckinReusesConnection(t *testing.T) {
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

	c, err := topo.Checkout(ctx, ReadOperation, Primary)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if c.Description().Addr != "a:27017" {
		t.Fatalf("expected a connection to a:27017, got %s", c.Description().Addr)
	}
	id := c.ID()
	topo.Checkin(c)

	c2, err := topo.Checkout(ctx, ReadOperation, Primary)
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	if c2.ID() != id {
		t.Fatalf("expected the checked-in connection to be reused, got a different one")
	}
	topo.Checkin(c2)
}
