// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/rivermdb/driver/driver/description"
)

func wireOK() description.VersionRange { return description.VersionRange{Min: 0, Max: 9} }

func topoWith(kind description.TopologyKind, servers ...description.Server) description.Topology {
	topo := description.Topology{Kind: kind, Servers: map[string]description.Server{}}
	for _, s := range servers {
		topo.Servers[s.Addr] = s
	}
	return topo
}

func TestSelect_SingleAlwaysReturnsSoleServer(t *testing.T) {
	srv := description.Server{Addr: "a:27017", Kind: description.Standalone, WireVersion: wireOK()}
	topo := topoWith(description.TopologySingle, srv)

	result, err := Select(topo, WriteOperation, Primary, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 1 || result.Servers[0].Addr != "a:27017" {
		t.Fatalf("expected the sole server, got %+v", result.Servers)
	}
}

func TestSelect_ShardedReturnsOnlyMongos(t *testing.T) {
	topo := topoWith(description.TopologySharded,
		description.Server{Addr: "m1:27017", Kind: description.Mongos, WireVersion: wireOK()},
		description.Server{Addr: "m2:27017", Kind: description.Mongos, WireVersion: wireOK()},
		description.Server{Addr: "x:27017", Kind: description.Unknown},
	)

	result, err := Select(topo, ReadOperation, Primary, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 2 {
		t.Fatalf("expected both mongos servers, got %d", len(result.Servers))
	}
	if !result.Mongos {
		t.Fatalf("expected the Mongos flag to be set")
	}
}

func TestSelect_ReplicaSetWriteOnlyTargetsPrimary(t *testing.T) {
	topo := topoWith(description.TopologyReplicaSetWithPrimary,
		description.Server{Addr: "p:27017", Kind: description.RSPrimary, WireVersion: wireOK()},
		description.Server{Addr: "s:27017", Kind: description.RSSecondary, WireVersion: wireOK()},
	)

	result, err := Select(topo, WriteOperation, Primary, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 1 || result.Servers[0].Kind != description.RSPrimary {
		t.Fatalf("expected only the primary, got %+v", result.Servers)
	}
}

func TestSelect_SecondaryPreferredFallsBackToPrimary(t *testing.T) {
	topo := topoWith(description.TopologyReplicaSetWithPrimary,
		description.Server{Addr: "p:27017", Kind: description.RSPrimary, WireVersion: wireOK()},
	)

	rp := ReadPreference{Mode: SecondaryPreferredMode}
	result, err := Select(topo, ReadOperation, rp, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 1 || result.Servers[0].Kind != description.RSPrimary {
		t.Fatalf("expected fallback to the primary, got %+v", result.Servers)
	}
}

func TestSelect_PrimaryPreferredFallsBackToSecondaries(t *testing.T) {
	topo := topoWith(description.TopologyReplicaSetNoPrimary,
		description.Server{Addr: "s1:27017", Kind: description.RSSecondary, WireVersion: wireOK()},
		description.Server{Addr: "s2:27017", Kind: description.RSSecondary, WireVersion: wireOK()},
	)

	rp := ReadPreference{Mode: PrimaryPreferredMode}
	result, err := Select(topo, ReadOperation, rp, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 2 {
		t.Fatalf("expected both secondaries as fallback candidates, got %+v", result.Servers)
	}
}

func TestSelect_TagSetFirstMatchWins(t *testing.T) {
	topo := topoWith(description.TopologyReplicaSetWithPrimary,
		description.Server{Addr: "p:27017", Kind: description.RSPrimary, WireVersion: wireOK()},
		description.Server{Addr: "s1:27017", Kind: description.RSSecondary, WireVersion: wireOK(),
			Tags: map[string]string{"dc": "east", "rack": "1"}},
		description.Server{Addr: "s2:27017", Kind: description.RSSecondary, WireVersion: wireOK(),
			Tags: map[string]string{"dc": "west"}},
	)

	rp := ReadPreference{
		Mode: SecondaryMode,
		TagSets: []TagSet{
			{"dc": "north"}, // matches nothing
			{"dc": "west"},  // matches s2
		},
	}
	result, err := Select(topo, ReadOperation, rp, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 1 || result.Servers[0].Addr != "s2:27017" {
		t.Fatalf("expected only s2 (first matching tag set), got %+v", result.Servers)
	}
}

func TestSelect_TagSetNoneMatchYieldsEmpty(t *testing.T) {
	topo := topoWith(description.TopologyReplicaSetWithPrimary,
		description.Server{Addr: "s1:27017", Kind: description.RSSecondary, WireVersion: wireOK(), Tags: map[string]string{"dc": "east"}},
	)
	rp := ReadPreference{Mode: SecondaryMode, TagSets: []TagSet{{"dc": "nowhere"}}}

	result, err := Select(topo, ReadOperation, rp, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 0 {
		t.Fatalf("expected no candidates when no tag set matches, got %+v", result.Servers)
	}
}

func TestSelect_LatencyWindowDropsFarServers(t *testing.T) {
	topo := topoWith(description.TopologyReplicaSetNoPrimary,
		description.Server{Addr: "near:27017", Kind: description.RSSecondary, WireVersion: wireOK(), AverageRTT: 2 * time.Millisecond},
		description.Server{Addr: "mid:27017", Kind: description.RSSecondary, WireVersion: wireOK(), AverageRTT: 10 * time.Millisecond},
		description.Server{Addr: "far:27017", Kind: description.RSSecondary, WireVersion: wireOK(), AverageRTT: 50 * time.Millisecond},
	)

	rp := ReadPreference{Mode: SecondaryMode}
	result, err := Select(topo, ReadOperation, rp, 15*time.Millisecond)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 2 {
		t.Fatalf("expected near and mid to survive the 15ms window, got %+v", result.Servers)
	}
	for _, s := range result.Servers {
		if s.Addr == "far:27017" {
			t.Fatalf("expected the far server to be dropped by the latency window")
		}
	}
}

func TestSelect_MaxStalenessDropsStaleSecondary(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	topo := topoWith(description.TopologyReplicaSetWithPrimary,
		description.Server{Addr: "p:27017", Kind: description.RSPrimary, WireVersion: wireOK(),
			LastWriteDate: now, HeartbeatInterval: 10 * time.Second},
		description.Server{Addr: "fresh:27017", Kind: description.RSSecondary, WireVersion: wireOK(),
			LastWriteDate: now.Add(-1 * time.Second), HeartbeatInterval: 10 * time.Second},
		description.Server{Addr: "stale:27017", Kind: description.RSSecondary, WireVersion: wireOK(),
			LastWriteDate: now.Add(-60 * time.Second), HeartbeatInterval: 10 * time.Second},
	)

	rp := ReadPreference{Mode: SecondaryMode, MaxStaleness: 30 * time.Second}
	result, err := Select(topo, ReadOperation, rp, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 1 || result.Servers[0].Addr != "fresh:27017" {
		t.Fatalf("expected only the fresh secondary to survive, got %+v", result.Servers)
	}
}

func TestSelect_IncompatibleWireVersionFailsImmediately(t *testing.T) {
	topo := topoWith(description.TopologySingle,
		description.Server{Addr: "a:27017", Kind: description.Standalone, WireVersion: description.VersionRange{Min: 20, Max: 25}},
	)

	_, err := Select(topo, ReadOperation, Primary, defaultLocalThreshold)
	if err == nil {
		t.Fatalf("expected an incompatible wire version error")
	}
	var iwv *IncompatibleWireVersionError
	if !isIncompatibleWireVersionError(err, &iwv) {
		t.Fatalf("expected an *IncompatibleWireVersionError, got %T: %v", err, err)
	}
}

func isIncompatibleWireVersionError(err error, target **IncompatibleWireVersionError) bool {
	e, ok := err.(*IncompatibleWireVersionError)
	if ok {
		*target = e
	}
	return ok
}

func TestSelect_UnknownTopologyYieldsNoCandidates(t *testing.T) {
	topo := topoWith(description.TopologyUnknown)
	result, err := Select(topo, ReadOperation, Primary, defaultLocalThreshold)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(result.Servers) != 0 {
		t.Fatalf("expected no candidates in an unknown topology, got %+v", result.Servers)
	}
}
