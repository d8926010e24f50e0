// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestApply_SingleTopologyAlwaysAccepts(t *testing.T) {
	topo := NewTopology(TopologySingle, "", []string{"a:27017"})
	srv := Server{Addr: "a:27017", Kind: Standalone}

	got := Apply(topo, srv)
	if got.Servers["a:27017"].Kind != Standalone {
		t.Fatalf("expected a:27017 to carry the new Standalone description")
	}
	if got.Kind != TopologySingle {
		t.Fatalf("expected topology to remain Single, got %s", got.Kind)
	}
}

func TestApply_ReplicaSetPrimaryElection(t *testing.T) {
	topo := NewTopology(TopologyReplicaSetNoPrimary, "rs0", []string{"a:27017", "b:27017"})

	primary := Server{
		Addr: "a:27017", Kind: RSPrimary, SetName: "rs0",
		Hosts: []string{"a:27017", "b:27017"}, SetVersion: 1,
	}
	topo = Apply(topo, primary)

	if topo.Kind != TopologyReplicaSetWithPrimary {
		t.Fatalf("expected ReplicaSetWithPrimary, got %s", topo.Kind)
	}
	if topo.Servers["a:27017"].Kind != RSPrimary {
		t.Fatalf("expected a:27017 to be RSPrimary")
	}
}

func TestApply_StalePrimaryDemoted(t *testing.T) {
	topo := NewTopology(TopologyReplicaSetNoPrimary, "rs0", []string{"a:27017", "b:27017"})
	topo = Apply(topo, Server{
		Addr: "a:27017", Kind: RSPrimary, SetName: "rs0",
		Hosts: []string{"a:27017", "b:27017"}, SetVersion: 5,
	})

	stale := Server{Addr: "b:27017", Kind: RSPrimary, SetName: "rs0", SetVersion: 4}
	got := Apply(topo, stale)

	if got.Servers["b:27017"].Kind == RSPrimary {
		t.Fatalf("expected stale primary at b:27017 to be demoted")
	}
	if got.Servers["a:27017"].Kind != RSPrimary {
		t.Fatalf("expected a:27017 to remain primary")
	}
}

func TestApply_PrimaryStepsDownOnNewerPrimary(t *testing.T) {
	topo := NewTopology(TopologyReplicaSetNoPrimary, "rs0", []string{"a:27017", "b:27017"})
	topo = Apply(topo, Server{
		Addr: "a:27017", Kind: RSPrimary, SetName: "rs0",
		Hosts: []string{"a:27017", "b:27017"}, SetVersion: 1,
	})

	newer := Server{
		Addr: "b:27017", Kind: RSPrimary, SetName: "rs0",
		Hosts: []string{"a:27017", "b:27017"}, SetVersion: 2,
	}
	got := Apply(topo, newer)

	if got.Servers["a:27017"].Kind == RSPrimary {
		t.Fatalf("expected old primary at a:27017 to be stepped down")
	}
	if got.Servers["b:27017"].Kind != RSPrimary {
		t.Fatalf("expected b:27017 to become primary")
	}
}

func TestApply_MembershipTrackingAddsAndRemovesServers(t *testing.T) {
	topo := NewTopology(TopologyReplicaSetNoPrimary, "rs0", []string{"a:27017", "d:27017"})

	primary := Server{
		Addr: "a:27017", Kind: RSPrimary, SetName: "rs0",
		Hosts: []string{"a:27017", "b:27017", "c:27017"}, SetVersion: 1,
	}
	topo = Apply(topo, primary)

	want := []string{"a:27017", "b:27017", "c:27017"}
	var got []string
	for addr := range topo.Servers {
		got = append(got, addr)
	}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Fatalf("membership mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_UnknownAddressIgnored(t *testing.T) {
	topo := NewTopology(TopologyReplicaSetNoPrimary, "rs0", []string{"a:27017"})
	got := Apply(topo, Server{Addr: "ghost:27017", Kind: RSSecondary, SetName: "rs0"})
	if _, ok := got.Servers["ghost:27017"]; ok {
		t.Fatalf("expected an update from an address outside the topology to be ignored")
	}
}

func TestCompatibilityError(t *testing.T) {
	topo := Topology{Servers: map[string]Server{
		"a:27017": {Addr: "a:27017", Kind: Standalone, WireVersion: VersionRange{Min: 20, Max: 21}},
	}}
	if err := CompatibilityError(topo, 0, 17); err == nil {
		t.Fatalf("expected an incompatibility error for a server requiring a newer wire version")
	}
}
