// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"bytes"
	"fmt"
)

// Apply folds a new Server description into a Topology, implementing the
// SDAM update algorithm (spec §4.6): a Single topology always just takes
// the new description; a Sharded topology accepts any Mongos description;
// a replica-set topology reconciles primary/secondary/arbiter reports,
// including stepping down a stale primary when a fresher one (by
// setVersion+electionId) is seen, and discovering/forgetting members as
// the primary's host list changes.
func Apply(topo Topology, srv Server) Topology {
	if _, tracked := topo.Servers[srv.Addr]; !tracked {
		return topo
	}

	next := topo.Clone()

	switch next.Kind {
	case TopologySingle:
		next.Servers[srv.Addr] = srv
		return next
	case TopologyLoadBalanced:
		next.Servers[srv.Addr] = srv
		return next
	}

	if srv.Err != nil {
		next.Servers[srv.Addr] = srv
		if next.Kind == TopologyReplicaSetWithPrimary && wasPrimary(topo, srv.Addr) {
			next.Kind = TopologyReplicaSetNoPrimary
		}
		return next
	}

	switch srv.Kind {
	case Standalone:
		if len(next.Servers) > 1 {
			// A standalone reply when we expected a cluster member: drop it
			// (spec §4.6, "Standalone" case inside a multi-seed topology).
			delete(next.Servers, srv.Addr)
			return next
		}
		next.Kind = TopologySingle
		next.Servers[srv.Addr] = srv
		return next
	case Mongos:
		next.Kind = TopologySharded
		next.Servers[srv.Addr] = srv
		return next
	case RSPrimary:
		return applyPrimary(next, srv)
	case RSSecondary, RSArbiter, RSOther:
		return applyNonPrimaryMember(next, srv)
	case RSGhost:
		next.Servers[srv.Addr] = srv
		return next
	default: // Unknown
		next.Servers[srv.Addr] = srv
		return next
	}
}

func wasPrimary(topo Topology, addr string) bool {
	s, ok := topo.Servers[addr]
	return ok && s.Kind == RSPrimary
}

// applyPrimary handles an RSPrimary reply: if a fresher primary (by
// setVersion+electionId, falling back to simple staleness) already claims
// the role, this reply is demoted to an Unknown/stale view instead of
// being trusted; otherwise every other member claiming RSPrimary is
// stepped down and the host list this primary reports becomes the
// membership list.
func applyPrimary(topo Topology, srv Server) Topology {
	if topo.SetName != "" && topo.SetName != srv.SetName {
		delete(topo.Servers, srv.Addr)
		return topo
	}

	if isStalePrimary(topo, srv) {
		topo.Servers[srv.Addr] = NewDefaultServer(srv.Addr)
		return topo
	}

	topo.SetName = srv.SetName
	topo.MaxSetVersion = srv.SetVersion
	topo.MaxElectionID = srv.ElectionID

	for addr, existing := range topo.Servers {
		if addr != srv.Addr && existing.Kind == RSPrimary {
			topo.Servers[addr] = NewDefaultServer(addr)
		}
	}

	topo.Servers[srv.Addr] = srv
	reconcileMembership(topo, srv)
	topo.Kind = TopologyReplicaSetWithPrimary
	return topo
}

// isStalePrimary reports whether srv's electoral credentials are older
// than the most recent primary this topology has already observed.
func isStalePrimary(topo Topology, srv Server) bool {
	if topo.MaxSetVersion == 0 && topo.MaxElectionID.IsZero() {
		return false
	}
	if srv.SetVersion < topo.MaxSetVersion {
		return true
	}
	if srv.SetVersion == topo.MaxSetVersion && !srv.ElectionID.IsZero() && !topo.MaxElectionID.IsZero() && bytes.Compare(srv.ElectionID[:], topo.MaxElectionID[:]) < 0 {
		return true
	}
	return false
}

func reconcileMembership(topo Topology, primary Server) {
	known := map[string]bool{}
	for _, h := range primary.Hosts {
		known[h] = true
	}
	for _, h := range primary.Passives {
		known[h] = true
	}
	for _, h := range primary.Arbiters {
		known[h] = true
	}
	for addr := range topo.Servers {
		if !known[addr] {
			delete(topo.Servers, addr)
		}
	}
	for addr := range known {
		if _, ok := topo.Servers[addr]; !ok {
			topo.Servers[addr] = NewDefaultServer(addr)
		}
	}
}

func applyNonPrimaryMember(topo Topology, srv Server) Topology {
	if topo.SetName != "" && topo.SetName != srv.SetName {
		delete(topo.Servers, srv.Addr)
		return topo
	}
	if topo.SetName == "" {
		topo.SetName = srv.SetName
	}
	topo.Servers[srv.Addr] = srv

	hasPrimary := false
	for _, s := range topo.Servers {
		if s.Kind == RSPrimary {
			hasPrimary = true
			break
		}
	}
	if hasPrimary {
		topo.Kind = TopologyReplicaSetWithPrimary
	} else {
		topo.Kind = TopologyReplicaSetNoPrimary
	}
	return topo
}

// CompatibilityError reports whether any server's wire version range is
// incompatible with this driver's supported range, per spec §4.6's
// "minWireVersion/maxWireVersion out of range" check.
func CompatibilityError(topo Topology, driverMin, driverMax int32) error {
	for _, s := range topo.Servers {
		if s.Kind == Unknown || s.WireVersion.Max == 0 {
			continue
		}
		if s.WireVersion.Min > driverMax {
			return fmt.Errorf("server at %s requires wire version >= %d, but this driver supports up to %d; server too new",
				s.Addr, s.WireVersion.Min, driverMax)
		}
		if s.WireVersion.Max < driverMin {
			return fmt.Errorf("server at %s only supports wire version <= %d, but this driver requires at least %d; server too old",
				s.Addr, s.WireVersion.Max, driverMin)
		}
	}
	return nil
}
