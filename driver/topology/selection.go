// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"time"

	"github.com/rivermdb/driver/driver/description"
)

// Mode is one of the five read-preference modes (spec §4.6).
type Mode int

const (
	PrimaryMode Mode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// TagSet is an unordered set of key/value tags a candidate server's own Tags
// must be a superset of.
type TagSet map[string]string

// ReadPreference names which servers are eligible for a read, mirroring the
// five modes and tag-set/max-staleness refinements of connstring's
// readPreference/readPreferenceTags/maxStalenessSeconds options (spec §6).
type ReadPreference struct {
	Mode           Mode
	TagSets        []TagSet
	MaxStaleness   time.Duration // 0 disables the max-staleness filter
}

// Primary is the default read preference: always read from the primary.
var Primary = ReadPreference{Mode: PrimaryMode}

// OperationKind distinguishes a read from a write for server-selection
// purposes (spec §4.6: "Replica set & :write → primaries only").
type OperationKind int

const (
	ReadOperation OperationKind = iota
	WriteOperation
)

func (k OperationKind) String() string {
	if k == WriteOperation {
		return "write"
	}
	return "read"
}

// SupportedWireVersionRange is this driver's own [min,max] wire version
// range, checked against every server's reported range before selection
// (spec §4.6 step 1; spec §7's IncompatibleWireVersion). Wire version 6
// is OP_MSG/sessions (MongoDB 3.6); 9 is MongoDB 4.2, the newest server
// generation this snapshot's operation set (isMaster, SCRAM-SHA-1,
// getMore/killCursors) was written against.
var SupportedWireVersionRange = description.VersionRange{Min: 0, Max: 9}

// SelectionResult is what a successful Select call hands back: the
// survivors of every filtering stage, plus the two derived routing flags
// spec §4.6 calls out explicitly.
type SelectionResult struct {
	Servers []description.Server
	SlaveOK bool
	Mongos  bool
}

// Select runs the six-stage server-selection algorithm of spec §4.6 once,
// against a single Topology snapshot, and returns every surviving
// candidate; it does not itself wait or retry — Topology.SelectServer
// layers the "wait for the next topology change or the deadline" loop
// (spec §4.6 step 6) on top of repeated calls to Select.
func Select(topo description.Topology, op OperationKind, rp ReadPreference, localThreshold time.Duration) (SelectionResult, error) {
	if err := description.CompatibilityError(topo, SupportedWireVersionRange.Min, SupportedWireVersionRange.Max); err != nil {
		return SelectionResult{}, &IncompatibleWireVersionError{Wrapped: err}
	}

	candidates := projectCandidates(topo, op, rp)
	candidates = applyMaxStaleness(topo, candidates, rp)
	candidates = applyTagSets(candidates, rp.TagSets)
	candidates = applyLatencyWindow(candidates, localThreshold)

	mongos := topo.Kind == description.TopologySharded
	slaveOK := op == ReadOperation && !mongos

	return SelectionResult{Servers: candidates, SlaveOK: slaveOK, Mongos: mongos}, nil
}

// defaultLocalThreshold is the default latency window width (spec §6's
// localThresholdMS), overridable per Topology via WithLocalThreshold.
const defaultLocalThreshold = 15 * time.Millisecond

// IncompatibleWireVersionError reports that no server in the topology
// speaks a wire version range overlapping this driver's own.
type IncompatibleWireVersionError struct {
	Wrapped error
}

func (e *IncompatibleWireVersionError) Error() string {
	return fmt.Sprintf("topology: incompatible wire version: %v", e.Wrapped)
}

func (e *IncompatibleWireVersionError) Unwrap() error { return e.Wrapped }

// projectCandidates implements spec §4.6 server-selection step 2: the
// candidate set depends on the topology's kind, the operation's read/write
// direction, and (for reads against a replica set) the read-preference
// mode.
func projectCandidates(topo description.Topology, op OperationKind, rp ReadPreference) []description.Server {
	switch topo.Kind {
	case description.TopologyUnknown:
		return nil
	case description.TopologySingle:
		for _, s := range topo.Servers {
			return []description.Server{s}
		}
		return nil
	case description.TopologySharded:
		return serversOfKind(topo, description.Mongos)
	case description.TopologyLoadBalanced:
		return serversOfKind(topo, description.LoadBalancer)
	}

	// Replica set.
	if op == WriteOperation {
		return serversOfKind(topo, description.RSPrimary)
	}

	primaries := serversOfKind(topo, description.RSPrimary)
	secondaries := serversOfKind(topo, description.RSSecondary)

	switch rp.Mode {
	case PrimaryMode:
		return primaries
	case SecondaryMode:
		return secondaries
	case PrimaryPreferredMode:
		if len(primaries) > 0 {
			return primaries
		}
		return secondaries
	case SecondaryPreferredMode:
		if len(secondaries) > 0 {
			return secondaries
		}
		return primaries
	case NearestMode:
		return append(primaries, secondaries...)
	default:
		return primaries
	}
}

func serversOfKind(topo description.Topology, kind description.ServerKind) []description.Server {
	var out []description.Server
	for _, s := range topo.Servers {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// applyMaxStaleness implements spec §4.6 step 3. Only meaningful for
// secondaries within a replica set; primaries and non-replica-set
// candidates pass through untouched.
func applyMaxStaleness(topo description.Topology, candidates []description.Server, rp ReadPreference) []description.Server {
	if rp.MaxStaleness == 0 {
		return candidates
	}

	var primary *description.Server
	var newestSecondaryWrite time.Time
	for addr, s := range topo.Servers {
		if s.Kind == description.RSPrimary {
			p := topo.Servers[addr]
			primary = &p
		}
		if s.Kind == description.RSSecondary && s.LastWriteDate.After(newestSecondaryWrite) {
			newestSecondaryWrite = s.LastWriteDate
		}
	}

	out := candidates[:0:0]
	for _, s := range candidates {
		if s.Kind != description.RSSecondary {
			out = append(out, s)
			continue
		}

		var staleness time.Duration
		if primary != nil {
			staleness = primary.LastWriteDate.Sub(s.LastWriteDate) + s.HeartbeatInterval
		} else {
			staleness = newestSecondaryWrite.Sub(s.LastWriteDate) + s.HeartbeatInterval
		}
		if staleness <= rp.MaxStaleness {
			out = append(out, s)
		}
	}
	return out
}

// applyTagSets implements spec §4.6 step 4: the first tag set (in order)
// that matches at least one candidate wins; candidates not matching it are
// dropped. An empty tagSets list matches everything.
func applyTagSets(candidates []description.Server, tagSets []TagSet) []description.Server {
	if len(tagSets) == 0 {
		return candidates
	}

	for _, tagSet := range tagSets {
		var matched []description.Server
		for _, s := range candidates {
			if tagsSuperset(s.Tags, tagSet) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

func tagsSuperset(serverTags map[string]string, want TagSet) bool {
	for k, v := range want {
		if serverTags[k] != v {
			return false
		}
	}
	return true
}

// applyLatencyWindow implements spec §4.6 step 5.
func applyLatencyWindow(candidates []description.Server, localThreshold time.Duration) []description.Server {
	if len(candidates) == 0 {
		return candidates
	}

	minRTT := candidates[0].AverageRTT
	for _, s := range candidates[1:] {
		if s.AverageRTT < minRTT {
			minRTT = s.AverageRTT
		}
	}

	out := candidates[:0:0]
	for _, s := range candidates {
		if s.AverageRTT <= minRTT+localThreshold {
			out = append(out, s)
		}
	}
	return out
}
