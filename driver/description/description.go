// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the ServerDescription/TopologyDescription
// types and the SDAM state machine that folds a stream of hello/isMaster
// replies into them (spec §4.6). The server-kind-as-string-const and
// addr-keyed-server-list shapes are grounded on
// mongo/private/roots/topology's fsm/description.Server pairing (that
// package's non-test source was not in the retrieved pack, so the shape
// is rebuilt from the sdam_spec_test.go usage: NewServer(addr, isMaster),
// fsm.apply(server), Kind.String()).
package description

import (
	"fmt"
	"time"

	"github.com/rivermdb/driver/bson"
)

// ServerKind classifies a single server's role, as reported by its last
// hello/isMaster reply.
type ServerKind string

const (
	Unknown       ServerKind = "Unknown"
	Standalone    ServerKind = "Standalone"
	Mongos        ServerKind = "Mongos"
	RSPrimary     ServerKind = "RSPrimary"
	RSSecondary   ServerKind = "RSSecondary"
	RSArbiter     ServerKind = "RSArbiter"
	RSGhost       ServerKind = "RSGhost"
	RSOther       ServerKind = "RSOther"
	LoadBalancer  ServerKind = "LoadBalancer"
)

// TopologyKind classifies the deployment shape SDAM currently believes it
// is talking to.
type TopologyKind string

const (
	TopologyUnknown               TopologyKind = "Unknown"
	TopologySingle                TopologyKind = "Single"
	TopologyReplicaSetNoPrimary   TopologyKind = "ReplicaSetNoPrimary"
	TopologyReplicaSetWithPrimary TopologyKind = "ReplicaSetWithPrimary"
	TopologySharded               TopologyKind = "Sharded"
	TopologyLoadBalanced          TopologyKind = "LoadBalanced"
)

func (k TopologyKind) String() string { return string(k) }
func (k ServerKind) String() string   { return string(k) }

// VersionRange is an inclusive [Min, Max] wire version range, as reported
// by minWireVersion/maxWireVersion in a hello reply.
type VersionRange struct {
	Min, Max int32
}

// Includes reports whether v is within the range, inclusive.
func (r VersionRange) Includes(v int32) bool {
	return v >= r.Min && v <= r.Max
}

// Server is a point-in-time description of one server, built from its
// last successful hello/isMaster reply (or the error from its last failed
// attempt).
type Server struct {
	Addr    string
	Kind    ServerKind
	Err     error

	SetName    string
	SetVersion int64
	ElectionID bson.ObjectID
	Primary    string // the "primary" field: the set's believed primary, per this member
	Me         string
	Hosts      []string
	Passives   []string
	Arbiters   []string
	Tags       map[string]string

	WireVersion        VersionRange
	MaxBatchCount       int32
	MaxDocumentSize     int32
	MaxMessageSize      int32
	Compression         []string

	LastWriteDate  time.Time
	LastUpdateTime time.Time
	AverageRTT     time.Duration
	AverageRTTSet  bool

	// HeartbeatInterval is the Monitor's configured heartbeat frequency at
	// the time this description was built, stamped on by the Monitor (not
	// reported by the server itself) so the max-staleness server-selection
	// filter (spec §4.6 step 3) has it without a back-reference to config.
	HeartbeatInterval time.Duration

	TopologyVersionCounter int64
}

// NewDefaultServer returns the Unknown-kind description a server starts
// life as, before its first successful heartbeat.
func NewDefaultServer(addr string) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError builds an Unknown-kind description carrying the error
// from a failed heartbeat or handshake, per spec §4.6's error-handling
// clause of the SDAM update algorithm.
func NewServerFromError(addr string, err error) Server {
	return Server{Addr: addr, Kind: Unknown, Err: err, LastUpdateTime: time.Now()}
}

// NewServer builds a Server description from a successful hello/isMaster
// reply document and the RTT just observed for it.
func NewServer(addr string, reply bson.Raw, rtt time.Duration) (Server, error) {
	d, err := bson.UnmarshalD([]byte(reply))
	if err != nil {
		return Server{}, err
	}
	m := d.Map()

	s := Server{
		Addr:           addr,
		Kind:           Standalone,
		Tags:           map[string]string{},
		LastUpdateTime: time.Now(),
		AverageRTT:     rtt,
		AverageRTTSet:  true,
	}

	isReplicaSet, _ := m["isreplicaset"].(bool)
	isMaster, _ := boolField(m, "ismaster")
	secondary, _ := boolField(m, "secondary")
	arbiterOnly, _ := boolField(m, "arbiterOnly")
	msg, _ := m["msg"].(string)
	setName, hasSetName := m["setName"].(string)

	switch {
	case msg == "isdbgrid":
		s.Kind = Mongos
	case isReplicaSet:
		s.Kind = RSGhost
	case hasSetName && setName != "":
		s.SetName = setName
		switch {
		case isMaster:
			s.Kind = RSPrimary
		case secondary:
			s.Kind = RSSecondary
		case arbiterOnly:
			s.Kind = RSArbiter
		default:
			s.Kind = RSOther
		}
	default:
		s.Kind = Standalone
	}

	if v, ok := m["setVersion"]; ok {
		s.SetVersion = toInt64(v)
	}
	if v, ok := m["electionId"].(bson.ObjectID); ok {
		s.ElectionID = v
	}
	if v, ok := m["primary"].(string); ok {
		s.Primary = v
	}
	if v, ok := m["me"].(string); ok {
		s.Me = v
	}
	s.Hosts = stringSlice(m["hosts"])
	s.Passives = stringSlice(m["passives"])
	s.Arbiters = stringSlice(m["arbiters"])
	if tagsRaw, ok := m["tags"].(bson.D); ok {
		for _, e := range tagsRaw {
			if sv, ok := e.Value.(string); ok {
				s.Tags[e.Key] = sv
			}
		}
	}

	if v, ok := m["minWireVersion"]; ok {
		s.WireVersion.Min = int32(toInt64(v))
	}
	if v, ok := m["maxWireVersion"]; ok {
		s.WireVersion.Max = int32(toInt64(v))
	}
	if v, ok := m["maxBsonObjectSize"]; ok {
		s.MaxDocumentSize = int32(toInt64(v))
	}
	if v, ok := m["maxMessageSizeBytes"]; ok {
		s.MaxMessageSize = int32(toInt64(v))
	}
	if v, ok := m["maxWriteBatchSize"]; ok {
		s.MaxBatchCount = int32(toInt64(v))
	}
	if v, ok := m["lastWrite"].(bson.D); ok {
		if lwd, ok := v.Map()["lastWriteDate"].(bson.DateTime); ok {
			s.LastWriteDate = time.UnixMilli(int64(lwd)).UTC()
		}
	}
	s.Compression = stringSlice(m["compression"])

	return s, nil
}

func boolField(m bson.M, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

func stringSlice(v interface{}) []string {
	a, ok := v.(bson.A)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a))
	for _, e := range a {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// DataBearing reports whether a server of this kind can be read from or
// written to (excludes Unknown, RSGhost, RSArbiter, RSOther).
func (k ServerKind) DataBearing() bool {
	switch k {
	case Standalone, Mongos, RSPrimary, RSSecondary, LoadBalancer:
		return true
	default:
		return false
	}
}

// Topology is a point-in-time description of the whole deployment: its
// kind, replica set name (if any), and the Server description of every
// member SDAM currently knows about.
type Topology struct {
	Kind    TopologyKind
	SetName string
	MaxSetVersion int64
	MaxElectionID bson.ObjectID
	Servers map[string]Server
}

// NewTopology builds the starting Topology description for a deployment,
// per the seed list and topology kind implied by the connection
// configuration (single host vs. replica set name vs. multiple hosts).
func NewTopology(kind TopologyKind, setName string, seeds []string) Topology {
	t := Topology{Kind: kind, SetName: setName, Servers: map[string]Server{}}
	for _, addr := range seeds {
		t.Servers[addr] = NewDefaultServer(addr)
	}
	return t
}

// Server looks up a member of the topology by address.
func (t Topology) Server(addr string) (Server, bool) {
	s, ok := t.Servers[addr]
	return s, ok
}

// Clone returns a deep-enough copy of t for the single-writer mailbox to
// hand out to readers (server selection and subscribers) without a data
// race against the next mutation.
func (t Topology) Clone() Topology {
	out := Topology{Kind: t.Kind, SetName: t.SetName, MaxSetVersion: t.MaxSetVersion, MaxElectionID: t.MaxElectionID}
	out.Servers = make(map[string]Server, len(t.Servers))
	for k, v := range t.Servers {
		out.Servers[k] = v
	}
	return out
}

func (t Topology) String() string {
	return fmt.Sprintf("Topology{Kind: %s, SetName: %q, Servers: %d}", t.Kind, t.SetName, len(t.Servers))
}
