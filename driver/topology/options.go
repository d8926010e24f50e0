// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/rivermdb/driver/driver/auth"
	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/internal/logger"
)

const (
	defaultHeartbeatInterval     = 10 * time.Second
	minHeartbeatInterval         = 500 * time.Millisecond
	defaultServerSelectionTimeout = 30 * time.Second
	defaultHeartbeatTimeout      = 10 * time.Second
	defaultMaxPoolSize           = 10
)

type config struct {
	seeds                  []string
	kind                   topologyKind
	setName                string
	appName                string
	compressors            []string
	heartbeatInterval      time.Duration
	heartbeatTimeout       time.Duration
	serverSelectionTimeout time.Duration
	localThreshold         time.Duration
	connOpts               []conn.Option
	maxPoolSize            int
	credential             *auth.Cred
	logger                 *logger.Logger
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		heartbeatInterval:      defaultHeartbeatInterval,
		heartbeatTimeout:       defaultHeartbeatTimeout,
		serverSelectionTimeout: defaultServerSelectionTimeout,
		localThreshold:         defaultLocalThreshold,
		maxPoolSize:            defaultMaxPoolSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures a Topology. The functional-options pattern mirrors
// driver/conn's Option and the teacher's cluster.Option/server.ServerOption
// family.
type Option func(*config)

// topologyKind is the starting kind a Topology assumes before its first
// heartbeat replies arrive, per spec §4.6's topology-initialization rules:
// a single seed with no replica-set name starts life as Single (becoming
// definite on the first reply); a replica-set name starts as
// ReplicaSetNoPrimary; multiple seeds without a set name start as Unknown.
type topologyKind int

const (
	autoKind topologyKind = iota
	singleKind
	replicaSetKind
)

// WithSeedList sets the initial server addresses the Topology dials.
func WithSeedList(seeds ...string) Option {
	return func(cfg *config) { cfg.seeds = seeds }
}

// WithReplicaSetName hints that the deployment is a replica set of the
// given name, matching the connstring `replicaSet` option (spec §6).
func WithReplicaSetName(name string) Option {
	return func(cfg *config) {
		cfg.setName = name
		cfg.kind = replicaSetKind
	}
}

// WithDirectConnection forces a Single-kind topology regardless of seed
// count, for talking to one known standalone/member directly.
func WithDirectConnection() Option {
	return func(cfg *config) { cfg.kind = singleKind }
}

// WithAppName sets the `client.application.name` field every isMaster
// carries (spec §6's `appName` connstring option).
func WithAppName(name string) Option {
	return func(cfg *config) { cfg.appName = name }
}

// WithCompressors sets the wire-compression negotiation offered in every
// isMaster/hello.
func WithCompressors(names ...string) Option {
	return func(cfg *config) { cfg.compressors = names }
}

// WithHeartbeatInterval overrides the 10s default heartbeat frequency
// (spec §6's `heartbeatFrequencyMS`); values below the 500ms rate limit
// are clamped up to it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(cfg *config) {
		if d < minHeartbeatInterval {
			d = minHeartbeatInterval
		}
		cfg.heartbeatInterval = d
	}
}

// WithHeartbeatTimeout overrides the 10s default deadline a single isMaster
// probe (dial + command round trip) may take before the Monitor treats it
// as a failed heartbeat.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.heartbeatTimeout = d }
}

// WithServerSelectionTimeout overrides the 30s default deadline a
// SelectServer call waits before failing (spec §6's
// `serverSelectionTimeoutMS`).
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.serverSelectionTimeout = d }
}

// WithLocalThreshold overrides the 15ms default latency-window width
// (spec §6's `localThresholdMS`).
func WithLocalThreshold(d time.Duration) Option {
	return func(cfg *config) { cfg.localThreshold = d }
}

// WithConnectionOptions threads extra driver/conn.Options into every
// connection the Topology's monitors and pools dial, e.g. WithTLSConfig or
// WithDialer for tests.
func WithConnectionOptions(opts ...conn.Option) Option {
	return func(cfg *config) { cfg.connOpts = append(cfg.connOpts, opts...) }
}

// WithMaxPoolSize overrides the default 10-connection-per-server cap each
// application (non-monitor) connection pool enforces (spec §6's
// `maxPoolSize` connstring option; spec §4.7).
func WithMaxPoolSize(n int) Option {
	return func(cfg *config) { cfg.maxPoolSize = n }
}

// WithCredential configures authentication: every application connection
// the Topology's pools hand out completes cred's mechanism handshake (spec
// §4.4) immediately after its hello/isMaster handshake and before it is
// usable. Monitor probe connections never authenticate regardless of this
// option (spec §4.5).
func WithCredential(cred *auth.Cred) Option {
	return func(cfg *config) { cfg.credential = cred }
}

// WithLogger attaches a logger.Logger that receives a
// TopologyDescriptionChangedMessage on every SDAM update and a
// ServerSelectionSucceededMessage on every successful SelectServer call
// (spec §4.6/§4.7's observability surface). A nil logger (the default)
// disables both.
func WithLogger(l *logger.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}
