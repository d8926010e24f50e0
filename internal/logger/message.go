// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "github.com/rivermdb/driver/bson"

// ComponentMessage is anything the driver's internal components can hand
// to Logger.Print: a human-readable message plus the structured
// key/value pairs attached to it.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// CommandMessageDropped is logged in place of a real message when the
// internal job queue is full, so that a log consumer sees evidence of
// the drop rather than silence.
type CommandMessageDropped struct{}

func (CommandMessageDropped) Component() Component    { return ComponentCommand }
func (CommandMessageDropped) Message() string         { return "Command message dropped, queue was full" }
func (CommandMessageDropped) Serialize() []interface{} { return nil }

// CommandStartedMessage is logged before a command is sent to a server.
type CommandStartedMessage struct {
	CommandName  string
	DatabaseName string
	RequestID    int32
	ServerConnID string
	Command      bson.Raw
}

func (CommandStartedMessage) Component() Component { return ComponentCommand }
func (m CommandStartedMessage) Message() string    { return "Command started" }
func (m CommandStartedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ServerConnID,
		"command", m.Command,
	}
}

// CommandSucceededMessage is logged when a server replies with ok:1.
type CommandSucceededMessage struct {
	CommandName  string
	RequestID    int32
	ServerConnID string
	DurationMS   int64
	Reply        bson.Raw
}

func (CommandSucceededMessage) Component() Component { return ComponentCommand }
func (m CommandSucceededMessage) Message() string    { return "Command succeeded" }
func (m CommandSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ServerConnID,
		"durationMS", m.DurationMS,
		"reply", m.Reply,
	}
}

// CommandFailedMessage is logged when a command fails, whether at the
// network layer or via a server-returned error document.
type CommandFailedMessage struct {
	CommandName  string
	RequestID    int32
	ServerConnID string
	DurationMS   int64
	Failure      string
}

func (CommandFailedMessage) Component() Component { return ComponentCommand }
func (m CommandFailedMessage) Message() string    { return "Command failed" }
func (m CommandFailedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ServerConnID,
		"durationMS", m.DurationMS,
		"failure", m.Failure,
	}
}

// ConnectionCreatedMessage is logged once a connection has finished
// dialing and handshaking and is ready to be checked out of its pool.
type ConnectionCreatedMessage struct {
	ServerConnID string
	ServerHost   string
}

func (ConnectionCreatedMessage) Component() Component { return ComponentConnection }
func (m ConnectionCreatedMessage) Message() string    { return "Connection created" }
func (m ConnectionCreatedMessage) Serialize() []interface{} {
	return []interface{}{
		"driverConnectionId", m.ServerConnID,
		"serverHost", m.ServerHost,
	}
}

// ConnectionClosedMessage is logged when a connection is closed, whether
// by pool shutdown, idle/lifetime expiry, or a socket error.
type ConnectionClosedMessage struct {
	ServerConnID string
	Reason       string
}

func (ConnectionClosedMessage) Component() Component { return ComponentConnection }
func (m ConnectionClosedMessage) Message() string     { return "Connection closed" }
func (m ConnectionClosedMessage) Serialize() []interface{} {
	return []interface{}{
		"driverConnectionId", m.ServerConnID,
		"reason", m.Reason,
	}
}

// TopologyDescriptionChangedMessage is logged whenever SDAM applies a new
// TopologyDescription (spec §4.6).
type TopologyDescriptionChangedMessage struct {
	TopologyID  string
	PreviousDesc string
	NewDesc      string
}

func (TopologyDescriptionChangedMessage) Component() Component { return ComponentTopology }
func (m TopologyDescriptionChangedMessage) Message() string    { return "Topology description changed" }
func (m TopologyDescriptionChangedMessage) Serialize() []interface{} {
	return []interface{}{
		"topologyId", m.TopologyID,
		"previousDescription", m.PreviousDesc,
		"newDescription", m.NewDesc,
	}
}

// ServerSelectionSucceededMessage is logged when server selection picks a
// server (spec §4.7).
type ServerSelectionSucceededMessage struct {
	Operation string
	Selected  string
	DurationMS int64
}

func (ServerSelectionSucceededMessage) Component() Component { return ComponentServerSelection }
func (m ServerSelectionSucceededMessage) Message() string    { return "Server selection succeeded" }
func (m ServerSelectionSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		"operation", m.Operation,
		"serverHost", m.Selected,
		"durationMS", m.DurationMS,
	}
}
