// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/rivermdb/driver/bson"
	"github.com/rivermdb/driver/bson/bsoncore"
	"github.com/rivermdb/driver/driver/conn"
	"github.com/rivermdb/driver/internal/logger"
	"github.com/rivermdb/driver/mongo/cursor"
)

var (
	_ cursor.Runner       = ConnectionRunner{}
	_ cursor.LegacyKiller = ConnectionRunner{}
)

// ConnectionRunner adapts one checked-out Connection to mongo/cursor.Runner,
// so a Cursor's getMore/killCursors calls stay pinned to the exact server
// its originating find/aggregate command ran against — a server-side
// cursor id is only meaningful against the server that issued it (spec
// §4.8). This is the concrete Runner mongo/cursor's own doc comment names:
// "typically driver/topology.Checkout plus a driver/conn.Connection".
type ConnectionRunner struct {
	Conn   conn.Connection
	Logger *logger.Logger
}

// RunCommand implements cursor.Runner.
func (r ConnectionRunner) RunCommand(ctx context.Context, db string, cmd bson.D) (bsoncore.Document, error) {
	return conn.RunCommand(ctx, r.Conn, r.Logger, db, cmd)
}

// KillCursorsLegacy implements cursor.LegacyKiller, delegating to the raw
// OP_KILL_CURSORS path for servers below the OP_MSG cutover.
func (r ConnectionRunner) KillCursorsLegacy(ctx context.Context, ids []int64) error {
	return conn.LegacyKillCursors(ctx, r.Conn, ids)
}

// Runner returns a cursor.Runner bound to c and to this Topology's
// configured logger, so a cursor's getMore/killCursors commands are logged
// exactly like any other command.
func (t *Topology) Runner(c conn.Connection) ConnectionRunner {
	return ConnectionRunner{Conn: c, Logger: t.cfg.logger}
}
