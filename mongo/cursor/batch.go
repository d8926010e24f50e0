// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cursor

import (
	"context"

	"github.com/rivermdb/driver/bson"
)

// CursorRef identifies one abandoned server-side cursor for batched
// teardown. ServerKey groups refs that share a connection/server without
// relying on Runner's comparability: an interface value backed by a
// non-comparable concrete type would panic if used directly as a map key.
type CursorRef struct {
	ServerKey  string
	Runner     Runner
	Database   string
	Collection string
	ID         int64
}

// LegacyKiller is implemented by a Runner that can also tear down a
// pre-OP_MSG cursor with a raw OP_KILL_CURSORS instead of the modern
// killCursors command. driver/topology.ConnectionRunner implements it by
// delegating to driver/conn.LegacyKillCursors.
type LegacyKiller interface {
	KillCursorsLegacy(ctx context.Context, ids []int64) error
}

// Abandon marks c closed without issuing its own kill_cursors call and
// returns a CursorRef describing the still-open server-side cursor; ok is
// false when the cursor was already closed or had cursor id 0 (nothing to
// tear down). Callers that reap many cursors in the same GC-adjacent pass
// (e.g. a runtime.SetFinalizer queue) collect these refs and hand them to
// BatchKillCursors instead of letting each Cursor tear down individually.
func (c *Cursor) Abandon(serverKey string) (CursorRef, bool) {
	if c.closed || c.id == 0 {
		c.closed = true
		return CursorRef{}, false
	}
	ref := CursorRef{ServerKey: serverKey, Runner: c.runner, Database: c.db, Collection: c.coll, ID: c.id}
	c.id = 0
	c.closed = true
	return ref, true
}

// BatchKillCursors tears down refs in one killCursors command per
// (ServerKey, Database, Collection) group instead of one command per
// cursor. Failures are best-effort, same as the per-cursor path, except
// that a group whose Runner also implements LegacyKiller retries through
// the legacy opcode, one command per group, when the modern command fails
// (the same modern-first/legacy-fallback shape kill_cursors itself uses).
func BatchKillCursors(ctx context.Context, refs []CursorRef) {
	type group struct {
		refs []CursorRef
	}
	groups := map[string]*group{}
	var order []string
	for _, ref := range refs {
		key := ref.ServerKey + "\x00" + ref.Database + "\x00" + ref.Collection
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.refs = append(g.refs, ref)
	}

	for _, key := range order {
		g := groups[key]
		first := g.refs[0]
		ids := make(bson.A, len(g.refs))
		rawIDs := make([]int64, len(g.refs))
		for i, ref := range g.refs {
			ids[i] = ref.ID
			rawIDs[i] = ref.ID
		}

		cmd := bson.D{{Key: "killCursors", Value: first.Collection}, {Key: "cursors", Value: ids}}
		if _, err := first.Runner.RunCommand(ctx, first.Database, cmd); err != nil {
			if legacy, ok := first.Runner.(LegacyKiller); ok {
				legacy.KillCursorsLegacy(ctx, rawIDs)
			}
		}
	}
}
