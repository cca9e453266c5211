// Copyright © 2025 the task-spooler authors.
//
//  This file is part of task-spooler.
//
//  task-spooler is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  task-spooler is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylincaster/task-spooler/engine"
)

type fakeUsers struct{ n int }

func (f fakeUsers) Number() int { return f.n }
func (f fakeUsers) InternalUID(realUID int) (int, bool) {
	if realUID < f.n {
		return realUID, true
	}
	return 0, f.n > 0
}
func (f fakeUsers) Name(internalUID int) string { return fmt.Sprintf("user%d", internalUID) }

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestPersistRecordSurvivesLongStateNames reproduces the condition that
// used to panic: a job whose state name is longer than the 4-byte headroom
// a fixed 17-byte buffer left (holding_client is 14 bytes on its own).
// Submitting against an engine with MaxJobs: 0 forces every job straight to
// StateHoldingClient, so the very first real persist exercises it.
func TestPersistRecordSurvivesLongStateNames(t *testing.T) {
	db := openTestDB(t)
	clk := time.Unix(1700000000, 0)
	e := engine.New(engine.Config{MaxSlots: 1, MaxJobs: 0, MaxFinished: 10}, fakeUsers{n: 1}, []int{1 << 30}, engine.Deps{
		Store: db,
		Clock: func() time.Time { return clk },
	})

	id, err := e.Submit(engine.SubmitRequest{RealUID: 0, Command: "echo hi", NumSlots: 1})
	require.NoError(t, err)

	job := e.Table().Find(id)
	require.NotNil(t, job)
	assert.Equal(t, engine.StateHoldingClient, job.Snapshot().State)

	data, err := db.ReadByID(engine.TableJobs, id)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := engine.DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, id, decoded.ID)
	assert.Equal(t, engine.StateHoldingClient, decoded.State)
	assert.Equal(t, "echo hi", decoded.Command)
}

// TestRecoverRestoresFullJobAndActiveOrder is the persistence round-trip
// spec.md's restore-from-disk rules promise: submit several jobs, reorder
// the active list with urgent/swap, then build a fresh engine against the
// same store and Recover it. The new engine's active order, commands and
// job ids must match the original, not just a truncated id/state/pid shell.
func TestRecoverRestoresFullJobAndActiveOrder(t *testing.T) {
	db := openTestDB(t)
	clk := time.Unix(1700000000, 0)
	newEngine := func() *engine.Engine {
		return engine.New(engine.Config{MaxSlots: 0, MaxJobs: 1000, MaxFinished: 10}, fakeUsers{n: 1}, []int{1 << 30}, engine.Deps{
			Store: db,
			Clock: func() time.Time { return clk },
		})
	}

	e := newEngine()
	a, err := e.Submit(engine.SubmitRequest{RealUID: 0, Command: "cmd-a", NumSlots: 1})
	require.NoError(t, err)
	b, err := e.Submit(engine.SubmitRequest{RealUID: 0, Command: "cmd-b", NumSlots: 1})
	require.NoError(t, err)
	c, err := e.Submit(engine.SubmitRequest{RealUID: 0, Command: "cmd-c", NumSlots: 1})
	require.NoError(t, err)

	require.NoError(t, e.MoveUrgent(c))
	require.NoError(t, e.SwapJobs(a, b))
	wantOrder := e.Table().ActiveIDs()

	fresh := newEngine()
	require.NoError(t, fresh.Recover(engine.DecodeJob))

	assert.Equal(t, wantOrder, fresh.Table().ActiveIDs())
	for _, id := range wantOrder {
		orig := e.Table().Find(id).Snapshot()
		got := fresh.Table().Find(id)
		require.NotNil(t, got, "job %d missing after recover", id)
		assert.Equal(t, orig.Command, got.Snapshot().Command)
	}
	assert.Equal(t, e.LastID(), fresh.LastID())
}
