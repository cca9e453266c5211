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

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeJobEveryState guards against the fixed-size-buffer bug where
// encodeJob's backing array was sized for the shortest state name and
// panicked on longer ones (eg. "holding_client"); every defined JobState
// must round-trip regardless of its length.
func TestEncodeJobEveryState(t *testing.T) {
	states := []JobState{
		StateQueued, StateHoldingClient, StateLocked, StateRunning,
		StatePause, StateSkipped, StateFinished, StateRelink, StateWait, StateDelink,
	}
	for _, state := range states {
		job := &Job{ID: 42, State: state, Command: "true"}
		var data []byte
		assert.NotPanics(t, func() { data = EncodeJob(job) })

		decoded, err := DecodeJob(data)
		require.NoError(t, err)
		assert.Equal(t, state, decoded.State)
		assert.Equal(t, job.ID, decoded.ID)
	}
}

// TestEncodeDecodeJobRoundTrip checks that every field a restart needs to
// re-run or re-schedule a job - not just id/state/pid - survives the
// encode/decode round trip.
func TestEncodeDecodeJobRoundTrip(t *testing.T) {
	job := &Job{
		ID:                   7,
		State:                StateQueued,
		InternalUID:          3,
		Command:              "make test",
		CommandStrip:         2,
		WorkDir:              "/tmp/build",
		Label:                "nightly",
		Email:                "ops@example.com",
		NumSlots:             2,
		NumAllocated:         0,
		DependOn:             []int64{1, 2},
		DependencyErrorlevel: 1,
		NotifyErrorlevelTo:   []int64{9},
		Pid:                  0,
		OutputFilename:       "/tmp/out.log",
		StoreOutput:          true,
		KeepFinished:         true,
		TasksetFlag:          true,
		Cores:                []int{0, 1},
		Result:               Result{Errorlevel: 0},
		Seq:                  4,
	}

	decoded, err := DecodeJob(EncodeJob(job))
	require.NoError(t, err)

	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.State, decoded.State)
	assert.Equal(t, job.InternalUID, decoded.InternalUID)
	assert.Equal(t, job.Command, decoded.Command)
	assert.Equal(t, job.CommandStrip, decoded.CommandStrip)
	assert.Equal(t, job.WorkDir, decoded.WorkDir)
	assert.Equal(t, job.Label, decoded.Label)
	assert.Equal(t, job.Email, decoded.Email)
	assert.Equal(t, job.NumSlots, decoded.NumSlots)
	assert.Equal(t, job.DependOn, decoded.DependOn)
	assert.Equal(t, job.DependencyErrorlevel, decoded.DependencyErrorlevel)
	assert.Equal(t, job.NotifyErrorlevelTo, decoded.NotifyErrorlevelTo)
	assert.Equal(t, job.OutputFilename, decoded.OutputFilename)
	assert.Equal(t, job.StoreOutput, decoded.StoreOutput)
	assert.Equal(t, job.KeepFinished, decoded.KeepFinished)
	assert.Equal(t, job.TasksetFlag, decoded.TasksetFlag)
	assert.Equal(t, job.Cores, decoded.Cores)
	assert.Equal(t, job.Seq, decoded.Seq)
}
