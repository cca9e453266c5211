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
	"fmt"
	"time"

	"github.com/ugorji/go/codec"
)

// persistedJob is the on-disk shape of a Job, encoded with the same
// codec.BincHandle the wire package uses for client-facing payloads (see
// wire.Handle). Every field recovery or a restarted listing needs is
// carried here; nothing is reconstructed by guessing at a fixed byte
// offset. Timestamps are stored as UnixNano, since time.Time itself doesn't
// round-trip cleanly through Binc across process boundaries.
type persistedJob struct {
	ID           int64
	State        JobState
	InternalUID  int
	Command      string
	CommandStrip int
	WorkDir      string
	Label        string
	Email        string

	NumSlots     int
	NumAllocated int

	DependOn             []int64
	DependencyErrorlevel int
	NotifyErrorlevelTo   []int64

	Pid            int
	OutputFilename string
	StoreOutput    bool
	KeepFinished   bool

	TasksetFlag bool
	Cores       []int

	Environment string
	EnqueueTime int64
	StartTime   int64
	EndTime     int64

	Result Result

	// Seq records the job's position in the active list at the moment it
	// was last persisted, so recovery can rebuild move_urgent/swap
	// reorderings instead of falling back to id order.
	Seq int64
}

func persistHandle() codec.Handle { return &codec.BincHandle{} }

// EncodeJob serializes every field recovery, listing or a future
// reorder-aware restore needs. It is the single encoder used for both the
// "Jobs" and "Finished" buckets.
func EncodeJob(job *Job) []byte {
	p := persistedJob{
		ID:                   job.ID,
		State:                job.State,
		InternalUID:          job.InternalUID,
		Command:              job.Command,
		CommandStrip:         job.CommandStrip,
		WorkDir:              job.WorkDir,
		Label:                job.Label,
		Email:                job.Email,
		NumSlots:             job.NumSlots,
		NumAllocated:         job.NumAllocated,
		DependOn:             job.DependOn,
		DependencyErrorlevel: job.DependencyErrorlevel,
		NotifyErrorlevelTo:   job.NotifyErrorlevelTo,
		Pid:                  job.Pid,
		OutputFilename:       job.OutputFilename,
		StoreOutput:          job.StoreOutput,
		KeepFinished:         job.KeepFinished,
		TasksetFlag:          job.TasksetFlag,
		Cores:                job.Cores,
		Environment:          job.Info.Environment,
		EnqueueTime:          unixNano(job.Info.EnqueueTime),
		StartTime:            unixNano(job.Info.StartTime),
		EndTime:              unixNano(job.Info.EndTime),
		Result:               job.Result,
		Seq:                  job.Seq,
	}

	var out []byte
	enc := codec.NewEncoderBytes(&out, persistHandle())
	if err := enc.Encode(&p); err != nil {
		// A job record that can't be encoded with the shared codec is a
		// programming error (unsupported field type), not a runtime
		// condition callers can recover from.
		panic(fmt.Sprintf("engine: encoding job %d: %v", job.ID, err))
	}
	return out
}

// DecodeJob is EncodeJob's inverse. It is the only place that knows the
// on-disk layout, so store and cmd/tsd never need their own copy of it.
func DecodeJob(data []byte) (*Job, error) {
	var p persistedJob
	dec := codec.NewDecoderBytes(data, persistHandle())
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("engine: decoding job record: %w", err)
	}

	return &Job{
		ID:                   p.ID,
		State:                p.State,
		InternalUID:          p.InternalUID,
		Command:              p.Command,
		CommandStrip:         p.CommandStrip,
		WorkDir:              p.WorkDir,
		Label:                p.Label,
		Email:                p.Email,
		NumSlots:             p.NumSlots,
		NumAllocated:         p.NumAllocated,
		DependOn:             p.DependOn,
		DependencyErrorlevel: p.DependencyErrorlevel,
		NotifyErrorlevelTo:   p.NotifyErrorlevelTo,
		Pid:                  p.Pid,
		OutputFilename:       p.OutputFilename,
		StoreOutput:          p.StoreOutput,
		KeepFinished:         p.KeepFinished,
		TasksetFlag:          p.TasksetFlag,
		Cores:                p.Cores,
		Info: Info{
			Environment: p.Environment,
			EnqueueTime: timeFromUnixNano(p.EnqueueTime),
			StartTime:   timeFromUnixNano(p.StartTime),
			EndTime:     timeFromUnixNano(p.EndTime),
		},
		Result: p.Result,
		Seq:    p.Seq,
	}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
