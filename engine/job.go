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

// Package engine implements the scheduling and job-lifecycle core of the
// task-spooler daemon: the job table, the dependency graph, the multi-tenant
// slot accounting and the state machine that drives a job from submission to
// FINISHED or SKIPPED.
package engine

import (
	"sync"
	"time"
)

// JobState is one of the states a Job can occupy during its lifetime.
type JobState string

// The full set of job states, per the task-spooler state machine.
const (
	StateQueued        JobState = "queued"
	StateHoldingClient JobState = "holding_client"
	StateLocked        JobState = "locked"
	StateRunning       JobState = "running"
	StatePause         JobState = "pause"
	StateSkipped       JobState = "skipped"
	StateFinished      JobState = "finished"
	StateRelink        JobState = "relink"
	StateWait          JobState = "wait"
	StateDelink        JobState = "delink"
)

// FirstJobID is the first id ever handed out by a fresh Engine.
const FirstJobID int64 = 1000

// Result holds the outcome of a job once its runner reports completion.
type Result struct {
	Errorlevel   int
	Signal       int
	DiedBySignal bool
	RealMS       int64
	UserMS       int64
	SystemMS     int64
	Skipped      bool
}

// Info is the timing record kept for every job plus a free-form environment
// dump, mirroring jobs.c's pinfo_* family.
type Info struct {
	EnqueueTime time.Time
	StartTime   time.Time
	EndTime     time.Time
	Environment string
}

// Job is the engine's central entity. Every field listed in the data model
// is present; a sync.RWMutex is embedded so that code outside the event loop
// goroutine (eg. a response encoder run from a request-handling goroutine)
// can safely read a consistent snapshot of a Job while the loop mutates it.
type Job struct {
	sync.RWMutex

	ID           int64
	State        JobState
	InternalUID  int
	Command      string
	CommandStrip int // byte prefix length to hide when echoing Command
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

	Info   Info
	Result Result

	// Seq records this job's position in the active list as of its last
	// persist, so recovery can restore move_urgent/swap reorderings. It
	// never appears on the wire or in listings, only in the persisted
	// record.
	Seq int64
}

// JobSnapshot is a mutex-free copy of a Job, safe to hand to callers outside
// the event loop goroutine (eg. for JSON listing or wire encoding).
type JobSnapshot struct {
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

	Info   Info
	Result Result
}

// Snapshot returns a copy of the job's fields safe to hand to callers outside
// the event loop (eg. for JSON listing).
func (j *Job) Snapshot() JobSnapshot {
	j.RLock()
	defer j.RUnlock()
	return JobSnapshot{
		ID:                   j.ID,
		State:                j.State,
		InternalUID:          j.InternalUID,
		Command:              j.Command,
		CommandStrip:         j.CommandStrip,
		WorkDir:              j.WorkDir,
		Label:                j.Label,
		Email:                j.Email,
		NumSlots:             j.NumSlots,
		NumAllocated:         j.NumAllocated,
		DependOn:             append([]int64(nil), j.DependOn...),
		DependencyErrorlevel: j.DependencyErrorlevel,
		NotifyErrorlevelTo:   append([]int64(nil), j.NotifyErrorlevelTo...),
		Pid:                  j.Pid,
		OutputFilename:       j.OutputFilename,
		StoreOutput:          j.StoreOutput,
		KeepFinished:         j.KeepFinished,
		TasksetFlag:          j.TasksetFlag,
		Cores:                append([]int(nil), j.Cores...),
		Info:                 j.Info,
		Result:               j.Result,
	}
}

// allocated reports whether the job currently owns slots. Per invariant 4,
// this must be true iff State is RUNNING or PAUSE.
func (j *Job) allocated() bool {
	return j.State == StateRunning || j.State == StatePause
}
