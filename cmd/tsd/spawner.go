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

package main

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/kylincaster/task-spooler/engine"
)

// runnerSpawner is the daemon-side implementation of engine.Spawner: it
// launches tsrun as a detached background process, once, at the exact
// moment the engine decides a job is actually allowed to run. Unlike the
// earlier tsc-side spawn (which ran the moment a job was submitted, with
// no idea whether it had been dispatched), every spawn here corresponds to
// a job the engine has already charged slots against (configureRunning) or
// already confirmed is a live external process (recovery's DELINK path),
// so max_slots is never bypassed.
type runnerSpawner struct {
	port string
	// eng is set after engine.New returns, breaking the otherwise circular
	// construction (the engine needs a Spawner before it exists, and the
	// spawner needs the engine to look up a job's command).
	eng *engine.Engine
}

// SpawnRelink launches tsrun --relink <pid> -J <id>, which reports the pid
// back to the engine (RELINK -> RUNNING or PAUSE) and then just waits for
// it to exit.
func (s *runnerSpawner) SpawnRelink(jobID int64, pid int) error {
	return s.spawn("", []string{
		"--relink", strconv.Itoa(pid),
		"-J", strconv.FormatInt(jobID, 10),
	})
}

// SpawnFresh launches tsrun -J <id> -- <command>, forking and executing the
// job's persisted command line. The engine already holds the full record in
// memory by the time this is called (either from a live Submit or from
// Recover's decode), so no information needs to travel back from tsrun
// before it can run.
func (s *runnerSpawner) SpawnFresh(jobID int64) error {
	job := s.eng.Table().Find(jobID)
	if job == nil {
		return fmt.Errorf("tsd: spawn requested for unknown job %d", jobID)
	}
	snap := job.Snapshot()
	return s.spawn(snap.WorkDir, []string{
		"-J", strconv.FormatInt(jobID, 10),
		"--", snap.Command,
	})
}

func (s *runnerSpawner) spawn(workdir string, args []string) error {
	runnerArgs := append([]string{"--port", s.port}, args...)
	cmd := exec.Command("tsrun", runnerArgs...)
	cmd.Dir = workdir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Start()
}
