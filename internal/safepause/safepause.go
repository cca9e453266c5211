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

// Package safepause implements engine.PauseController: signalling a whole
// process group and verifying the signal actually took effect before the
// engine commits to a state transition. Runner children are always spawned
// with Setpgid (the same process-group-isolation idiom used by the pack's
// job-runner examples), so a single signal to -pid reaches every descendant.
package safepause

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Controller is the default, Linux-procfs-backed implementation of
// engine.PauseController.
type Controller struct {
	// PollInterval and Retries bound how long SafePause waits to observe the
	// process actually stopped before giving up and resuming it.
	PollInterval time.Duration
	Retries      int
}

// New builds a Controller with the default bounded retry budget: 20 polls
// at 10ms, a 200ms worst case, matching the "effective timeout" spec.md §5
// requires safe-pause to have.
func New() *Controller {
	return &Controller{PollInterval: 10 * time.Millisecond, Retries: 20}
}

// SafePause signals the process group rooted at pid with SIGSTOP, then polls
// /proc/<pid>/stat for the 'T' (stopped) state. If the process never settles
// into the stopped state within the retry budget, it is resumed with
// SIGCONT and SafePause reports ok=false rather than leaving the engine's
// bookkeeping out of sync with reality.
func (c *Controller) SafePause(pid int) (bool, error) {
	if err := signalGroup(pid, syscall.SIGSTOP); err != nil {
		return false, fmt.Errorf("safepause: SIGSTOP: %w", err)
	}

	for i := 0; i < c.Retries; i++ {
		if processState(pid) == 'T' {
			return true, nil
		}
		time.Sleep(c.PollInterval)
	}

	if processState(pid) == 'T' {
		return true, nil
	}

	_ = signalGroup(pid, syscall.SIGCONT)
	return false, nil
}

// Resume sends SIGCONT to pid's process group.
func (c *Controller) Resume(pid int) error {
	if err := signalGroup(pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("safepause: SIGCONT: %w", err)
	}
	return nil
}

// Kill sends sig to pid's process group.
func (c *Controller) Kill(pid int, sig int) error {
	if err := signalGroup(pid, syscall.Signal(sig)); err != nil {
		return fmt.Errorf("safepause: kill: %w", err)
	}
	return nil
}

// Sleeping reports whether pid is currently stopped, used by the
// RELINK->PAUSE classification in process_runjob_ok and by
// configure_running.
func (c *Controller) Sleeping(pid int) bool {
	return processState(pid) == 'T'
}

// signalGroup signals the whole process group. Runner children are always
// started with Setpgid: true (see fork in cmd/tsrun), so -pid reaches every descendant the shell may have forked.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

// processState reads the third field of /proc/<pid>/stat (the one-letter
// process state) or 0 if it can't be determined.
func processState(pid int) byte {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// The second field (comm) is parenthesised and may itself contain
	// spaces or parens, so state is the first field after the last ')'.
	close := -1
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == ')' {
			close = i
			break
		}
	}
	if close < 0 || close+2 >= len(data) {
		return 0
	}
	return data[close+2]
}
