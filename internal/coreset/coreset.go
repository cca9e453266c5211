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

// Package coreset implements engine.CoreAllocator: a first-fit bitmap of
// CPU cores that jobs submitted with --taskset reserve exclusively, pinned
// with sched_setaffinity via golang.org/x/sys/unix.
package coreset

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kylincaster/task-spooler/engine"
)

// Allocator hands out exclusive CPU core reservations. It is safe for
// concurrent use, though the engine only ever calls it from its single
// event-loop goroutine.
type Allocator struct {
	mu   sync.Mutex
	free []bool // free[core] == true means unclaimed
}

// New builds an Allocator with numCores cores, all initially free.
func New(numCores int) *Allocator {
	a := &Allocator{free: make([]bool, numCores)}
	for i := range a.free {
		a.free[i] = true
	}
	return a
}

// NewAvailable builds an Allocator sized to the calling process's current
// affinity mask, so the daemon only ever hands out cores it was actually
// allowed to run on.
func NewAvailable() (*Allocator, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("coreset: reading affinity: %w", err)
	}
	n := set.Count()
	a := &Allocator{free: make([]bool, n)}
	for i := 0; i < n; i++ {
		a.free[i] = set.IsSet(i)
	}
	return a, nil
}

// LockCores reserves job.NumSlots distinct free cores, first-fit, and
// returns their indices. It returns an error if fewer than NumSlots cores
// are currently free.
func (a *Allocator) LockCores(job *engine.Job) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var picked []int
	for i, free := range a.free {
		if len(picked) == job.NumSlots {
			break
		}
		if free {
			picked = append(picked, i)
		}
	}
	if len(picked) < job.NumSlots {
		return nil, fmt.Errorf("coreset: only %d of %d requested cores free", len(picked), job.NumSlots)
	}
	for _, c := range picked {
		a.free[c] = false
	}
	return picked, nil
}

// UnlockCores releases the cores job.Cores holds back to the free pool.
func (a *Allocator) UnlockCores(job *engine.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range job.Cores {
		if c >= 0 && c < len(a.free) {
			a.free[c] = true
		}
	}
}

// SetTaskCores pins pid's scheduling affinity to exactly cores.
func (a *Allocator) SetTaskCores(pid int, cores []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cores {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("coreset: setting affinity for pid %d: %w", pid, err)
	}
	return nil
}

var _ engine.CoreAllocator = (*Allocator)(nil)
