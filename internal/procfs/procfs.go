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

// Package procfs implements engine.ProcFS by reading /proc directly, which
// is what ties recovery to Linux (or a compatible procfs) rather than any
// portable process-inspection API.
package procfs

import (
	"fmt"
	"os"
	"syscall"

	"github.com/kylincaster/task-spooler/engine"
)

// FS is the default, /proc-backed implementation of engine.ProcFS.
type FS struct{}

var _ engine.ProcFS = FS{}

// New builds a procfs-backed FS.
func New() *FS { return &FS{} }

// Alive reports whether pid names a live process, by sending it signal 0.
func (FS) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// OwnerUID returns the uid that owns /proc/<pid>, or false if pid is gone.
func (FS) OwnerUID(pid int) (int, bool) {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return 0, false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(stat.Uid), true
}

// OutputPath resolves /proc/<pid>/fd/1, the stdout of a relinked process,
// per spec.md's "for relinked jobs read from /proc/<pid>/fd/1".
func (FS) OutputPath(pid int) (string, error) {
	link := fmt.Sprintf("/proc/%d/fd/1", pid)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("procfs: resolving stdout of pid %d: %w", pid, err)
	}
	return target, nil
}
