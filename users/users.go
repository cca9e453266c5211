// Copyright © 2025 the task-spooler authors.
//
//  This file is part of task-spooler.
//
//  task-spooler is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.

// Package users is the user/permission loader that spec.md §1 scopes as an
// external collaborator, referenced by the engine only through the Table
// interface. It provides the internal-uid translation and per-user slot
// caps that ResourceAccount is seeded from.
package users

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Table is what the engine needs from the user/permission loader: parallel
// name/UID/max-slots lists indexed by internal uid, plus the real-UID
// translation.
type Table struct {
	Names    []string
	UIDs     []int
	MaxSlots []int

	byUID map[int]int // real UID -> internal uid
}

// DefaultMaxSlots is the per-user cap assumed for a user with no explicit
// entry in the user file.
const DefaultMaxSlots = 1 << 30

// Load reads a simple "name uid max_slots" per-line user file. A missing
// path is not an error: the loader falls back to a single-user table built
// from the calling process's own UID, so a freshly installed server is
// usable without any configuration.
func Load(path string) (*Table, error) {
	t := &Table{byUID: make(map[int]int)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return singleUserTable(), nil
		}
		return nil, fmt.Errorf("users: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("users: malformed line %q", line)
		}
		name := fields[0]
		uid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("users: bad uid in %q: %w", line, err)
		}
		maxSlots := DefaultMaxSlots
		if len(fields) >= 3 {
			maxSlots, err = strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("users: bad max_slots in %q: %w", line, err)
			}
		}
		t.add(name, uid, maxSlots)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(t.UIDs) == 0 {
		return singleUserTable(), nil
	}
	return t, nil
}

func singleUserTable() *Table {
	t := &Table{byUID: make(map[int]int)}
	t.add(currentUsername(), os.Getuid(), DefaultMaxSlots)
	return t
}

func (t *Table) add(name string, uid, maxSlots int) {
	t.byUID[uid] = len(t.UIDs)
	t.Names = append(t.Names, name)
	t.UIDs = append(t.UIDs, uid)
	t.MaxSlots = append(t.MaxSlots, maxSlots)
}

// InternalUID translates a real OS uid to the engine's internal, dense uid
// space. The second return is false if uid isn't in the table.
func (t *Table) InternalUID(uid int) (int, bool) {
	iu, ok := t.byUID[uid]
	return iu, ok
}

// Number is the count of known users (user_number).
func (t *Table) Number() int { return len(t.UIDs) }

// Name returns the display name for an internal uid, or "?" if out of
// range (shouldn't happen in practice: the engine never holds an
// InternalUID it didn't get from this same table).
func (t *Table) Name(internalUID int) string {
	if internalUID < 0 || internalUID >= len(t.Names) {
		return "?"
	}
	return t.Names[internalUID]
}

func currentUsername() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
