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

// Package wire defines the request/response envelopes exchanged between tsc
// and tsd, and the codec they're encoded with. It follows the teacher's
// approach of a single Method-tagged clientRequest struct decoded with
// codec.NewDecoderBytes against a shared codec.BincHandle, and a matching
// serverResponse struct encoded the same way, rather than one Go type per
// message.
package wire

import (
	"os"
	"path/filepath"

	"github.com/ugorji/go/codec"
)

// IdentitySockPath derives the per-daemon Unix domain socket path a client
// authenticates over from the daemon's TCP port, so a client that knows
// --port can find the matching identity socket without extra configuration.
func IdentitySockPath(port string) string {
	return filepath.Join(os.TempDir(), "tsd-"+port+".ident.sock")
}

// Handle returns the shared Binc codec handle used to encode and decode
// every Request/Response on the wire. Binc is the teacher's choice
// (codec.BincHandle) for its compact, self-describing binary framing.
func Handle() codec.Handle {
	return &codec.BincHandle{}
}

// Request is the single envelope for every client->server call, mirroring
// clientRequest: one Method field selects the operation, and every
// operation's distinct payload lives in its own optional field. Exactly the
// fields relevant to Method are populated; callers building more than one
// payload in the same Request do not need to - each handler only looks at
// its own fields.
type Request struct {
	Method string

	// AuthToken is the uid-bound token issued by the server's identity
	// socket (see server.identityListener). The server derives RealUID by
	// verifying this token itself; it never trusts a client-asserted uid.
	AuthToken string

	// RealUID is populated server-side from AuthToken before dispatch. A
	// client may set it, but dispatch overwrites it unconditionally, so
	// setting it achieves nothing - every permission check reads the
	// verified value, not this field as sent on the wire.
	RealUID int

	// NEWJOB payload (spec.md §6's NEWJOB message).
	NumSlots           int
	StoreOutput        bool
	ShouldKeepFinished bool
	DependOn           []int64
	Command            string
	CommandStrip       int
	WorkDir            string
	Label              string
	Email              string
	Environment        string
	TasksetFlag        bool
	TaskPid            int
	JobID              int64 // -J <id>, recovery's explicit id

	// single-job operations (remove, hold, cont, urgent, output, state, wait).
	TargetID int64

	// swap_jobs.
	SwapA int64
	SwapB int64

	// user-scoped operations (suspend, resume, clear_finished).
	TargetUID int

	// get/set_max_slots.
	MaxSlots int

	// runjob_ok: the runner reporting a dispatched child's pid and stdout.
	Pid        int
	OutputFile string

	// job_finished: the runner reporting a terminated child's outcome.
	Errorlevel   int
	Signal       int
	DiedBySignal bool
	RealMS       int64
	UserMS       int64
	SystemMS     int64
	Skipped      bool
}

// Response is the single envelope for every server->client reply, mirroring
// serverResponse: Err carries a string rather than an error so it survives
// the codec round trip, and is empty on success.
type Response struct {
	Err string

	JobID       int64
	Errorlevel  int
	State       string
	Pid         int
	OutputFile  string
	StoreOutput bool
	Count       int
	MaxSlots    int
	LastID      int64
	Lines       []string
	KilledPIDs  []int

	// list: JSON-encoded []engine.ListEntry, per spec.md §7's
	// machine-readable `list` output. Pre-encoded server-side (rather than
	// shipping engine.ListEntry over the wire) so wire stays free of an
	// engine import.
	ListJSON []byte
}
