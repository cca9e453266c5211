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

// Package client is the tsc-side counterpart of package server: a thin
// REQ-socket wrapper that encodes a wire.Request, sends it, and decodes the
// matching wire.Response, the mirror image of the teacher's own client/
// server split around a shared codec.Handle.
package client

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-mangos/mangos"
	"github.com/go-mangos/mangos/protocol/req"
	"github.com/go-mangos/mangos/transport/tcp"
	"github.com/ugorji/go/codec"

	"github.com/kylincaster/task-spooler/wire"
)

// Client is a connection to one tsd instance.
type Client struct {
	sock mangos.Socket
	ch   codec.Handle
	uid  int
	// token is the identity-socket-issued credential backing every
	// subsequent RealUID check. Nothing in Client asserts a uid directly
	// anymore; the server derives it itself by verifying this token.
	token string
}

// Dial connects to a tsd listening on localhost:port, then authenticates
// over tsd's identity socket (see server.identityListener) before returning,
// so every call already carries a verifiable token.
func Dial(port string) (*Client, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("client: creating socket: %w", err)
	}
	sock.AddTransport(tcp.NewTransport())
	if err := sock.Dial("tcp://localhost:" + port); err != nil {
		return nil, fmt.Errorf("client: dialing port %s: %w", port, err)
	}

	token, err := authenticate(port)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return &Client{sock: sock, ch: wire.Handle(), uid: os.Getuid(), token: token}, nil
}

// authenticate dials the identity socket tsd listens on alongside the
// mangos REQ/REP socket, and reads back the uid-bound token the server
// minted from this process's real, kernel-verified uid.
func authenticate(port string) (string, error) {
	path := wire.IdentitySockPath(port)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", fmt.Errorf("client: connecting to identity socket %s: %w", path, err)
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("client: reading identity handshake: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", fmt.Errorf("client: malformed identity handshake %q", line)
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return "", fmt.Errorf("client: malformed identity handshake uid %q", fields[0])
	}
	return fields[1], nil
}

// Close releases the socket.
func (c *Client) Close() error { return c.sock.Close() }

// call sends req and decodes the matching Response. RealUID is not set
// here: the server ignores whatever a client puts in that field and derives
// it itself from AuthToken, so there's nothing for the client to assert.
func (c *Client) call(req *wire.Request) (*wire.Response, error) {
	req.AuthToken = c.token

	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, c.ch)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("client: encoding request: %w", err)
	}
	if err := c.sock.Send(encoded); err != nil {
		return nil, fmt.Errorf("client: sending request: %w", err)
	}

	body, err := c.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("client: receiving response: %w", err)
	}
	resp := &wire.Response{}
	dec := codec.NewDecoderBytes(body, c.ch)
	if err := dec.Decode(resp); err != nil {
		return nil, fmt.Errorf("client: decoding response: %w", err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("%s", resp.Err)
	}
	return resp, nil
}

// SubmitArgs carries the fields a tsc submission may set; zero-valued
// fields are left to the server's defaults (eg. 1 slot).
type SubmitArgs struct {
	Command            string
	NumSlots           int
	Label              string
	WorkDir            string
	ShouldKeepFinished bool
	StoreOutput        bool
	DependOn           []int64
}

// Submit sends a newjob request and returns the assigned job id.
func (c *Client) Submit(args SubmitArgs) (int64, error) {
	resp, err := c.call(&wire.Request{
		Method:             "newjob",
		Command:            args.Command,
		NumSlots:           args.NumSlots,
		Label:              args.Label,
		WorkDir:            args.WorkDir,
		ShouldKeepFinished: args.ShouldKeepFinished,
		StoreOutput:        args.StoreOutput,
		DependOn:           args.DependOn,
	})
	if err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

// Remove removes a job by id.
func (c *Client) Remove(id int64) error {
	_, err := c.call(&wire.Request{Method: "remove", TargetID: id})
	return err
}

// Hold pauses (if RUNNING) or locks (if QUEUED) a job.
func (c *Client) Hold(id int64) error {
	_, err := c.call(&wire.Request{Method: "hold_job", TargetID: id})
	return err
}

// Cont resumes (if PAUSE) or unlocks (if LOCKED) a job.
func (c *Client) Cont(id int64) error {
	_, err := c.call(&wire.Request{Method: "cont_job", TargetID: id})
	return err
}

// Urgent moves a job to the front of the active list.
func (c *Client) Urgent(id int64) error {
	_, err := c.call(&wire.Request{Method: "urgent", TargetID: id})
	return err
}

// Swap exchanges the positions of two queued jobs.
func (c *Client) Swap(a, b int64) error {
	_, err := c.call(&wire.Request{Method: "swap_jobs", SwapA: a, SwapB: b})
	return err
}

// State returns a job's current state string.
func (c *Client) State(id int64) (string, error) {
	resp, err := c.call(&wire.Request{Method: "answer_state", TargetID: id})
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

// Wait blocks until id finishes, returning its errorlevel.
func (c *Client) Wait(id int64) (int, error) {
	resp, err := c.call(&wire.Request{Method: "wait_job", TargetID: id})
	if err != nil {
		return 0, err
	}
	return resp.Errorlevel, nil
}

// List returns the JSON-encoded array of engine.ListEntry records
// (spec.md §7) describing every active and finished job.
func (c *Client) List() ([]byte, error) {
	resp, err := c.call(&wire.Request{Method: "list"})
	if err != nil {
		return nil, err
	}
	return resp.ListJSON, nil
}

// KillAll asks the server for every running pid you own, so the client can
// signal them directly (the daemon doesn't signal on your behalf across
// the wire; it just reports what's running).
func (c *Client) KillAll() ([]int, error) {
	resp, err := c.call(&wire.Request{Method: "kill_all"})
	if err != nil {
		return nil, err
	}
	return resp.KilledPIDs, nil
}

// LockServer takes an exclusive server lock.
func (c *Client) LockServer() error {
	_, err := c.call(&wire.Request{Method: "lock_server"})
	return err
}

// UnlockServer releases a server lock you hold.
func (c *Client) UnlockServer() error {
	_, err := c.call(&wire.Request{Method: "unlock_server"})
	return err
}

// ClearFinished discards your own finished jobs.
func (c *Client) ClearFinished() error {
	_, err := c.call(&wire.Request{Method: "clear_finished", TargetUID: c.uid})
	return err
}

// MaxSlots reports the global slot cap.
func (c *Client) MaxSlots() (int, error) {
	resp, err := c.call(&wire.Request{Method: "get_max_slots"})
	if err != nil {
		return 0, err
	}
	return resp.MaxSlots, nil
}

// SetMaxSlots changes the global slot cap, returning the new value.
func (c *Client) SetMaxSlots(n int) (int, error) {
	resp, err := c.call(&wire.Request{Method: "set_max_slots", MaxSlots: n})
	if err != nil {
		return 0, err
	}
	return resp.MaxSlots, nil
}

// MarkRunning reports that a dispatched job is now actually executing.
func (c *Client) MarkRunning(jobID int64) error {
	_, err := c.call(&wire.Request{Method: "mark_running", TargetID: jobID})
	return err
}

// RunjobOK is the runner's report of a dispatched (or relinked) job's pid
// and output file.
func (c *Client) RunjobOK(jobID int64, pid int, outputFile string) error {
	_, err := c.call(&wire.Request{
		Method:     "runjob_ok",
		TargetID:   jobID,
		Pid:        pid,
		OutputFile: outputFile,
	})
	return err
}

// JobFinished is the runner's report that a dispatched job has terminated.
func (c *Client) JobFinished(jobID int64, errorlevel, signal int, diedBySignal bool, realMS, userMS, sysMS int64) error {
	_, err := c.call(&wire.Request{
		Method:       "job_finished",
		TargetID:     jobID,
		Errorlevel:   errorlevel,
		Signal:       signal,
		DiedBySignal: diedBySignal,
		RealMS:       realMS,
		UserMS:       userMS,
		SystemMS:     sysMS,
	})
	return err
}
