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

package server

import (
	"encoding/json"
	"fmt"

	"github.com/go-mangos/mangos"
	"github.com/google/uuid"
	"github.com/ugorji/go/codec"

	"github.com/kylincaster/task-spooler/engine"
	"github.com/kylincaster/task-spooler/wire"
)

// handle decodes a client Request off the wire, does the requested work
// against the engine, and replies with the matching Response. It mirrors
// the teacher's handleRequest/reply pair almost exactly, but dispatches by
// method name to a standalone switch instead of inlining every case in one
// function, since task-spooler's operation catalogue (spec.md §6) is
// larger than the teacher's add/reserve/touch set.
func (s *Server) handle(m *mangos.Message) error {
	dec := codec.NewDecoderBytes(m.Body, s.ch)
	req := &wire.Request{}
	if err := dec.Decode(req); err != nil {
		return fmt.Errorf("server: decoding request: %w", err)
	}

	// RealUID is never trusted as sent: it is replaced here with whatever
	// the identity token actually verifies to, so a forged or absent token
	// downgrades the caller to an id no real uid can ever have, rather than
	// whatever uid the client felt like claiming.
	uid, ok := s.ident.verify(req.AuthToken)
	if !ok {
		uid = -1
	}
	req.RealUID = uid

	if uid < 0 {
		return s.reply(m, errResp("identity verification failed, reconnect with tsc"))
	}

	if req.Method == "wait_job" {
		return s.handleWaitJob(m, req)
	}

	resp := s.dispatch(req)
	return s.reply(m, resp)
}

// reply encodes resp with the shared codec and sends it back over whatever
// connection m was received on.
func (s *Server) reply(m *mangos.Message, resp *wire.Response) error {
	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, s.ch)
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("server: encoding response: %w", err)
	}
	m.Body = encoded
	return s.wire.SendMsg(m)
}

// dispatch is the switch-on-method table spec.md §6's message catalogue
// maps onto: one case per client-facing operation, each translating wire
// types to/from the engine's native types.
func (s *Server) dispatch(req *wire.Request) *wire.Response {
	if s.eng.CheckLocker(req.RealUID) {
		return errResp("server is locked by another user")
	}

	switch req.Method {
	case "newjob":
		return s.handleNewjob(req)
	case "remove":
		resp := errToResp(s.eng.Remove(req.TargetID, req.RealUID))
		s.dispatchAndNotify()
		return resp
	case "kill_all":
		pids := s.eng.KillAll(req.RealUID)
		return &wire.Response{KilledPIDs: pids}
	case "hold_job":
		resp := errToResp(s.eng.HoldJob(req.TargetID, req.RealUID))
		s.dispatchAndNotify()
		return resp
	case "cont_job":
		resp := errToResp(s.eng.ContJob(req.TargetID, req.RealUID))
		s.dispatchAndNotify()
		return resp
	case "suspend_user":
		resp := errsToResp(s.eng.SuspendUser(req.TargetUID))
		s.dispatchAndNotify()
		return resp
	case "resume_user":
		resp := errsToResp(s.eng.ResumeUser(req.TargetUID))
		s.dispatchAndNotify()
		return resp
	case "urgent":
		return errToResp(s.eng.MoveUrgent(req.TargetID))
	case "swap_jobs":
		return errToResp(s.eng.SwapJobs(req.SwapA, req.SwapB))
	case "lock_server":
		return errToResp(s.eng.LockServer(req.RealUID))
	case "unlock_server":
		return errToResp(s.eng.UnlockServer(req.RealUID))
	case "clear_finished":
		s.eng.ClearFinished(req.TargetUID)
		return &wire.Response{}
	case "get_max_slots":
		return &wire.Response{MaxSlots: s.eng.MaxSlots()}
	case "set_max_slots":
		s.eng.SetMaxSlots(req.MaxSlots)
		return &wire.Response{MaxSlots: s.eng.MaxSlots()}
	case "last_id":
		return &wire.Response{LastID: s.eng.LastID()}
	case "count_running":
		return &wire.Response{Count: s.countRunning()}
	case "answer_state":
		return s.handleAnswerState(req)
	case "answer_output":
		return s.handleAnswerOutput(req)
	case "job_finished":
		return s.handleJobFinished(req)
	case "mark_running":
		return errToResp(s.eng.MarkRunning(req.TargetID))
	case "runjob_ok":
		return errToResp(s.eng.ProcessRunjobOK(req.TargetID, req.Pid, req.OutputFile))
	case "list":
		return s.handleList()
	case "ping":
		return &wire.Response{}
	default:
		return errResp("unknown method " + req.Method)
	}
}

func (s *Server) handleNewjob(req *wire.Request) *wire.Response {
	id, err := s.eng.Submit(engine.SubmitRequest{
		ID:                 req.JobID,
		RealUID:            req.RealUID,
		NumSlots:           req.NumSlots,
		StoreOutput:        req.StoreOutput,
		ShouldKeepFinished: req.ShouldKeepFinished,
		DependOn:           req.DependOn,
		Command:            req.Command,
		CommandStrip:       req.CommandStrip,
		WorkDir:            req.WorkDir,
		Label:              req.Label,
		Email:              req.Email,
		Environment:        req.Environment,
		TasksetFlag:        req.TasksetFlag,
		TaskPid:            req.TaskPid,
	})
	if err != nil {
		return errResp(err.Error())
	}
	s.dispatchAndNotify()
	return &wire.Response{JobID: id}
}

// dispatchAndNotify runs the scheduler loop and delivers any wait_job
// replies produced by SkipBlocked's auto-skip cascade (Dispatch's own
// normal RUNNING transitions have no waiters to notify yet - only Finish
// does, and that's handled at its own call site in handleJobFinished).
func (s *Server) dispatchAndNotify() {
	s.eng.Dispatch()
	s.deliverNotifications(s.eng.TakePendingNotify())
}

// deliverNotifications replies WAITJOB_OK to every parked wait_job request
// in notes, skipping any socket handle that isn't the raw *mangos.Message
// handleWaitJob parked (never expected in practice, since the notifier
// only ever stores what handleWaitJob gave it).
func (s *Server) deliverNotifications(notes []engine.Notification) {
	for _, n := range notes {
		waiting, ok := n.Socket.(*mangos.Message)
		if !ok {
			continue
		}
		if err := s.reply(waiting, &wire.Response{Errorlevel: n.Errorlevel}); err != nil {
			s.log.Warn("wait_job deferred reply failed", "err", err)
		}
	}
}

func (s *Server) handleAnswerState(req *wire.Request) *wire.Response {
	job := s.eng.Table().Find(req.TargetID)
	if job == nil {
		return errResp("no such job")
	}
	snap := job.Snapshot()
	return &wire.Response{State: string(snap.State)}
}

func (s *Server) handleAnswerOutput(req *wire.Request) *wire.Response {
	job := s.eng.Table().Find(req.TargetID)
	if job == nil {
		return errResp("no such job")
	}
	snap := job.Snapshot()
	return &wire.Response{
		StoreOutput: snap.StoreOutput,
		Pid:         snap.Pid,
		OutputFile:  snap.OutputFilename,
	}
}

// handleWaitJob implements wait_job's two-path reply (spec.md §4.5): if the
// job has already finished, reply immediately; an id the engine no longer
// knows gets a "no such job" error reply; otherwise park the raw
// mangos.Message itself as the notifier's socket handle, so Finish's
// fan-out can send the deferred reply once the job actually completes. Raw
// mode keeps each Message's routing header intact, so replying to a parked
// Message later still reaches the right client.
//
// Each parked wait gets a uuid purely for diagnostic correlation in logs
// (the engine's notifier keys on the socket handle itself, never on this
// id) - useful when several tsc processes are blocked in `wait` on the same
// job and a log line needs to distinguish which registration a later
// "delivered" message corresponds to.
func (s *Server) handleWaitJob(m *mangos.Message, req *wire.Request) error {
	if s.eng.Table().Find(req.TargetID) == nil {
		return s.reply(m, errResp("no such job"))
	}
	waitID := uuid.New()
	errorlevel, ready := s.eng.WaitJob(m, req.TargetID)
	if !ready {
		s.log.Debug("wait_job parked", "wait_id", waitID, "job", req.TargetID)
		return nil
	}
	s.log.Debug("wait_job immediate", "wait_id", waitID, "job", req.TargetID)
	return s.reply(m, &wire.Response{Errorlevel: errorlevel})
}

// handleJobFinished is the runner's report that a dispatched child has
// exited; it also delivers the deferred wait_job replies Finish's fan-out
// produces.
func (s *Server) handleJobFinished(req *wire.Request) *wire.Response {
	sockets, err := s.eng.Finish(req.TargetID, engine.Result{
		Errorlevel:   req.Errorlevel,
		Signal:       req.Signal,
		DiedBySignal: req.DiedBySignal,
		RealMS:       req.RealMS,
		UserMS:       req.UserMS,
		SystemMS:     req.SystemMS,
		Skipped:      req.Skipped,
	})
	if err != nil {
		return errResp(err.Error())
	}

	notes := make([]engine.Notification, 0, len(sockets))
	for _, socket := range sockets {
		notes = append(notes, engine.Notification{Socket: socket, Errorlevel: req.Errorlevel})
	}
	s.dispatchAndNotify()
	s.deliverNotifications(notes)

	return &wire.Response{}
}

// handleList answers `list` (spec.md §6/§7): the full active+finished
// listing, JSON-encoded with encoding/json per SPEC_FULL.md's choice of
// the standard library for this outward-facing payload.
func (s *Server) handleList() *wire.Response {
	data, err := json.Marshal(s.eng.List())
	if err != nil {
		return errResp("encoding list: " + err.Error())
	}
	return &wire.Response{ListJSON: data}
}

func (s *Server) countRunning() int {
	count := 0
	for _, id := range s.eng.Table().ActiveIDs() {
		if job := s.eng.Table().Find(id); job != nil && job.Snapshot().State == engine.StateRunning {
			count++
		}
	}
	return count
}

func errResp(msg string) *wire.Response {
	return &wire.Response{Err: msg}
}

func errToResp(err error) *wire.Response {
	if err != nil {
		return errResp(err.Error())
	}
	return &wire.Response{}
}

func errsToResp(errs []error) *wire.Response {
	if len(errs) == 0 {
		return &wire.Response{}
	}
	return errResp(errs[0].Error())
}
