package engine

import (
	"fmt"
)

// SubmitRequest carries the payload of a NEWJOB message (spec.md §6). ID is
// zero for an ordinary client submission (the engine allocates one); it is
// set only on the recovery path, where the persisted id must be reused.
type SubmitRequest struct {
	ID int64

	RealUID            int
	NumSlots           int
	StoreOutput        bool
	ShouldKeepFinished bool
	DependOn           []int64 // raw ids; -1 is the "last queued" sentinel
	Command            string
	CommandStrip       int
	WorkDir            string
	Label              string
	Email              string
	Environment        string
	TasksetFlag        bool
	TaskPid            int // >0 selects the RELINK path
}

// Submit is the engine's s_newjob: it admits a new job, resolves its
// dependency chain, and returns the assigned id. It returns -1 and an
// error if a recovery-supplied id collides with a job in a state other than
// DELINK/WAIT/LOCKED.
func (e *Engine) Submit(req SubmitRequest) (int64, error) {
	uid, ok := e.users.InternalUID(req.RealUID)
	if !ok {
		return -1, validationErr("submit", 0, "unknown requester uid")
	}

	var id int64
	recovering := req.ID != 0
	if recovering {
		id = req.ID
		if existing := e.table.Find(id); existing != nil {
			switch existing.State {
			case StateDelink, StateWait, StateLocked:
				// fine, this is the recovery path re-registering a
				// restored placeholder job
			default:
				return -1, validationErr("submit", id, "jobid collision")
			}
		}
		if id >= e.jobids {
			e.jobids = id + 1
		}
	} else {
		id = e.jobids
		e.jobids++
	}

	job := &Job{
		ID:                 id,
		InternalUID:        uid,
		Command:            req.Command,
		CommandStrip:       req.CommandStrip,
		WorkDir:            req.WorkDir,
		Label:              req.Label,
		Email:              req.Email,
		NumSlots:           maxInt(req.NumSlots, 1),
		StoreOutput:        req.StoreOutput,
		KeepFinished:       req.ShouldKeepFinished,
		TasksetFlag:        req.TasksetFlag,
	}
	job.Info.Environment = req.Environment
	if !recovering {
		job.Info.EnqueueTime = e.clock()
	}

	if req.TaskPid > 0 {
		job.State = StateRelink
		job.Pid = req.TaskPid
	} else if e.table.CountActive() >= e.cfg.MaxJobs {
		job.State = StateHoldingClient
	} else {
		job.State = StateQueued
	}

	e.resolveDependencies(job, req.DependOn)

	job.Seq = int64(e.table.CountActive())
	e.table.InsertActive(job)
	if job.State == StateQueued {
		e.account.IncQueue(uid)
	}

	e.persist("submit", func() error {
		return e.store.Insert(TableJobs, job.ID, EncodeJob(job))
	})

	return job.ID, nil
}

// resolveDependencies fills in DependOn and DependencyErrorlevel for a
// freshly submitted job, per spec.md §4.4. Dependencies that name the job
// itself or a later job are silently dropped (jobs.c:508-509).
func (e *Engine) resolveDependencies(job *Job, raw []int64) {
	var resolved []int64
	for _, parentID := range raw {
		if parentID >= job.ID {
			continue
		}
		r, contribution := e.resolveDependency(job, parentID)
		if r != -1 {
			resolved = append(resolved, r)
		}
		job.DependencyErrorlevel += contribution
	}
	job.DependOn = resolved
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// promoteHoldingClients transitions HOLDING_CLIENT -> QUEUED once the active
// list has room again, per spec.md §4.2 ("HOLDING_CLIENT → QUEUED when a
// finish frees slot"). At most one HOLDING_CLIENT job is ever expected to be
// active at a time (spec.md §4.1, find_holding_client), so a single check
// suffices; the promoted job stays at its existing position in the active
// list, since it was inserted there at submit time regardless of state.
func (e *Engine) promoteHoldingClients() {
	if e.table.CountActive() > e.cfg.MaxJobs {
		return
	}
	job := e.table.FindHoldingClient()
	if job == nil {
		return
	}
	job.Lock()
	job.State = StateQueued
	job.Unlock()
	e.account.IncQueue(job.InternalUID)
	e.persist("promote_holding_client", func() error {
		return e.store.InsertOrReplace(TableJobs, job.ID, EncodeJob(job))
	})
}

// Dispatch promotes any waiting HOLDING_CLIENT job and runs Scheduler.Next in
// a loop, transitioning every job it picks to RUNNING, until nothing more is
// runnable. It is the driver spec.md §2 describes: "loops Scheduler.next()
// until no job is runnable." Callers invoke this after every engine
// operation that can free a slot or change scheduling eligibility (submit,
// finish, remove, pause, suspend/resume_user) so runnable jobs never sit
// idle waiting for an unrelated event. Returns the ids transitioned, in
// dispatch order.
func (e *Engine) Dispatch() []int64 {
	e.promoteHoldingClients()
	e.pendingNotify = append(e.pendingNotify, e.SkipBlocked()...)
	var dispatched []int64
	for {
		id := e.sched.Next(e.table, e.account)
		if id == -1 {
			return dispatched
		}
		job := e.table.Find(id)
		if job == nil {
			panic(fatal("Dispatch", fmt.Sprintf("scheduler picked unknown job %d", id)))
		}
		if job.State == StateQueued {
			e.account.DecQueue(job.InternalUID)
		}
		e.configureRunning(job)
		dispatched = append(dispatched, id)
	}
}

// SkipBlocked scans the active list for QUEUED jobs whose
// dependency_errorlevel is already non-zero — a parent finished with a
// non-zero errorlevel — and finishes them as SKIPPED without ever handing
// them to the scheduler, per spec.md §4.4's engine-side short-circuit
// option ("an implementation choice is to check in the scheduler and
// short-circuit"). A single pass can uncover more work: skipping a job
// fans its own errorlevel out to its own children via Finish's usual
// propagateErrorlevel call, which can push a grandchild's
// dependency_errorlevel above zero for the first time, so this repeats
// until a full pass skips nothing.
func (e *Engine) SkipBlocked() []Notification {
	var out []Notification
	for {
		progressed := false
		for _, id := range e.table.ActiveIDs() {
			job := e.table.Find(id)
			if job == nil || job.State != StateQueued || job.DependencyErrorlevel <= 0 {
				continue
			}
			e.account.DecQueue(job.InternalUID)
			errorlevel := job.DependencyErrorlevel
			sockets, err := e.Finish(id, Result{Skipped: true, Errorlevel: errorlevel})
			if err != nil {
				e.log.Warn("skip_blocked: finish failed", "job", id, "err", err)
				continue
			}
			for _, s := range sockets {
				out = append(out, Notification{Socket: s, Errorlevel: errorlevel})
			}
			progressed = true
		}
		if !progressed {
			return out
		}
	}
}

// configureRunning transitions job from QUEUED/PAUSE/RELINK to RUNNING. It
// is idempotent: calling it on an already-RUNNING job is a no-op, per the
// idempotence property in spec.md §8.
//
// A QUEUED job with no pid yet has never had its runner launched: launching
// it here, only once the scheduler has actually charged it slots, is what
// keeps execution honest against max_slots (spec.md §5) - a runner spawned
// any earlier (eg. by the submitting client, before dispatch) would run
// unconditionally and bypass the slot accounting entirely. RELINK jobs
// always arrive with Pid already set (the --relink submission already named
// a running process), so they never take this branch.
func (e *Engine) configureRunning(job *Job) {
	job.Lock()

	if job.State == StateRunning {
		job.Unlock()
		return
	}

	needsSpawn := job.Pid == 0 && job.State == StateQueued

	if e.cores != nil && job.TasksetFlag {
		cores, err := e.cores.LockCores(job)
		if err != nil {
			e.log.Warn("core lock failed", "job", job.ID, "err", err)
		} else {
			job.Cores = cores
			if job.Pid > 0 {
				if err := e.cores.SetTaskCores(job.Pid, cores); err != nil {
					e.log.Warn("set task cores failed", "job", job.ID, "err", err)
				}
			}
		}
	}

	if job.Pid > 0 && e.pauser != nil && e.pauser.Sleeping(job.Pid) {
		if err := e.pauser.Resume(job.Pid); err != nil {
			e.log.Warn("resume on dispatch failed", "job", job.ID, "err", err)
		}
	}

	e.account.Charge(job.InternalUID, job.NumSlots)
	job.NumAllocated = job.NumSlots
	job.State = StateRunning
	jobID := job.ID
	job.Unlock()

	e.persist("configure_running", func() error {
		return e.store.InsertOrReplace(TableJobs, jobID, EncodeJob(job))
	})

	if needsSpawn {
		if e.spawner == nil {
			e.log.Warn("job dispatched with no spawner configured, it will never run", "job", jobID)
		} else if err := e.spawner.SpawnFresh(jobID); err != nil {
			e.log.Error("spawning runner on dispatch failed", "job", jobID, "err", err)
		}
	}
}

// freeCores is the symmetric inverse of configureRunning: it releases the
// slots a RUNNING/PAUSE job holds. A no-op on a job with NumAllocated==0,
// per the idempotence property in spec.md §8.
func (e *Engine) freeCores(job *Job) {
	if job.NumAllocated == 0 {
		return
	}
	e.account.Release(job.InternalUID, job.NumAllocated)
	if e.cores != nil && len(job.Cores) > 0 {
		e.cores.UnlockCores(job)
		job.Cores = nil
	}
	job.NumAllocated = 0
}

// Finish is the engine's job_finished: it frees slots, marks the terminal
// state, fans out the errorlevel to dependents, archives or destroys the
// job, and wakes any waiters. Per spec.md §4.6 it requires the job to
// already be in the active list.
func (e *Engine) Finish(jobID int64, result Result) ([]interface{}, error) {
	job := e.table.FindActive(jobID)
	if job == nil {
		return nil, fatal("Finish", fmt.Sprintf("job %d finished but isn't active", jobID))
	}
	if e.account.BusySlots < 0 {
		return nil, fatal("Finish", "busy_slots went negative")
	}

	job.Lock()
	wasAllocated := job.allocated()
	if wasAllocated {
		e.freeCores(job)
	}

	if result.Skipped {
		job.State = StateSkipped
	} else {
		job.State = StateFinished
	}
	job.Result = result
	job.Info.EndTime = e.clock()
	job.Unlock()

	e.lastFinishedJobID = job.ID
	e.lastErrorlevel = result.Errorlevel
	e.propagateErrorlevel(job)

	keep := job.KeepFinished || e.notifier.Waiting(job.ID)

	e.table.RemoveActive(job.ID)
	if keep {
		e.table.NewFinished(job)
	}

	e.persist("finish", func() error {
		if err := e.store.Insert(TableFinished, job.ID, EncodeJob(job)); err != nil {
			return err
		}
		return e.store.Delete(TableJobs, job.ID)
	})

	sockets := e.checkNotifyList(job.ID)
	return sockets, nil
}

// checkNotifyList wakes every waiter registered against jobID, per
// spec.md §4.5. If after that the job has no more waiters and isn't flagged
// KeepFinished, it is evicted from the finished list (it was only kept
// there for its notifiers).
func (e *Engine) checkNotifyList(jobID int64) []interface{} {
	job := e.table.Find(jobID)
	if job == nil {
		return nil
	}
	if job.State != StateFinished && job.State != StateSkipped {
		return nil
	}

	sockets := e.notifier.Take(jobID)
	if len(sockets) > 0 && !job.KeepFinished {
		e.table.RemoveFinished(jobID)
		e.persist("evict_finished", func() error {
			return e.store.Delete(TableFinished, jobID)
		})
	}
	return sockets
}

// WaitJob is s_wait_job / s_wait_running_job: if jobID is already terminal,
// it returns (errorlevel, true) for an immediate reply; otherwise it
// registers socket in the notifier and returns (0, false). An id that is
// in neither list registers nothing and also returns (0, false).
func (e *Engine) WaitJob(socket interface{}, jobID int64) (errorlevel int, ready bool) {
	job := e.table.Find(jobID)
	if job == nil {
		return 0, false
	}
	if job.State == StateFinished || job.State == StateSkipped {
		return job.Result.Errorlevel, true
	}
	e.notifier.Add(socket, jobID)
	return 0, false
}

// RemoveNotification drops every waiter registration for socket, called on
// client disconnect.
func (e *Engine) RemoveNotification(socket interface{}) {
	e.notifier.RemoveSocket(socket)
}

// Remove is s_remove_job: only the owner or root may remove a job, and a
// RUNNING job cannot be removed through this path (kill_all is the separate
// path for that). Per spec.md §4.6 and testable property 7, removing a job
// adds 1 to each child's dependency_errorlevel, as if the removed job had
// finished with errorlevel 1.
func (e *Engine) Remove(jobID int64, requesterUID int) error {
	job := e.table.Find(jobID)
	if job == nil {
		return validationErr("remove", jobID, "no such job")
	}
	if requesterUID != 0 && job.InternalUID != requesterUID {
		return permissionErr("remove", jobID, "not the owner")
	}
	if job.State == StateRunning {
		return validationErr("remove", jobID, "cannot remove a running job this way")
	}

	if job.State == StateQueued {
		e.account.DecQueue(job.InternalUID)
	}

	job.Lock()
	job.State = StateFinished
	job.Result.Errorlevel = -1
	job.Unlock()

	e.lastFinishedJobID = job.ID
	for _, childID := range job.NotifyErrorlevelTo {
		if child := e.table.Find(childID); child != nil {
			child.DependencyErrorlevel++
		}
	}

	e.checkNotifyList(job.ID)

	e.table.RemoveActive(job.ID)
	e.table.RemoveFinished(job.ID)

	e.persist("remove", func() error {
		if err := e.store.Delete(TableJobs, job.ID); err != nil {
			return err
		}
		return e.store.Delete(TableFinished, job.ID)
	})

	return nil
}

// KillAll reports the pids of every RUNNING job owned by requesterUID (root
// gets every RUNNING job) for the caller to signal; per spec.md §4.6 this
// streams pids rather than acting directly, since SIGTERM delivery is the
// transport layer's job.
func (e *Engine) KillAll(requesterUID int) []int {
	var pids []int
	for _, id := range e.table.ActiveIDs() {
		job := e.table.Find(id)
		if job.State != StateRunning {
			continue
		}
		if requesterUID != 0 && job.InternalUID != requesterUID {
			continue
		}
		if job.Pid > 0 {
			pids = append(pids, job.Pid)
		}
	}
	return pids
}

// SuspendUser is s_stop_user: flips the suspend flag and SIGSTOPs every
// RUNNING job of uid through the safe-pause protocol, transitioning each to
// PAUSE on success.
func (e *Engine) SuspendUser(uid int) []error {
	e.account.Suspend(uid)
	var errs []error
	for _, id := range e.table.ActiveIDs() {
		job := e.table.Find(id)
		if job.InternalUID != uid || job.State != StateRunning {
			continue
		}
		if err := e.pauseJob(job); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ResumeUser is s_cont_user: restores the user's slot cap and SIGCONTs
// every PAUSE job of uid back to RUNNING.
func (e *Engine) ResumeUser(uid int) []error {
	e.account.Resume(uid)
	var errs []error
	for _, id := range e.table.ActiveIDs() {
		job := e.table.Find(id)
		if job.InternalUID != uid || job.State != StatePause {
			continue
		}
		if err := e.resumeJob(job); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// HoldJob is s_hold_job: transitions a QUEUED job to LOCKED, or a RUNNING
// job to PAUSE via the safe-pause protocol. Only the owner or root may act
// (spec.md §9's documented fix for the source's assignment-instead-of-
// equality bug).
func (e *Engine) HoldJob(jobID int64, requesterUID int) error {
	job := e.table.Find(jobID)
	if job == nil {
		return validationErr("hold", jobID, "no such job")
	}
	if requesterUID != 0 && job.InternalUID != requesterUID {
		return permissionErr("hold", jobID, "not the owner")
	}

	switch job.State {
	case StateQueued:
		e.account.DecQueue(job.InternalUID)
		job.Lock()
		job.State = StateLocked
		job.Unlock()
		e.persist("hold", func() error { return e.store.InsertOrReplace(TableJobs, job.ID, EncodeJob(job)) })
		return nil
	case StateRunning:
		return e.pauseJob(job)
	default:
		return validationErr("hold", jobID, "job isn't queued or running")
	}
}

// ContJob is s_cont_job: the inverse of HoldJob.
func (e *Engine) ContJob(jobID int64, requesterUID int) error {
	job := e.table.Find(jobID)
	if job == nil {
		return validationErr("cont", jobID, "no such job")
	}
	if requesterUID != 0 && job.InternalUID != requesterUID {
		return permissionErr("cont", jobID, "not the owner")
	}

	switch job.State {
	case StateLocked:
		job.Lock()
		job.State = StateQueued
		job.Unlock()
		e.account.IncQueue(job.InternalUID)
		e.persist("cont", func() error { return e.store.InsertOrReplace(TableJobs, job.ID, EncodeJob(job)) })
		return nil
	case StatePause:
		return e.resumeJob(job)
	default:
		return validationErr("cont", jobID, "job isn't locked or paused")
	}
}

// pauseJob runs the safe-pause protocol (spec.md §4.2/§9): SIGSTOP the
// process group, verify it's actually sleeping within a bounded retry
// budget, and only then free its slots and mark it PAUSE. If verification
// fails, SIGCONT is sent to restore the process and an ErrSafePause is
// returned; the job's state is left RUNNING.
func (e *Engine) pauseJob(job *Job) error {
	if e.pauser == nil {
		return safePauseErr("pause", job.ID, "no pause controller configured")
	}
	if job.Pid == 0 {
		return safePauseErr("pause", job.ID, "job has no pid")
	}
	ok, err := e.pauser.SafePause(job.Pid)
	if err != nil {
		return safePauseErr("pause", job.ID, err.Error())
	}
	if !ok {
		return safePauseErr("pause", job.ID, "process did not stop in time")
	}

	job.Lock()
	e.freeCores(job)
	job.State = StatePause
	job.Unlock()

	e.persist("pause", func() error { return e.store.InsertOrReplace(TableJobs, job.ID, EncodeJob(job)) })
	return nil
}

// resumeJob sends SIGCONT and re-charges the job's slots, transitioning it
// back to RUNNING.
func (e *Engine) resumeJob(job *Job) error {
	if e.pauser != nil && job.Pid > 0 {
		if err := e.pauser.Resume(job.Pid); err != nil {
			return err
		}
	}
	e.configureRunning(job)
	return nil
}

// MoveUrgent is s_move_urgent: moves a job to the head of the active list.
func (e *Engine) MoveUrgent(jobID int64) error {
	if !e.table.MoveTop(jobID) {
		return validationErr("urgent", jobID, "cannot be urged")
	}
	e.persistActiveOrder()
	return nil
}

// SwapJobs is s_swap_jobs: exchanges two active jobs' positions.
func (e *Engine) SwapJobs(a, b int64) error {
	if !e.table.Swap(a, b) {
		return validationErr("swap", 0, "jobs cannot be swapped")
	}
	e.persistActiveOrder()
	return nil
}

// persistActiveOrder re-stamps every active job's Seq with its current
// position and re-encodes it, so a reorder (move_urgent, swap) survives a
// restart instead of being silently dropped - the persisted record is
// keyed by job id, not list position, so the ordering itself has nowhere
// else to live.
func (e *Engine) persistActiveOrder() {
	for i, id := range e.table.ActiveIDs() {
		job := e.table.Find(id)
		if job == nil {
			continue
		}
		job.Lock()
		job.Seq = int64(i)
		job.Unlock()
		e.persist("reorder", func() error {
			return e.store.InsertOrReplace(TableJobs, job.ID, EncodeJob(job))
		})
	}
}

// MarkRunning is s_mark_job_running: the runner callback reporting that a
// dispatched job is actually executing.
func (e *Engine) MarkRunning(jobID int64) error {
	job := e.table.Find(jobID)
	if job == nil {
		return fatal("MarkRunning", fmt.Sprintf("cannot mark unknown job %d running", jobID))
	}
	job.Lock()
	job.State = StateRunning
	job.Unlock()
	return nil
}

// ProcessRunjobOK is s_process_runjob_ok / the RELINK classification logic:
// the runner reports the child's pid and output path. If the job came from
// RELINK and the pid turns out to already be sleeping, it enters PAUSE
// instead of RUNNING.
func (e *Engine) ProcessRunjobOK(jobID int64, pid int, outputFilename string) error {
	job := e.table.Find(jobID)
	if job == nil {
		return fatal("ProcessRunjobOK", fmt.Sprintf("job %d not found on runjob_ok", jobID))
	}

	job.Lock()
	wasRelink := job.State == StateRelink
	job.Pid = pid
	job.OutputFilename = outputFilename
	job.Info.StartTime = e.clock()
	job.Unlock()

	if wasRelink && e.pauser != nil && e.pauser.Sleeping(pid) {
		job.Lock()
		job.State = StatePause
		job.Unlock()
		e.persist("relink_pause", func() error { return e.store.InsertOrReplace(TableJobs, job.ID, EncodeJob(job)) })
		return nil
	}

	e.configureRunning(job)
	return nil
}

// LockServer is s_lock_server: root's lock never expires; a non-root lock
// auto-expires 30s after it was taken (spec.md §9's resolution of the
// source's ambiguous condition).
func (e *Engine) LockServer(uid int) error {
	e.expireLockIfNeeded()
	if e.userLocker == -1 {
		e.userLocker = uid
		e.lockerTime = e.clock()
		return nil
	}
	if e.userLocker == uid {
		return validationErr("lock", 0, "server already locked by this user")
	}
	return permissionErr("lock", 0, "server locked by another user")
}

// UnlockServer is s_unlock_server: root may always unlock; a non-root
// caller may only unlock their own lock.
func (e *Engine) UnlockServer(uid int) error {
	if uid == 0 {
		e.userLocker = -1
		return nil
	}
	if e.userLocker == uid {
		e.userLocker = -1
		return nil
	}
	return permissionErr("unlock", 0, "server not locked by this user")
}

const lockExpirySeconds = 30

// expireLockIfNeeded clears a non-root lock that's been held past
// lockExpirySeconds. Root locks (userLocker == 0) never expire.
func (e *Engine) expireLockIfNeeded() {
	if e.userLocker > 0 && e.clock().Sub(e.lockerTime).Seconds() > lockExpirySeconds {
		e.userLocker = -1
	}
}

// CheckLocker is s_check_locker: reports whether uid is refused service
// because the server is locked by a different user.
func (e *Engine) CheckLocker(uid int) (refused bool) {
	e.expireLockIfNeeded()
	if e.userLocker == -1 {
		return false
	}
	return e.userLocker != uid
}

// ClearFinished is s_clear_finished: destroys every finished job owned by
// uid.
func (e *Engine) ClearFinished(uid int) {
	for _, id := range e.table.FinishedIDs() {
		job := e.table.Find(id)
		if job.InternalUID == uid {
			e.persist("clear_finished", func() error { return e.store.Delete(TableFinished, id) })
		}
	}
	e.table.ClearFinishedForUser(uid)
}
