package engine

import (
	"fmt"
	"sort"
)

// Recover replays a previous session's persisted state, per spec.md §4.7.
// It walks the Jobs bucket first (reconstructing the active list and
// re-deriving each job's runtime disposition from procfs), then the
// Finished bucket (straight reinsertion, no runner interaction), and
// finally raises jobids past the highest id it saw.
//
// decode turns a persisted record back into a Job; it is supplied by the
// caller (cmd/tsd passes DecodeJob, the inverse of EncodeJob).
func (e *Engine) Recover(decode func(data []byte) (*Job, error)) error {
	if e.store == nil {
		return nil
	}

	if err := e.recoverJobs(decode); err != nil {
		return err
	}
	if err := e.recoverFinished(decode); err != nil {
		return err
	}
	return nil
}

func (e *Engine) recoverJobs(decode func([]byte) (*Job, error)) error {
	ids, err := e.store.ReadAllIDs(TableJobs)
	if err != nil {
		return fmt.Errorf("recover: reading Jobs ids: %w", err)
	}

	var jobs []*Job
	for _, id := range ids {
		data, err := e.store.ReadByID(TableJobs, id)
		if err != nil {
			e.log.Warn("recover: unreadable job record", "id", id, "err", err)
			continue
		}
		job, err := decode(data)
		if err != nil {
			e.log.Warn("recover: undecodable job record", "id", id, "err", err)
			continue
		}
		jobs = append(jobs, job)
	}

	// ReadAllIDs comes back in id order, not active-list order; Seq (set by
	// every persist since submit, and re-stamped by persistActiveOrder on
	// every move_urgent/swap) is what lets a restart reproduce the active
	// list's true order instead of falling back to id order.
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	for _, job := range jobs {
		e.recoverOneActiveJob(job)
		e.bumpJobIDs(job.ID)
	}
	return nil
}

// recoverOneActiveJob re-derives a single active job's disposition, per
// spec.md §3's restore-from-disk rules:
//
//	persisted RUNNING with a live pid owned by the recorded user -> DELINK,
//	  spawn a --relink runner, which will drive RELINK -> RUNNING;
//	persisted QUEUED -> WAIT, then immediately -> QUEUED;
//	persisted LOCKED -> stays LOCKED, no runner needed.
//
// The original WAIT -> QUEUED step existed to let a freshly spawned runner
// re-submit the fields a minimal persisted record couldn't carry. Now that
// EncodeJob/DecodeJob persist the whole job (command, workdir, deps and
// all), the engine already has everything it needs the moment the record
// is decoded, so WAIT collapses to QUEUED in the same pass rather than
// waiting on a round trip through a spawned process. Re-execution itself
// still waits for the Dispatch call after Recover to pick the job up
// through the ordinary, slot-gated configureRunning path - spawning a
// runner here, before slots are known to be free, would run the job
// unconditionally and defeat max_slots exactly like an un-gated submit
// would.
func (e *Engine) recoverOneActiveJob(job *Job) {
	switch job.State {
	case StateRunning, StatePause:
		if e.procfs != nil && e.procfs.Alive(job.Pid) {
			if owner, ok := e.procfs.OwnerUID(job.Pid); ok {
				// owner is a real OS uid; translate it before comparing
				// with the job's internal uid.
				if iu, known := e.users.InternalUID(owner); known && iu == job.InternalUID {
					job.State = StateDelink
					e.table.InsertActive(job)
					if e.spawner != nil {
						if err := e.spawner.SpawnRelink(job.ID, job.Pid); err != nil {
							e.log.Error("recover: relink spawn failed", "job", job.ID, "err", err)
						}
					}
					return
				}
			}
		}
		// pid is gone or reassigned: there is no process left to re-attach
		// to, so the job is treated as finished abnormally.
		job.State = StateFinished
		job.Result.Errorlevel = -1
		e.table.NewFinished(job)

	case StateQueued:
		job.State = StateWait
		e.table.InsertActive(job)
		e.account.IncQueue(job.InternalUID)
		job.State = StateQueued

	case StateLocked:
		e.table.InsertActive(job)

	case StateHoldingClient:
		// the client that owned this slot is gone; nothing to wait for.
		job.State = StateFinished
		job.Result.Errorlevel = -1
		e.table.NewFinished(job)

	default:
		e.table.InsertActive(job)
	}
}

func (e *Engine) recoverFinished(decode func([]byte) (*Job, error)) error {
	ids, err := e.store.ReadAllIDs(TableFinished)
	if err != nil {
		return fmt.Errorf("recover: reading Finished ids: %w", err)
	}

	for _, id := range ids {
		data, err := e.store.ReadByID(TableFinished, id)
		if err != nil {
			e.log.Warn("recover: unreadable finished record", "id", id, "err", err)
			continue
		}
		job, err := decode(data)
		if err != nil {
			e.log.Warn("recover: undecodable finished record", "id", id, "err", err)
			continue
		}
		e.table.NewFinished(job)
		e.bumpJobIDs(job.ID)

		if job.ID > e.lastFinishedJobID {
			e.lastFinishedJobID = job.ID
			e.lastErrorlevel = job.Result.Errorlevel
		}
	}
	return nil
}

// bumpJobIDs raises the id allocator so the next Submit never collides with
// a recovered id, per spec.md §4.7 point 3.
func (e *Engine) bumpJobIDs(seen int64) {
	if seen >= e.jobids {
		e.jobids = seen + 1
	}
}
