package engine

import "math/rand"

// Scheduler chooses, on each relevant event, at most one newly runnable job
// by consulting a JobTable and ResourceAccount. It holds no state of its own
// beyond the random source used for the fair rotation starting point; all
// durable state lives on the Engine that owns the table and the account.
type Scheduler struct {
	rng *rand.Rand
}

// NewScheduler builds a scheduler drawing from rng (a fixed-seed source if
// rng is nil). Passing a deterministic source makes scheduling decisions reproducible in tests, matching the
// "deterministic given the same ... random seed" ordering guarantee in
// spec.md §5.
func NewScheduler(rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Scheduler{rng: rng}
}

// Next returns the id of the next job to dispatch, or -1 if nothing is
// runnable right now. It never mutates table or account: the caller
// (Engine.Dispatch) decrements user_queue for the winning job and then
// transitions it via Engine.configureRunning, which performs the slot
// charge, so that invariant 3 stays intact.
func (s *Scheduler) Next(table *JobTable, account *ResourceAccount) int64 {
	// Re-attachment to an already-running process is always top priority.
	for _, id := range table.active {
		if table.jobs[id].State == StateRelink {
			return id
		}
	}

	if account.FreeSlots() <= 0 {
		return -1
	}
	if len(table.active) == 0 {
		return -1
	}

	n := account.UserNumber()
	if n == 0 {
		return -1
	}
	u0 := s.rng.Intn(n)

	for i := 0; i < n; i++ {
		uid := (u0 + i + 1) % n
		if account.UserQueue(uid) == 0 {
			continue
		}

		for _, id := range table.active {
			job := table.jobs[id]
			if job.State != StateQueued {
				continue
			}
			if job.InternalUID != uid {
				continue
			}
			if !dependenciesResolved(table, job) {
				continue
			}
			if job.NumSlots > account.FreeSlots() {
				continue
			}
			if job.NumSlots > account.UserFreeSlots(uid) {
				continue
			}
			return id
		}
	}
	return -1
}

// dependenciesResolved reports whether none of job's parents are still
// QUEUED or RUNNING (ie. finished, skipped, or no longer in the table).
func dependenciesResolved(table *JobTable, job *Job) bool {
	for _, pid := range job.DependOn {
		parent := table.Find(pid)
		if parent == nil {
			continue
		}
		if parent.State == StateQueued || parent.State == StateRunning {
			return false
		}
	}
	return true
}
