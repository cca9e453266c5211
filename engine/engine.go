package engine

import (
	"math/rand"
	"time"

	log15 "gopkg.in/inconshreveable/log15.v2"
)

// Store is the persistence adapter the engine mirrors every structural
// change to. It is the external collaborator spec.md §1 describes as "a
// key/value-per-table store indexed by job id"; a bbolt-backed
// implementation lives in package store.
type Store interface {
	Insert(table string, id int64, data []byte) error
	InsertOrReplace(table string, id int64, data []byte) error
	Delete(table string, id int64) error
	ReadAllIDs(table string) ([]int64, error)
	ReadByID(table string, id int64) ([]byte, error)
}

// Tables used with Store.
const (
	TableJobs     = "Jobs"
	TableFinished = "Finished"
)

// PauseController performs the signal-based pause/resume/kill control of
// child processes described in spec.md §4.2/§9 (safe_pause / kill_pids).
type PauseController interface {
	// SafePause sends SIGSTOP to pid and its descendants, polls for the
	// process to be observed sleeping within a bounded retry budget, and
	// SIGCONTs + returns false if that never happens.
	SafePause(pid int) (ok bool, err error)
	// Resume sends SIGCONT to pid.
	Resume(pid int) error
	// Kill sends sig to pid and its descendants.
	Kill(pid int, sig int) error
	// Sleeping reports whether pid is currently stopped (used by the
	// RELINK->PAUSE classification in process_runjob_ok, and by
	// configure_running to decide whether to SIGCONT).
	Sleeping(pid int) bool
}

// ProcFS answers the liveness/ownership/fd questions recovery needs from
// /proc, per spec.md §6's procfs dependency.
type ProcFS interface {
	Alive(pid int) bool
	OwnerUID(pid int) (int, bool)
	OutputPath(pid int) (string, error)
}

// CoreAllocator is the optional CPU affinity collaborator (lock_core_by_job
// / unlock_core_by_job / set_task_cores), referenced only by interface per
// spec.md §1.
type CoreAllocator interface {
	LockCores(job *Job) ([]int, error)
	UnlockCores(job *Job)
	SetTaskCores(pid int, cores []int) error
}

// Spawner launches runner client processes: SpawnRelink attaches a runner to
// an already-running pid (recovery's DELINK path), and SpawnFresh starts a
// runner that executes a job's command, called by configureRunning once the
// job has been charged its slots.
type Spawner interface {
	SpawnRelink(jobID int64, pid int) error
	SpawnFresh(jobID int64) error
}

// Clock is injectable so tests can control wall-clock-dependent behaviour
// (the 30s server-lock auto-expiry, job timing records).
type Clock func() time.Time

// Config bundles the administrator-controlled knobs spec.md names: the
// global slot pool, the admission-control ceiling on the active list, and
// the finished-list bound.
type Config struct {
	MaxSlots    int
	MaxJobs     int
	MaxFinished int
}

// Engine is the single value that owns every piece of mutable state the
// scheduling and job-lifecycle core touches: the JobTable, the
// ResourceAccount, the Notifier and the handful of process-wide counters
// jobs.c kept as static globals (jobids, last_errorlevel,
// last_finished_jobid, user_locker, locker_time). Per the DESIGN NOTES, all
// of it is consolidated here instead of package-level globals, so tests can
// construct independent engines.
type Engine struct {
	log      log15.Logger
	cfg      Config
	clock    Clock
	table    *JobTable
	account  *ResourceAccount
	notifier *Notifier
	sched    *Scheduler

	store   Store
	pauser  PauseController
	procfs  ProcFS
	cores   CoreAllocator
	spawner Spawner

	users userLookup

	jobids            int64
	lastErrorlevel    int
	lastFinishedJobID int64

	userLocker int // -1 = unlocked, 0 = root, >0 = uid
	lockerTime time.Time

	pendingNotify []Notification
}

// Notification pairs a parked wait_job request handle with the errorlevel
// to reply with. Finish's own caller already knows the errorlevel of the
// job it just finished (it's the one it passed in), but a cascade of
// auto-skips (SkipBlocked) can finish several jobs with different
// errorlevels in a single Dispatch call, so those need to carry their own
// errorlevel alongside the socket.
type Notification struct {
	Socket     interface{}
	Errorlevel int
}

// TakePendingNotify drains and returns the notifications accumulated by
// Dispatch calls since the last drain (currently only produced by
// SkipBlocked's auto-skip cascade). Callers should deliver these the same way they
// deliver Finish's own return value.
func (e *Engine) TakePendingNotify() []Notification {
	out := e.pendingNotify
	e.pendingNotify = nil
	return out
}

// userLookup is the minimal slice of the users.Table the engine needs; kept
// as an unexported interface so the engine package doesn't import users
// directly (it only needs translation + counts, not file parsing).
type userLookup interface {
	Number() int
	InternalUID(realUID int) (int, bool)
	Name(internalUID int) string
}

// Deps bundles the engine's external collaborators. Any of Pauser, ProcFS,
// Cores or Spawner may be nil if the corresponding feature is unused (eg.
// tests that never pause a job, or a build with CPU affinity disabled).
type Deps struct {
	Log     log15.Logger
	Store   Store
	Pauser  PauseController
	ProcFS  ProcFS
	Cores   CoreAllocator
	Spawner Spawner
	Clock   Clock
	Rand    *rand.Rand
}

// New builds a fresh Engine. userMaxSlots must have one entry per internal
// uid (users.Table.MaxSlots).
func New(cfg Config, users userLookup, userMaxSlots []int, deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = log15.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	e := &Engine{
		log:               deps.Log,
		cfg:               cfg,
		clock:             deps.Clock,
		table:             NewJobTable(cfg.MaxFinished),
		account:           NewResourceAccount(cfg.MaxSlots, userMaxSlots),
		notifier:          NewNotifier(),
		sched:             NewScheduler(deps.Rand),
		store:             deps.Store,
		pauser:            deps.Pauser,
		procfs:            deps.ProcFS,
		cores:             deps.Cores,
		spawner:           deps.Spawner,
		users:             users,
		jobids:            FirstJobID,
		lastErrorlevel:    0,
		lastFinishedJobID: 0,
		userLocker:        -1,
	}
	return e
}

// Table exposes the job table for read-only inspection (eg. `ts list`).
func (e *Engine) Table() *JobTable { return e.table }

// Account exposes the resource account for read-only inspection.
func (e *Engine) Account() *ResourceAccount { return e.account }

// MaxSlots reports the current global slot cap.
func (e *Engine) MaxSlots() int { return e.account.MaxSlots }

// SetMaxSlots adjusts the global slot cap (spec.md §6, GET_MAX_SLOTS_OK's
// write-side counterpart).
func (e *Engine) SetMaxSlots(n int) { e.account.SetMaxSlots(n) }

// LastID reports the most recently allocated job id (spec.md §6, LAST_ID).
func (e *Engine) LastID() int64 { return e.jobids - 1 }

// persist mirrors a structural change to the store. Persistence is
// best-effort per spec.md §7: failures are logged, not propagated, since the
// in-memory engine state remains authoritative until the next restart.
func (e *Engine) persist(op string, fn func() error) {
	if e.store == nil || fn == nil {
		return
	}
	if err := fn(); err != nil {
		e.log.Warn("persistence mirror failed", "op", op, "err", err)
	}
}
