package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUsers is the minimal userLookup a test engine needs: n users whose
// internal uid equals their real uid (any other real uid maps to internal
// uid 0).
type fakeUsers struct{ n int }

func (f fakeUsers) Number() int { return f.n }
func (f fakeUsers) InternalUID(realUID int) (int, bool) {
	if realUID < f.n {
		return realUID, true
	}
	return 0, f.n > 0
}
func (f fakeUsers) Name(internalUID int) string { return fmt.Sprintf("user%d", internalUID) }

func newTestEngine(t *testing.T, maxSlots int, numUsers int) *Engine {
	t.Helper()
	userMaxSlots := make([]int, numUsers)
	for i := range userMaxSlots {
		userMaxSlots[i] = 1 << 30
	}
	clk := time.Unix(0, 0)
	return New(Config{MaxSlots: maxSlots, MaxJobs: 1000, MaxFinished: 10}, fakeUsers{n: numUsers}, userMaxSlots, Deps{
		Clock: func() time.Time { return clk },
	})
}

func submit(t *testing.T, e *Engine, uid int, numSlots int, dependOn ...int64) int64 {
	t.Helper()
	id, err := e.Submit(SubmitRequest{RealUID: uid, NumSlots: numSlots, Command: "true", DependOn: dependOn})
	require.NoError(t, err)
	return id
}

func TestSubmitAssignsMonotonicIDs(t *testing.T) {
	e := newTestEngine(t, 4, 1)
	a := submit(t, e, 0, 1)
	b := submit(t, e, 0, 1)
	assert.Equal(t, FirstJobID, a)
	assert.Equal(t, a+1, b)
	assert.Equal(t, b, e.LastID())
}

func TestDispatchChargesSlotsAndDecrementsQueue(t *testing.T) {
	e := newTestEngine(t, 2, 1)
	id := submit(t, e, 0, 2)
	assert.Equal(t, 1, e.Account().UserQueue(0))

	dispatched := e.Dispatch()
	require.Equal(t, []int64{id}, dispatched)

	job := e.Table().Find(id)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, 2, e.Account().BusySlots)
	assert.Equal(t, 0, e.Account().UserQueue(0))
}

func TestDispatchRefusesWhenSlotsExhausted(t *testing.T) {
	e := newTestEngine(t, 1, 1)
	a := submit(t, e, 0, 1)
	b := submit(t, e, 0, 1)

	dispatched := e.Dispatch()
	require.Equal(t, []int64{a}, dispatched)

	bJob := e.Table().Find(b)
	assert.Equal(t, StateQueued, bJob.State)
}

func TestFinishFreesSlotsAndArchives(t *testing.T) {
	e := newTestEngine(t, 1, 1)
	id := submit(t, e, 0, 1)
	e.Dispatch()

	job := e.Table().Find(id)
	job.KeepFinished = true
	job.Pid = 12345

	sockets, err := e.Finish(id, Result{Errorlevel: 0})
	require.NoError(t, err)
	assert.Empty(t, sockets)

	assert.Equal(t, 0, e.Account().BusySlots)
	assert.Nil(t, e.Table().FindActive(id))
	finished := e.Table().FindFinished(id)
	require.NotNil(t, finished)
	assert.Equal(t, StateFinished, finished.State)
}

func TestSkippedDependentOnFailedParent(t *testing.T) {
	e := newTestEngine(t, 2, 1)
	parent := submit(t, e, 0, 1)
	child := submit(t, e, 0, 1, parent)
	// keep the child in the finished list once skipped, so it can be
	// inspected below (a job with no waiters and no keep flag is destroyed).
	e.Table().Find(child).KeepFinished = true

	e.Dispatch()
	_, err := e.Finish(parent, Result{Errorlevel: 1})
	require.NoError(t, err)

	// Dispatch's SkipBlocked pass must auto-skip child the moment its
	// dependency_errorlevel goes non-zero, never handing it to the
	// scheduler (spec.md §4.4's engine-side short-circuit option).
	e.Dispatch()
	skipped := e.Table().Find(child)
	require.NotNil(t, skipped)
	assert.Equal(t, StateSkipped, skipped.State)
	assert.True(t, skipped.Result.Skipped)
	assert.Equal(t, 1, skipped.Result.Errorlevel)
}

func TestSkipBlockedNotifiesParkedWaiters(t *testing.T) {
	e := newTestEngine(t, 2, 1)
	parent := submit(t, e, 0, 1)
	child := submit(t, e, 0, 1, parent)

	_, ready := e.WaitJob("waiter-on-child", child)
	require.False(t, ready)

	e.Dispatch()
	_, err := e.Finish(parent, Result{Errorlevel: 5})
	require.NoError(t, err)

	dispatched := e.Dispatch()
	assert.NotContains(t, dispatched, child, "a skipped job must never be handed to the scheduler")

	notes := e.TakePendingNotify()
	require.Len(t, notes, 1)
	assert.Equal(t, "waiter-on-child", notes[0].Socket)
	assert.Equal(t, 5, notes[0].Errorlevel)
}

func TestRemoveQueuedJobPropagatesErrorlevelToChildren(t *testing.T) {
	e := newTestEngine(t, 2, 1)
	parent := submit(t, e, 0, 1)
	child := submit(t, e, 0, 1, parent)

	require.NoError(t, e.Remove(parent, 0))
	childJob := e.Table().Find(child)
	require.NotNil(t, childJob)
	assert.Equal(t, 1, childJob.DependencyErrorlevel)
}

func TestRemoveRefusesRunningJob(t *testing.T) {
	e := newTestEngine(t, 1, 1)
	id := submit(t, e, 0, 1)
	e.Dispatch()

	err := e.Remove(id, 0)
	require.Error(t, err)
}

func TestRemoveRefusesNonOwner(t *testing.T) {
	e := newTestEngine(t, 4, 2)
	id := submit(t, e, 0, 1)

	err := e.Remove(id, 1)
	require.Error(t, err)
	engErr, ok := err.(*EngineError)
	require.True(t, ok)
	assert.Equal(t, ErrPermission, engErr.Kind)
}

func TestWaitJobImmediateOnFinished(t *testing.T) {
	e := newTestEngine(t, 1, 1)
	id := submit(t, e, 0, 1)
	e.Dispatch()
	_, err := e.Finish(id, Result{Errorlevel: 7})
	require.NoError(t, err)

	errorlevel, ready := e.WaitJob("socket", id)
	assert.True(t, ready)
	assert.Equal(t, 7, errorlevel)
}

func TestWaitJobParksUntilFinish(t *testing.T) {
	e := newTestEngine(t, 1, 1)
	id := submit(t, e, 0, 1)
	e.Dispatch()

	_, ready := e.WaitJob("socket-a", id)
	assert.False(t, ready)

	sockets, err := e.Finish(id, Result{Errorlevel: 3})
	require.NoError(t, err)
	require.Equal(t, []interface{}{"socket-a"}, sockets)
}

func TestSuspendAndResumeUser(t *testing.T) {
	e := newTestEngine(t, 4, 1)
	id := submit(t, e, 0, 2)
	e.Dispatch()
	require.Equal(t, StateRunning, e.Table().Find(id).State)

	errs := e.SuspendUser(0)
	assert.Len(t, errs, 1) // no pauser configured: pauseJob returns an error per job

	// without a PauseController, SuspendUser can't actually stop the
	// running job; it still flips the suspend flag so new dispatch is
	// refused.
	assert.True(t, e.Account().UserIsSuspended(0))

	other := submit(t, e, 0, 1)
	dispatched := e.Dispatch()
	assert.NotContains(t, dispatched, other)

	e.ResumeUser(0)
	assert.False(t, e.Account().UserIsSuspended(0))
}

func TestLockServerExpiresForNonRoot(t *testing.T) {
	now := time.Unix(0, 0)
	e := New(Config{MaxSlots: 1, MaxJobs: 10, MaxFinished: 10}, fakeUsers{n: 2}, []int{1 << 30, 1 << 30}, Deps{
		Clock: func() time.Time { return now },
	})

	require.NoError(t, e.LockServer(1))
	assert.True(t, e.CheckLocker(2))

	now = now.Add(31 * time.Second)
	assert.False(t, e.CheckLocker(2), "lock should have auto-expired after 30s")
}

func TestLockServerNeverExpiresForRoot(t *testing.T) {
	now := time.Unix(0, 0)
	e := New(Config{MaxSlots: 1, MaxJobs: 10, MaxFinished: 10}, fakeUsers{n: 2}, []int{1 << 30, 1 << 30}, Deps{
		Clock: func() time.Time { return now },
	})

	require.NoError(t, e.LockServer(0))
	now = now.Add(time.Hour)
	assert.True(t, e.CheckLocker(1))
}

func TestMoveUrgentAndSwap(t *testing.T) {
	e := newTestEngine(t, 0, 1)
	a := submit(t, e, 0, 1)
	b := submit(t, e, 0, 1)
	c := submit(t, e, 0, 1)

	require.NoError(t, e.MoveUrgent(c))
	assert.Equal(t, []int64{c, a, b}, e.Table().ActiveIDs())

	require.NoError(t, e.SwapJobs(c, b))
	assert.Equal(t, []int64{b, a, c}, e.Table().ActiveIDs())
}

func TestConfigureRunningIsIdempotent(t *testing.T) {
	e := newTestEngine(t, 4, 1)
	id := submit(t, e, 0, 2)
	job := e.Table().Find(id)

	e.configureRunning(job)
	assert.Equal(t, 2, e.Account().BusySlots)
	e.configureRunning(job)
	assert.Equal(t, 2, e.Account().BusySlots, "re-dispatching an already-running job must not double-charge")
}
