package engine

// ResourceAccount tracks the global and per-user slot pools that the
// scheduler consults before dispatching a job. A negative userMaxSlots
// entry is the suspend flag for that user (spec.md §4.6, suspend_user);
// its absolute value is the user's real cap.
type ResourceAccount struct {
	MaxSlots  int
	BusySlots int

	userMaxSlots []int
	userBusy     []int
	userQueue    []int
	userJobs     []int
}

// NewResourceAccount builds the per-user pools from the user table's
// max-slots list (one entry per internal uid).
func NewResourceAccount(maxSlots int, userMaxSlots []int) *ResourceAccount {
	n := len(userMaxSlots)
	r := &ResourceAccount{
		MaxSlots:     maxSlots,
		userMaxSlots: append([]int(nil), userMaxSlots...),
		userBusy:     make([]int, n),
		userQueue:    make([]int, n),
		userJobs:     make([]int, n),
	}
	return r
}

// UserNumber is the number of known internal users.
func (r *ResourceAccount) UserNumber() int { return len(r.userMaxSlots) }

// FreeSlots is the number of globally unclaimed slots. It may be negative
// transiently after an admin trims MaxSlots below BusySlots (testable
// property 2); callers must treat non-positive as "nothing free."
func (r *ResourceAccount) FreeSlots() int { return r.MaxSlots - r.BusySlots }

// UserMaxSlots returns the user's cap. Suspended users report a negative
// value; use UserIsSuspended to test that directly.
func (r *ResourceAccount) UserMaxSlots(uid int) int { return r.userMaxSlots[uid] }

// UserIsSuspended reports whether suspend_user(uid) is in effect.
func (r *ResourceAccount) UserIsSuspended(uid int) bool { return r.userMaxSlots[uid] < 0 }

// UserFreeSlots is the number of slots uid may still claim, respecting
// suspension (a suspended user has zero free slots regardless of sign
// arithmetic).
func (r *ResourceAccount) UserFreeSlots(uid int) int {
	if r.UserIsSuspended(uid) {
		return 0
	}
	return r.userMaxSlots[uid] - r.userBusy[uid]
}

// UserBusy returns the slots currently charged to uid.
func (r *ResourceAccount) UserBusy(uid int) int { return r.userBusy[uid] }

// UserQueue returns the count of QUEUED (not LOCKED) jobs owned by uid.
func (r *ResourceAccount) UserQueue(uid int) int { return r.userQueue[uid] }

// IncQueue/DecQueue maintain invariant 3 (user_queue[u] == count of QUEUED
// jobs owned by u) across every transition that enters or leaves QUEUED.
func (r *ResourceAccount) IncQueue(uid int) { r.userQueue[uid]++ }
func (r *ResourceAccount) DecQueue(uid int) {
	if r.userQueue[uid] > 0 {
		r.userQueue[uid]--
	}
}

// Charge moves num slots from free to busy, both globally and for uid. It is
// the only place busy_slots/user_busy/user_jobs are incremented, invoked by
// configure_running.
func (r *ResourceAccount) Charge(uid, num int) {
	r.BusySlots += num
	r.userBusy[uid] += num
	r.userJobs[uid]++
}

// Release is the inverse of Charge, invoked by free_cores.
func (r *ResourceAccount) Release(uid, num int) {
	r.BusySlots -= num
	r.userBusy[uid] -= num
	r.userJobs[uid]--
}

// SetMaxSlots trims or raises the global pool. Per testable property 2, this
// may transiently leave BusySlots > MaxSlots; new dispatches are simply
// refused until jobs finish and bring BusySlots back down.
func (r *ResourceAccount) SetMaxSlots(n int) {
	if n > 0 {
		r.MaxSlots = n
	}
}

// Suspend negates the user's max-slots sign, used as the suspend flag.
func (r *ResourceAccount) Suspend(uid int) {
	if r.userMaxSlots[uid] > 0 {
		r.userMaxSlots[uid] = -r.userMaxSlots[uid]
	}
}

// Resume restores the absolute value of the user's max-slots.
func (r *ResourceAccount) Resume(uid int) {
	if r.userMaxSlots[uid] < 0 {
		r.userMaxSlots[uid] = -r.userMaxSlots[uid]
	}
}
