package engine

// JobTable owns every Job for the lifetime of the server. It replaces the
// original C implementation's intrusive singly-linked lists with sentinel heads (not a good
// fit once jobs are owned by value elsewhere) with a map keyed by job id
// plus two ordered id slices, per the DESIGN NOTES: the active list is a
// []int64 in submission order (modulo move_top/swap reorderings) and the
// finished list is a []int64 in insertion order, oldest first.
type JobTable struct {
	jobs        map[int64]*Job
	active      []int64
	finished    []int64
	maxFinished int
}

// NewJobTable builds an empty table. maxFinished bounds the finished list
// (TS_MAXFINISHED, default 1000).
func NewJobTable(maxFinished int) *JobTable {
	if maxFinished <= 0 {
		maxFinished = 1000
	}
	return &JobTable{
		jobs:        make(map[int64]*Job),
		maxFinished: maxFinished,
	}
}

// Find returns the job with the given id, from either list, or nil.
func (t *JobTable) Find(id int64) *Job {
	return t.jobs[id]
}

// FindActive returns the job with the given id only if it is in the active
// list.
func (t *JobTable) FindActive(id int64) *Job {
	j, ok := t.jobs[id]
	if !ok || !t.inActive(id) {
		return nil
	}
	return j
}

// FindFinished returns the job with the given id only if it is in the
// finished list.
func (t *JobTable) FindFinished(id int64) *Job {
	j, ok := t.jobs[id]
	if !ok || !t.inFinished(id) {
		return nil
	}
	return j
}

func (t *JobTable) inActive(id int64) bool {
	for _, a := range t.active {
		if a == id {
			return true
		}
	}
	return false
}

func (t *JobTable) inFinished(id int64) bool {
	for _, f := range t.finished {
		if f == id {
			return true
		}
	}
	return false
}

// FindHoldingClient returns the (at most one expected) active job in state
// HOLDING_CLIENT, or nil.
func (t *JobTable) FindHoldingClient() *Job {
	for _, id := range t.active {
		j := t.jobs[id]
		if j.State == StateHoldingClient {
			return j
		}
	}
	return nil
}

// FindLastInQueue returns the largest job id in the active list, excluding
// exceptID, or -1 if the active list (minus exceptID) is empty.
func (t *JobTable) FindLastInQueue(exceptID int64) int64 {
	last := int64(-1)
	for _, id := range t.active {
		if id != exceptID && id > last {
			last = id
		}
	}
	return last
}

// FindLastFinished returns the largest job id in the finished list, or -1.
func (t *JobTable) FindLastFinished() int64 {
	last := int64(-1)
	for _, id := range t.finished {
		if id > last {
			last = id
		}
	}
	return last
}

// CountActive returns the number of jobs in the active list.
func (t *JobTable) CountActive() int {
	return len(t.active)
}

// ActiveIDs returns the active list in display order. The slice is owned by
// the caller.
func (t *JobTable) ActiveIDs() []int64 {
	out := make([]int64, len(t.active))
	copy(out, t.active)
	return out
}

// FinishedIDs returns the finished list, oldest first. The slice is owned by
// the caller.
func (t *JobTable) FinishedIDs() []int64 {
	out := make([]int64, len(t.finished))
	copy(out, t.finished)
	return out
}

// InsertActive appends a new job to the tail of the active list. The job
// must not already exist in the table.
func (t *JobTable) InsertActive(j *Job) {
	t.jobs[j.ID] = j
	t.active = append(t.active, j.ID)
}

// NewFinished appends job to the finished list; if that overflows
// maxFinished, the oldest finished job is evicted and destroyed.
func (t *JobTable) NewFinished(j *Job) {
	t.jobs[j.ID] = j
	t.finished = append(t.finished, j.ID)
	for len(t.finished) > t.maxFinished {
		evictID := t.finished[0]
		t.finished = t.finished[1:]
		delete(t.jobs, evictID)
	}
}

// MoveTop moves the active job with the given id to the head of the active
// list. Returns false if the job isn't active.
func (t *JobTable) MoveTop(id int64) bool {
	idx := t.activeIndex(id)
	if idx < 0 {
		return false
	}
	if idx == 0 {
		return true
	}
	t.active = append(t.active[:idx], t.active[idx+1:]...)
	t.active = append([]int64{id}, t.active...)
	return true
}

// Swap exchanges the positions of two active jobs in the active list.
// Returns false if either job isn't active.
func (t *JobTable) Swap(a, b int64) bool {
	ia := t.activeIndex(a)
	ib := t.activeIndex(b)
	if ia < 0 || ib < 0 {
		return false
	}
	t.active[ia], t.active[ib] = t.active[ib], t.active[ia]
	return true
}

func (t *JobTable) activeIndex(id int64) int {
	for i, a := range t.active {
		if a == id {
			return i
		}
	}
	return -1
}

// RemoveActive unlinks and destroys an active job. Returns false if the job
// wasn't active.
func (t *JobTable) RemoveActive(id int64) bool {
	idx := t.activeIndex(id)
	if idx < 0 {
		return false
	}
	t.active = append(t.active[:idx], t.active[idx+1:]...)
	delete(t.jobs, id)
	return true
}

// RemoveFinished unlinks and destroys a finished job. Returns false if the
// job wasn't in the finished list.
func (t *JobTable) RemoveFinished(id int64) bool {
	for i, f := range t.finished {
		if f == id {
			t.finished = append(t.finished[:i], t.finished[i+1:]...)
			delete(t.jobs, id)
			return true
		}
	}
	return false
}

// ClearFinishedForUser destroys every finished job owned by uid, leaving
// other users' finished jobs untouched and in order.
func (t *JobTable) ClearFinishedForUser(uid int) {
	kept := t.finished[:0:0]
	for _, id := range t.finished {
		j := t.jobs[id]
		if j.InternalUID == uid {
			delete(t.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	t.finished = kept
}
