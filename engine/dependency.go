package engine

// resolveDependency implements the -1 ("depend on the last job queued
// before this one") sentinel resolution chain from spec.md §4.4 and
// jobs.c's s_newjob. It returns the resolved parent id (-1 if truly
// independent) and the errorlevel contribution to add to the new job's
// dependency_errorlevel.
func (e *Engine) resolveDependency(job *Job, raw int64) (resolved int64, errContribution int) {
	if raw != -1 {
		return e.resolveExplicitDependency(job, raw)
	}

	// 1. Depend on the most recent other job still in the active list, if
	// it is newer than the last job that finished.
	last := e.table.FindLastInQueue(job.ID)
	if last != -1 && last > e.lastFinishedJobID {
		if parent := e.table.FindActive(last); parent != nil {
			parent.NotifyErrorlevelTo = append(parent.NotifyErrorlevelTo, job.ID)
		}
		return last, 0
	}

	// 2. Fall back to the most recently finished job, if it is newer than
	// the last one we already accounted for.
	if lf := e.table.FindLastFinished(); lf != -1 && lf > e.lastFinishedJobID {
		parent := e.table.FindFinished(lf)
		if parent == nil {
			panic(fatal("resolveDependency", "finished jobid vanished from finished list"))
		}
		return lf, abs(parent.Result.Errorlevel)
	}

	// 3. Nothing newer: treat the previous session's last errorlevel as
	// the dependency result, with no parent to track.
	return -1, abs(e.lastErrorlevel)
}

// resolveExplicitDependency handles a caller-supplied (non -1) parent id.
func (e *Engine) resolveExplicitDependency(job *Job, parentID int64) (int64, int) {
	if parent := e.table.FindActive(parentID); parent != nil {
		parent.NotifyErrorlevelTo = append(parent.NotifyErrorlevelTo, job.ID)
		return parentID, 0
	}
	if parent := e.table.FindFinished(parentID); parent != nil {
		return parentID, abs(parent.Result.Errorlevel)
	}
	// A dependency that names a job id that no longer exists is treated as
	// if that job had finished with errorlevel 1 (spec.md §8 property 7;
	// jobs.c:569-573).
	return parentID, 1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// propagateErrorlevel adds |errorlevel| to each child listed in
// notify_errorlevel_to, per spec.md §4.4.
func (e *Engine) propagateErrorlevel(finishedJob *Job) {
	contribution := abs(finishedJob.Result.Errorlevel)
	for _, childID := range finishedJob.NotifyErrorlevelTo {
		if child := e.table.Find(childID); child != nil {
			child.DependencyErrorlevel += contribution
		}
	}
}
