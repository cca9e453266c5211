package engine

// ListEntry is one row of the `list` output spec.md §7 describes: "an
// array-of-records in JSON form (fields: ID, State, Proc., User, Label,
// Output, E-Level, Time_ms, Command)". It is a display-only projection of a
// Job, built fresh on every listing request rather than cached.
type ListEntry struct {
	ID      int64
	State   JobState
	Proc    int // number of slots this job occupies (the "Proc." column)
	User    string
	Label   string
	Output  string
	ELevel  int
	TimeMS  int64
	Command string
}

// List returns one ListEntry per job in the active list (in display order)
// followed by one per job in the finished list (oldest first), mirroring
// the order `ts` itself prints: active jobs first, then history.
func (e *Engine) List() []ListEntry {
	entries := make([]ListEntry, 0, e.table.CountActive()+len(e.table.finished))
	for _, id := range e.table.ActiveIDs() {
		entries = append(entries, e.toListEntry(e.table.Find(id)))
	}
	for _, id := range e.table.FinishedIDs() {
		entries = append(entries, e.toListEntry(e.table.Find(id)))
	}
	return entries
}

func (e *Engine) toListEntry(job *Job) ListEntry {
	snap := job.Snapshot()
	timeMS := snap.Result.RealMS
	if timeMS == 0 && !snap.Info.StartTime.IsZero() {
		if snap.Info.EndTime.IsZero() {
			timeMS = e.clock().Sub(snap.Info.StartTime).Milliseconds()
		} else {
			timeMS = snap.Info.EndTime.Sub(snap.Info.StartTime).Milliseconds()
		}
	}
	command := snap.Command
	if snap.CommandStrip > 0 && snap.CommandStrip <= len(command) {
		command = command[snap.CommandStrip:]
	}
	return ListEntry{
		ID:      snap.ID,
		State:   snap.State,
		Proc:    snap.NumSlots,
		User:    e.users.Name(snap.InternalUID),
		Label:   snap.Label,
		Output:  snap.OutputFilename,
		ELevel:  snap.Result.Errorlevel,
		TimeMS:  timeMS,
		Command: command,
	}
}
