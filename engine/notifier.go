package engine

// waiter is a single (socket, jobid) registration left behind by a wait_job
// call on a job that hadn't finished yet. socket is opaque to the engine: it
// is whatever handle the transport layer uses to address a still-open
// client connection (a net.Conn, a mangos pipe id, ...).
type waiter struct {
	socket interface{}
	jobID  int64
}

// Notifier is the list of clients blocked in wait_job, per spec.md §4.5.
type Notifier struct {
	entries []waiter
}

// NewNotifier builds an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Add registers socket as waiting on jobID's completion.
func (n *Notifier) Add(socket interface{}, jobID int64) {
	n.entries = append(n.entries, waiter{socket: socket, jobID: jobID})
}

// Waiting reports whether jobID has at least one registered waiter.
func (n *Notifier) Waiting(jobID int64) bool {
	for _, e := range n.entries {
		if e.jobID == jobID {
			return true
		}
	}
	return false
}

// Take removes and returns every waiter registered against jobID.
func (n *Notifier) Take(jobID int64) []interface{} {
	var sockets []interface{}
	kept := n.entries[:0:0]
	for _, e := range n.entries {
		if e.jobID == jobID {
			sockets = append(sockets, e.socket)
			continue
		}
		kept = append(kept, e)
	}
	n.entries = kept
	return sockets
}

// RemoveSocket drops every registration for socket, used when a client
// disconnects.
func (n *Notifier) RemoveSocket(socket interface{}) {
	kept := n.entries[:0:0]
	for _, e := range n.entries {
		if e.socket == socket {
			continue
		}
		kept = append(kept, e)
	}
	n.entries = kept
}
