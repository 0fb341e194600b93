package sched

import "github.com/southwarridev/kewveOs/kernel/kfmt"

// State is the scheduling state of a process.
type State uint8

const (
	// StateReady processes wait in the ready queue.
	StateReady State = iota

	// StateRunning is the state of the current process.
	StateRunning

	// StateBlocked processes are not eligible for scheduling until they
	// are unblocked.
	StateBlocked

	// StateTerminated processes have exited but stay in the process
	// table until they are removed.
	StateTerminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MaxNameLen is the size of the fixed name buffer of each record. Longer
// names are truncated.
const MaxNameLen = 32

// Context is the execution state saved for a process that is not running.
// Switching contexts is not implemented yet; the scheduler only records it.
type Context struct {
	RSP  uint64
	RIP  uint64
	Regs [16]uint64
}

// Record is the control record of a process.
type Record struct {
	ID       uint64
	State    State
	Priority uint8
	Context  Context

	nameLen uint8
	name    [MaxNameLen]byte

	// nextProc links the process table in ascending ID order.
	nextProc *Record

	// prevReady and nextReady link the ready queue.
	prevReady, nextReady *Record
	queued               bool

	// heapAddr is the kernel heap block backing the record or 0 if the
	// record has not been handed to a scheduler.
	heapAddr uintptr
}

// SetName copies name into the record's name buffer, truncating it to
// MaxNameLen bytes.
func (r *Record) SetName(name string) {
	r.nameLen = uint8(copy(r.name[:], name))
}

// Name returns the process name.
func (r *Record) Name() string {
	return string(r.name[:r.nameLen])
}

// NameBytes returns the process name without allocating.
func (r *Record) NameBytes() []byte {
	return r.name[:r.nameLen]
}

// Print writes a one-line summary of the record to the console.
func (r *Record) Print() {
	kfmt.Printf("%5d %s %10s prio=%d\n", r.ID, r.NameBytes(), r.State.String(), r.Priority)
}
