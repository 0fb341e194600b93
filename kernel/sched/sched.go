// Package sched implements the cooperative round-robin process scheduler.
//
// The scheduler owns the process table and the ready queue. Ready processes
// are served in FIFO order: Schedule takes the head of the ready queue, moves
// it to the tail and makes it the current process. Switching processes only
// updates bookkeeping state; saved CPU contexts are recorded but never
// restored.
package sched

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/klog"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

var (
	// haltFn is mocked by tests.
	haltFn = cpu.Halt

	errNoAllocator      = &kernel.Error{Module: "sched", Message: "no allocator supplied", Kind: kernel.KindConfig}
	errInvalidFrequency = &kernel.Error{Module: "sched", Message: "timer frequency must be non-zero", Kind: kernel.KindConfig}
	errNilRecord        = &kernel.Error{Module: "sched", Message: "nil process record", Kind: kernel.KindInvariant}
	errDuplicateID      = &kernel.Error{Module: "sched", Message: "process ID already in use", Kind: kernel.KindInvariant}
	errRecordInUse      = &kernel.Error{Module: "sched", Message: "process record already belongs to a scheduler", Kind: kernel.KindInvariant}
)

// Allocator provides the memory for process records.
type Allocator interface {
	Alloc(size, align uintptr) (uintptr, *kernel.Error)
	Free(ptr uintptr) *kernel.Error
}

// Scheduler is a cooperative round-robin scheduler.
type Scheduler struct {
	mutex sync.IRQSpinlock

	alloc Allocator
	hz    uint32

	// procs is the process table ordered by ascending ID.
	procs *Record

	readyHead, readyTail *Record
	readyCount           int

	current *Record
	nextID  uint64

	// ticks is updated from interrupt context without holding the mutex.
	ticks uint64
}

// New returns a scheduler that allocates process records from alloc. The
// timer frequency (ticks per second) is used to convert ticks into time.
func New(alloc Allocator, timerHz uint32) (*Scheduler, *kernel.Error) {
	if alloc == nil {
		return nil, errNoAllocator
	}
	if timerHz == 0 {
		return nil, errInvalidFrequency
	}

	return &Scheduler{
		alloc: alloc,
		hz:    timerHz,
	}, nil
}

// CreateProcess allocates a record for a new process with the next free ID
// and adds it to the scheduler.
func (s *Scheduler) CreateProcess(name string, priority uint8) (*Record, *kernel.Error) {
	rec, err := s.allocRecord()
	if err != nil {
		return nil, err
	}
	rec.SetName(name)
	rec.Priority = priority

	s.mutex.Acquire()
	rec.ID = s.nextID
	s.insert(rec)
	s.mutex.Release()

	klog.Module("sched").WithFields(logrus.Fields{"pid": rec.ID, "name": name}).Debug("process created")
	return rec, nil
}

// AddProcess copies a caller-supplied record into the kernel heap, inserts
// the copy into the process table and appends it to the tail of the ready
// queue. The record ID must be unique; later generated IDs are always
// greater than the IDs of added records. The returned copy is the record
// managed by the scheduler; the caller keeps ownership of rec.
func (s *Scheduler) AddProcess(rec *Record) (*Record, *kernel.Error) {
	if rec == nil {
		return nil, errNilRecord
	}
	if rec.heapAddr != 0 || rec.queued || rec.nextProc != nil {
		return nil, errRecordInUse
	}

	cp, err := s.allocRecord()
	if err != nil {
		return nil, err
	}
	cp.ID = rec.ID
	cp.Priority = rec.Priority
	cp.Context = rec.Context
	cp.name, cp.nameLen = rec.name, rec.nameLen

	s.mutex.Acquire()
	if s.lookup(cp.ID) != nil {
		s.mutex.Release()
		s.freeRecord(cp.heapAddr)
		return nil, errDuplicateID
	}
	s.insert(cp)
	s.mutex.Release()

	return cp, nil
}

// allocRecord returns a zeroed record allocated from the kernel heap. All
// records linked by the scheduler live there, so none of them points into
// memory managed by the Go runtime.
func (s *Scheduler) allocRecord() (*Record, *kernel.Error) {
	addr, err := s.alloc.Alloc(unsafe.Sizeof(Record{}), unsafe.Alignof(Record{}))
	if err != nil {
		return nil, err
	}

	kernel.Memset(addr, 0, unsafe.Sizeof(Record{}))
	rec := (*Record)(unsafe.Pointer(addr))
	rec.heapAddr = addr
	return rec, nil
}

func (s *Scheduler) freeRecord(addr uintptr) {
	if err := s.alloc.Free(addr); err != nil {
		klog.Error(err)
	}
}

// insert links rec into the process table and the ready queue. The caller
// must hold the mutex.
func (s *Scheduler) insert(rec *Record) {
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}

	link := &s.procs
	for *link != nil && (*link).ID < rec.ID {
		link = &(*link).nextProc
	}
	rec.nextProc = *link
	*link = rec

	rec.State = StateReady
	s.enqueue(rec)
}

// RemoveProcess deletes the process with the supplied ID from the process
// table and the ready queue. It returns false, leaving the scheduler
// untouched, if no such process exists.
func (s *Scheduler) RemoveProcess(id uint64) bool {
	s.mutex.Acquire()

	var rec *Record
	for link := &s.procs; *link != nil; link = &(*link).nextProc {
		if (*link).ID == id {
			rec = *link
			*link = rec.nextProc
			rec.nextProc = nil
			break
		}
	}

	if rec == nil {
		s.mutex.Release()
		return false
	}

	s.dequeue(rec)
	if s.current == rec {
		s.current = nil
	}
	heapAddr := rec.heapAddr
	s.mutex.Release()

	s.freeRecord(heapAddr)

	klog.Module("sched").WithField("pid", id).Debug("process removed")
	return true
}

// Schedule selects the next process to run. It returns false if no process
// is ready. The selected process moves from the head to the tail of the
// ready queue and becomes the current process; a previously running process
// returns to the ready state. The head is always selected, even when it is
// already the current process.
func (s *Scheduler) Schedule() (*Record, bool) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	next := s.readyHead
	if next == nil {
		return nil, false
	}

	s.dequeue(next)
	s.enqueue(next)

	if prev := s.current; prev != nil && prev != next && prev.State == StateRunning {
		prev.State = StateReady
	}

	next.State = StateRunning
	s.current = next
	return next, true
}

// Yield gives up the CPU to the next ready process and logs the switch.
func (s *Scheduler) Yield() (*Record, bool) {
	prevID, hadPrev := s.CurrentID()

	next, ok := s.Schedule()
	if !ok {
		return nil, false
	}

	entry := klog.Module("sched").WithFields(logrus.Fields{"pid": next.ID, "name": next.Name()})
	if hadPrev {
		entry = entry.WithField("prev", prevID)
	}
	entry.Info("switched")
	return next, true
}

// BlockCurrent moves the current process to the blocked state and removes
// it from the ready queue. It returns false if there is no current process.
func (s *Scheduler) BlockCurrent() bool {
	return s.retireCurrent(StateBlocked)
}

// ExitCurrent marks the current process as terminated. The record stays in
// the process table until it is removed with RemoveProcess.
func (s *Scheduler) ExitCurrent() bool {
	return s.retireCurrent(StateTerminated)
}

func (s *Scheduler) retireCurrent(state State) bool {
	s.mutex.Acquire()
	defer s.mutex.Release()

	cur := s.current
	if cur == nil {
		return false
	}

	s.dequeue(cur)
	cur.State = state
	s.current = nil
	return true
}

// Unblock moves a blocked process back to the tail of the ready queue. It
// returns false if the process does not exist or is not blocked.
func (s *Scheduler) Unblock(id uint64) bool {
	s.mutex.Acquire()
	defer s.mutex.Release()

	rec := s.lookup(id)
	if rec == nil || rec.State != StateBlocked {
		return false
	}

	rec.State = StateReady
	s.enqueue(rec)
	return true
}

// Current returns a copy of the current process record.
func (s *Scheduler) Current() (Record, bool) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if s.current == nil {
		return Record{}, false
	}
	return s.current.snapshot(), true
}

// CurrentID returns the ID of the current process.
func (s *Scheduler) CurrentID() (uint64, bool) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if s.current == nil {
		return 0, false
	}
	return s.current.ID, true
}

// Lookup returns a copy of the record with the supplied ID.
func (s *Scheduler) Lookup(id uint64) (Record, bool) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if rec := s.lookup(id); rec != nil {
		return rec.snapshot(), true
	}
	return Record{}, false
}

// VisitProcesses invokes visitor with a copy of each record in ascending ID
// order until visitor returns false. The visitor must not call back into the
// scheduler.
func (s *Scheduler) VisitProcesses(visitor func(Record) bool) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	for rec := s.procs; rec != nil; rec = rec.nextProc {
		if !visitor(rec.snapshot()) {
			return
		}
	}
}

// ReadyCount returns the number of processes in the ready queue, including
// the current process.
func (s *Scheduler) ReadyCount() int {
	s.mutex.Acquire()
	defer s.mutex.Release()
	return s.readyCount
}

// ReadyQueue appends the IDs in the ready queue, head first, to dst.
func (s *Scheduler) ReadyQueue(dst []uint64) []uint64 {
	s.mutex.Acquire()
	defer s.mutex.Release()

	for rec := s.readyHead; rec != nil; rec = rec.nextReady {
		dst = append(dst, rec.ID)
	}
	return dst
}

// PrintProcessTable writes the process table to the console.
func (s *Scheduler) PrintProcessTable() {
	s.VisitProcesses(func(rec Record) bool {
		rec.Print()
		return true
	})
}

func (s *Scheduler) lookup(id uint64) *Record {
	for rec := s.procs; rec != nil && rec.ID <= id; rec = rec.nextProc {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (s *Scheduler) enqueue(rec *Record) {
	if rec.queued {
		return
	}

	rec.queued = true
	rec.nextReady = nil
	rec.prevReady = s.readyTail
	if s.readyTail != nil {
		s.readyTail.nextReady = rec
	} else {
		s.readyHead = rec
	}
	s.readyTail = rec
	s.readyCount++
}

func (s *Scheduler) dequeue(rec *Record) {
	if !rec.queued {
		return
	}

	if rec.prevReady != nil {
		rec.prevReady.nextReady = rec.nextReady
	} else {
		s.readyHead = rec.nextReady
	}
	if rec.nextReady != nil {
		rec.nextReady.prevReady = rec.prevReady
	} else {
		s.readyTail = rec.prevReady
	}

	rec.prevReady, rec.nextReady, rec.queued = nil, nil, false
	s.readyCount--
}

// snapshot returns a copy of r without its scheduler links.
func (r *Record) snapshot() Record {
	cp := *r
	cp.nextProc, cp.prevReady, cp.nextReady = nil, nil, nil
	return cp
}

// Tick advances the tick counter. It is called from the timer interrupt
// handler.
func (s *Scheduler) Tick() {
	atomic.AddUint64(&s.ticks, 1)
}

// Ticks returns the number of timer ticks since boot.
func (s *Scheduler) Ticks() uint64 {
	return atomic.LoadUint64(&s.ticks)
}

// TimerFrequency returns the number of ticks per second.
func (s *Scheduler) TimerFrequency() uint32 {
	return s.hz
}

// Uptime converts the tick counter to the elapsed time since boot.
func (s *Scheduler) Uptime() time.Duration {
	ticks := s.Ticks()
	return time.Duration(ticks/uint64(s.hz))*time.Second +
		time.Duration(ticks%uint64(s.hz))*time.Second/time.Duration(s.hz)
}

// Delay halts the CPU until the tick counter has advanced by at least ticks.
// Interrupts must be enabled; the wait cannot be cancelled.
func (s *Scheduler) Delay(ticks uint64) {
	target := s.Ticks() + ticks
	for s.Ticks() < target {
		haltFn()
	}
}
