// Package sync provides the spinlock primitives used to guard kernel state
// that is shared between regular code and interrupt handlers.
package sync

import (
	"sync/atomic"

	"github.com/southwarridev/kewveOs/kernel/cpu"
)

// spinAttempts is the number of acquisition attempts before yieldFn is
// invoked.
const spinAttempts = 64

var (
	// yieldFn is nil on a single core as no other task can run while we
	// spin. Tests substitute runtime.Gosched.
	yieldFn func()

	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttempts)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for i := uint32(0); i < attemptsBeforeYielding; i++ {
			if atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// IRQSpinlock is a Spinlock that also masks interrupts on the current CPU
// while it is held. It must guard any state that interrupt handlers touch:
// on a single core, an interrupt handler spinning on a lock held by the code
// it interrupted would never make progress.
type IRQSpinlock struct {
	lock      Spinlock
	restoreIF bool
}

// Acquire saves the interrupt flag, disables interrupts and then acquires
// the lock.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.lock.Acquire()
	l.restoreIF = enabled
}

// Release releases the lock and re-enables interrupts if they were enabled
// when the lock was acquired.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIF
	l.restoreIF = false
	l.lock.Release()
	if restore {
		enableInterruptsFn()
	}
}
