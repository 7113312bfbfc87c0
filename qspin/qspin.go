// Package qspin implements an adaptive queue spinlock: a strictly fair,
// constant-space FIFO mutual-exclusion lock built for over-committed
// environments where a spinning waiter's execution unit may itself be
// descheduled by the host, so a busy-wait turn is not guaranteed to arrive
// in bounded time.
//
// The lock provides several guarantees:
//   - FIFO ordering: contenders acquire in the order they entered the
//     slow path
//   - Each waiter spins on its own queue node, keeping contention cost
//     flat as the waiter count grows
//   - Constant space: a fixed four-slot node arena per execution unit,
//     no allocation per acquisition
//   - A waiter that spins past its budget halts (parks) and is kicked
//     (woken) by the eventual releaser, with no lost wakeups
//
// Example usage:
//
//	lock := qspin.New(qspin.Config{Units: 8, Adaptive: true})
//
//	// Unit 3 takes and releases the lock.
//	lock.Lock(3)
//	// ... critical section ...
//	lock.Unlock()
//
//	// Non-blocking try-lock.
//	if lock.TryLock() {
//	    // ... critical section ...
//	    lock.Unlock()
//	}
//
// Each concurrently-locking context must use its own UnitID in
// [0, Config.Units). The lock is not reentrant: a unit that tries to
// re-acquire a lock it already holds deadlocks, like sync.Mutex.
package qspin

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Default spin policy. The warn threshold is the remaining budget at which
// a waiter raises its may-halt flag, warning grantors that the halt race
// window is open.
const (
	DefaultSpinThreshold = 1 << 12
	DefaultWarnThreshold = 1 << 4
)

// Config parameterizes a Lock. The adaptive switch is per-lock rather than
// process-global so both code paths stay independently testable.
type Config struct {
	// Units is the number of execution units that may contend, in
	// [1, MaxUnits]. Required.
	Units int
	// Adaptive enables the halt/kick slow path. When false the lock
	// degrades to pure queue-ordered spinning with no descheduling.
	Adaptive bool
	// SpinThreshold bounds busy-wait iterations before a waiter halts.
	// Zero selects DefaultSpinThreshold.
	SpinThreshold uint32
	// WarnThreshold is the remaining budget at which the may-halt flag is
	// raised. Zero selects DefaultWarnThreshold; must stay below the spin
	// threshold.
	WarnThreshold uint32
	// Scheduler supplies the halt/kick transport. Nil selects the
	// built-in channel-backed scheduler.
	Scheduler Scheduler
}

// Lock is an adaptive queue spinlock. Use New; the zero value is not
// usable because the node arena is sized by Config.Units.
type Lock struct {
	word atomic.Uint32

	adaptive bool
	spinMax  uint32
	warnAt   uint32
	sched    Scheduler
	arena    []nodeArena
	stats    lockStats
}

// New creates a lock for the given configuration.
func New(cfg Config) *Lock {
	if cfg.Units < 1 || cfg.Units > MaxUnits {
		panic(fmt.Sprintf("qspin: Units must be in [1, %d], got %d", MaxUnits, cfg.Units))
	}
	spin := cfg.SpinThreshold
	if spin == 0 {
		spin = DefaultSpinThreshold
	}
	warn := cfg.WarnThreshold
	if warn == 0 {
		warn = DefaultWarnThreshold
	}
	if warn >= spin {
		panic("qspin: WarnThreshold must be below SpinThreshold")
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = newSemaScheduler(cfg.Units)
	}
	return &Lock{
		adaptive: cfg.Adaptive,
		spinMax:  spin,
		warnAt:   warn,
		sched:    sched,
		arena:    make([]nodeArena, cfg.Units),
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (l *Lock) TryLock() bool {
	return l.word.CompareAndSwap(0, lockedVal)
}

// IsFree returns true if the lock is currently free.
func (l *Lock) IsFree() bool { return l.word.Load()&lockedMask == 0 }

// Lock acquires the lock for the calling unit, blocking until it holds
// exclusive ownership.
func (l *Lock) Lock(self UnitID) {
	// Fast path: fully idle -> locked, no pending, no tail.
	if l.word.CompareAndSwap(0, lockedVal) {
		return
	}
	l.lockSlow(self)
}

func (l *Lock) lockSlow(self UnitID) {
	// With halting off, a lone contender can wait in the pending slot
	// without queueing. The adaptive path always queues so a long wait
	// has a node to halt on.
	if !l.adaptive && l.pendWait() {
		return
	}

	n, code := l.grabNode(self)

	// Publish ourselves as the new tail, capturing the previous one.
	old := l.xchgTail(code)

	// Wait to become queue head.
	if l.adaptive {
		l.waitMember(old, n)
	} else if old&tailMask != 0 {
		prev := l.decodeTail(old & tailMask)
		prev.next.Store(n)
		for !n.locked.Load() {
			runtime.Gosched()
		}
	}

	// Queue head: contend for the lock word itself.
	var v uint32
	if l.adaptive {
		v = l.waitHead(n)
	} else {
		for {
			v = l.word.Load()
			if v&lockedPendingMask == 0 {
				break
			}
			runtime.Gosched()
		}
	}

	// Claim the lock. If we are still the tail, emptying the queue and
	// taking the lock must be one step so a new arrival cannot slip in
	// between; otherwise just take the locked byte and hand head status
	// to our successor.
	for {
		if v&tailMask != code {
			l.word.Or(lockedVal)
			break
		}
		if l.word.CompareAndSwap(v, lockedVal) {
			l.putNode(self)
			return
		}
		v = l.word.Load()
	}

	// A successor swapped itself in; wait for it to finish linking.
	next := n.next.Load()
	for next == nil {
		runtime.Gosched()
		next = n.next.Load()
	}
	next.locked.Store(true)
	if l.adaptive {
		l.grantCheck(n, next)
	}
	l.putNode(self)
}

// pendWait takes the pending slot when the lock is held with an empty
// queue, then waits for the holder to leave and claims the locked byte.
// Returns false if the slot was not available.
func (l *Lock) pendWait() bool {
	v := l.word.Load()
	if v != lockedVal {
		return false
	}
	if !l.word.CompareAndSwap(v, v|pendingVal) {
		return false
	}
	for l.word.Load()&lockedMask != 0 {
		runtime.Gosched()
	}
	// Trade pending for locked in one step; queued waiters spin on both
	// bits, so they stay blocked across the handover.
	for {
		v := l.word.Load()
		if l.word.CompareAndSwap(v, v&^pendingMask|lockedVal) {
			return true
		}
	}
}

// Unlock releases the lock, waking the queue head if it parked. Calling
// Unlock on a lock that is not held is an invariant breach and panics.
func (l *Lock) Unlock() {
	old := l.casLockByte(lockedVal, 0)
	if old == lockedVal {
		return
	}
	if old != slowVal {
		panic("qspin: unlock of unlocked lock")
	}
	l.unlockSlow()
}

// unlockSlow handles release when the queue head parked: find the head
// through the tail node's cache, make the release visible, then kick.
func (l *Lock) unlockSlow() {
	head := l.findHead()
	// The cleared byte must be visible before the wake so the kicked head
	// re-validates against a free lock.
	l.word.And(^lockedMask)
	l.kick(head)
}
