package qspin

import "runtime"

// Halt/kick protocol.
//
// A waiter that exhausts its spin budget halts, yielding its execution unit
// back to the host, and is kicked by whoever unblocks it. Two races have to
// be closed without serializing the common non-halting case:
//
// Race A, member halt vs. the grant by its predecessor. The member warns
// with mayHalt, stores unitHalted, then re-checks its locked flag before
// parking; the grantor stores the flag, then checks the halt state only
// when mayHalt was raised. Under sequentially consistent atomics one of the
// two re-checks always fires: either the member sees the grant and aborts
// the halt, or the grantor sees unitHalted and kicks.
//
// Race B, head halt vs. release. Before parking the head publishes itself
// into the tail node's head cache and flips the locked byte to the
// slow-path marker; a release that finds the marker resolves the head
// through the tail, clears the byte, and kicks. The byte flip fails if the
// lock was already released, aborting the halt.

// waitMember links the node behind the previous tail and waits for head
// status, halting past the spin budget.
func (l *Lock) waitMember(old uint32, n *waitNode) {
	if old&tailMask == 0 {
		// Queue was empty: head immediately.
		n.locked.Store(true)
		n.headRef.Store(n)
		return
	}
	prev := l.decodeTail(old & tailMask)
	prev.next.Store(n)

	// Inherit the predecessor's head cache. The node may become head
	// first if the predecessor drains while we wait, so race the two.
	for {
		if n.locked.Load() {
			n.headRef.Store(n)
			return
		}
		if h := prev.headRef.Load(); h != nil {
			n.headRef.Store(h)
			break
		}
		runtime.Gosched()
	}

	for {
		for count := l.spinMax; count > 0; count-- {
			if n.locked.Load() {
				n.headRef.Store(n)
				return
			}
			if count == l.warnAt {
				// Warn grantors the halt window is opening.
				n.mayHalt.Store(true)
			}
			runtime.Gosched()
		}

		// Out of budget. Store the halt state, then re-validate: the
		// grantor's flag write and this check close Race A.
		n.state.Store(unitHalted)
		if n.locked.Load() {
			l.stats.haltsAborted.Add(1)
		} else {
			l.sched.Halt(n.unit)
			l.noteWake(n)
		}
		n.state.Store(unitActive)
		n.mayHalt.Store(false)

		if n.locked.Load() {
			n.headRef.Store(n)
			return
		}
	}
}

// waitHead spins for the locked and pending bits to clear as queue head,
// halting past the spin budget. Returns the word value that freed the wait.
func (l *Lock) waitHead(n *waitNode) uint32 {
spin:
	for {
		n.state.Store(unitActive)
		for count := l.spinMax; count > 0; count-- {
			v := l.word.Load()
			if v&lockedPendingMask == 0 {
				return v
			}
			if n.state.Load() == unitKicked {
				// A wake arrived while we were still running; clear the
				// marker and re-arm the budget.
				continue spin
			}
			runtime.Gosched()
		}

		// Make this node discoverable before any chance of parking, so a
		// releaser that only sees the tail can still find us.
		l.setHeadInTail(n)

		if !n.state.CompareAndSwap(unitActive, unitHalted) {
			continue // kicked while arming the halt
		}
		// Flip the locked byte to the slow-path marker. Failure with a
		// free byte means the holder already released: abort the halt and
		// re-contend. The byte may already carry the marker after a
		// spurious wake; then just park again.
		if l.casLockByte(lockedVal, slowVal) != 0 {
			l.sched.Halt(n.unit)
			l.noteWake(n)
		} else {
			n.state.Store(unitActive)
			l.stats.haltsAborted.Add(1)
			return l.word.Load()
		}
	}
}

// setHeadInTail publishes head into the current tail node's head cache,
// rewriting for as long as the tail keeps moving.
func (l *Lock) setHeadInTail(head *waitNode) {
	tn := l.decodeTail(l.word.Load() & tailMask)
	for {
		// Wait out the tail's own linking write so it cannot land after
		// ours and clobber the publication with a stale head.
		for tn.headRef.Load() == nil {
			runtime.Gosched()
		}
		tn.headRef.Store(head)
		next := l.decodeTail(l.word.Load() & tailMask)
		if next == tn {
			return
		}
		tn = next
	}
}

// findHead resolves the current queue head through the tail node's cache,
// waiting briefly for a publication in flight. The head only proceeds to
// park after publication completes, so a releaser on the slow path always
// gets here.
func (l *Lock) findHead() *waitNode {
	tn := l.decodeTail(l.word.Load() & tailMask)
	h := tn.headRef.Load()
	for h == nil {
		runtime.Gosched()
		h = tn.headRef.Load()
	}
	if !h.locked.Load() {
		panic("qspin: queue head without head status")
	}
	return h
}

// grantCheck runs on the grantor after it hands head status to next: reset
// the departing node for reuse, then close Race A when the new head warned
// it may halt. Checking mayHalt first keeps the halt-state probe off the
// common path.
func (l *Lock) grantCheck(n, next *waitNode) {
	n.locked.Store(false)
	n.headRef.Store(nil)
	if !next.mayHalt.Load() {
		return
	}
	l.kick(next)
}

// kick wakes a halted node. A kick that finds the node not halted is
// redundant: it changes nothing and is only counted.
func (l *Lock) kick(n *waitNode) {
	if !n.state.CompareAndSwap(unitHalted, unitKicked) {
		l.stats.kicksNoHalt.Add(1)
		return
	}
	l.sched.Kick(n.unit)
}
