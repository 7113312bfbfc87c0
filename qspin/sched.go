package qspin

// UnitID identifies a logical execution unit. Callers assign each
// concurrently-locking context a stable id in [0, Config.Units).
type UnitID int32

// Scheduler is the deschedule/reschedule transport the lock halts and kicks
// through. Implementations must provide reliable one-shot wake semantics:
// a Kick delivered before the target's Halt makes that Halt return
// immediately. Halt may also return spuriously at any time; the lock
// re-validates its wait condition and never treats a wake as a grant.
type Scheduler interface {
	// Halt parks the calling unit until kicked (or spuriously).
	Halt(self UnitID)
	// Kick wakes the given unit. At-least-once delivery.
	Kick(target UnitID)
}

// semaScheduler is the built-in transport: one capacity-1 channel per unit
// acts as a binary semaphore, so a kick that races ahead of the halt is
// held as a token rather than lost.
type semaScheduler struct {
	sema []chan struct{}
}

func newSemaScheduler(units int) *semaScheduler {
	s := &semaScheduler{sema: make([]chan struct{}, units)}
	for i := range s.sema {
		s.sema[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *semaScheduler) Halt(self UnitID) { <-s.sema[self] }

func (s *semaScheduler) Kick(target UnitID) {
	select {
	case s.sema[target] <- struct{}{}:
	default:
		// A token is already pending; the wake is covered.
	}
}
