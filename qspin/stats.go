package qspin

import "sync/atomic"

// Stats is a snapshot of the lock's halt/kick counters. Redundant kicks and
// spurious wakes are expected behavior, so they are surfaced here rather
// than as errors.
type Stats struct {
	WakesKicked   uint64 // halts ended by an explicit kick
	WakesSpurious uint64 // halts ended without one
	KicksNoHalt   uint64 // kicks that found the target not halted
	HaltsAborted  uint64 // halts abandoned after the final re-validation
}

type lockStats struct {
	wakesKicked   atomic.Uint64
	wakesSpurious atomic.Uint64
	kicksNoHalt   atomic.Uint64
	haltsAborted  atomic.Uint64
}

// Stats returns a snapshot of the lock's counters.
func (l *Lock) Stats() Stats {
	return Stats{
		WakesKicked:   l.stats.wakesKicked.Load(),
		WakesSpurious: l.stats.wakesSpurious.Load(),
		KicksNoHalt:   l.stats.kicksNoHalt.Load(),
		HaltsAborted:  l.stats.haltsAborted.Load(),
	}
}

// noteWake records how a halt episode ended and clears the transient
// kicked marker.
func (l *Lock) noteWake(n *waitNode) {
	if n.state.Load() == unitKicked {
		l.stats.wakesKicked.Add(1)
	} else {
		l.stats.wakesSpurious.Add(1)
	}
}
