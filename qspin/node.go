package qspin

import "sync/atomic"

// Execution unit states for the halt/kick protocol. kicked is a transient
// marker meaning "a wake was issued for this halt episode"; it is cleared
// back to active once the woken unit observes it.
const (
	unitActive int32 = iota
	unitHalted
	unitKicked
)

// maxNesting is the number of wait nodes per execution unit. Acquisitions
// nest strictly (a unit can only re-enter the slow path while already
// waiting), so a small fixed arena indexed by depth covers every level.
const maxNesting = 4

// waitNode is the per-waiter queue element. A node is exclusively owned by
// its waiting unit except for next, locked, state, mayHalt and headRef,
// which are the designated cross-unit channels and are only ever touched
// through atomics.
type waitNode struct {
	// next links to the queue successor, written once by that successor.
	next atomic.Pointer[waitNode]
	// locked is the predecessor-release signal: true means this node is
	// now the queue head.
	locked atomic.Bool
	// state is the unitActive/unitHalted/unitKicked machine.
	state atomic.Int32
	// mayHalt warns grantors that this node is close to halting, so they
	// only pay for the halt-state check when it could matter.
	mayHalt atomic.Bool
	// headRef caches a pointer to the current queue head, nil until
	// published. It is a locate-the-head shortcut, never ownership.
	headRef atomic.Pointer[waitNode]
	// unit identifies the owning execution unit for kick delivery.
	unit UnitID
}

func (n *waitNode) reset(unit UnitID) {
	n.next.Store(nil)
	n.locked.Store(false)
	n.state.Store(unitActive)
	n.mayHalt.Store(false)
	n.headRef.Store(nil)
	n.unit = unit
}

// nodeArena holds one unit's wait nodes. depth is owned by the unit itself
// and follows a stack discipline, so it needs no synchronization.
type nodeArena struct {
	nodes [maxNesting]waitNode
	depth int32
}

// grabNode hands out the unit's node for the current nesting level, reset
// to defaults, along with its tail code.
func (l *Lock) grabNode(self UnitID) (*waitNode, uint32) {
	a := &l.arena[self]
	idx := a.depth
	if idx >= maxNesting {
		panic("qspin: wait node arena exhausted; acquisitions nested too deep")
	}
	a.depth++
	n := &a.nodes[idx]
	n.reset(self)
	return n, encodeTail(self, idx)
}

func (l *Lock) putNode(self UnitID) {
	l.arena[self].depth--
}
