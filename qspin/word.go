package qspin

// Lock word layout. A single 32-bit word encodes the whole lock:
//
//	bits  0-7  locked byte (0 free, lockedVal held, slowVal held with a
//	           parked queue head that needs an explicit kick on release)
//	bit     8  pending bit
//	bits 16-17 tail nesting index
//	bits 18-31 tail unit number, offset by one so zero means "no tail"
const (
	lockedOffset   = 0
	pendingOffset  = 8
	tailIdxOffset  = 16
	tailUnitOffset = 18

	lockedMask   = uint32(0xff) << lockedOffset
	pendingMask  = uint32(1) << pendingOffset
	tailIdxMask  = uint32(maxNesting-1) << tailIdxOffset
	tailUnitMask = ^(uint32(1)<<tailUnitOffset - 1)
	tailMask     = tailIdxMask | tailUnitMask

	lockedVal  = uint32(1) << lockedOffset
	slowVal    = uint32(3) << lockedOffset
	pendingVal = pendingMask

	lockedPendingMask = lockedMask | pendingMask
)

// MaxUnits is the largest number of execution units a lock can serve;
// the unit number has to fit in the tail code alongside the nesting index.
const MaxUnits = (1 << (32 - tailUnitOffset)) - 1

// encodeTail packs an arena slot into a nonzero tail code.
func encodeTail(unit UnitID, idx int32) uint32 {
	return (uint32(unit)+1)<<tailUnitOffset | uint32(idx)<<tailIdxOffset
}

// decodeTail resolves a tail code back to its arena slot. The mapping is a
// pure bijection over queued nodes; decoding the empty code is a caller bug.
func (l *Lock) decodeTail(tail uint32) *waitNode {
	if tail&tailMask == 0 {
		panic("qspin: decode of empty tail reference")
	}
	unit := (tail >> tailUnitOffset) - 1
	idx := (tail & tailIdxMask) >> tailIdxOffset
	return &l.arena[unit].nodes[idx]
}

// xchgTail atomically replaces the tail code, leaving the locked byte and
// pending bit alone, and returns the previous word value.
func (l *Lock) xchgTail(code uint32) uint32 {
	for {
		v := l.word.Load()
		if l.word.CompareAndSwap(v, v&^tailMask|code) {
			return v
		}
	}
}

// casLockByte emulates a compare-and-swap on the locked byte only: the tail
// and pending bits may change underneath without failing the exchange.
// Returns the locked byte observed, which equals old exactly when the swap
// took effect.
func (l *Lock) casLockByte(old, new uint32) uint32 {
	for {
		v := l.word.Load()
		if v&lockedMask != old {
			return v & lockedMask
		}
		if l.word.CompareAndSwap(v, v&^lockedMask|new) {
			return old
		}
	}
}
