package qspin

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gammazero/deque"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond from the test goroutine until it holds or the test
// times out. Forced interleavings in these tests are built from such polls
// plus the lock word itself.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		runtime.Gosched()
	}
}

// tailIs reports whether the lock's tail code currently names the given
// unit at nesting depth zero.
func tailIs(l *Lock, unit UnitID) bool {
	return l.word.Load()&tailMask == encodeTail(unit, 0)
}

func TestLockConcurrentAccess(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"plain", Config{Units: 32}},
		{"adaptive", Config{Units: 32, Adaptive: true}},
		{"adaptive/tiny-budget", Config{Units: 32, Adaptive: true, SpinThreshold: 32, WarnThreshold: 4}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			lock := New(tc.cfg)
			const iterations = 400
			units := tc.cfg.Units
			counter := 0
			var wg sync.WaitGroup

			wg.Add(units)
			for u := 0; u < units; u++ {
				go func(u UnitID) {
					defer wg.Done()
					for range iterations {
						lock.Lock(u)
						counter++
						lock.Unlock()
					}
				}(UnitID(u))
			}
			wg.Wait()

			expected := units * iterations
			assert.Equal(t, expected, counter, "Expected counter to be %d, got %d", expected, counter)
			assert.Equal(t, uint32(0), lock.word.Load(), "lock word must be fully idle after the last release")
		})
	}
}

func TestTryLock(t *testing.T) {
	lock := New(Config{Units: 2, Adaptive: true})

	require.True(t, lock.TryLock(), "TryLock on a free lock must succeed")
	assert.False(t, lock.IsFree())
	assert.False(t, lock.TryLock(), "TryLock on a held lock must fail")

	lock.Unlock()
	assert.True(t, lock.IsFree())
	assert.True(t, lock.TryLock())
	lock.Unlock()
}

func TestLockFIFOOrdering(t *testing.T) {
	const waiters = 8
	lock := New(Config{Units: waiters + 1, Adaptive: true})

	// Hold the lock while the waiters enqueue one at a time; the tail code
	// in the lock word tells us when each has joined the queue.
	lock.Lock(0)

	var want deque.Deque[UnitID]
	order := make(chan UnitID, waiters)
	var wg sync.WaitGroup
	for u := UnitID(1); u <= waiters; u++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock(u)
			order <- u
			lock.Unlock()
		}()
		want.PushBack(u)
		waitFor(t, "waiter to reach the queue tail", func() bool { return tailIs(lock, u) })
	}

	lock.Unlock()
	wg.Wait()
	close(order)

	for got := range order {
		assert.Equal(t, want.PopFront(), got, "acquisitions must follow enqueue order")
	}
	assert.Zero(t, want.Len())
}

func TestLockStress(t *testing.T) {
	// A tiny spin budget forces constant halting and kicking.
	lock := New(Config{Units: 8, Adaptive: true, SpinThreshold: 64, WarnThreshold: 8})
	const units = 8
	const iterations = 2000
	var wg sync.WaitGroup

	start := time.Now()
	wg.Add(units)
	for u := 0; u < units; u++ {
		go func(u UnitID) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Lock(u)
				lock.Unlock()
			}
		}(UnitID(u))
	}
	wg.Wait()
	duration := time.Since(start)

	assert.Less(t, duration, 30*time.Second, "Lock stress test took too long: %v", duration)
}

func TestNewValidation(t *testing.T) {
	assert.Panics(t, func() { New(Config{Units: 0}) })
	assert.Panics(t, func() { New(Config{Units: MaxUnits + 1}) })
	assert.Panics(t, func() { New(Config{Units: 1, SpinThreshold: 8, WarnThreshold: 8}) })
	assert.NotPanics(t, func() { New(Config{Units: 1}) })
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	lock := New(Config{Units: 1})
	assert.Panics(t, func() { lock.Unlock() })
}

func TestDecodeEmptyTailPanics(t *testing.T) {
	lock := New(Config{Units: 1})
	assert.Panics(t, func() { lock.decodeTail(0) })
}

func TestNodeArenaNestingBound(t *testing.T) {
	lock := New(Config{Units: 1, Adaptive: true})
	for i := 0; i < maxNesting; i++ {
		n, code := lock.grabNode(0)
		require.NotNil(t, n)
		require.NotZero(t, code&tailMask)
	}
	assert.Panics(t, func() { lock.grabNode(0) }, "a fifth nesting level must trap, not alias a live node")
}

func TestLockWordLayout(t *testing.T) {
	assert.Equal(t, uint32(0xff), lockedMask)
	assert.Equal(t, uint32(1)<<8, pendingMask)
	assert.Equal(t, uint32(3)<<16, tailIdxMask)
	assert.Equal(t, uint32(0xfffc0000), tailUnitMask, "tail unit field must span bits 18-31 exactly")
	assert.Zero(t, tailMask&lockedPendingMask, "tail code must not alias the locked byte or pending bit")

	// The largest slot must still fit inside the 32-bit word.
	code := encodeTail(MaxUnits-1, maxNesting-1)
	assert.Equal(t, code, code&tailMask)
}

func TestTailCodecRoundTrip(t *testing.T) {
	lock := New(Config{Units: 4})
	for u := UnitID(0); u < 4; u++ {
		for idx := int32(0); idx < maxNesting; idx++ {
			code := encodeTail(u, idx)
			require.NotZero(t, code&tailMask, "every live slot must encode to a nonzero tail code")
			assert.Same(t, &lock.arena[u].nodes[idx], lock.decodeTail(code))
		}
	}
}

func benchUnits() int { return runtime.GOMAXPROCS(0)*2 + 2 }

func BenchmarkMutexUncontended(b *testing.B) {
	var mu sync.Mutex
	for i := 0; i < b.N; i++ {
		mu.Lock()
		mu.Unlock()
	}
}

func BenchmarkQspinUncontended(b *testing.B) {
	lock := New(Config{Units: 1})
	for i := 0; i < b.N; i++ {
		lock.Lock(0)
		lock.Unlock()
	}
}

func BenchmarkQspinAdaptiveUncontended(b *testing.B) {
	lock := New(Config{Units: 1, Adaptive: true})
	for i := 0; i < b.N; i++ {
		lock.Lock(0)
		lock.Unlock()
	}
}

func BenchmarkMutexContended(b *testing.B) {
	var mu sync.Mutex
	shared := 0
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mu.Lock()
			shared++
			mu.Unlock()
		}
	})
}

func BenchmarkQspinContended(b *testing.B) {
	lock := New(Config{Units: benchUnits()})
	var ids atomic.Int32
	shared := 0
	b.RunParallel(func(pb *testing.PB) {
		u := UnitID(ids.Add(1) - 1)
		for pb.Next() {
			lock.Lock(u)
			shared++
			lock.Unlock()
		}
	})
}

func BenchmarkQspinAdaptiveContended(b *testing.B) {
	lock := New(Config{Units: benchUnits(), Adaptive: true})
	var ids atomic.Int32
	shared := 0
	b.RunParallel(func(pb *testing.PB) {
		u := UnitID(ids.Add(1) - 1)
		for pb.Next() {
			lock.Lock(u)
			shared++
			lock.Unlock()
		}
	})
}

func BenchmarkQspinTryLock(b *testing.B) {
	lock := New(Config{Units: benchUnits()})
	shared := 0
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if lock.TryLock() {
				shared++
				lock.Unlock()
			}
		}
	})
}
