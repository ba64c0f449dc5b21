// Package spinlock provides an owner-tagged spin lock and lock-free bitmap
// helpers for state that is touched from interrupt-style contexts where a
// caller may never sleep.
package spinlock

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
)

// CPU identifies the physical core performing an operation. It is the tag
// stored in a held lock.
type CPU uint32

// spinBeforeYield bounds how long an acquirer spins before handing its
// processor back to the Go scheduler. Goroutines stand in for cores here, so
// a holder that was descheduled needs a P to make progress.
const spinBeforeYield = 64

// Lock is a spin lock whose word holds the owning CPU plus one. Zero means
// unlocked. The zero value is ready to use.
type Lock struct {
	word atomic.Uint32
}

// Acquire spins until the lock is held by cpu.
func (l *Lock) Acquire(cpu CPU) {
	tag := ownerTag(cpu)
	for spins := 0; ; spins++ {
		if l.word.Load() == 0 && l.word.CompareAndSwap(0, tag) {
			return
		}
		if spins%spinBeforeYield == spinBeforeYield-1 {
			runtime.Gosched()
		}
	}
}

// Release drops the lock. Releasing a lock that cpu does not hold is a
// locking bug and panics.
func (l *Lock) Release(cpu CPU) {
	tag := ownerTag(cpu)
	if !l.word.CompareAndSwap(tag, 0) {
		if owner, held := l.Owner(); held {
			panic(fmt.Sprintf("spinlock: release by cpu %d, held by cpu %d", cpu, owner))
		}
		panic(fmt.Sprintf("spinlock: release by cpu %d of a free lock", cpu))
	}
}

// Owner reports the CPU currently holding the lock.
func (l *Lock) Owner() (CPU, bool) {
	w := l.word.Load()
	if w == 0 {
		return 0, false
	}
	return CPU(w - 1), true
}

func ownerTag(cpu CPU) uint32 {
	if uint32(cpu) == math.MaxUint32 {
		panic("spinlock: cpu id out of range")
	}
	return uint32(cpu) + 1
}
