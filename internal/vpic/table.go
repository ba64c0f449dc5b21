// Package vpic implements the per-virtual-core interrupt controller
// presented to guest partitions.
//
// A Table holds up to MaxSources interrupt sources. Sources are allocated
// once while a partition is built and live as long as the table. Each slot
// moves through Idle, Pending and Active: Assert latches a pending bit,
// Acknowledge picks the highest priority eligible source and moves its bit
// to active, and EOI retires it. Masking overlays the cycle and absorbs
// assertions, as does a source already in service.
//
// Pending and active share one atomic word (pending in the low half, active
// in the high half) so a lock-free reader always sees a slot in exactly one
// of the two sets during an acknowledge. All mutation happens under the
// table's spin lock.
package vpic

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vpic/internal/spinlock"
	"golang.org/x/sys/cpu"
)

const activeShift = 32

// Unblocker is the scheduler contract the table consumes. Unblock wakes
// the owning core if it is blocked waiting for interrupts.
type Unblocker interface {
	Unblock()
}

// UnblockFunc adapts a function to Unblocker.
type UnblockFunc func()

// Unblock implements Unblocker.
func (f UnblockFunc) Unblock() {
	if f != nil {
		f()
	}
}

type noopUnblocker struct{}

func (noopUnblocker) Unblock() {}

// Delivery describes a source handed to the guest by Acknowledge.
type Delivery struct {
	Slot     int
	Vector   uint16
	Priority uint8
}

// Table is the interrupt controller of one virtual core.
type Table struct {
	vcpu    uint32
	log     *slog.Logger
	unblock Unblocker

	lock spinlock.Lock
	_    cpu.CacheLinePad
	bits spinlock.Bitmap
	_    cpu.CacheLinePad

	cursor  atomic.Int32
	sources [MaxSources]Source

	stats tableStats
}

// New returns an empty table for virtual core vcpu.
func New(vcpu uint32) *Table {
	return &Table{
		vcpu:    vcpu,
		log:     slog.Default(),
		unblock: noopUnblocker{},
	}
}

// VCPU returns the virtual core the table belongs to.
func (t *Table) VCPU() uint32 {
	return t.vcpu
}

// SetLogger overrides the logger. Construction time only.
func (t *Table) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	t.log = l
}

// SetUnblocker installs the scheduler hook invoked when an assertion makes
// a source deliverable ahead of everything in service. Construction time
// only.
func (t *Table) SetUnblocker(u Unblocker) {
	if u == nil {
		u = noopUnblocker{}
	}
	t.unblock = u
}

// Allocate takes the next free slot for a source with the given route. The
// source starts masked with priority 0.
func (t *Table) Allocate(c spinlock.CPU, route Route) (int, error) {
	if !route.valid() {
		return -1, ErrInvalidRoute
	}

	t.lock.Acquire(c)
	n := int(t.cursor.Load())
	if n == MaxSources {
		t.lock.Release(c)
		t.log.Warn("vpic: registry full", "vcpu", t.vcpu, "route", route.String())
		return -1, ErrRegistryFull
	}
	t.sources[n] = Source{Route: route, Masked: true}
	t.cursor.Store(int32(n + 1))
	t.lock.Release(c)

	t.log.Debug("vpic: allocated source", "vcpu", t.vcpu, "slot", n, "route", route.String())
	return n, nil
}

// Allocated returns the number of allocated slots.
func (t *Table) Allocated() int {
	return int(t.cursor.Load())
}

// Configure programs priority, vector and mask of a slot. Masking a source
// discards its pending assertion.
func (t *Table) Configure(c spinlock.CPU, slot int, cfg Config) error {
	if cfg.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, cfg.Priority)
	}

	t.lock.Acquire(c)
	defer t.lock.Release(c)

	if err := t.checkSlotLocked(slot); err != nil {
		return err
	}
	src := &t.sources[slot]
	if cfg.Route != nil && *cfg.Route != src.Route {
		return fmt.Errorf("%w: slot %d is bound to %s", ErrRouteImmutable, slot, src.Route)
	}

	if cfg.Masked && !src.Masked {
		t.bits.ClearBits(pendingBit(slot))
	}
	src.Masked = cfg.Masked
	src.Priority = cfg.Priority
	src.Vector = cfg.Vector

	t.checkInvariantsLocked()
	return nil
}

// SetMasked changes only the mask of slot and returns the previous mask.
// Masking discards a pending assertion.
func (t *Table) SetMasked(c spinlock.CPU, slot int, masked bool) (bool, error) {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	if err := t.checkSlotLocked(slot); err != nil {
		return false, err
	}
	src := &t.sources[slot]
	was := src.Masked
	if masked && !was {
		t.bits.ClearBits(pendingBit(slot))
	}
	src.Masked = masked

	t.checkInvariantsLocked()
	return was, nil
}

// Source returns a copy of the slot's current configuration.
func (t *Table) Source(c spinlock.CPU, slot int) (Source, error) {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	if err := t.checkSlotLocked(slot); err != nil {
		return Source{}, err
	}
	return t.sources[slot], nil
}

// Assert latches an assertion of slot. Assertions on a masked or in
// service source are dropped and asserting an already pending source
// changes nothing. The returned flag reports whether the slot became
// pending.
//
// When the new pending source outranks every source in service, the
// owning core is unblocked after the lock is dropped.
func (t *Table) Assert(c spinlock.CPU, slot int) (bool, error) {
	t.lock.Acquire(c)
	if err := t.checkSlotLocked(slot); err != nil {
		t.lock.Release(c)
		return false, err
	}
	src := t.sources[slot]
	if src.Masked {
		t.lock.Release(c)
		t.stats.maskedAsserts.Add(1)
		return false, nil
	}
	if t.bits.Load()&activeBit(slot) != 0 {
		t.lock.Release(c)
		t.stats.activeAsserts.Add(1)
		return false, nil
	}

	old, _ := t.bits.SetBits(pendingBit(slot))
	fresh := old&pendingBit(slot) == 0
	wake := fresh && t.outranksActiveLocked(uint32(old>>activeShift), src.Priority)
	unblock := t.unblock
	t.checkInvariantsLocked()
	t.lock.Release(c)

	t.stats.asserts.Add(1)
	if wake {
		t.stats.wakeups.Add(1)
		unblock.Unblock()
	}
	return fresh, nil
}

// Acknowledge is the interrupt-acknowledge cycle. It selects the pending
// source with the greatest priority that is not already in service, ties
// going to the lowest slot, and moves it from pending to active.
func (t *Table) Acknowledge(c spinlock.CPU) (Delivery, bool) {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	state := t.bits.Load()
	eligible := uint32(state) &^ uint32(state>>activeShift)

	best := -1
	var bestPriority uint8
	for e := uint64(eligible); e != 0; e &= e - 1 {
		i := spinlock.LowestSetBit(e)
		if p := t.sources[i].Priority; best < 0 || p > bestPriority {
			best, bestPriority = i, p
		}
	}
	if best < 0 {
		t.stats.spurious.Add(1)
		return Delivery{}, false
	}

	t.bits.Modify(pendingBit(best), activeBit(best))
	t.checkInvariantsLocked()
	t.stats.acknowledges.Add(1)

	return Delivery{
		Slot:     best,
		Vector:   t.sources[best].Vector,
		Priority: bestPriority,
	}, true
}

// EOI retires an in-service slot. The caller must acknowledge again
// afterwards so that sources held back by the retired one are delivered.
func (t *Table) EOI(c spinlock.CPU, slot int) error {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	if err := t.checkSlotLocked(slot); err != nil {
		return err
	}
	if t.bits.Load()&activeBit(slot) == 0 {
		t.stats.badEOIs.Add(1)
		t.log.Debug("vpic: eoi of inactive source", "vcpu", t.vcpu, "slot", slot)
		return fmt.Errorf("%w: slot %d", ErrNotActive, slot)
	}
	t.bits.ClearBits(activeBit(slot))
	t.stats.eois.Add(1)
	return nil
}

// Reset returns every allocated source to its post-allocation state:
// masked, priority 0, nothing pending or in service. Allocation and
// vectors are kept.
func (t *Table) Reset(c spinlock.CPU) {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	n := int(t.cursor.Load())
	for i := 0; i < n; i++ {
		t.sources[i].Masked = true
		t.sources[i].Priority = 0
	}
	t.bits.Store(0)
}

// Deliverable reports without locking whether Acknowledge would currently
// find a source.
func (t *Table) Deliverable() bool {
	state := t.bits.Load()
	return uint32(state)&^uint32(state>>activeShift) != 0
}

// Bitmaps returns the pending and active sets from a single load.
func (t *Table) Bitmaps() (pending, active uint32) {
	state := t.bits.Load()
	return uint32(state), uint32(state >> activeShift)
}

// State returns where slot is in the Idle/Pending/Active cycle and whether
// it is masked.
func (t *Table) State(c spinlock.CPU, slot int) (State, bool, error) {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	if err := t.checkSlotLocked(slot); err != nil {
		return StateIdle, false, err
	}
	state := t.bits.Load()
	pending := state&pendingBit(slot) != 0
	active := state&activeBit(slot) != 0

	var s State
	switch {
	case active:
		s = StateActive
	case pending:
		s = StatePending
	}
	return s, t.sources[slot].Masked, nil
}

func (t *Table) String() string {
	pending, active := t.Bitmaps()
	return fmt.Sprintf("vPIC(vcpu=%d, sources=%d, pending=%#08x, active=%#08x)",
		t.vcpu, t.Allocated(), pending, active)
}

func (t *Table) checkSlotLocked(slot int) error {
	if slot < 0 || slot >= int(t.cursor.Load()) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return nil
}

func (t *Table) outranksActiveLocked(active uint32, priority uint8) bool {
	for a := uint64(active); a != 0; a &= a - 1 {
		if t.sources[spinlock.LowestSetBit(a)].Priority >= priority {
			return false
		}
	}
	return true
}

// checkInvariantsLocked panics when the bitmaps disagree with the source
// table. Any hit is a locking bug.
func (t *Table) checkInvariantsLocked() {
	n := int(t.cursor.Load())
	state := t.bits.Load()
	pending, active := uint32(state), uint32(state>>activeShift)

	if pending&active != 0 {
		panic(fmt.Sprintf("vpic: vcpu %d slots both pending and active: %#x",
			t.vcpu, pending&active))
	}
	if (pending|active)&^validMask(n) != 0 {
		panic(fmt.Sprintf("vpic: vcpu %d bits beyond allocation: pending=%#x active=%#x sources=%d",
			t.vcpu, pending, active, n))
	}
	for i := 0; i < n; i++ {
		if t.sources[i].Masked && pending&(1<<uint(i)) != 0 {
			panic(fmt.Sprintf("vpic: vcpu %d masked slot %d is pending", t.vcpu, i))
		}
	}
}

func validMask(n int) uint32 {
	if n >= MaxSources {
		return ^uint32(0)
	}
	return 1<<uint(n) - 1
}

func pendingBit(slot int) uint64 {
	return 1 << uint(slot)
}

func activeBit(slot int) uint64 {
	return 1 << uint(slot+activeShift)
}
