package vpic

import (
	"errors"
	"testing"

	"github.com/tinyrange/vpic/internal/spinlock"
)

const testCPU spinlock.CPU = 0

type countingUnblocker struct {
	n int
}

func (u *countingUnblocker) Unblock() { u.n++ }

func TestAllocateStartsMasked(t *testing.T) {
	tbl := New(0)
	slot, err := tbl.Allocate(testCPU, DestVCPU(0))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if slot != 0 {
		t.Fatalf("first slot = %d", slot)
	}

	src, err := tbl.Source(testCPU, slot)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if !src.Masked || src.Priority != 0 {
		t.Fatalf("new source = %+v, want masked priority 0", src)
	}
	if src.HardwareBacked() {
		t.Fatalf("doorbell source reports hardware backing")
	}

	hw := allocate(t, tbl, RealIRQ(36))
	src, _ = tbl.Source(testCPU, hw)
	if irq, ok := src.Route.IRQ(); !ok || irq != 36 || !src.HardwareBacked() {
		t.Fatalf("hardware route = %v", src.Route)
	}
	if _, ok := src.Route.VCPU(); ok {
		t.Fatalf("hardware route exposes a destination core")
	}
}

func TestAllocateZeroRoute(t *testing.T) {
	tbl := New(0)
	if _, err := tbl.Allocate(testCPU, Route{}); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("err = %v, want ErrInvalidRoute", err)
	}
	if tbl.Allocated() != 0 {
		t.Fatalf("failed allocation advanced the cursor")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	tbl := New(0)
	for i := 0; i < MaxSources; i++ {
		slot, err := tbl.Allocate(testCPU, DestVCPU(0))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if slot != i {
			t.Fatalf("allocate %d returned slot %d", i, slot)
		}
	}

	if _, err := tbl.Allocate(testCPU, DestVCPU(0)); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("33rd allocate err = %v, want ErrRegistryFull", err)
	}
	if tbl.Allocated() != MaxSources {
		t.Fatalf("cursor = %d after exhaustion", tbl.Allocated())
	}
}

func TestResolvePicksHighestPriorityLowestSlot(t *testing.T) {
	tbl := New(0)
	for i := 0; i < 8; i++ {
		allocate(t, tbl, DestVCPU(0))
	}
	configure(t, tbl, 2, 5, 0x102)
	configure(t, tbl, 5, 9, 0x105)
	configure(t, tbl, 7, 9, 0x107)

	for _, slot := range []int{7, 2, 5} {
		assertSlot(t, tbl, slot)
	}

	d, ok := tbl.Acknowledge(testCPU)
	if !ok {
		t.Fatalf("nothing acknowledged")
	}
	if d.Slot != 5 || d.Vector != 0x105 || d.Priority != 9 {
		t.Fatalf("delivery = %+v, want slot 5", d)
	}

	// 7 has the same priority and is next; 2 waits behind it.
	d, _ = tbl.Acknowledge(testCPU)
	if d.Slot != 7 {
		t.Fatalf("second delivery = %+v, want slot 7", d)
	}
	d, _ = tbl.Acknowledge(testCPU)
	if d.Slot != 2 {
		t.Fatalf("third delivery = %+v, want slot 2", d)
	}
	if _, ok := tbl.Acknowledge(testCPU); ok {
		t.Fatalf("fourth acknowledge found a source")
	}
}

func TestResolveIsIdempotentForActiveSources(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, slot, 3, 0x40)
	assertSlot(t, tbl, slot)

	if d, ok := tbl.Acknowledge(testCPU); !ok || d.Slot != slot {
		t.Fatalf("first acknowledge = %+v %v", d, ok)
	}
	if _, ok := tbl.Acknowledge(testCPU); ok {
		t.Fatalf("in-service source delivered twice")
	}
	if tbl.Stats().Spurious != 1 {
		t.Fatalf("spurious = %d", tbl.Stats().Spurious)
	}
}

func TestRoundTrip(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, slot, 1, 0x10)

	expectState(t, tbl, slot, StateIdle)
	assertSlot(t, tbl, slot)
	expectState(t, tbl, slot, StatePending)

	d, ok := tbl.Acknowledge(testCPU)
	if !ok || d.Slot != slot {
		t.Fatalf("acknowledge = %+v %v", d, ok)
	}
	expectState(t, tbl, slot, StateActive)

	if err := tbl.EOI(testCPU, slot); err != nil {
		t.Fatalf("eoi: %v", err)
	}
	expectState(t, tbl, slot, StateIdle)

	pending, active := tbl.Bitmaps()
	if pending != 0 || active != 0 {
		t.Fatalf("pending=%#x active=%#x after round trip", pending, active)
	}
}

func TestEOIOfInactiveSlot(t *testing.T) {
	tbl := New(0)
	a := allocate(t, tbl, DestVCPU(0))
	b := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, a, 2, 0x1)
	configure(t, tbl, b, 4, 0x2)
	assertSlot(t, tbl, a)
	assertSlot(t, tbl, b)
	tbl.Acknowledge(testCPU) // b in service, a pending

	pendingBefore, activeBefore := tbl.Bitmaps()
	if err := tbl.EOI(testCPU, a); !errors.Is(err, ErrNotActive) {
		t.Fatalf("eoi of pending slot err = %v, want ErrNotActive", err)
	}
	pending, active := tbl.Bitmaps()
	if pending != pendingBefore || active != activeBefore {
		t.Fatalf("failed eoi mutated bitmaps: %#x/%#x -> %#x/%#x",
			pendingBefore, activeBefore, pending, active)
	}

	if err := tbl.EOI(testCPU, b); err != nil {
		t.Fatalf("eoi: %v", err)
	}
	if err := tbl.EOI(testCPU, b); !errors.Is(err, ErrNotActive) {
		t.Fatalf("double eoi err = %v, want ErrNotActive", err)
	}
	if tbl.Stats().BadEOIs != 2 {
		t.Fatalf("bad eois = %d", tbl.Stats().BadEOIs)
	}
}

func TestNestedPriorityChain(t *testing.T) {
	tbl := New(0)
	low := allocate(t, tbl, DestVCPU(0))
	high := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, low, 2, 0x20)
	configure(t, tbl, high, 12, 0x2c)

	assertSlot(t, tbl, low)
	if d, _ := tbl.Acknowledge(testCPU); d.Slot != low {
		t.Fatalf("delivery = %+v, want low", d)
	}

	// A higher priority source preempts the one in service.
	assertSlot(t, tbl, high)
	if d, _ := tbl.Acknowledge(testCPU); d.Slot != high {
		t.Fatalf("delivery = %+v, want high", d)
	}
	_, active := tbl.Bitmaps()
	if active != 1<<uint(low)|1<<uint(high) {
		t.Fatalf("active = %#x, want both stacked", active)
	}

	if err := tbl.EOI(testCPU, high); err != nil {
		t.Fatalf("eoi high: %v", err)
	}
	if err := tbl.EOI(testCPU, low); err != nil {
		t.Fatalf("eoi low: %v", err)
	}
}

func TestAssertWhileActiveIsAbsorbed(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, slot, 7, 0x70)

	assertSlot(t, tbl, slot)
	tbl.Acknowledge(testCPU)
	if fresh, err := tbl.Assert(testCPU, slot); err != nil || fresh {
		t.Fatalf("assert on in-service source = %v, %v", fresh, err)
	}
	pending, active := tbl.Bitmaps()
	if pending&active != 0 {
		t.Fatalf("slot both pending and active: pending=%#x active=%#x", pending, active)
	}
	expectState(t, tbl, slot, StateActive)
	if tbl.Deliverable() {
		t.Fatalf("in-service source reported deliverable")
	}

	if err := tbl.EOI(testCPU, slot); err != nil {
		t.Fatalf("eoi: %v", err)
	}
	expectState(t, tbl, slot, StateIdle)
	if _, ok := tbl.Acknowledge(testCPU); ok {
		t.Fatalf("absorbed assertion delivered after eoi")
	}
	if st := tbl.Stats(); st.ActiveAsserts != 1 {
		t.Fatalf("active asserts = %d, want 1", st.ActiveAsserts)
	}
}

func TestMaskingClearsPendingAndAbsorbsAsserts(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))

	// Allocated masked: asserts are no-ops.
	if fresh, err := tbl.Assert(testCPU, slot); err != nil || fresh {
		t.Fatalf("assert on masked source = %v, %v", fresh, err)
	}
	expectState(t, tbl, slot, StateIdle)

	configure(t, tbl, slot, 6, 0x60)
	assertSlot(t, tbl, slot)
	if err := tbl.Configure(testCPU, slot, Config{Priority: 6, Vector: 0x60, Masked: true}); err != nil {
		t.Fatalf("mask: %v", err)
	}
	pending, _ := tbl.Bitmaps()
	if pending != 0 {
		t.Fatalf("masking left pending=%#x", pending)
	}

	// Unmasking does not resurrect the discarded assertion.
	configure(t, tbl, slot, 6, 0x60)
	if tbl.Deliverable() {
		t.Fatalf("stale pending bit fired after unmask")
	}
	if st := tbl.Stats(); st.MaskedAsserts != 1 {
		t.Fatalf("masked asserts = %d", st.MaskedAsserts)
	}
}

func TestAssertIsIdempotent(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, slot, 1, 0x1)

	if fresh, _ := tbl.Assert(testCPU, slot); !fresh {
		t.Fatalf("first assert not fresh")
	}
	if fresh, _ := tbl.Assert(testCPU, slot); fresh {
		t.Fatalf("second assert reported fresh")
	}
	pending, _ := tbl.Bitmaps()
	if pending != 1<<uint(slot) {
		t.Fatalf("pending = %#x", pending)
	}
}

func TestAssertUnblocksOnlyWhenOutrankingActive(t *testing.T) {
	tbl := New(0)
	u := &countingUnblocker{}
	tbl.SetUnblocker(u)

	mid := allocate(t, tbl, DestVCPU(0))
	low := allocate(t, tbl, DestVCPU(0))
	high := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, mid, 5, 0x5)
	configure(t, tbl, low, 3, 0x3)
	configure(t, tbl, high, 9, 0x9)

	assertSlot(t, tbl, mid)
	if u.n != 1 {
		t.Fatalf("unblocks = %d, want 1 with nothing active", u.n)
	}
	tbl.Acknowledge(testCPU)

	assertSlot(t, tbl, low)
	if u.n != 1 {
		t.Fatalf("lower priority assert unblocked the core")
	}
	assertSlot(t, tbl, high)
	if u.n != 2 {
		t.Fatalf("higher priority assert did not unblock, n=%d", u.n)
	}
	assertSlot(t, tbl, high)
	if u.n != 2 {
		t.Fatalf("repeated assert unblocked again")
	}
	if tbl.Stats().Wakeups != 2 {
		t.Fatalf("wakeups = %d", tbl.Stats().Wakeups)
	}
}

func TestConfigureValidation(t *testing.T) {
	tbl := New(0)
	hw := allocate(t, tbl, RealIRQ(12))

	if err := tbl.Configure(testCPU, hw, Config{Priority: 16}); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("priority 16 err = %v", err)
	}
	other := RealIRQ(13)
	if err := tbl.Configure(testCPU, hw, Config{Priority: 1, Route: &other}); !errors.Is(err, ErrRouteImmutable) {
		t.Fatalf("rebind err = %v", err)
	}
	same := RealIRQ(12)
	if err := tbl.Configure(testCPU, hw, Config{Priority: 1, Route: &same}); err != nil {
		t.Fatalf("configure with unchanged route: %v", err)
	}
	if err := tbl.Configure(testCPU, 1, Config{}); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("unallocated slot err = %v", err)
	}
	if _, err := tbl.Assert(testCPU, -1); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("negative slot err = %v", err)
	}
	if err := tbl.EOI(testCPU, MaxSources); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("out of range eoi err = %v", err)
	}
}

func TestPriorityZeroIsDeliverable(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, slot, 0, 0x99)
	assertSlot(t, tbl, slot)
	if d, ok := tbl.Acknowledge(testCPU); !ok || d.Vector != 0x99 {
		t.Fatalf("priority 0 delivery = %+v %v", d, ok)
	}
}

func TestReset(t *testing.T) {
	tbl := New(0)
	a := allocate(t, tbl, DestVCPU(0))
	b := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, a, 4, 0x44)
	configure(t, tbl, b, 5, 0x55)
	assertSlot(t, tbl, a)
	assertSlot(t, tbl, b)
	tbl.Acknowledge(testCPU)

	tbl.Reset(testCPU)

	pending, active := tbl.Bitmaps()
	if pending != 0 || active != 0 {
		t.Fatalf("reset left pending=%#x active=%#x", pending, active)
	}
	src, _ := tbl.Source(testCPU, b)
	if !src.Masked || src.Priority != 0 || src.Vector != 0x55 {
		t.Fatalf("source after reset = %+v", src)
	}
	if tbl.Allocated() != 2 {
		t.Fatalf("reset dropped allocations")
	}
}

func allocate(t *testing.T, tbl *Table, route Route) int {
	t.Helper()
	slot, err := tbl.Allocate(testCPU, route)
	if err != nil {
		t.Fatalf("allocate %v: %v", route, err)
	}
	return slot
}

func configure(t *testing.T, tbl *Table, slot int, priority uint8, vector uint16) {
	t.Helper()
	if err := tbl.Configure(testCPU, slot, Config{Priority: priority, Vector: vector}); err != nil {
		t.Fatalf("configure slot %d: %v", slot, err)
	}
}

func assertSlot(t *testing.T, tbl *Table, slot int) {
	t.Helper()
	if _, err := tbl.Assert(testCPU, slot); err != nil {
		t.Fatalf("assert slot %d: %v", slot, err)
	}
}

func expectState(t *testing.T, tbl *Table, slot int, want State) {
	t.Helper()
	got, _, err := tbl.State(testCPU, slot)
	if err != nil {
		t.Fatalf("state slot %d: %v", slot, err)
	}
	if got != want {
		t.Fatalf("slot %d state = %v, want %v", slot, got, want)
	}
}

func TestSetMaskedKeepsConfiguration(t *testing.T) {
	tbl := New(0)
	slot := allocate(t, tbl, DestVCPU(0))
	configure(t, tbl, slot, 9, 0x90)
	assertSlot(t, tbl, slot)

	was, err := tbl.SetMasked(testCPU, slot, true)
	if err != nil || was {
		t.Fatalf("mask = %v, %v", was, err)
	}
	if tbl.Deliverable() {
		t.Fatalf("masking left the source pending")
	}
	was, err = tbl.SetMasked(testCPU, slot, false)
	if err != nil || !was {
		t.Fatalf("unmask = %v, %v", was, err)
	}
	src, _ := tbl.Source(testCPU, slot)
	if src.Priority != 9 || src.Vector != 0x90 || src.Masked {
		t.Fatalf("source = %+v", src)
	}
	if _, err := tbl.SetMasked(testCPU, 4, true); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("bad slot err = %v", err)
	}
}
