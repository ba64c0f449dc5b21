// Package sched is the block/unblock contract between a virtual core and
// the code that raises its interrupts.
//
// A core that wants to sleep until an interrupt arrives calls
// PrepareToBlock, re-checks its wake condition and only then calls Block.
// An Unblock that lands between the two is not lost.
package sched

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/vpic/internal/spinlock"
	"gvisor.dev/gvisor/pkg/waiter"
)

// MaxEvents is the number of distinct events a core can have posted.
const MaxEvents = 64

// Event is a per-core deferred work item, drained lowest number first.
type Event uint8

const (
	// EventVINT asks the core to run its interrupt-acknowledge cycle.
	EventVINT Event = iota
	// EventStop asks the core's run loop to exit.
	EventStop
)

// VCPU is the scheduler-facing half of a virtual core.
type VCPU struct {
	id  uint32
	cpu spinlock.CPU

	queue  waiter.Queue
	events spinlock.Bitmap

	handlers [MaxEvents]func()

	unblocks atomic.Uint64
	blocks   atomic.Uint64
}

// New returns the scheduler state of virtual core id running on physical
// core c.
func New(id uint32, c spinlock.CPU) *VCPU {
	return &VCPU{id: id, cpu: c}
}

// ID returns the virtual core number.
func (v *VCPU) ID() uint32 { return v.id }

// CPU returns the physical core the virtual core runs on.
func (v *VCPU) CPU() spinlock.CPU { return v.cpu }

// Unblock wakes the core if it is blocked or about to block.
func (v *VCPU) Unblock() {
	v.unblocks.Add(1)
	v.queue.Notify(waiter.EventIn)
}

// Waiter is a pending block started by PrepareToBlock.
type Waiter struct {
	v     *VCPU
	entry waiter.Entry
	ch    chan struct{}
	done  bool
}

// PrepareToBlock registers interest in the next Unblock. The caller must
// finish with exactly one of Block or Cancel.
func (v *VCPU) PrepareToBlock() *Waiter {
	w := &Waiter{v: v}
	w.entry, w.ch = waiter.NewChannelEntry(waiter.EventIn)
	v.queue.EventRegister(&w.entry)
	return w
}

// Block waits for an Unblock issued after PrepareToBlock, or for ctx.
func (w *Waiter) Block(ctx context.Context) error {
	defer w.Cancel()
	w.v.blocks.Add(1)
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel abandons the block because the wake condition already holds.
func (w *Waiter) Cancel() {
	if w.done {
		return
	}
	w.done = true
	w.v.queue.EventUnregister(&w.entry)
}

// Handle installs the function Drain runs for ev. Construction time only.
func (v *VCPU) Handle(ev Event, fn func()) {
	checkEvent(ev)
	v.handlers[ev] = fn
}

// Post marks ev pending and wakes the core.
func (v *VCPU) Post(ev Event) {
	checkEvent(ev)
	v.events.SetBits(1 << uint(ev))
	v.Unblock()
}

func checkEvent(ev Event) {
	if ev >= MaxEvents {
		panic(fmt.Sprintf("sched: event %d out of range", ev))
	}
}

// Poster returns an unblock hook that posts ev.
func (v *VCPU) Poster(ev Event) func() {
	return func() { v.Post(ev) }
}

// HasEvents reports whether any event is posted.
func (v *VCPU) HasEvents() bool {
	return v.events.Load() != 0
}

// Drain runs the handler of every posted event, lowest first, until none
// remain. Events posted by a handler are picked up in the same call. It
// returns how many handlers ran.
func (v *VCPU) Drain() int {
	n := 0
	for {
		pending := v.events.Load()
		if pending == 0 {
			return n
		}
		bit := spinlock.LowestSetBit(pending)
		v.events.ClearBits(1 << uint(bit))
		if fn := v.handlers[bit]; fn != nil {
			fn()
			n++
		}
	}
}

// Stats is a snapshot of scheduler activity on the core.
type Stats struct {
	Unblocks uint64
	Blocks   uint64
}

// Stats returns the core's counters.
func (v *VCPU) Stats() Stats {
	return Stats{
		Unblocks: v.unblocks.Load(),
		Blocks:   v.blocks.Load(),
	}
}
