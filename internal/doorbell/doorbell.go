// Package doorbell implements inter-partition doorbells: software signals
// that raise a virtual interrupt on every registered receiver when rung.
package doorbell

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vpic/internal/spinlock"
	"github.com/tinyrange/vpic/internal/vpic"
)

var (
	// ErrDuplicateReceiver is returned when a table already receives on
	// the doorbell.
	ErrDuplicateReceiver = errors.New("doorbell: receiver already registered")

	// ErrNilReceiver is returned for a receiver without a table.
	ErrNilReceiver = errors.New("doorbell: receiver has no table")
)

// Receiver is a non-owning reference to the source a ring asserts.
type Receiver struct {
	Table *vpic.Table
	Slot  int
}

// Doorbell owns its receiver list. Receivers are only appended while
// partitions are built; Ring runs concurrently from any core.
//
// Lock order: a doorbell's lock is taken before the vPIC locks it fans out
// to, never the other way around.
type Doorbell struct {
	name string
	log  *slog.Logger

	lock      spinlock.Lock
	receivers []Receiver

	rings    atomic.Uint64
	asserted atomic.Uint64
}

// New returns an empty doorbell.
func New(name string, l *slog.Logger) *Doorbell {
	if l == nil {
		l = slog.Default()
	}
	return &Doorbell{name: name, log: l}
}

// Name returns the doorbell's configured name.
func (d *Doorbell) Name() string {
	return d.name
}

// RegisterReceiver appends r to the receiver list. A table may receive
// through at most one slot.
func (d *Doorbell) RegisterReceiver(c spinlock.CPU, r Receiver) error {
	if r.Table == nil {
		return ErrNilReceiver
	}
	if r.Slot < 0 || r.Slot >= r.Table.Allocated() {
		return fmt.Errorf("doorbell %q: %w: %d", d.name, vpic.ErrInvalidSlot, r.Slot)
	}

	d.lock.Acquire(c)
	defer d.lock.Release(c)

	// One receiver per table, so a ring takes each table lock once.
	for _, existing := range d.receivers {
		if existing.Table == r.Table {
			return fmt.Errorf("doorbell %q: %w: vcpu %d already receives on slot %d",
				d.name, ErrDuplicateReceiver, r.Table.VCPU(), existing.Slot)
		}
	}
	d.receivers = append(d.receivers, r)

	d.log.Debug("doorbell: registered receiver",
		"doorbell", d.name, "vcpu", r.Table.VCPU(), "slot", r.Slot)
	return nil
}

// Receivers returns a copy of the receiver list.
func (d *Doorbell) Receivers(c spinlock.CPU) []Receiver {
	d.lock.Acquire(c)
	defer d.lock.Release(c)
	return append([]Receiver(nil), d.receivers...)
}

// Ring asserts every receiver's source. Receivers whose source is already
// pending or masked are unaffected. It returns how many sources became
// pending.
func (d *Doorbell) Ring(c spinlock.CPU) int {
	d.lock.Acquire(c)
	defer d.lock.Release(c)

	d.rings.Add(1)
	n := 0
	for _, r := range d.receivers {
		fresh, err := r.Table.Assert(c, r.Slot)
		if err != nil {
			// Slots are validated at registration and never freed.
			panic(fmt.Sprintf("doorbell %q: receiver vcpu %d slot %d: %v",
				d.name, r.Table.VCPU(), r.Slot, err))
		}
		if fresh {
			n++
		}
	}
	d.asserted.Add(uint64(n))
	return n
}

// Stats reports how often the doorbell rang and how many assertions
// latched a new pending bit.
func (d *Doorbell) Stats() (rings, asserted uint64) {
	return d.rings.Load(), d.asserted.Load()
}

func (d *Doorbell) String() string {
	return fmt.Sprintf("doorbell(%s)", d.name)
}
