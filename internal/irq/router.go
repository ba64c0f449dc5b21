// Package irq adapts physical interrupt lines to the virtual interrupt
// sources that shadow them.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vpic/internal/spinlock"
	"github.com/tinyrange/vpic/internal/vpic"
)

var (
	// ErrLineBound is returned when a physical line is bound twice.
	ErrLineBound = errors.New("irq: line already bound")

	// ErrNotHardwareBacked is returned when binding a software source.
	ErrNotHardwareBacked = errors.New("irq: source is not hardware backed")
)

type binding struct {
	table *vpic.Table
	slot  int
	level bool
}

// Router maps physical lines to (table, slot) pairs. Lines are bound while
// partitions are built; SetIRQ runs from any core afterwards.
type Router struct {
	mu    sync.Mutex
	log   *slog.Logger
	lines map[uint32]*binding

	unrouted atomic.Uint64
}

// NewRouter returns a router with no lines bound.
func NewRouter(l *slog.Logger) *Router {
	if l == nil {
		l = slog.Default()
	}
	return &Router{
		log:   l,
		lines: make(map[uint32]*binding),
	}
}

// Bind routes physical line to slot of tbl. The slot must have been
// allocated with vpic.RealIRQ(line).
func (r *Router) Bind(c spinlock.CPU, line uint32, tbl *vpic.Table, slot int) error {
	src, err := tbl.Source(c, slot)
	if err != nil {
		return err
	}
	if irq, ok := src.Route.IRQ(); !ok || irq != line {
		return fmt.Errorf("%w: line %d, slot %d routes %s", ErrNotHardwareBacked, line, slot, src.Route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lines[line]; exists {
		return fmt.Errorf("%w: %d", ErrLineBound, line)
	}
	r.lines[line] = &binding{table: tbl, slot: slot}
	return nil
}

// SetIRQ records a level change of line, the way the physical interrupt
// driver reports it. A transition to high asserts the bound source.
func (r *Router) SetIRQ(c spinlock.CPU, line uint32, level bool) {
	r.mu.Lock()
	b := r.lines[line]
	if b == nil {
		r.mu.Unlock()
		r.unrouted.Add(1)
		r.log.Debug("irq: unrouted line", "line", line)
		return
	}
	rising := level && !b.level
	b.level = level
	r.mu.Unlock()

	if rising {
		r.assert(c, line, b)
	}
}

// Pulse signals an edge on line.
func (r *Router) Pulse(c spinlock.CPU, line uint32) {
	r.SetIRQ(c, line, true)
	r.SetIRQ(c, line, false)
}

// Resample re-asserts line if it is still held high. Called after the
// guest unmasks a source whose assertions were dropped while masked.
func (r *Router) Resample(c spinlock.CPU, line uint32) {
	r.mu.Lock()
	b := r.lines[line]
	high := b != nil && b.level
	r.mu.Unlock()

	if high {
		r.assert(c, line, b)
	}
}

// Lines returns the bound lines in ascending order.
func (r *Router) Lines() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.lines))
	for line := range r.lines {
		out = append(out, line)
	}
	slices.Sort(out)
	return out
}

// Unrouted returns how many signals arrived on lines nobody bound.
func (r *Router) Unrouted() uint64 {
	return r.unrouted.Load()
}

func (r *Router) assert(c spinlock.CPU, line uint32, b *binding) {
	if _, err := b.table.Assert(c, b.slot); err != nil {
		r.log.Error("irq: assert failed", "line", line, "vcpu", b.table.VCPU(), "slot", b.slot, "err", err)
	}
}
