// Package handle maps the opaque handle numbers a guest passes through
// hypercalls to the hypervisor objects they stand for.
package handle

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vpic/internal/doorbell"
	"github.com/tinyrange/vpic/internal/vpic"
)

// MaxHandles bounds the size of one guest's handle table.
const MaxHandles = 1024

var (
	ErrInvalidHandle = errors.New("handle: invalid handle")
	ErrTableFull     = errors.New("handle: table full")
	ErrSealed        = errors.New("handle: table sealed")
)

// Kind is the type of object a handle refers to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInterrupt
	KindDoorbell
)

func (k Kind) String() string {
	switch k {
	case KindInterrupt:
		return "interrupt"
	case KindDoorbell:
		return "doorbell"
	default:
		return "invalid"
	}
}

// Handle is a guest-visible handle number.
type Handle uint32

// Interrupt is a virtual interrupt source owned by the guest.
type Interrupt struct {
	Table *vpic.Table
	Slot  int

	// Locked sources are configured by the hypervisor only. The guest may
	// acknowledge and EOI them but not reprogram them.
	Locked bool
}

// Entry is one bound handle.
type Entry struct {
	Kind      Kind
	Name      string
	Interrupt Interrupt
	Doorbell  *doorbell.Doorbell
}

type slotKey struct {
	table *vpic.Table
	slot  int
}

// Table is one guest's handle table. Handles are allocated while the
// partition is built; after Seal the table is immutable and lookups need
// no locking.
type Table struct {
	guest   string
	entries []Entry
	bySlot  map[slotKey]Handle
	sealed  bool
}

// NewTable returns an empty handle table for guest.
func NewTable(guest string) *Table {
	return &Table{
		guest:  guest,
		bySlot: make(map[slotKey]Handle),
	}
}

// Guest returns the name of the owning guest.
func (t *Table) Guest() string { return t.guest }

// Len returns the number of bound handles.
func (t *Table) Len() int { return len(t.entries) }

// BindInterrupt allocates a handle for an interrupt source.
func (t *Table) BindInterrupt(name string, intr Interrupt) (Handle, error) {
	if intr.Table == nil {
		return 0, fmt.Errorf("handle: interrupt %q has no table", name)
	}
	key := slotKey{intr.Table, intr.Slot}
	if h, ok := t.bySlot[key]; ok {
		return h, fmt.Errorf("handle: interrupt %q already bound as %d", name, h)
	}
	h, err := t.alloc(Entry{Kind: KindInterrupt, Name: name, Interrupt: intr})
	if err != nil {
		return 0, err
	}
	t.bySlot[key] = h
	return h, nil
}

// BindDoorbell allocates a send handle for a doorbell.
func (t *Table) BindDoorbell(name string, db *doorbell.Doorbell) (Handle, error) {
	if db == nil {
		return 0, fmt.Errorf("handle: doorbell %q is nil", name)
	}
	return t.alloc(Entry{Kind: KindDoorbell, Name: name, Doorbell: db})
}

func (t *Table) alloc(e Entry) (Handle, error) {
	if t.sealed {
		return 0, fmt.Errorf("guest %q: %w", t.guest, ErrSealed)
	}
	if len(t.entries) >= MaxHandles {
		return 0, fmt.Errorf("guest %q: %w", t.guest, ErrTableFull)
	}
	t.entries = append(t.entries, e)
	return Handle(len(t.entries) - 1), nil
}

// Seal freezes the table. It must be called before the table is shared
// with running cores.
func (t *Table) Seal() {
	t.sealed = true
}

// Lookup returns the entry bound to h.
func (t *Table) Lookup(h Handle) (Entry, error) {
	if uint64(h) >= uint64(len(t.entries)) {
		return Entry{}, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return t.entries[h], nil
}

// Interrupt returns the interrupt source bound to h.
func (t *Table) Interrupt(h Handle) (Interrupt, error) {
	e, err := t.Lookup(h)
	if err != nil {
		return Interrupt{}, err
	}
	if e.Kind != KindInterrupt {
		return Interrupt{}, fmt.Errorf("%w: %d is a %s", ErrInvalidHandle, h, e.Kind)
	}
	return e.Interrupt, nil
}

// Doorbell returns the doorbell bound to h.
func (t *Table) Doorbell(h Handle) (*doorbell.Doorbell, error) {
	e, err := t.Lookup(h)
	if err != nil {
		return nil, err
	}
	if e.Kind != KindDoorbell {
		return nil, fmt.Errorf("%w: %d is a %s", ErrInvalidHandle, h, e.Kind)
	}
	return e.Doorbell, nil
}

// ForSlot returns the handle bound to a table slot.
func (t *Table) ForSlot(tbl *vpic.Table, slot int) (Handle, bool) {
	h, ok := t.bySlot[slotKey{tbl, slot}]
	return h, ok
}

// Each calls fn for every bound handle in allocation order.
func (t *Table) Each(fn func(Handle, Entry)) {
	for i, e := range t.entries {
		fn(Handle(i), e)
	}
}
