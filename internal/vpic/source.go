package vpic

import "fmt"

const (
	// MaxSources is the fixed capacity of a Table.
	MaxSources = 32

	// MaxPriority is the largest value the 4-bit priority field holds.
	MaxPriority = 15
)

type routeKind uint8

const (
	routeNone routeKind = iota
	routeRealIRQ
	routeDestVCPU
)

// Route says where a source's assertions come from. A hardware-backed
// source shadows a physical interrupt line; a software source is raised
// by doorbells or IPIs and names the virtual core it is delivered to.
// Only one of the two is ever meaningful for a given Route.
type Route struct {
	kind routeKind
	id   uint32
}

// RealIRQ builds the route of a source shadowing physical line irq.
func RealIRQ(irq uint32) Route {
	return Route{kind: routeRealIRQ, id: irq}
}

// DestVCPU builds the route of a software source delivered to vcpu.
func DestVCPU(vcpu uint32) Route {
	return Route{kind: routeDestVCPU, id: vcpu}
}

// HardwareBacked reports whether the route shadows a physical line.
func (r Route) HardwareBacked() bool {
	return r.kind == routeRealIRQ
}

// IRQ returns the physical line for a hardware-backed route.
func (r Route) IRQ() (uint32, bool) {
	return r.id, r.kind == routeRealIRQ
}

// VCPU returns the destination core for a software route.
func (r Route) VCPU() (uint32, bool) {
	return r.id, r.kind == routeDestVCPU
}

func (r Route) valid() bool {
	return r.kind == routeRealIRQ || r.kind == routeDestVCPU
}

func (r Route) String() string {
	switch r.kind {
	case routeRealIRQ:
		return fmt.Sprintf("irq:%d", r.id)
	case routeDestVCPU:
		return fmt.Sprintf("vcpu:%d", r.id)
	default:
		return "unrouted"
	}
}

// Source is a copy of one slot of a Table.
type Source struct {
	Route    Route
	Masked   bool
	Priority uint8
	Vector   uint16
}

// HardwareBacked reports whether the source shadows a physical line.
func (s Source) HardwareBacked() bool {
	return s.Route.HardwareBacked()
}

// Config is the guest- or hypervisor-programmable part of a source.
type Config struct {
	Priority uint8
	Vector   uint16
	Masked   bool

	// Route, when set, must equal the route the source was allocated with.
	// Sources are never rebound.
	Route *Route
}

// State is the position of a slot in the Idle/Pending/Active cycle.
type State uint8

const (
	StateIdle State = iota
	StatePending
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
