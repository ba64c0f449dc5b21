package vpic

import "errors"

var (
	// ErrRegistryFull is returned once all MaxSources slots are allocated.
	ErrRegistryFull = errors.New("vpic: registry full")

	// ErrNotActive is returned by an EOI for a slot that is not in service.
	ErrNotActive = errors.New("vpic: interrupt not active")

	// ErrInvalidSlot is returned for slots outside the allocated range.
	ErrInvalidSlot = errors.New("vpic: invalid slot")

	// ErrInvalidPriority is returned for priorities wider than 4 bits.
	ErrInvalidPriority = errors.New("vpic: invalid priority")

	// ErrRouteImmutable is returned when a configuration tries to rebind a
	// source to a different line or core.
	ErrRouteImmutable = errors.New("vpic: route cannot be changed")

	// ErrInvalidRoute is returned when allocating with a zero Route.
	ErrInvalidRoute = errors.New("vpic: invalid route")
)
