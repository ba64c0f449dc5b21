package vpic

import "sync/atomic"

// Stats counts table activity since creation.
type Stats struct {
	Asserts       uint64
	MaskedAsserts uint64
	ActiveAsserts uint64
	Wakeups       uint64
	Acknowledges  uint64
	Spurious      uint64
	EOIs          uint64
	BadEOIs       uint64
}

type tableStats struct {
	asserts       atomic.Uint64
	maskedAsserts atomic.Uint64
	activeAsserts atomic.Uint64
	wakeups       atomic.Uint64
	acknowledges  atomic.Uint64
	spurious      atomic.Uint64
	eois          atomic.Uint64
	badEOIs       atomic.Uint64
}

// Stats returns a copy of the table's counters.
func (t *Table) Stats() Stats {
	return Stats{
		Asserts:       t.stats.asserts.Load(),
		MaskedAsserts: t.stats.maskedAsserts.Load(),
		ActiveAsserts: t.stats.activeAsserts.Load(),
		Wakeups:       t.stats.wakeups.Load(),
		Acknowledges:  t.stats.acknowledges.Load(),
		Spurious:      t.stats.spurious.Load(),
		EOIs:          t.stats.eois.Load(),
		BadEOIs:       t.stats.badEOIs.Load(),
	}
}
