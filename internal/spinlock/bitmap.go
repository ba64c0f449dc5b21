package spinlock

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap is a 64-bit word mutated with load/compare-and-swap retry loops.
// Every mutator reports the previous value and how many times the store
// had to be retried because another CPU changed the word first.
type Bitmap struct {
	word atomic.Uint64
}

// Load returns the current value.
func (b *Bitmap) Load() uint64 {
	return b.word.Load()
}

// SetBits ors mask into the word.
func (b *Bitmap) SetBits(mask uint64) (old uint64, retries int) {
	return b.Modify(0, mask)
}

// ClearBits removes mask from the word.
func (b *Bitmap) ClearBits(mask uint64) (old uint64, retries int) {
	return b.Modify(mask, 0)
}

// Modify clears the clear bits and then sets the set bits in one atomic
// step. Moving a bit between two halves of the word never exposes a state
// where it is in neither or both.
func (b *Bitmap) Modify(clear, set uint64) (old uint64, retries int) {
	for {
		old = b.word.Load()
		next := (old &^ clear) | set
		if next == old {
			return old, retries
		}
		if b.word.CompareAndSwap(old, next) {
			return old, retries
		}
		retries++
	}
}

// Store replaces the word. Only for reset paths that already exclude
// concurrent mutators.
func (b *Bitmap) Store(v uint64) {
	b.word.Store(v)
}

// HighestSetBit returns the index of the most significant set bit of v, or
// -1 when v is zero.
func HighestSetBit(v uint64) int {
	return 63 - bits.LeadingZeros64(v)
}

// LowestSetBit returns the index of the least significant set bit of v, or
// -1 when v is zero.
func LowestSetBit(v uint64) int {
	if v == 0 {
		return -1
	}
	return bits.TrailingZeros64(v)
}
