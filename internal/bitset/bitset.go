// Copyright 2021 The dnsdb Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import (
	"math/bits"
)

// Bitset is an in-memory bitmap that is conceptually similar to []bool, but more memory efficient.
type Bitset struct {
	bits   []uint64
	length int
}

func getOffsets(off int) (sliceOff int, bitOff uint) {
	sliceOff = off / 64
	bitOff = uint(off) % 64
	return
}

// New returns a new in-memory bitset where you can set, clear and test for individual bits.
func New(length int) *Bitset {
	sliceLen := (length + 63) / 64
	return &Bitset{
		bits:   make([]uint64, sliceLen),
		length: length,
	}
}

// Len returns the number of addressable bits.
func (b *Bitset) Len() int {
	return b.length
}

// Set sets the bit at position `off` to 1.
func (b *Bitset) Set(off int) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	u64 := &b.bits[sliceOff]
	*u64 |= 1 << bitOff
}

// Clear sets the bit at position `off` to 0.
func (b *Bitset) Clear(off int) {
	if off < 0 || off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	u64 := &b.bits[sliceOff]
	*u64 &= ^(1 << bitOff)
}

// SetTo sets the bit at position `off` to value.
func (b *Bitset) SetTo(off int, value bool) {
	if value {
		b.Set(off)
	} else {
		b.Clear(off)
	}
}

// IsSet returns true if the bit at position `off` is 1.
func (b *Bitset) IsSet(off int) bool {
	if off < 0 || off >= b.length {
		return false
	}
	sliceOff, bitOff := getOffsets(off)
	u64 := &b.bits[sliceOff]
	return *u64&(1<<bitOff) != 0
}

// Reset clears every bit.
func (b *Bitset) Reset() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// First returns the position of the leftmost bit equal to value.
func (b *Bitset) First(value bool) (int, bool) {
	if value {
		return b.NextSet(0)
	}
	return b.NextClear(0)
}

// NextSet returns the position of the leftmost set bit at or after `off`.
// It looks at whole words, so runs of clear bits cost one comparison per 64 bits.
func (b *Bitset) NextSet(off int) (int, bool) {
	if off < 0 {
		off = 0
	}
	if off >= b.length {
		return 0, false
	}
	sliceOff, bitOff := getOffsets(off)
	word := b.bits[sliceOff] >> bitOff
	if word != 0 {
		return b.inRange(off + bits.TrailingZeros64(word))
	}
	for i := sliceOff + 1; i < len(b.bits); i++ {
		if b.bits[i] != 0 {
			return b.inRange(i*64 + bits.TrailingZeros64(b.bits[i]))
		}
	}
	return 0, false
}

// NextClear returns the position of the leftmost clear bit at or after `off`.
func (b *Bitset) NextClear(off int) (int, bool) {
	if off < 0 {
		off = 0
	}
	if off >= b.length {
		return 0, false
	}
	sliceOff, bitOff := getOffsets(off)
	// complemented, clear bits are the set ones; the shift drops bits below `off`
	word := ^b.bits[sliceOff] >> bitOff
	if word != 0 {
		return b.inRange(off + bits.TrailingZeros64(word))
	}
	for i := sliceOff + 1; i < len(b.bits); i++ {
		if b.bits[i] != ^uint64(0) {
			return b.inRange(i*64 + bits.TrailingZeros64(^b.bits[i]))
		}
	}
	return 0, false
}

// PrevSet returns the position of the rightmost set bit at or before `off`.
func (b *Bitset) PrevSet(off int) (int, bool) {
	if off < 0 {
		return 0, false
	}
	if off >= b.length {
		off = b.length - 1
	}
	sliceOff, bitOff := getOffsets(off)
	word := b.bits[sliceOff] << (63 - bitOff)
	if word != 0 {
		return off - bits.LeadingZeros64(word), true
	}
	for i := sliceOff - 1; i >= 0; i-- {
		if b.bits[i] != 0 {
			return i*64 + 63 - bits.LeadingZeros64(b.bits[i]), true
		}
	}
	return 0, false
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// inRange filters out hits in the padding past `length` in the last word.
func (b *Bitset) inRange(pos int) (int, bool) {
	if pos >= b.length {
		return 0, false
	}
	return pos, true
}
