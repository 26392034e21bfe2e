// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package block implements the fixed-capacity slot arrays that hold a
// contiguous key range of the store.
//
// A block is a byte slice (normally a shared memory mapping of a block
// file) divided into slot.Size slots. Domain header slots appear in strictly
// increasing key order, and each one is immediately followed by the
// continuation slots holding the rest of its records:
//
//	┌────────┬────────┬──────┬────────┬────────┬────────┬──────┐
//	│ dom a  │ cont a │ free │ dom b  │ dom c  │ cont c │ free │ ...
//	└────────┴────────┴──────┴────────┴────────┴────────┴──────┘
//
// An in-memory bitset mirrors the used flag of every slot. It is rebuilt
// from the slot headers when a block is opened and never persisted.
package block

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bpowers/dnsdb/internal/bitset"
	"github.com/bpowers/dnsdb/internal/domainkey"
	"github.com/bpowers/dnsdb/internal/slot"
	"github.com/bpowers/dnsdb/internal/zero"
)

var (
	ErrAlreadyExists = errors.New("domain already exists")
	ErrNoSpaceLeft   = errors.New("no space left in block")
	ErrNotFound      = errors.New("domain not found")
	ErrInvalidRecord = errors.New("invalid IP record")
	ErrUnsplittable  = errors.New("block cannot be split")
)

// SpotKind is the outcome of FindInsertionSpot.
type SpotKind int

const (
	// AlreadyExists means a domain header with the key is at Pos.
	AlreadyExists SpotKind = iota
	// EmptySlotFound means Pos is a free slot in sorted position for the key.
	EmptySlotFound
	// NoRoomAvailable means the key belongs at Pos, which is occupied (or is
	// the end of the block), and nothing is free in between.
	NoRoomAvailable
)

func (k SpotKind) String() string {
	switch k {
	case AlreadyExists:
		return "AlreadyExists"
	case EmptySlotFound:
		return "EmptySlotFound"
	case NoRoomAvailable:
		return "NoRoomAvailable"
	default:
		return fmt.Sprintf("SpotKind(%d)", int(k))
	}
}

// Spot is where a key belongs in a block.
type Spot struct {
	Kind SpotKind
	Pos  int
}

// Block is a view of one block's slots plus its occupancy bitmap.
type Block struct {
	id    uint32
	data  []byte
	slots int
	used  *bitset.Bitset
}

// New wraps data, whose length must be a non-zero multiple of slot.Size,
// as block id.
func New(id uint32, data []byte) (*Block, error) {
	if len(data) == 0 || len(data)%slot.Size != 0 {
		return nil, fmt.Errorf("block %d: data length %d is not a multiple of %d", id, len(data), slot.Size)
	}
	b := &Block{
		id:    id,
		data:  data,
		slots: len(data) / slot.Size,
	}
	b.used = bitset.New(b.slots)
	b.rebuildBitmap()
	return b, nil
}

// ID returns the block id.
func (b *Block) ID() uint32 {
	return b.id
}

// Slots returns the block capacity in slots.
func (b *Block) Slots() int {
	return b.slots
}

func (b *Block) slot(i int) []byte {
	return b.data[i*slot.Size : (i+1)*slot.Size]
}

func (b *Block) hdr(i int) byte {
	return b.data[i*slot.Size]
}

func (b *Block) isDomain(i int) bool {
	return slot.IsDomain(b.hdr(i))
}

// compareAt compares the key of the domain header at i against k.
func (b *Block) compareAt(i int, k *domainkey.Key) int {
	return bytes.Compare(slot.KeyBytes(b.slot(i)), k[:])
}

func (b *Block) rebuildBitmap() {
	b.used.Reset()
	for i := 0; i < b.slots; i++ {
		if slot.IsUsed(b.hdr(i)) {
			b.used.Set(i)
		}
	}
}

// nextDomain returns the first domain header in [from, limit), or -1.
func (b *Block) nextDomain(from, limit int) int {
	for p := from; p < limit; p++ {
		next, ok := b.used.NextSet(p)
		if !ok || next >= limit {
			return -1
		}
		p = next
		if b.isDomain(p) {
			return p
		}
	}
	return -1
}

// prevDomain returns the last domain header at or before from, or -1.
func (b *Block) prevDomain(from int) int {
	for p := from; p >= 0; p-- {
		prev, ok := b.used.PrevSet(p)
		if !ok {
			return -1
		}
		p = prev
		if b.isDomain(p) {
			return p
		}
	}
	return -1
}

// chainEnd returns the first slot past the record chain starting at the
// domain header pos: either a free slot, the next domain header, or b.slots.
func (b *Block) chainEnd(pos int) int {
	p := pos + 1
	for p < b.slots && slot.KindOf(b.hdr(p)) == slot.Continuation {
		p++
	}
	return p
}

// Seek returns the position of the first domain header whose key is >= k
// (b.Slots() if there is none), and whether that header holds k exactly.
//
// This is a binary search over slot positions: each probe skips forward
// from the midpoint to the next domain header using the bitmap, so runs of
// free slots cost a word scan rather than a slot-by-slot walk.
func (b *Block) Seek(k domainkey.Key) (pos int, found bool) {
	lo, hi := 0, b.slots
	// invariant: headers in [0, lo) are < k; result is the first header at
	// or after hi, and it is >= k.
	result := b.slots
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		d := b.nextDomain(mid, hi)
		if d < 0 {
			hi = mid
			continue
		}
		c := b.compareAt(d, &k)
		if c == 0 {
			return d, true
		}
		if c < 0 {
			lo = d + 1
		} else {
			result = d
			hi = mid
		}
	}
	return result, false
}

// Lookup returns the position of the domain header for k.
func (b *Block) Lookup(k domainkey.Key) (int, bool) {
	pos, found := b.Seek(k)
	if !found {
		return 0, false
	}
	return pos, true
}

// HasDomain reports whether k is stored in this block.
func (b *Block) HasDomain(k domainkey.Key) bool {
	_, found := b.Seek(k)
	return found
}

// FindInsertionSpot locates where a domain header for k belongs.
func (b *Block) FindInsertionSpot(k domainkey.Key) Spot {
	succ, found := b.Seek(k)
	if found {
		return Spot{Kind: AlreadyExists, Pos: succ}
	}
	// everything between the predecessor's chain and the successor is free
	gapStart := 0
	if pred := b.prevDomain(succ - 1); pred >= 0 {
		gapStart = b.chainEnd(pred)
	}
	if gapStart < succ {
		return Spot{Kind: EmptySlotFound, Pos: gapStart}
	}
	return Spot{Kind: NoRoomAvailable, Pos: succ}
}

// AddDomain inserts an empty domain header for k, shifting neighbouring
// slots once if there is no free slot in sorted position. It returns
// ErrNoSpaceLeft if the block must be split first.
func (b *Block) AddDomain(k domainkey.Key) error {
	spot := b.FindInsertionSpot(k)
	switch spot.Kind {
	case AlreadyExists:
		return ErrAlreadyExists
	case NoRoomAvailable:
		b.makeRoom(k)
		spot = b.FindInsertionSpot(k)
		if spot.Kind == AlreadyExists {
			panic("invariant broken: domain appeared while making room")
		}
		if spot.Kind != EmptySlotFound {
			return ErrNoSpaceLeft
		}
	}

	if b.used.IsSet(spot.Pos) {
		panic(fmt.Errorf("invariant broken: block %d insertion slot %d is in use", b.id, spot.Pos))
	}
	slot.PutDomain(b.slot(spot.Pos), k)
	b.used.Set(spot.Pos)
	return nil
}

// AddIPRecord stores rec in the record chain of domain k, growing the chain
// by one continuation slot if every record in it is taken.
func (b *Block) AddIPRecord(k domainkey.Key, rec slot.IPRecord) error {
	if rec.Empty() {
		return ErrInvalidRecord
	}
	return b.addIPRecord(k, rec, true)
}

func (b *Block) addIPRecord(k domainkey.Key, rec slot.IPRecord, retry bool) error {
	pos, found := b.Seek(k)
	if !found {
		return ErrNotFound
	}

	p := pos
	for {
		s := b.slot(p)
		kind := slot.KindOf(s[0])
		for i := 0; i < slot.RecordCap(kind); i++ {
			if slot.RecordAt(s, kind, i).Empty() {
				slot.PutRecordAt(s, kind, i, rec)
				return nil
			}
		}
		p++
		if p >= b.slots || slot.KindOf(b.hdr(p)) != slot.Continuation {
			break
		}
	}

	// the chain is full: claim the slot right after it
	if p < b.slots && !b.used.IsSet(p) {
		s := b.slot(p)
		slot.PutContinuation(s)
		slot.PutRecordAt(s, slot.Continuation, 0, rec)
		b.used.Set(p)
		return nil
	}

	if retry {
		b.makeRoom(k)
		return b.addIPRecord(k, rec, false)
	}
	return ErrNoSpaceLeft
}

// ReplaceIPRecord overwrites the first record of domain k equal to old.
func (b *Block) ReplaceIPRecord(k domainkey.Key, old, rec slot.IPRecord) error {
	if rec.Empty() {
		return ErrInvalidRecord
	}
	pos, found := b.Seek(k)
	if !found {
		return ErrNotFound
	}
	end := b.chainEnd(pos)
	for p := pos; p < end; p++ {
		s := b.slot(p)
		kind := slot.KindOf(s[0])
		for i := 0; i < slot.RecordCap(kind); i++ {
			if slot.RecordAt(s, kind, i) == old {
				slot.PutRecordAt(s, kind, i, rec)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: record %+v of %s", ErrNotFound, old, k)
}

// makeRoom opens a free slot where k belongs: in front of k's successor for
// a new domain, or right after k's chain for an existing one. It shifts the
// occupied run from there up to the nearest free slot on the right by one
// slot, and reports whether it did.
func (b *Block) makeRoom(k domainkey.Key) bool {
	pos, found := b.Seek(k)
	if found {
		pos = b.chainEnd(pos)
	}
	if pos >= b.slots {
		return false
	}
	if !b.used.IsSet(pos) {
		return true
	}

	free, ok := b.used.NextClear(pos + 1)
	if !ok {
		return false
	}
	// copy has memmove semantics, so the overlapping shift is safe
	copy(b.data[(pos+1)*slot.Size:(free+1)*slot.Size], b.data[pos*slot.Size:free*slot.Size])
	zero.Bytes(b.slot(pos))
	b.used.Set(free)
	b.used.Clear(pos)
	return true
}

// splitPoint picks the domain header where the tail handed to a new block
// starts. It prefers a header at or after the middle of the block, backing
// off in 1/16 steps, and never picks the first header so both halves keep
// at least one domain.
func (b *Block) splitPoint() int {
	first := b.nextDomain(0, b.slots)
	if first < 0 {
		return -1
	}
	step := b.slots / 16
	if step == 0 {
		step = 1
	}
	for start := b.slots / 2; start >= 0; start -= step {
		from := start
		if from <= first {
			from = first + 1
		}
		if p := b.nextDomain(from, b.slots-step); p >= 0 {
			return p
		}
	}
	return b.nextDomain(first+1, b.slots)
}

// Split moves the tail of this block, starting at a domain header, to the
// start of dst, which must be empty. Record chains are never divided.
func (b *Block) Split(dst *Block) error {
	if dst.slots != b.slots {
		return fmt.Errorf("split block %d into %d: capacity mismatch (%d != %d)", b.id, dst.id, b.slots, dst.slots)
	}
	if !dst.Unused() {
		return fmt.Errorf("split block %d into %d: destination is not empty", b.id, dst.id)
	}
	pos := b.splitPoint()
	if pos < 0 {
		return fmt.Errorf("block %d: %w", b.id, ErrUnsplittable)
	}

	n := copy(dst.data, b.data[pos*slot.Size:])
	zero.Bytes(b.data[pos*slot.Size : pos*slot.Size+n])

	b.rebuildBitmap()
	dst.rebuildBitmap()
	return nil
}

// MinKey returns the smallest key in the block. It panics on a block
// holding no domains.
func (b *Block) MinKey() domainkey.Key {
	p := b.nextDomain(0, b.slots)
	if p < 0 {
		panic(fmt.Errorf("invariant broken: MinKey on empty block %d", b.id))
	}
	return slot.Key(b.slot(p))
}

// MaxKey returns the largest key in the block. It panics on a block
// holding no domains.
func (b *Block) MaxKey() domainkey.Key {
	p := b.prevDomain(b.slots - 1)
	if p < 0 {
		panic(fmt.Errorf("invariant broken: MaxKey on empty block %d", b.id))
	}
	return slot.Key(b.slot(p))
}

// NextDomain returns the first domain header at or after pos.
func (b *Block) NextDomain(pos int) (int, bool) {
	if pos < 0 {
		pos = 0
	}
	p := b.nextDomain(pos, b.slots)
	return p, p >= 0
}

// KeyAt returns the key of the domain header at pos.
func (b *Block) KeyAt(pos int) domainkey.Key {
	return slot.Key(b.slot(pos))
}

// IsDomainAt reports whether pos holds a domain header.
func (b *Block) IsDomainAt(pos int) bool {
	return pos >= 0 && pos < b.slots && b.isDomain(pos)
}

// RecordsAt returns the non-empty records of the domain header at pos.
func (b *Block) RecordsAt(pos int) []slot.IPRecord {
	if !b.IsDomainAt(pos) {
		panic(fmt.Errorf("invariant broken: block %d slot %d is not a domain header", b.id, pos))
	}
	var out []slot.IPRecord
	end := b.chainEnd(pos)
	for p := pos; p < end; p++ {
		s := b.slot(p)
		kind := slot.KindOf(s[0])
		for i := 0; i < slot.RecordCap(kind); i++ {
			if r := slot.RecordAt(s, kind, i); !r.Empty() {
				out = append(out, r)
			}
		}
	}
	return out
}

// Records returns the records of domain k.
func (b *Block) Records(k domainkey.Key) ([]slot.IPRecord, error) {
	pos, found := b.Seek(k)
	if !found {
		return nil, ErrNotFound
	}
	return b.RecordsAt(pos), nil
}

// RecordCount returns the number of used slots.
func (b *Block) RecordCount() int {
	return b.used.Count()
}

// FreeCount returns the number of free slots.
func (b *Block) FreeCount() int {
	return b.slots - b.used.Count()
}

// DomainCount returns the number of domain header slots.
func (b *Block) DomainCount() int {
	n := 0
	for p := b.nextDomain(0, b.slots); p >= 0; p = b.nextDomain(p+1, b.slots) {
		n++
	}
	return n
}

// Empty reports whether the block holds no domains.
func (b *Block) Empty() bool {
	return b.nextDomain(0, b.slots) < 0
}

// Unused reports whether every byte of the block is zero, as in a freshly
// created block file.
func (b *Block) Unused() bool {
	return b.used.Count() == 0 && zero.IsZero(b.data)
}

// Verify checks that domain headers are sorted, that every continuation
// slot belongs to a chain, and that the bitmap agrees with the slot
// headers. It reports every violation found and repairs nothing.
func (b *Block) Verify() error {
	var errs []error
	var prev []byte
	prevFree := true // a block cannot start with a continuation slot
	for i := 0; i < b.slots; i++ {
		h := b.hdr(i)
		if b.used.IsSet(i) != slot.IsUsed(h) {
			errs = append(errs, fmt.Errorf("block %d slot %d: bitmap says used=%t", b.id, i, b.used.IsSet(i)))
		}
		switch slot.KindOf(h) {
		case slot.Domain:
			key := slot.KeyBytes(b.slot(i))
			if prev != nil && bytes.Compare(prev, key) >= 0 {
				errs = append(errs, fmt.Errorf("block %d slot %d: unsorted domain %x", b.id, i, key))
			}
			prev = key
		case slot.Continuation:
			if prevFree {
				errs = append(errs, fmt.Errorf("block %d slot %d: continuation slot after a hole", b.id, i))
			}
		}
		prevFree = !slot.IsUsed(h)
	}
	return errors.Join(errs...)
}
