// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"github.com/bpowers/dnsdb/internal/blockcache"
	"github.com/bpowers/dnsdb/internal/domainkey"
)

// Cursor walks stored domains in key order.
//
// A cursor remembers the key of the domain it is on, plus where that domain
// was last seen (range, block and slot). Any insert into the store can move
// domains between slots or blocks, so after one the cursor finds its domain
// again by key before its next use. The block it points into is kept
// checked out of the block cache until the cursor moves off it or is
// closed.
//
//	c, err := db.Cursor()
//	...
//	defer c.Close()
//	for ; c.Valid(); c.Next() {
//		fmt.Println(c.Domain(), c.Records())
//	}
//	if err := c.Err(); err != nil {
//		...
//	}
type Cursor struct {
	db *DB

	key   domainkey.Key
	valid bool
	stale bool

	rangeIdx int
	h        *blockcache.Handle
	pos      int

	err    error
	closed bool
}

// Cursor returns a cursor on the first stored domain.
func (db *DB) Cursor() (*Cursor, error) {
	return db.cursorAt(domainkey.Min)
}

// CursorAt returns a cursor on the first stored domain at or after domain.
func (db *DB) CursorAt(domain string) (*Cursor, error) {
	if db.closed {
		return nil, ErrClosed
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return nil, err
	}
	return db.cursorAt(k)
}

func (db *DB) cursorAt(k domainkey.Key) (*Cursor, error) {
	if db.closed {
		return nil, ErrClosed
	}
	c := &Cursor{db: db}
	c.seek(k)
	if c.err != nil {
		return nil, c.err
	}
	db.cursors[c] = struct{}{}
	return c, nil
}

func (c *Cursor) release() {
	if c.h != nil {
		c.h.Release()
		c.h = nil
	}
}

// seek positions c on the first domain at or after k, walking forward over
// ranges whose blocks hold nothing at or after k.
func (c *Cursor) seek(k domainkey.Key) {
	c.release()
	c.valid = false
	c.stale = false

	idx := c.db.idx
	for i := idx.Locate(k); i < idx.Len(); i++ {
		h, err := c.db.cache.Get(idx.Node(i).BlockID)
		if err != nil {
			c.err = err
			return
		}
		b := h.Block()
		pos, _ := b.Seek(k)
		if pos < b.Slots() {
			c.h = h
			c.rangeIdx = i
			c.pos = pos
			c.key = b.KeyAt(pos)
			c.valid = true
			return
		}
		h.Release()
	}
}

// sync re-finds the cursor's domain after the store was modified.
func (c *Cursor) sync() {
	if c.stale && c.valid && c.err == nil {
		c.seek(c.key)
	}
}

// Valid reports whether the cursor is on a domain. It is false once the
// cursor has moved past the last domain, or after an error or Close.
func (c *Cursor) Valid() bool {
	if c.closed {
		return false
	}
	c.sync()
	return c.valid && c.err == nil
}

// Next moves to the following domain and reports whether there is one.
func (c *Cursor) Next() bool {
	if !c.Valid() {
		return false
	}
	b := c.h.Block()
	if pos, ok := b.NextDomain(c.pos + 1); ok {
		c.pos = pos
		c.key = b.KeyAt(pos)
		return true
	}

	// this block is done: continue from the start of the next range
	idx := c.db.idx
	if c.rangeIdx+1 >= idx.Len() {
		c.release()
		c.valid = false
		return false
	}
	c.seek(idx.Node(c.rangeIdx).Max)
	return c.Valid()
}

// Key returns a copy of the current domain's encoded key, or nil if the
// cursor is not on a domain. Keys sort in the same order the cursor walks.
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	k := c.key
	return k[:]
}

// Domain returns the current domain name, or "" if the cursor is not on a
// domain.
func (c *Cursor) Domain() string {
	if !c.Valid() {
		return ""
	}
	return c.key.String()
}

// Records returns the current domain's records.
func (c *Cursor) Records() []IPRecord {
	if !c.Valid() {
		return nil
	}
	return c.h.Block().RecordsAt(c.pos)
}

// AppendIPRecord adds rec to the current domain's records. It goes through
// the store by key, so the cursor stays on the same domain even if the
// insert splits its block.
func (c *Cursor) AppendIPRecord(rec IPRecord) error {
	if c.closed {
		return ErrClosed
	}
	if !c.Valid() {
		return ErrNotFound
	}
	return c.db.addIPRecord(c.key, rec)
}

// Err returns the first error the cursor ran into.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor's block. It is safe to call more than once.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.release()
	c.valid = false
	delete(c.db.cursors, c)
}
