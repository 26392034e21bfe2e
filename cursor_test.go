// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c *Cursor) []string {
	t.Helper()
	var out []string
	for ; c.Valid(); c.Next() {
		out = append(out, c.Domain())
	}
	require.NoError(t, c.Err())
	return out
}

func TestCursorEmptyStore(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	c, err := db.Cursor()
	require.NoError(t, err)
	defer c.Close()
	require.False(t, c.Valid())
	require.False(t, c.Next())
	require.Equal(t, "", c.Domain())
	require.Nil(t, c.Key())
	require.Nil(t, c.Records())
	require.ErrorIs(t, c.AppendIPRecord(IPRecord{IP: 1}), ErrNotFound)
}

func TestCursorWalksAcrossBlocks(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	var want []string
	for i := 0; i < 400; i++ {
		d := fmt.Sprintf("w%04d.com", i)
		want = append(want, d)
		require.NoError(t, db.AddDomain(d))
	}
	stats, err := db.Stats()
	require.NoError(t, err)
	require.Greater(t, stats.Blocks, 2)

	c, err := db.Cursor()
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, want, collect(t, c))
}

func TestCursorAt(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	for i := 0; i < 200; i += 2 {
		require.NoError(t, db.AddDomain(fmt.Sprintf("k%03d.net", i)))
	}

	c, err := db.CursorAt("k100.net")
	require.NoError(t, err)
	require.Equal(t, "k100.net", c.Domain())
	first := c.Key()
	require.Len(t, first, 35)
	require.Equal(t, []byte("k100"), first[:4])
	c.Key()[0] = 'z'
	require.Equal(t, "k100.net", c.Domain(), "Key returns a copy")
	require.True(t, c.Next())
	require.Equal(t, -1, bytes.Compare(first, c.Key()))
	c.Close()

	// anchors at the successor when the domain isn't stored
	c, err = db.CursorAt("k101.net")
	require.NoError(t, err)
	require.Equal(t, "k102.net", c.Domain())
	c.Close()

	c, err = db.CursorAt("zzz.net")
	require.NoError(t, err)
	require.False(t, c.Valid())
	c.Close()

	_, err = db.CursorAt("bad")
	require.ErrorIs(t, err, ErrInvalidDomain)
}

func TestCursorResyncsAfterSplits(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	for i := 0; i < 100; i++ {
		require.NoError(t, db.AddDomain(fmt.Sprintf("m%05d.com", i*10)))
	}

	const anchor = "m00500.com"
	c, err := db.CursorAt(anchor)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, anchor, c.Domain())
	before, err := db.Stats()
	require.NoError(t, err)

	// fill in around the anchor until its block has been split many times
	for i := 0; i < 1000; i++ {
		if i%10 == 0 {
			continue
		}
		require.NoError(t, db.AddDomain(fmt.Sprintf("m%05d.com", i)))
	}
	after, err := db.Stats()
	require.NoError(t, err)
	require.Greater(t, after.Splits, before.Splits)

	require.Equal(t, anchor, c.Domain())
	require.True(t, c.Next())
	require.Equal(t, "m00501.com", c.Domain())

	rest := collect(t, c)
	require.Len(t, rest, 1000-501)
	require.Equal(t, "m00999.com", rest[len(rest)-1])
}

func TestCursorAppendIPRecord(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	for i := 0; i < testSlots; i++ {
		require.NoError(t, db.AddDomain(fmt.Sprintf("a%03d.org", i)))
	}

	c, err := db.CursorAt("a030.org")
	require.NoError(t, err)
	defer c.Close()

	// the block is full, so growing the chain past the header splits it
	var want []IPRecord
	for ip := uint32(1); ip <= 8; ip++ {
		rec := IPRecord{FirstSeen: 5, LastSeen: 6, IP: ip}
		require.NoError(t, c.AppendIPRecord(rec))
		want = append(want, rec)
		require.Equal(t, "a030.org", c.Domain())
	}
	require.Equal(t, want, c.Records())

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.Blocks)
	require.NoError(t, db.Verify())
}

func TestCursorClosedWithStore(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, db.AddDomain("x.com"))

	c, err := db.Cursor()
	require.NoError(t, err)
	require.True(t, c.Valid())

	// an open cursor holds its block, but Close still succeeds
	require.NoError(t, db.Close())
	require.False(t, c.Valid())
	require.ErrorIs(t, c.AppendIPRecord(IPRecord{IP: 1}), ErrClosed)
	c.Close()

	_, err = db.Cursor()
	require.ErrorIs(t, err, ErrClosed)
}
