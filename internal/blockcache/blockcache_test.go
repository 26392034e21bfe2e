// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blockcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpowers/dnsdb/internal/domainkey"
	"github.com/bpowers/dnsdb/internal/mapper"
)

const testSlots = 64

func newCache(t *testing.T, opts ...Option) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	m := mapper.New()
	t.Cleanup(func() { _ = m.Close() })
	return New(dir, testSlots, m, opts...), dir
}

func TestPath(t *testing.T) {
	require.Equal(t, filepath.Join("db", "3", "2", "0000000000000123.blk"), Path("db", 123))
	require.Equal(t, filepath.Join("db", "0", "0", "0000000000000000.blk"), Path("db", 0))
	require.Equal(t, filepath.Join("db", "7", "0", "0000000000000007.blk"), Path("db", 7))
}

func TestGetCreatesAndReloads(t *testing.T) {
	c, dir := newCache(t)
	h, err := c.Get(5)
	require.NoError(t, err)
	require.Equal(t, uint32(5), h.ID())
	require.Equal(t, testSlots, h.Block().Slots())
	require.NoError(t, h.Block().AddDomain(domainkey.MustEncode("example.com")))
	h.Release()
	h.Release()
	require.Panics(t, func() { h.Block() })
	require.NoError(t, c.Close())

	_, err = os.Stat(Path(dir, 5))
	require.NoError(t, err)

	m := mapper.New()
	defer func() { require.NoError(t, m.Close()) }()
	c = New(dir, testSlots, m)
	h, err = c.Get(5)
	require.NoError(t, err)
	require.True(t, h.Block().HasDomain(domainkey.MustEncode("example.com")))
	h.Release()
	require.NoError(t, c.Close())

	_, err = c.Get(5)
	require.ErrorIs(t, err, ErrClosed)
}

func TestHitsAndMisses(t *testing.T) {
	c, _ := newCache(t)
	h1, err := c.Get(1)
	require.NoError(t, err)
	h2, err := c.Get(1)
	require.NoError(t, err)
	require.Same(t, h1.Block(), h2.Block())
	h1.Release()
	h2.Release()

	s := c.Stats()
	require.Equal(t, uint64(1), s.Hits)
	require.Equal(t, uint64(1), s.Misses)
	require.Equal(t, 1, s.Resident)
}

func TestEvictionIsLRU(t *testing.T) {
	c, _ := newCache(t, WithLimits(2, 4))
	for id := uint32(1); id <= 4; id++ {
		h, err := c.Get(id)
		require.NoError(t, err)
		h.Release()
	}
	// touch 1 and 2 so 3 and 4 are the least recently used
	for _, id := range []uint32{1, 2} {
		h, err := c.Get(id)
		require.NoError(t, err)
		h.Release()
	}
	require.Equal(t, 4, c.Len())

	h, err := c.Get(5)
	require.NoError(t, err)
	defer h.Release()

	require.Equal(t, 2, c.Len())
	_, ok := c.entries[5]
	require.True(t, ok)
	_, ok = c.entries[2]
	require.True(t, ok)
	require.Equal(t, uint64(3), c.Stats().Evictions)
}

func TestCheckedOutBlocksStayResident(t *testing.T) {
	c, _ := newCache(t, WithLimits(1, 2))
	var held []*Handle
	for id := uint32(1); id <= 4; id++ {
		h, err := c.Get(id)
		require.NoError(t, err)
		held = append(held, h)
	}
	require.Equal(t, 4, c.Len())
	require.Error(t, c.Close())

	for _, h := range held {
		h.Release()
	}
}
