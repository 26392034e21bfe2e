// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index maps key ranges to the blocks that hold them.
//
// The index is a sorted list of half-open ranges [Min, Max) that together
// cover the whole key space with no gaps or overlaps. Each range is backed
// by one block. When a block fills up it is split in two and its range is
// divided at the smallest key that moved to the new block.
package index

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/bpowers/dnsdb/internal/block"
	"github.com/bpowers/dnsdb/internal/blockcache"
	"github.com/bpowers/dnsdb/internal/domainkey"
	"github.com/bpowers/dnsdb/internal/slot"
)

// Node is one range of the index.
type Node struct {
	Min     domainkey.Key
	Max     domainkey.Key
	BlockID uint32
}

// Contains reports whether k falls in [n.Min, n.Max).
func (n Node) Contains(k domainkey.Key) bool {
	return domainkey.Compare(n.Min, k) <= 0 && domainkey.Compare(k, n.Max) < 0
}

// Index is not safe for concurrent use.
type Index struct {
	nodes  []Node
	nextID uint32
	cache  *blockcache.Cache
	logger *slog.Logger
	splits uint64
}

// New returns an index with a single range covering every key, backed by
// block 0.
func New(cache *blockcache.Cache, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Index{
		nodes: []Node{{
			Min:     domainkey.Min,
			Max:     domainkey.Max,
			BlockID: 0,
		}},
		nextID: 1,
		cache:  cache,
		logger: logger,
	}
}

// Len returns the number of ranges.
func (ix *Index) Len() int {
	return len(ix.nodes)
}

// Node returns range i.
func (ix *Index) Node(i int) Node {
	return ix.nodes[i]
}

// Nodes returns a copy of every range, in key order.
func (ix *Index) Nodes() []Node {
	return append([]Node(nil), ix.nodes...)
}

// Splits returns how many block splits this index has performed since it
// was created or loaded.
func (ix *Index) Splits() uint64 {
	return ix.splits
}

// Locate returns the position of the range containing k. Coverage is an
// invariant, so a miss panics.
func (ix *Index) Locate(k domainkey.Key) int {
	i := sort.Search(len(ix.nodes), func(j int) bool {
		return domainkey.Compare(ix.nodes[j].Max, k) > 0
	})
	if i >= len(ix.nodes) || !ix.nodes[i].Contains(k) {
		panic(fmt.Errorf("invariant broken: no index range covers %s", k))
	}
	return i
}

// withBlock runs fn against the block backing range i.
func (ix *Index) withBlock(i int, fn func(b *block.Block) error) error {
	h, err := ix.cache.Get(ix.nodes[i].BlockID)
	if err != nil {
		return fmt.Errorf("cache.Get(%d): %w", ix.nodes[i].BlockID, err)
	}
	defer h.Release()
	return fn(h.Block())
}

// mutate applies fn to the block holding k. If the block is out of room it
// is split once and fn retried against whichever half now covers k.
func (ix *Index) mutate(k domainkey.Key, fn func(b *block.Block) error) error {
	i := ix.Locate(k)
	err := ix.withBlock(i, fn)
	if !errors.Is(err, block.ErrNoSpaceLeft) {
		return err
	}
	if err := ix.split(i); err != nil {
		return err
	}
	err = ix.withBlock(ix.Locate(k), fn)
	if errors.Is(err, block.ErrNoSpaceLeft) {
		panic(fmt.Errorf("invariant broken: no room for %s right after a split", k))
	}
	return err
}

// split moves the upper part of range i's block to a new block and adds a
// range for it.
func (ix *Index) split(i int) error {
	node := ix.nodes[i]
	src, err := ix.cache.Get(node.BlockID)
	if err != nil {
		return fmt.Errorf("cache.Get(%d): %w", node.BlockID, err)
	}
	defer src.Release()

	// block files are written in place but the index only on Save, so after
	// an unclean exit ids past the last saved one may hold orphaned data
	var dst *blockcache.Handle
	for {
		h, err := ix.cache.Get(ix.nextID)
		if err != nil {
			return fmt.Errorf("cache.Get(%d): %w", ix.nextID, err)
		}
		if h.Block().Unused() {
			dst = h
			break
		}
		h.Release()
		ix.logger.Warn("skipping orphaned block", "block", ix.nextID)
		ix.nextID++
	}
	defer dst.Release()
	id := ix.nextID

	if err := src.Block().Split(dst.Block()); err != nil {
		return fmt.Errorf("split: %w", err)
	}
	ix.nextID++
	ix.splits++

	mid := dst.Block().MinKey()
	ix.nodes[i].Max = mid
	ix.addRange(Node{Min: mid, Max: node.Max, BlockID: id})

	ix.logger.Info("split block",
		"block", node.BlockID,
		"newBlock", id,
		"at", mid.String(),
		"ranges", len(ix.nodes))
	return nil
}

// addRange inserts n, keeping ranges sorted, and returns its position.
func (ix *Index) addRange(n Node) int {
	ix.nodes = append(ix.nodes, n)
	sortNodes(ix.nodes)
	for i := range ix.nodes {
		if ix.nodes[i].BlockID == n.BlockID {
			return i
		}
	}
	panic("invariant broken: inserted range went missing")
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return domainkey.Compare(nodes[i].Min, nodes[j].Min) < 0
	})
}

// AddDomain inserts an empty domain.
func (ix *Index) AddDomain(k domainkey.Key) error {
	return ix.mutate(k, func(b *block.Block) error {
		return b.AddDomain(k)
	})
}

// AddIPRecord appends rec to domain k's records.
func (ix *Index) AddIPRecord(k domainkey.Key, rec slot.IPRecord) error {
	if rec.Empty() {
		return block.ErrInvalidRecord
	}
	return ix.mutate(k, func(b *block.Block) error {
		return b.AddIPRecord(k, rec)
	})
}

// ReplaceIPRecord overwrites the first of domain k's records equal to old.
// It never needs room, so it never splits.
func (ix *Index) ReplaceIPRecord(k domainkey.Key, old, rec slot.IPRecord) error {
	return ix.withBlock(ix.Locate(k), func(b *block.Block) error {
		return b.ReplaceIPRecord(k, old, rec)
	})
}

// HasDomain reports whether domain k is stored.
func (ix *Index) HasDomain(k domainkey.Key) (bool, error) {
	var found bool
	err := ix.withBlock(ix.Locate(k), func(b *block.Block) error {
		found = b.HasDomain(k)
		return nil
	})
	return found, err
}

// Records returns domain k's records.
func (ix *Index) Records(k domainkey.Key) ([]slot.IPRecord, error) {
	var recs []slot.IPRecord
	err := ix.withBlock(ix.Locate(k), func(b *block.Block) error {
		var err error
		recs, err = b.Records(k)
		return err
	})
	return recs, err
}

// RecordCount returns the number of used slots across all blocks.
func (ix *Index) RecordCount() (int, error) {
	return ix.sum((*block.Block).RecordCount)
}

// FreeCount returns the number of free slots across all blocks.
func (ix *Index) FreeCount() (int, error) {
	return ix.sum((*block.Block).FreeCount)
}

// DomainCount returns the number of stored domains.
func (ix *Index) DomainCount() (int, error) {
	return ix.sum((*block.Block).DomainCount)
}

func (ix *Index) sum(count func(*block.Block) int) (int, error) {
	total := 0
	for i := range ix.nodes {
		err := ix.withBlock(i, func(b *block.Block) error {
			total += count(b)
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// verifyCoverage checks that the ranges are sorted, non-empty, contiguous,
// and span the whole key space, and that no block backs two ranges.
func verifyCoverage(nodes []Node) error {
	if len(nodes) == 0 {
		return errors.New("index has no ranges")
	}
	var errs []error
	if nodes[0].Min != domainkey.Min {
		errs = append(errs, fmt.Errorf("first range starts at %s, not the minimum key", nodes[0].Min))
	}
	if last := nodes[len(nodes)-1]; last.Max != domainkey.Max {
		errs = append(errs, fmt.Errorf("last range ends at %s, not the maximum key", last.Max))
	}
	ids := make(map[uint32]int, len(nodes))
	for i, n := range nodes {
		if domainkey.Compare(n.Min, n.Max) >= 0 {
			errs = append(errs, fmt.Errorf("range %d [%s, %s) is empty", i, n.Min, n.Max))
		}
		if i > 0 && nodes[i-1].Max != n.Min {
			errs = append(errs, fmt.Errorf("range %d ends at %s but range %d starts at %s", i-1, nodes[i-1].Max, i, n.Min))
		}
		if j, ok := ids[n.BlockID]; ok {
			errs = append(errs, fmt.Errorf("block %d backs ranges %d and %d", n.BlockID, j, i))
		}
		ids[n.BlockID] = i
	}
	return errors.Join(errs...)
}

// Verify checks range coverage, every block's internal consistency, and
// that every block's keys fall inside its range. It reports all problems
// found.
func (ix *Index) Verify() error {
	errs := []error{verifyCoverage(ix.nodes)}
	for i, n := range ix.nodes {
		err := ix.withBlock(i, func(b *block.Block) error {
			if err := b.Verify(); err != nil {
				return err
			}
			if b.Empty() {
				return nil
			}
			if lo := b.MinKey(); !n.Contains(lo) {
				return fmt.Errorf("block %d: min key %s outside range [%s, %s)", n.BlockID, lo, n.Min, n.Max)
			}
			if hi := b.MaxKey(); !n.Contains(hi) {
				return fmt.Errorf("block %d: max key %s outside range [%s, %s)", n.BlockID, hi, n.Min, n.Max)
			}
			return nil
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
