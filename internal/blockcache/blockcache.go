// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package blockcache keeps recently used blocks open by id.
//
// Blocks are checked out with Get and returned with Handle.Release. The
// cache evicts only blocks nobody holds: once more than the high-water
// mark of blocks are resident, unreferenced blocks are dropped in least
// recently used order until the low-water mark is reached.
package blockcache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/bpowers/dnsdb/internal/block"
	"github.com/bpowers/dnsdb/internal/mapper"
	"github.com/bpowers/dnsdb/internal/slot"
)

const (
	DefaultLowWater  = 16
	DefaultHighWater = 32
)

var ErrClosed = errors.New("block cache closed")

// Path returns where block id lives under dir. Blocks fan out over two
// levels of directories named by the id's last two decimal digits.
func Path(dir string, id uint32) string {
	name := fmt.Sprintf("%016d", id)
	d1 := name[len(name)-1:]
	d2 := name[len(name)-2 : len(name)-1]
	return filepath.Join(dir, d1, d2, name+".blk")
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	low, high int
	logger    *slog.Logger
}

// WithLimits sets the low- and high-water marks, counted in blocks.
func WithLimits(low, high int) Option {
	return func(opts *options) {
		opts.low = low
		opts.high = high
	}
}

// WithLogger sets the logger used for load and eviction events.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Resident  int
}

type entry struct {
	id      uint32
	region  *mapper.Region
	block   *block.Block
	refs    int
	lastUse uint64
}

// Cache is not safe for concurrent use.
type Cache struct {
	dir       string
	blockSize int
	mapper    *mapper.Mapper
	low, high int
	logger    *slog.Logger
	entries   map[uint32]*entry
	tick      uint64
	stats     Stats
	closed    bool
}

// New returns a cache of blocks of slotsPerBlock slots stored under dir and
// mapped through m.
func New(dir string, slotsPerBlock int, m *mapper.Mapper, opts ...Option) *Cache {
	options := options{
		low:    DefaultLowWater,
		high:   DefaultHighWater,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Cache{
		dir:       dir,
		blockSize: slotsPerBlock * slot.Size,
		mapper:    m,
		low:       options.low,
		high:      options.high,
		logger:    options.logger,
		entries:   make(map[uint32]*entry),
	}
}

// Handle is a checked-out block. The block stays resident until the
// handle is released.
type Handle struct {
	c        *Cache
	e        *entry
	released bool
}

// Block returns the checked-out block.
func (h *Handle) Block() *block.Block {
	if h.released {
		panic("invariant broken: use of released block handle")
	}
	return h.e.block
}

// ID returns the checked-out block's id.
func (h *Handle) ID() uint32 {
	return h.e.id
}

// Release returns the block to the cache. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.e.refs--
}

// Get checks out block id, opening (or creating) its file on a miss.
func (c *Cache) Get(id uint32) (*Handle, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.tick++
	if e, ok := c.entries[id]; ok {
		c.stats.Hits++
		e.refs++
		e.lastUse = c.tick
		return &Handle{c: c, e: e}, nil
	}

	c.stats.Misses++
	path := Path(c.dir, id)
	r, err := c.mapper.Map(path, c.blockSize)
	if err != nil {
		return nil, fmt.Errorf("mapper.Map: %w", err)
	}
	b, err := block.New(id, r.Data())
	if err != nil {
		c.mapper.Unmap(r)
		return nil, fmt.Errorf("block.New: %w", err)
	}
	e := &entry{
		id:      id,
		region:  r,
		block:   b,
		refs:    1,
		lastUse: c.tick,
	}
	c.entries[id] = e
	c.logger.Debug("loaded block", "id", id, "path", path)

	if len(c.entries) > c.high {
		c.shrink()
	}
	return &Handle{c: c, e: e}, nil
}

// shrink evicts unreferenced blocks, least recently used first, down to
// the low-water mark.
func (c *Cache) shrink() {
	idle := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.refs == 0 {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastUse < idle[j].lastUse
	})
	for _, e := range idle {
		if len(c.entries) <= c.low {
			break
		}
		c.evict(e)
	}
}

func (c *Cache) evict(e *entry) {
	delete(c.entries, e.id)
	c.mapper.Unmap(e.region)
	c.stats.Evictions++
	c.logger.Debug("evicted block", "id", e.id)
}

// Sync flushes every resident block to disk.
func (c *Cache) Sync() error {
	var errs []error
	for _, e := range c.entries {
		if err := c.mapper.Sync(e.region); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of resident blocks.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Resident = len(c.entries)
	return s
}

// Close syncs and drops every resident block. It fails if any block is
// still checked out, after dropping the rest.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	errs := []error{c.Sync()}
	for _, e := range c.entries {
		if e.refs > 0 {
			errs = append(errs, fmt.Errorf("block %d still checked out (%d refs)", e.id, e.refs))
			continue
		}
		c.evict(e)
	}
	return errors.Join(errs...)
}
