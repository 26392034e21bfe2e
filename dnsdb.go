// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package dnsdb is an embeddable, disk-resident store mapping DNS domain
// names to the IPv4 addresses they have been observed resolving to.
//
// Domains are kept sorted in fixed-size, memory-mapped block files, with a
// range index naming the block that owns each part of the key space. Blocks
// split as they fill, so the store grows without bound while the number of
// open blocks and the amount of mapped memory stay capped.
//
// A DB is not safe for concurrent use.
package dnsdb

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/bpowers/dnsdb/internal/blockcache"
	"github.com/bpowers/dnsdb/internal/domainkey"
	"github.com/bpowers/dnsdb/internal/index"
	"github.com/bpowers/dnsdb/internal/mapper"
	"github.com/bpowers/dnsdb/internal/slot"
)

const indexFileName = "index"

// IPRecord is a single observation of an IPv4 address for a domain.
// FirstSeen and LastSeen are Unix seconds; an IP of 0 is not a valid
// record.
type IPRecord = slot.IPRecord

// NewIPRecord builds a record for an IPv4 address.
func NewIPRecord(addr netip.Addr, firstSeen, lastSeen time.Time) IPRecord {
	return slot.NewIPRecord(addr, firstSeen, lastSeen)
}

// DB is an open store.
type DB struct {
	dir     string
	logger  *slog.Logger
	mapper  *mapper.Mapper
	cache   *blockcache.Cache
	idx     *index.Index
	cursors map[*Cursor]struct{}
	closed  bool
}

// Open opens the store in directory dir, creating it if needed.
func Open(dir string, opts ...Option) (*DB, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}

	logger := options.logger
	m := mapper.New(
		mapper.WithMaxBytes(options.maxMappedBytes),
		mapper.WithLogger(logger.With("component", "mapper")))
	cache := blockcache.New(dir, options.slotsPerBlock, m,
		blockcache.WithLimits(options.cacheLow, options.cacheHigh),
		blockcache.WithLogger(logger.With("component", "blockcache")))
	idx, err := index.Load(filepath.Join(dir, indexFileName), cache, logger.With("component", "index"))
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("index.Load: %w", err)
	}

	return &DB{
		dir:     dir,
		logger:  logger,
		mapper:  m,
		cache:   cache,
		idx:     idx,
		cursors: make(map[*Cursor]struct{}),
	}, nil
}

// Path returns the directory the store lives in.
func (db *DB) Path() string {
	return db.dir
}

// invalidateCursors tells every open cursor that slot positions may have
// moved.
func (db *DB) invalidateCursors() {
	for c := range db.cursors {
		c.stale = true
	}
}

// AddDomain adds a domain with no records. Adding a domain that is already
// stored returns ErrAlreadyExists.
func (db *DB) AddDomain(domain string) error {
	if db.closed {
		return ErrClosed
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return err
	}
	return db.addDomain(k)
}

func (db *DB) addDomain(k domainkey.Key) error {
	db.invalidateCursors()
	return db.idx.AddDomain(k)
}

// HasDomain reports whether domain is stored. Domains the key codec
// rejects are never stored.
func (db *DB) HasDomain(domain string) bool {
	if db.closed {
		return false
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return false
	}
	ok, err := db.idx.HasDomain(k)
	if err != nil {
		db.logger.Warn("HasDomain failed", "domain", domain, "err", err)
		return false
	}
	return ok
}

// AddIPRecord appends rec to domain's records. The domain must already
// be stored.
func (db *DB) AddIPRecord(domain string, rec IPRecord) error {
	if db.closed {
		return ErrClosed
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return err
	}
	return db.addIPRecord(k, rec)
}

func (db *DB) addIPRecord(k domainkey.Key, rec IPRecord) error {
	db.invalidateCursors()
	return db.idx.AddIPRecord(k, rec)
}

// ReplaceIPRecord overwrites the first of domain's records equal to old
// with rec.
func (db *DB) ReplaceIPRecord(domain string, old, rec IPRecord) error {
	if db.closed {
		return ErrClosed
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return err
	}
	return db.idx.ReplaceIPRecord(k, old, rec)
}

// ObserveIP records that domain resolved to addr at when. An address
// already recorded for the domain has its seen interval widened; a new
// address gets a new record. The domain is added if it isn't stored yet.
func (db *DB) ObserveIP(domain string, addr netip.Addr, when time.Time) error {
	if db.closed {
		return ErrClosed
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return err
	}
	rec := slot.NewIPRecord(addr, when, when)
	if rec.Empty() {
		return fmt.Errorf("%w: %s is not a storable IPv4 address", ErrInvalidRecord, addr)
	}
	_, err = db.observe(k, rec)
	return err
}

// observe merges rec into domain k's records, adding the domain if needed.
// It reports whether a new record was appended.
func (db *DB) observe(k domainkey.Key, rec IPRecord) (appended bool, err error) {
	recs, err := db.idx.Records(k)
	if errors.Is(err, ErrNotFound) {
		if err := db.addDomain(k); err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	for _, old := range recs {
		if old.IP != rec.IP {
			continue
		}
		merged := old
		if rec.FirstSeen < merged.FirstSeen {
			merged.FirstSeen = rec.FirstSeen
		}
		if rec.LastSeen > merged.LastSeen {
			merged.LastSeen = rec.LastSeen
		}
		if merged == old {
			return false, nil
		}
		return false, db.idx.ReplaceIPRecord(k, old, merged)
	}
	if err := db.addIPRecord(k, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns domain's records, or ErrNotFound.
func (db *DB) Lookup(domain string) ([]IPRecord, error) {
	if db.closed {
		return nil, ErrClosed
	}
	k, err := domainkey.Encode(domain)
	if err != nil {
		return nil, err
	}
	return db.idx.Records(k)
}

// RecordCount returns the number of used slots in the store.
func (db *DB) RecordCount() (int, error) {
	if db.closed {
		return 0, ErrClosed
	}
	return db.idx.RecordCount()
}

// FreeRecordCount returns the number of free slots in the store.
func (db *DB) FreeRecordCount() (int, error) {
	if db.closed {
		return 0, ErrClosed
	}
	return db.idx.FreeCount()
}

// CacheStats are the block cache's cumulative counters.
type CacheStats = blockcache.Stats

// Stats describes the size and cache behavior of a store.
type Stats struct {
	Domains     int
	UsedSlots   int
	FreeSlots   int
	Blocks      int
	Splits      uint64
	MappedBytes int64
	Cache       CacheStats
}

// Efficiency is the fraction of allocated slots in use.
func (s Stats) Efficiency() float64 {
	total := s.UsedSlots + s.FreeSlots
	if total == 0 {
		return 0
	}
	return float64(s.UsedSlots) / float64(total)
}

// Stats walks every block to count domains and slots.
func (db *DB) Stats() (Stats, error) {
	if db.closed {
		return Stats{}, ErrClosed
	}
	var s Stats
	var err error
	if s.Domains, err = db.idx.DomainCount(); err != nil {
		return Stats{}, err
	}
	if s.UsedSlots, err = db.idx.RecordCount(); err != nil {
		return Stats{}, err
	}
	if s.FreeSlots, err = db.idx.FreeCount(); err != nil {
		return Stats{}, err
	}
	s.Blocks = db.idx.Len()
	s.Splits = db.idx.Splits()
	s.MappedBytes = db.mapper.MappedBytes()
	s.Cache = db.cache.Stats()
	return s, nil
}

// Verify checks the index and every block, reporting every inconsistency
// found. Nothing is repaired.
func (db *DB) Verify() error {
	if db.closed {
		return ErrClosed
	}
	return db.idx.Verify()
}

// Sync flushes open blocks to disk and saves the index.
func (db *DB) Sync() error {
	if db.closed {
		return ErrClosed
	}
	if err := db.cache.Sync(); err != nil {
		return fmt.Errorf("cache.Sync: %w", err)
	}
	if err := db.idx.Save(filepath.Join(db.dir, indexFileName)); err != nil {
		return fmt.Errorf("index.Save: %w", err)
	}
	return nil
}

// Close closes any open cursors, saves the index and releases every block
// and mapping.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	for c := range db.cursors {
		c.Close()
	}
	errs := []error{db.Sync()}
	db.closed = true
	if err := db.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache.Close: %w", err))
	}
	if err := db.mapper.Close(); err != nil {
		errs = append(errs, fmt.Errorf("mapper.Close: %w", err))
	}
	return errors.Join(errs...)
}
