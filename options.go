// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bpowers/dnsdb/internal/blockcache"
	"github.com/bpowers/dnsdb/internal/mapper"
)

const (
	// DefaultSlotsPerBlock gives 1 MiB block files.
	DefaultSlotsPerBlock = 16384

	DefaultMaxMappedBytes = mapper.DefaultMaxBytes
	DefaultCacheLowWater  = blockcache.DefaultLowWater
	DefaultCacheHighWater = blockcache.DefaultHighWater
)

// Option configures a DB.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	slotsPerBlock  int
	maxMappedBytes int64
	cacheLow       int
	cacheHigh      int
}

func defaultOptions() options {
	return options{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		slotsPerBlock:  DefaultSlotsPerBlock,
		maxMappedBytes: DefaultMaxMappedBytes,
		cacheLow:       DefaultCacheLowWater,
		cacheHigh:      DefaultCacheHighWater,
	}
}

// WithLogger sets an optional logger for the store to report splits, index
// saves and cache activity. If not provided, no logging output will be
// produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithSlotsPerBlock sets the capacity of each block file, in 64-byte slots.
// It must be a positive multiple of 64, and must match the value the store
// was created with.
func WithSlotsPerBlock(n int) Option {
	return func(opts *options) {
		opts.slotsPerBlock = n
	}
}

// WithMaxMappedBytes sets the soft ceiling on memory-mapped block files.
func WithMaxMappedBytes(n int64) Option {
	return func(opts *options) {
		opts.maxMappedBytes = n
	}
}

// WithBlockCacheLimits sets how many blocks are kept open: once more than
// high are open, idle blocks are closed until only low remain.
func WithBlockCacheLimits(low, high int) Option {
	return func(opts *options) {
		opts.cacheLow = low
		opts.cacheHigh = high
	}
}

func (o *options) validate() error {
	if o.logger == nil {
		return fmt.Errorf("%w: nil logger", ErrInvalidOptions)
	}
	if o.slotsPerBlock <= 0 || o.slotsPerBlock%64 != 0 {
		return fmt.Errorf("%w: slots per block %d is not a positive multiple of 64", ErrInvalidOptions, o.slotsPerBlock)
	}
	if o.maxMappedBytes <= 0 {
		return fmt.Errorf("%w: max mapped bytes %d", ErrInvalidOptions, o.maxMappedBytes)
	}
	if o.cacheLow < 0 || o.cacheHigh < 1 || o.cacheLow > o.cacheHigh {
		return fmt.Errorf("%w: block cache limits low=%d high=%d", ErrInvalidOptions, o.cacheLow, o.cacheHigh)
	}
	return nil
}
