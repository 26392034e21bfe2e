// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mapper keeps fixed-size files mapped read/write into memory.
//
// A Mapper hands out reference counted Regions keyed by path. Released
// regions stay mapped so a later Map of the same file is free, until the
// total mapped size goes over a soft ceiling; then the regions released
// longest ago are unmapped first. Regions still referenced are never
// unmapped, so the ceiling can be exceeded while they are held.
package mapper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultMaxBytes is the default soft ceiling on mapped bytes.
const DefaultMaxBytes = 512 << 20

var ErrClosed = errors.New("mapper closed")

// Region is one mapped file.
type Region struct {
	path     string
	data     []byte
	refs     int
	released uint64
}

// Data returns the mapping. It is only valid until the region is released.
func (r *Region) Data() []byte {
	return r.data
}

// Path returns the path of the mapped file.
func (r *Region) Path() string {
	return r.path
}

// Option configures a Mapper.
type Option func(*options)

type options struct {
	maxBytes int64
	logger   *slog.Logger
}

// WithMaxBytes sets the soft ceiling on mapped bytes.
func WithMaxBytes(n int64) Option {
	return func(opts *options) {
		opts.maxBytes = n
	}
}

// WithLogger sets the logger used for mapping and unmapping events.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Mapper is not safe for concurrent use.
type Mapper struct {
	maxBytes int64
	logger   *slog.Logger
	regions  map[string]*Region
	mapped   int64
	tick     uint64
	closed   bool
}

func New(opts ...Option) *Mapper {
	options := options{
		maxBytes: DefaultMaxBytes,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Mapper{
		maxBytes: options.maxBytes,
		logger:   options.logger,
		regions:  make(map[string]*Region),
	}
}

// Map returns a read/write shared mapping of the size-byte file at path,
// creating the file (and its parent directories) if it doesn't exist.
// An existing file must be exactly size bytes.
func (m *Mapper) Map(path string, size int) (*Region, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if size <= 0 {
		return nil, fmt.Errorf("map %s: invalid size %d", path, size)
	}
	if r, ok := m.regions[path]; ok {
		if len(r.data) != size {
			return nil, fmt.Errorf("map %s: already mapped with size %d, not %d", path, len(r.data), size)
		}
		r.refs++
		return r, nil
	}

	m.evict(int64(size))

	data, err := mapFile(path, size)
	if err != nil {
		return nil, err
	}
	r := &Region{
		path: path,
		data: data,
		refs: 1,
	}
	m.regions[path] = r
	m.mapped += int64(size)
	m.logger.Debug("mapped file", "path", path, "size", size, "mappedBytes", m.mapped)
	return r, nil
}

func mapFile(path string, size int) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	// the mapping outlives the descriptor
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	switch stat.Size() {
	case 0:
		if err := allocate(f, int64(size)); err != nil {
			return nil, fmt.Errorf("allocate(%s, %d): %w", path, size, err)
		}
	case int64(size):
	default:
		return nil, fmt.Errorf("file %s is %d bytes, expected %d", path, stat.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap(%s): %w", path, err)
	}
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("unix.Madvise(%s): %w", path, err)
	}
	return data, nil
}

// Unmap drops a reference to r. The mapping stays cached until evicted.
func (m *Mapper) Unmap(r *Region) {
	if r.refs <= 0 {
		panic(fmt.Errorf("invariant broken: unmap of unreferenced region %s", r.path))
	}
	r.refs--
	if r.refs == 0 {
		m.tick++
		r.released = m.tick
	}
}

// Sync flushes r's dirty pages to its file.
func (m *Mapper) Sync(r *Region) error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("unix.Msync(%s): %w", r.path, err)
	}
	return nil
}

// FlushUnused unmaps released regions, oldest release first, until the
// mapped size is within the ceiling or nothing more can be unmapped.
func (m *Mapper) FlushUnused() {
	m.evict(0)
}

// evict makes room for extra more bytes under the ceiling.
func (m *Mapper) evict(extra int64) {
	for m.mapped+extra > m.maxBytes {
		var victim *Region
		for _, r := range m.regions {
			if r.refs == 0 && (victim == nil || r.released < victim.released) {
				victim = r
			}
		}
		if victim == nil {
			return
		}
		if err := m.unmap(victim); err != nil {
			m.logger.Warn("unmapping released region failed", "path", victim.path, "err", err)
			return
		}
	}
}

func (m *Mapper) unmap(r *Region) error {
	delete(m.regions, r.path)
	m.mapped -= int64(len(r.data))
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unix.Munmap(%s): %w", r.path, err)
	}
	m.logger.Debug("unmapped file", "path", r.path, "mappedBytes", m.mapped)
	return nil
}

// MappedBytes returns the total size of all current mappings.
func (m *Mapper) MappedBytes() int64 {
	return m.mapped
}

// Len returns the number of current mappings.
func (m *Mapper) Len() int {
	return len(m.regions)
}

// Close unmaps every region, referenced or not. Mapped data is not synced
// first; the kernel writes back shared mappings on its own schedule.
func (m *Mapper) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, r := range m.regions {
		if r.refs > 0 {
			m.logger.Warn("closing mapper with region still referenced", "path", r.path, "refs", r.refs)
		}
		if err := m.unmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
