// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/dnsdb/internal/blockcache"
	"github.com/bpowers/dnsdb/internal/domainkey"
)

// The index file is a little-endian uint32 range count followed by one
// fixed-size record per range, then a farm.Hash32 of everything before it:
//
//	│ count │ min (35) │ max (35) │ block id (4) │ ... │ checksum │
//
// Files without the checksum trailer are accepted.
const (
	countSize    = 4
	nodeSize     = 2*domainkey.Size + 4
	checksumSize = 4
)

// Save atomically replaces the index file at path.
func (ix *Index) Save(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), "dnsdb-index.*.tmp")
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	if err := ix.write(f); err != nil {
		cleanup()
		return fmt.Errorf("index.write: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	ix.logger.Info("saved index", "path", path, "ranges", len(ix.nodes))
	return nil
}

func (ix *Index) write(w io.Writer) error {
	buf := make([]byte, countSize+len(ix.nodes)*nodeSize)
	binary.LittleEndian.PutUint32(buf[:countSize], uint32(len(ix.nodes)))
	rest := buf[countSize:]
	for _, n := range ix.nodes {
		rec := rest[:nodeSize]
		// bounds check elimination
		_ = rec[nodeSize-1]
		copy(rec[:domainkey.Size], n.Min[:])
		copy(rec[domainkey.Size:2*domainkey.Size], n.Max[:])
		binary.LittleEndian.PutUint32(rec[2*domainkey.Size:], n.BlockID)
		rest = rest[nodeSize:]
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, farm.Hash32(buf)); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads the index file at path. A missing file yields a fresh index.
func Load(path string, cache *blockcache.Cache, logger *slog.Logger) (*Index, error) {
	ix := New(cache, logger)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		ix.logger.Warn("no index file, starting with an empty store", "path", path)
		return ix, nil
	} else if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}

	nodes, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("index file %s: %w", path, err)
	}
	sortNodes(nodes)
	if err := verifyCoverage(nodes); err != nil {
		return nil, fmt.Errorf("index file %s: %w", path, err)
	}

	ix.nodes = nodes
	ix.nextID = 0
	for _, n := range nodes {
		if n.BlockID >= ix.nextID {
			ix.nextID = n.BlockID + 1
		}
	}
	ix.logger.Info("loaded index", "path", path, "ranges", len(nodes))
	return ix, nil
}

func decode(data []byte) ([]Node, error) {
	if len(data) < countSize {
		return nil, fmt.Errorf("too short (%d bytes)", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[:countSize]))
	body := countSize + count*nodeSize
	switch len(data) {
	case body:
	case body + checksumSize:
		expected := binary.LittleEndian.Uint32(data[body:])
		if actual := farm.Hash32(data[:body]); actual != expected {
			return nil, fmt.Errorf("checksum mismatch (%x != %x): index file corrupted", actual, expected)
		}
	default:
		return nil, fmt.Errorf("length %d doesn't match %d ranges", len(data), count)
	}

	nodes := make([]Node, count)
	rest := data[countSize:body]
	for i := range nodes {
		rec := rest[:nodeSize]
		_ = rec[nodeSize-1]
		copy(nodes[i].Min[:], rec[:domainkey.Size])
		copy(nodes[i].Max[:], rec[domainkey.Size:2*domainkey.Size])
		nodes[i].BlockID = binary.LittleEndian.Uint32(rec[2*domainkey.Size:])
		rest = rest[nodeSize:]
	}
	return nodes, nil
}
