// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/bpowers/dnsdb/internal/domainkey"
	"github.com/bpowers/dnsdb/internal/unsafestring"
)

const importBufferSize = 1024 * 1024

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// ImportStats counts what happened to each line of an import.
type ImportStats struct {
	Lines      int // lines read, including blank and comment lines
	Domains    int // domains added
	Duplicates int // domains that were already stored
	Records    int // IP records merged into the store
	Rejected   int // lines that couldn't be parsed or stored
}

// ImportFile imports the domain list at path. See Import.
func (db *DB) ImportFile(ctx context.Context, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return db.Import(ctx, f)
}

// Import adds the domains listed in r, one per line:
//
//	<domain> [<ipv4> [<first seen> [<last seen>]]]
//
// Seen times are Unix seconds and default to the time the import started.
// Blank lines and lines starting with '#' are skipped. The stream may be
// gzip, zstd or framed snappy compressed.
//
// Bad lines and domains that are already stored are counted, not returned
// as errors. Import stops early only for read failures, store failures
// and ctx being cancelled.
func (db *DB) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	if db.closed {
		return stats, ErrClosed
	}
	in, closer, err := decompress(r)
	if err != nil {
		return stats, err
	}
	defer closer()

	now := uint32(time.Now().Unix())
	logger := db.logger.With("component", "import")

	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 0, 64*1024), importBufferSize)
	for s.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Lines++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		err := db.importLine(line, now, &stats)
		if err == nil {
			continue
		}
		if isRejection(err) {
			stats.Rejected++
			logger.Debug("rejected line", "line", stats.Lines, "err", err)
			continue
		}
		return stats, fmt.Errorf("line %d: %w", stats.Lines, err)
	}
	if err := s.Err(); err != nil {
		return stats, fmt.Errorf("reading import: %w", err)
	}

	if stats.Rejected > 0 {
		logger.Warn("import rejected some lines", "rejected", stats.Rejected, "lines", stats.Lines)
	}
	logger.Info("import finished",
		"lines", stats.Lines,
		"domains", stats.Domains,
		"duplicates", stats.Duplicates,
		"records", stats.Records)
	return stats, nil
}

var errBadLine = errors.New("malformed line")

// isRejection reports whether err is a problem with one input line rather
// than with the store.
func isRejection(err error) bool {
	return errors.Is(err, errBadLine) ||
		errors.Is(err, ErrDomainTooLong) ||
		errors.Is(err, ErrInvalidDomain) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrUnsplittable)
}

func (db *DB) importLine(line []byte, now uint32, stats *ImportStats) error {
	name, rest := nextField(line)
	// the key is a copy, so the scanner's buffer can be viewed in place
	k, err := domainkey.Encode(unsafestring.FromBytes(name))
	if err != nil {
		return err
	}

	ipField, rest := nextField(rest)
	if len(ipField) == 0 {
		switch err := db.addDomain(k); {
		case err == nil:
			stats.Domains++
		case errors.Is(err, ErrAlreadyExists):
			stats.Duplicates++
		default:
			return err
		}
		return nil
	}

	addr, err := netip.ParseAddr(string(ipField))
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: bad IPv4 address %q", errBadLine, ipField)
	}
	first, last := now, now
	if f, rest2 := nextField(rest); len(f) > 0 {
		if first, err = parseSeconds(f); err != nil {
			return err
		}
		last = first
		if l, _ := nextField(rest2); len(l) > 0 {
			if last, err = parseSeconds(l); err != nil {
				return err
			}
		}
	}
	rec := NewIPRecord(addr, time.Unix(int64(first), 0), time.Unix(int64(last), 0))
	if rec.Empty() {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, addr)
	}

	existed, err := db.idx.HasDomain(k)
	if err != nil {
		return err
	}
	if _, err := db.observe(k, rec); err != nil {
		return err
	}
	if existed {
		stats.Duplicates++
	} else {
		stats.Domains++
	}
	stats.Records++
	return nil
}

func parseSeconds(b []byte) (uint32, error) {
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", errBadLine, b)
	}
	return uint32(n), nil
}

// decompress sniffs r's first bytes and wraps it in a matching decoder.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReaderSize(r, importBufferSize)
	head, err := br.Peek(len(snappyMagic))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, fmt.Errorf("peek: %w", err)
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip.NewReader: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd.NewReader: %w", err)
		}
		return zr, zr.Close, nil
	case bytes.HasPrefix(head, snappyMagic):
		return snappy.NewReader(br), func() {}, nil
	default:
		return br, func() {}, nil
	}
}
