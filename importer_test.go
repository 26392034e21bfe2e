// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

const importInput = `# crawl output
a.com
b.org 192.0.2.1 100 200
b.org 192.0.2.1 50 150
b.org 192.0.2.2 300

a.com
c.net 192.0.2.9
toolongtoolongtoolongtoolongtoolong.com
bad.invalid
d.de not-an-ip
d.de 2001:db8::1
e.ru 192.0.2.3 notatime
`

func checkImport(t *testing.T, db *DB, stats ImportStats) {
	t.Helper()
	require.Equal(t, ImportStats{
		Lines:      13,
		Domains:    3,
		Duplicates: 3,
		Records:    4,
		Rejected:   5,
	}, stats)

	require.True(t, db.HasDomain("a.com"))
	recs, err := db.Lookup("b.org")
	require.NoError(t, err)
	require.Equal(t, []IPRecord{
		{FirstSeen: 50, LastSeen: 200, IP: 0xc0000201},
		{FirstSeen: 300, LastSeen: 300, IP: 0xc0000202},
	}, recs)

	recs, err = db.Lookup("c.net")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotZero(t, recs[0].FirstSeen)
	require.Equal(t, recs[0].FirstSeen, recs[0].LastSeen)

	require.False(t, db.HasDomain("d.de"))
	require.False(t, db.HasDomain("e.ru"))
	require.NoError(t, db.Verify())
}

func TestImportPlain(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	stats, err := db.Import(context.Background(), strings.NewReader(importInput))
	require.NoError(t, err)
	checkImport(t, db, stats)
}

func TestImportCompressed(t *testing.T) {
	for name, compress := range map[string]func(w io.Writer) io.WriteCloser{
		"gzip": func(w io.Writer) io.WriteCloser {
			return gzip.NewWriter(w)
		},
		"zstd": func(w io.Writer) io.WriteCloser {
			zw, err := zstd.NewWriter(w)
			require.NoError(t, err)
			return zw
		},
		"snappy": func(w io.Writer) io.WriteCloser {
			return snappy.NewBufferedWriter(w)
		},
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w := compress(&buf)
			_, err := io.WriteString(w, importInput)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			path := filepath.Join(t.TempDir(), "domains."+name)
			require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

			db := openTestDB(t, t.TempDir())
			stats, err := db.ImportFile(context.Background(), path)
			require.NoError(t, err)
			checkImport(t, db, stats)
		})
	}
}

func TestImportManyForcesSplits(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 2000; i++ {
		sb.WriteString("host")
		sb.WriteString(strings.Repeat("x", i%7))
		sb.WriteString(string(rune('a' + i%26)))
		sb.WriteString(string(rune('a' + (i/26)%26)))
		sb.WriteString(string(rune('a' + (i/676)%26)))
		sb.WriteString(".com 10.0.0.1\n")
	}
	db := openTestDB(t, t.TempDir())
	stats, err := db.Import(context.Background(), strings.NewReader(sb.String()))
	require.NoError(t, err)
	require.Equal(t, 2000, stats.Lines)
	require.Equal(t, 0, stats.Rejected)
	require.Equal(t, 2000, stats.Domains+stats.Duplicates)

	s, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, stats.Domains, s.Domains)
	require.Greater(t, s.Splits, uint64(0))
	require.NoError(t, db.Verify())
}

func TestImportCancelled(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := db.Import(ctx, strings.NewReader(importInput))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, stats.Lines)
	require.False(t, db.HasDomain("a.com"))
}

func TestImportMissingFile(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	_, err := db.ImportFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
