// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/bpowers/dnsdb"
)

var errUsage = errors.New("usage")

const shellHelp = `Commands:
  add DOMAIN              - Add a domain with no records
  has DOMAIN              - Report whether a domain is stored
  lookup DOMAIN           - Show a domain's IP records
  ip DOMAIN IPV4          - Record that DOMAIN resolved to IPV4 just now
  list [FROM] [N]         - List up to N domains (default 20) starting at FROM
  summary                 - Show store statistics
  verify                  - Check the store for inconsistencies
  help                    - Show this help message
  exit                    - Exit the shell
`

func formatRecord(r dnsdb.IPRecord) string {
	return fmt.Sprintf("%s first=%s last=%s",
		r.Addr(),
		time.Unix(int64(r.FirstSeen), 0).UTC().Format(time.RFC3339),
		time.Unix(int64(r.LastSeen), 0).UTC().Format(time.RFC3339))
}

func lookup(db *dnsdb.DB, w io.Writer, domain string) error {
	recs, err := db.Lookup(domain)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d records\n", domain, len(recs))
	for _, r := range recs {
		fmt.Fprintf(w, "  %s\n", formatRecord(r))
	}
	return nil
}

// list prints up to limit domains starting at from; a limit <= 0 lists
// everything.
func list(ctx context.Context, db *dnsdb.DB, w io.Writer, from string, limit int) error {
	var c *dnsdb.Cursor
	var err error
	if from == "" {
		c, err = db.Cursor()
	} else {
		c, err = db.CursorAt(from)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	n := 0
	for ; c.Valid(); c.Next() {
		if limit > 0 && n >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var ips []string
		for _, r := range c.Records() {
			ips = append(ips, r.Addr().String())
		}
		if len(ips) == 0 {
			fmt.Fprintln(w, c.Domain())
		} else {
			fmt.Fprintf(w, "%s %s\n", c.Domain(), strings.Join(ips, ","))
		}
		n++
	}
	return c.Err()
}

func summary(db *dnsdb.DB, w io.Writer) error {
	s, err := db.Stats()
	if err != nil {
		return err
	}
	digest, err := db.Digest()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "domains:     %d\n", s.Domains)
	fmt.Fprintf(w, "blocks:      %d\n", s.Blocks)
	fmt.Fprintf(w, "used slots:  %d\n", s.UsedSlots)
	fmt.Fprintf(w, "free slots:  %d\n", s.FreeSlots)
	fmt.Fprintf(w, "efficiency:  %.1f%%\n", 100*s.Efficiency())
	fmt.Fprintf(w, "splits:      %d\n", s.Splits)
	fmt.Fprintf(w, "cache:       %d resident, %d hits, %d misses, %d evictions\n",
		s.Cache.Resident, s.Cache.Hits, s.Cache.Misses, s.Cache.Evictions)
	fmt.Fprintf(w, "mapped:      %d bytes\n", s.MappedBytes)
	fmt.Fprintf(w, "digest:      %016x\n", digest)
	return nil
}

func verify(db *dnsdb.DB, w io.Writer) error {
	if err := db.Verify(); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func importFiles(ctx context.Context, db *dnsdb.DB, w io.Writer, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: add-domains FILE...", errUsage)
	}
	for _, path := range paths {
		stats, err := db.ImportFile(ctx, path)
		fmt.Fprintf(w, "%s: %d lines, %d domains added, %d duplicates, %d records, %d rejected\n",
			path, stats.Lines, stats.Domains, stats.Duplicates, stats.Records, stats.Rejected)
		if err != nil {
			return err
		}
	}
	return nil
}

// run executes one top-level command.
func run(ctx context.Context, db *dnsdb.DB, w io.Writer, cmd string, args []string) error {
	switch cmd {
	case "add-domains":
		return importFiles(ctx, db, w, args)
	case "list-domains":
		from := ""
		if len(args) > 0 {
			from = args[0]
		}
		return list(ctx, db, w, from, 0)
	case "lookup":
		if len(args) != 1 {
			return fmt.Errorf("%w: lookup DOMAIN", errUsage)
		}
		return lookup(db, w, args[0])
	case "summary":
		return summary(db, w)
	case "verify":
		return verify(db, w)
	case "shell":
		return shell(ctx, db)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// execLine runs one shell command line. It reports whether the shell
// should exit.
func execLine(ctx context.Context, db *dnsdb.DB, w io.Writer, line string) (quit bool, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	need := func(n int, usage string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s", errUsage, usage)
		}
		return nil
	}

	switch cmd {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprint(w, shellHelp)
	case "add":
		if err := need(1, "add DOMAIN"); err != nil {
			return false, err
		}
		if err := db.AddDomain(args[0]); err != nil {
			return false, err
		}
		fmt.Fprintln(w, "added")
	case "has":
		if err := need(1, "has DOMAIN"); err != nil {
			return false, err
		}
		fmt.Fprintln(w, db.HasDomain(args[0]))
	case "lookup":
		if err := need(1, "lookup DOMAIN"); err != nil {
			return false, err
		}
		return false, lookup(db, w, args[0])
	case "ip":
		if err := need(2, "ip DOMAIN IPV4"); err != nil {
			return false, err
		}
		addr, err := netip.ParseAddr(args[1])
		if err != nil {
			return false, err
		}
		if err := db.ObserveIP(args[0], addr, time.Now()); err != nil {
			return false, err
		}
		fmt.Fprintln(w, "recorded")
	case "list":
		from, limit := "", 20
		if len(args) > 0 {
			from = args[0]
		}
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil {
				return false, fmt.Errorf("%w: list [FROM] [N]", errUsage)
			}
		}
		return false, list(ctx, db, w, from, limit)
	case "summary":
		return false, summary(db, w)
	case "verify":
		return false, verify(db, w)
	default:
		return false, fmt.Errorf("%w: unknown command %q (try help)", errUsage, cmd)
	}
	return false, nil
}
