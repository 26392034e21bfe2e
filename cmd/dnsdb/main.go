// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bpowers/dnsdb"
)

var (
	slotsFlag     = flag.Int("slots", dnsdb.DefaultSlotsPerBlock, "slots per block for a new store (multiple of 64)")
	maxMappedFlag = flag.Int64("max-mapped", dnsdb.DefaultMaxMappedBytes, "upper bound in bytes on mapped block files")
	cacheLowFlag  = flag.Int("cache-low", dnsdb.DefaultCacheLowWater, "blocks kept resident after eviction")
	cacheHighFlag = flag.Int("cache-high", dnsdb.DefaultCacheHighWater, "resident blocks that trigger eviction")
	verboseFlag   = flag.Bool("v", false, "log debug output to stderr")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] DBPATH COMMAND [ARGS]\n\n", os.Args[0])
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  add-domains FILE...   import domains and IP records (plain, gzip, zstd or snappy)\n")
	fmt.Fprintf(out, "  list-domains [FROM]   print domains in order, starting at FROM\n")
	fmt.Fprintf(out, "  lookup DOMAIN         print a domain's IP records\n")
	fmt.Fprintf(out, "  summary               print store statistics and content digest\n")
	fmt.Fprintf(out, "  verify                check every block and the range index\n")
	fmt.Fprintf(out, "  shell                 start an interactive shell\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(realMain(logger, flag.Arg(0), flag.Arg(1), flag.Args()[2:]))
}

func realMain(logger *slog.Logger, dbPath, cmd string, args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dnsdb.Open(dbPath,
		dnsdb.WithLogger(logger),
		dnsdb.WithSlotsPerBlock(*slotsFlag),
		dnsdb.WithMaxMappedBytes(*maxMappedFlag),
		dnsdb.WithBlockCacheLimits(*cacheLowFlag, *cacheHighFlag))
	if err != nil {
		logger.Error("open failed", "path", dbPath, "error", err)
		return 1
	}

	code := 0
	if err := run(ctx, db, os.Stdout, cmd, args); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%s\n\n", err)
			flag.Usage()
			code = 2
		} else {
			logger.Error(cmd+" failed", "error", err)
			code = 1
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("close failed", "error", err)
		code = 1
	}
	return code
}
