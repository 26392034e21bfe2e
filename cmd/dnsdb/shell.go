// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"

	"github.com/bpowers/dnsdb"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("add"),
	readline.PcItem("has"),
	readline.PcItem("lookup"),
	readline.PcItem("ip"),
	readline.PcItem("list"),
	readline.PcItem("summary"),
	readline.PcItem("verify"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func shell(ctx context.Context, db *dnsdb.DB) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dnsdb> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dnsdb_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("readline.NewEx: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "dnsdb shell on %s. Type 'help' for commands.\n", db.Path())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("rl.Readline: %w", err)
		}

		quit, err := execLine(ctx, db, rl.Stdout(), line)
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %s\n", err)
		}
		if quit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
