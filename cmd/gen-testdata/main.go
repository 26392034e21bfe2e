// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// gen-testdata writes random crawl output in the format accepted by
// `dnsdb add-domains`: one `<domain> [<ipv4> [<first> [<last>]]]` per line.
package main

import (
	"bufio"
	crand "crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
)

const (
	alphabet  = "abcdefghijklmnopqrstuvwxyz0123456789-"
	minName   = 3
	maxName   = 20
	baseEpoch = 1672531200 // 2023-01-01T00:00:00Z
	spanSecs  = 365 * 24 * 60 * 60
)

// a subset of the TLDs the store accepts, weighted towards .com
var tlds = []string{"com", "com", "com", "net", "org", "de", "ca", "ru", "us", "info"}

var (
	nFlag    = flag.Int("n", 1000000, "number of lines to write")
	seedFlag = flag.Int64("seed", 0, "random seed (0 picks one)")
	dupFlag  = flag.Float64("dup", 0.1, "fraction of lines that repeat an earlier domain")
	bareFlag = flag.Float64("bare", 0.2, "fraction of lines with no IP address")
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := crand.Read(seedBytes[:]); err != nil {
			panic(err)
		}
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

func randomDomain(rng *rand.Rand) string {
	n := minName + rng.Intn(maxName-minName+1)
	var buf [maxName]byte
	for i := 0; i < n; i++ {
		buf[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(buf[:n]) + "." + tlds[rng.Intn(len(tlds))]
}

func main() {
	flag.Parse()
	rng := newRand(*seedFlag)

	w := bufio.NewWriter(os.Stdout)
	var seen []string
	for i := 0; i < *nFlag; i++ {
		var domain string
		if len(seen) > 0 && rng.Float64() < *dupFlag {
			domain = seen[rng.Intn(len(seen))]
		} else {
			domain = randomDomain(rng)
			seen = append(seen, domain)
		}

		if rng.Float64() < *bareFlag {
			fmt.Fprintln(w, domain)
			continue
		}
		ip := rng.Uint32() | 1<<24 // never 0.x.x.x
		first := baseEpoch + rng.Intn(spanSecs)
		last := first + rng.Intn(spanSecs)
		fmt.Fprintf(w, "%s %d.%d.%d.%d %d %d\n", domain,
			byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip), first, last)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "write: %s\n", err)
		os.Exit(1)
	}
}
