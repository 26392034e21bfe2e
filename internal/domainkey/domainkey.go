// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package domainkey converts domain names to and from the fixed-width
// keys stored in blocks.
//
// A key is the domain's local part followed by a single byte naming its
// TLD (an index into a fixed table), zero-filled to Size bytes:
//
//	"example.com" -> "example" 0x01 0x00 ... 0x00
//
// Keys order lexicographically by byte, so every domain sharing a local
// part sorts together regardless of TLD.
package domainkey

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Size is the width of every key in bytes.
const Size = 35

// maxLocalLen leaves room for the TLD byte.
const maxLocalLen = Size - 1

var (
	ErrDomainTooLong = errors.New("domain too long")
	ErrInvalidDomain = errors.New("invalid domain")
)

// tlds is append-only: a TLD's position is persisted in every key.
var tlds = [...]string{
	"",
	"com", "org", "net", "int", "edu", "gov", "mil",
	"biz", "info",
	"at", "ca", "de", "es", "ru", "us", "fr",
}

// Key is the encoded form of a domain name.
type Key [Size]byte

var (
	// Min sorts before every key.
	Min Key
	// Max sorts after every key the codec can produce.
	Max = func() Key {
		var k Key
		for i := range k {
			k[i] = 0xff
		}
		return k
	}()
)

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to
// or after b. This is the only ordering used for keys: plain lexicographic
// comparison of all Size bytes.
func Compare(a, b Key) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return Compare(k, other) < 0
}

// Encode converts a textual domain (`<name>.<tld>`) to its key. Domains are
// case-insensitive and folded to lower case.
func Encode(domain string) (Key, error) {
	var k Key
	name, tld, ok := strings.Cut(domain, ".")
	if !ok || len(name) == 0 {
		return k, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	if len(name) > maxLocalLen {
		return k, fmt.Errorf("%w: %q", ErrDomainTooLong, domain)
	}
	tldIdx := lookupTLD(tld)
	if tldIdx <= 0 {
		return k, fmt.Errorf("%w: unknown TLD in %q", ErrInvalidDomain, domain)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f {
			return k, fmt.Errorf("%w: bad byte %#x in %q", ErrInvalidDomain, c, domain)
		}
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		k[i] = c
	}
	k[len(name)] = byte(tldIdx)
	return k, nil
}

// MustEncode is Encode for known-good input; it panics on error.
func MustEncode(domain string) Key {
	k, err := Encode(domain)
	if err != nil {
		panic(err)
	}
	return k
}

func lookupTLD(tld string) int {
	for i, t := range tlds {
		if strings.EqualFold(t, tld) {
			return i
		}
	}
	return -1
}

// String decodes the key back to its textual domain. Keys the codec could
// not have produced (like Min and Max) are rendered in hex.
func (k Key) String() string {
	n := bytes.IndexByte(k[:], 0)
	if n < 0 {
		n = Size
	}
	if n < 2 || int(k[n-1]) >= len(tlds) || k[n-1] == 0 {
		return fmt.Sprintf("%x", k[:])
	}
	return string(k[:n-1]) + "." + tlds[k[n-1]]
}
