// Copyright 2021 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

// nextField returns the first space- or tab-separated field of s and
// whatever follows it. Like strings.Fields for one field, but without
// allocating.
func nextField(s []byte) (field, rest []byte) {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := start
	for end < len(s) && !isSpace(s[end]) {
		end++
	}
	return s[start:end], s[end:]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}
