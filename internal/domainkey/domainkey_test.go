// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package domainkey

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, domain := range []string{
		"a.com",
		"example.org",
		"x-y_z.info",
		"Mixed.COM",
		strings.Repeat("q", maxLocalLen) + ".fr",
	} {
		k, err := Encode(domain)
		require.NoError(t, err, domain)
		assert.Equal(t, strings.ToLower(domain), k.String())
	}
}

func TestEncodeLayout(t *testing.T) {
	k := MustEncode("ab.net")
	var want Key
	want[0] = 'a'
	want[1] = 'b'
	want[2] = 3
	require.Equal(t, want, k)
}

func TestEncodeRejects(t *testing.T) {
	for _, tc := range []struct {
		domain string
		err    error
	}{
		{"", ErrInvalidDomain},
		{"nodot", ErrInvalidDomain},
		{".com", ErrInvalidDomain},
		{"foo.", ErrInvalidDomain},
		{"foo.example", ErrInvalidDomain},
		{"www.example.com", ErrInvalidDomain},
		{"sp ace.com", ErrInvalidDomain},
		{"nul\x00.com", ErrInvalidDomain},
		{strings.Repeat("q", maxLocalLen+1) + ".com", ErrDomainTooLong},
	} {
		_, err := Encode(tc.domain)
		require.Error(t, err, tc.domain)
		require.True(t, errors.Is(err, tc.err), "%q: %v", tc.domain, err)
	}
}

func TestSentinels(t *testing.T) {
	for _, domain := range []string{"a.com", "zzzz.fr", strings.Repeat("~", maxLocalLen) + ".fr"} {
		k := MustEncode(domain)
		require.True(t, Min.Less(k))
		require.True(t, k.Less(Max))
	}
	require.Equal(t, 0, Compare(Min, Min))
	require.Equal(t, 1, Compare(Max, Min))
	require.NotEmpty(t, Max.String())
}

func TestOrderPreserved(t *testing.T) {
	names := []string{"b", "a", "aa", "ab", "a-", "z9", "0"}
	keys := make([]Key, len(names))
	for i, n := range names {
		keys[i] = MustEncode(n + ".com")
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	sort.Strings(names)

	got := make([]string, len(keys))
	for i, k := range keys {
		got[i] = strings.TrimSuffix(k.String(), ".com")
	}
	require.Equal(t, names, got)
}
