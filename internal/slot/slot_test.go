// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package slot

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/dnsdb/internal/domainkey"
)

func TestLayoutFitsSlot(t *testing.T) {
	require.LessOrEqual(t, domainRecordsOff+DomainRecords*recordSize, Size)
	require.Equal(t, Size, continuationRecordsOff+ContinuationRecords*recordSize)
}

func TestDomainSlotBytes(t *testing.T) {
	b := make([]byte, Size)
	for i := range b {
		b[i] = 0xaa
	}
	key := domainkey.MustEncode("a.com")
	PutDomain(b, key)

	require.Equal(t, byte(0xc0), b[0])
	require.True(t, IsUsed(b[0]))
	require.True(t, IsDomain(b[0]))
	require.Equal(t, Domain, KindOf(b[0]))
	require.Equal(t, key, Key(b))

	// every record starts out empty
	for i := 0; i < DomainRecords; i++ {
		require.True(t, RecordAt(b, Domain, i).Empty())
	}

	rec := IPRecord{FirstSeen: 100, LastSeen: 200, IP: 0x01020304}
	PutRecordAt(b, Domain, 1, rec)
	require.Equal(t, rec, RecordAt(b, Domain, 1))
	// first_seen of record 1 lives right after record 0
	require.Equal(t, []byte{100, 0, 0, 0}, b[domainRecordsOff+recordSize:domainRecordsOff+recordSize+4])
	require.Equal(t, []byte{4, 3, 2, 1}, b[domainRecordsOff+recordSize+8:domainRecordsOff+recordSize+12])
}

func TestContinuationSlotBytes(t *testing.T) {
	b := make([]byte, Size)
	PutContinuation(b)
	require.Equal(t, byte(0x80), b[0])
	require.True(t, IsUsed(b[0]))
	require.False(t, IsDomain(b[0]))
	require.Equal(t, Continuation, KindOf(b[0]))

	for i := 0; i < ContinuationRecords; i++ {
		PutRecordAt(b, Continuation, i, IPRecord{FirstSeen: 1, LastSeen: 2, IP: uint32(i + 1)})
	}
	require.Equal(t, []byte{0, 0, 0}, b[1:4])
	require.Equal(t, uint32(5), RecordAt(b, Continuation, 4).IP)
}

func TestDecodeEncode(t *testing.T) {
	b := make([]byte, Size)
	s := Slot{
		Kind: Domain,
		Key:  domainkey.MustEncode("example.org"),
		Records: []IPRecord{
			{FirstSeen: 1, LastSeen: 2, IP: 3},
		},
	}
	require.NoError(t, s.Encode(b))
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	free, err := Decode(make([]byte, Size))
	require.NoError(t, err)
	assert.Equal(t, Free, free.Kind)
	assert.Empty(t, free.Records)

	_, err = Decode(b[:10])
	require.Error(t, err)
	require.Error(t, s.Encode(b[:10]))
}

func TestIPRecordAddr(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.7")
	first := time.Unix(1000, 0)
	last := time.Unix(2000, 0)
	r := NewIPRecord(addr, first, last)
	require.Equal(t, uint32(0xc0000207), r.IP)
	require.Equal(t, uint32(1000), r.FirstSeen)
	require.Equal(t, uint32(2000), r.LastSeen)
	require.Equal(t, addr, r.Addr())

	// IPv6 is unsupported and yields the empty record
	require.True(t, NewIPRecord(netip.MustParseAddr("2001:db8::1"), first, last).Empty())
	require.Equal(t, "free", Free.String())
}
