// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package slot defines the on-disk layout of the 64-byte slots that make up
// a block, and is the only code that interprets slot bytes.
//
// Every slot starts with a one-byte header; the remaining 63 bytes depend
// on the kind of slot:
//
//	domain header:  │ hdr │ key (35) │ record │ record │ pad (4) │
//	continuation:   │ hdr │ pad (3)  │ record │ record │ record │ record │ record │
//
// Records are 12 bytes: first_seen, last_seen and the IPv4 address, each a
// little-endian uint32. A record with a zero address is empty.
package slot

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/bpowers/dnsdb/internal/domainkey"
	"github.com/bpowers/dnsdb/internal/zero"
)

const (
	Size = 64

	flagUsed   = 0x80
	flagDomain = 0x40

	recordSize = 4 + 4 + 4

	keyOff                 = 1
	domainRecordsOff       = keyOff + domainkey.Size
	continuationRecordsOff = 4

	// DomainRecords is the number of records inlined in a domain header slot.
	DomainRecords = 2
	// ContinuationRecords is the number of records in a continuation slot.
	ContinuationRecords = 5
)

var errShortSlot = errors.New("slot buffer shorter than slot.Size")

// Kind discriminates the three states a slot can be in.
type Kind uint8

const (
	Free Kind = iota
	Domain
	Continuation
)

func (k Kind) String() string {
	switch k {
	case Free:
		return "free"
	case Domain:
		return "domain"
	case Continuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// IPRecord is a single observation of an IPv4 address for a domain.
// Timestamps are Unix seconds.
type IPRecord struct {
	FirstSeen uint32
	LastSeen  uint32
	IP        uint32
}

// NewIPRecord builds a record for addr, which must be an IPv4 address.
func NewIPRecord(addr netip.Addr, firstSeen, lastSeen time.Time) IPRecord {
	var ip uint32
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.Unmap().As4()
		ip = binary.BigEndian.Uint32(a4[:])
	}
	return IPRecord{
		FirstSeen: uint32(firstSeen.Unix()),
		LastSeen:  uint32(lastSeen.Unix()),
		IP:        ip,
	}
}

// Empty reports whether r is the empty-record sentinel.
func (r IPRecord) Empty() bool {
	return r.IP == 0
}

// Addr returns the record's address.
func (r IPRecord) Addr() netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], r.IP)
	return netip.AddrFrom4(a4)
}

// KindOf returns the kind of the slot whose header byte is hdr.
func KindOf(hdr byte) Kind {
	switch {
	case hdr&flagUsed == 0:
		return Free
	case hdr&flagDomain != 0:
		return Domain
	default:
		return Continuation
	}
}

// IsUsed reports whether the header byte marks a used slot.
func IsUsed(hdr byte) bool {
	return hdr&flagUsed != 0
}

// IsDomain reports whether the header byte marks a domain header slot.
func IsDomain(hdr byte) bool {
	return hdr&(flagUsed|flagDomain) == flagUsed|flagDomain
}

// KeyBytes returns a view of the key stored in a domain header slot.
func KeyBytes(b []byte) []byte {
	return b[keyOff : keyOff+domainkey.Size]
}

// Key returns a copy of the key stored in a domain header slot.
func Key(b []byte) domainkey.Key {
	var k domainkey.Key
	copy(k[:], KeyBytes(b))
	return k
}

// RecordCap returns how many records a slot of kind k holds.
func RecordCap(k Kind) int {
	switch k {
	case Domain:
		return DomainRecords
	case Continuation:
		return ContinuationRecords
	default:
		return 0
	}
}

func recordOff(k Kind, i int) int {
	if k == Domain {
		return domainRecordsOff + i*recordSize
	}
	return continuationRecordsOff + i*recordSize
}

// RecordAt decodes record i of a slot of kind k.
func RecordAt(b []byte, k Kind, i int) IPRecord {
	off := recordOff(k, i)
	r := b[off : off+recordSize]
	// bounds check elimination
	_ = r[recordSize-1]
	return IPRecord{
		FirstSeen: binary.LittleEndian.Uint32(r[0:4]),
		LastSeen:  binary.LittleEndian.Uint32(r[4:8]),
		IP:        binary.LittleEndian.Uint32(r[8:12]),
	}
}

// PutRecordAt encodes rec as record i of a slot of kind k.
func PutRecordAt(b []byte, k Kind, i int, rec IPRecord) {
	off := recordOff(k, i)
	r := b[off : off+recordSize]
	_ = r[recordSize-1]
	binary.LittleEndian.PutUint32(r[0:4], rec.FirstSeen)
	binary.LittleEndian.PutUint32(r[4:8], rec.LastSeen)
	binary.LittleEndian.PutUint32(r[8:12], rec.IP)
}

// PutDomain overwrites b with an empty domain header slot for key.
func PutDomain(b []byte, key domainkey.Key) {
	zero.Bytes(b[:Size])
	b[0] = flagUsed | flagDomain
	copy(KeyBytes(b), key[:])
}

// PutContinuation overwrites b with an empty continuation slot.
func PutContinuation(b []byte) {
	zero.Bytes(b[:Size])
	b[0] = flagUsed
}

// Slot is the decoded form of a single slot.
type Slot struct {
	Kind    Kind
	Key     domainkey.Key // only for Domain slots
	Records []IPRecord    // non-empty records, in slot order
}

// Decode unpacks the first Size bytes of b.
func Decode(b []byte) (Slot, error) {
	if len(b) < Size {
		return Slot{}, errShortSlot
	}
	s := Slot{Kind: KindOf(b[0])}
	if s.Kind == Domain {
		s.Key = Key(b)
	}
	for i := 0; i < RecordCap(s.Kind); i++ {
		if r := RecordAt(b, s.Kind, i); !r.Empty() {
			s.Records = append(s.Records, r)
		}
	}
	return s, nil
}

// Encode packs s into the first Size bytes of b. Records beyond the slot's
// capacity are dropped.
func (s Slot) Encode(b []byte) error {
	if len(b) < Size {
		return errShortSlot
	}
	switch s.Kind {
	case Domain:
		PutDomain(b, s.Key)
	case Continuation:
		PutContinuation(b)
	default:
		zero.Bytes(b[:Size])
		return nil
	}
	n := RecordCap(s.Kind)
	for i, r := range s.Records {
		if i >= n {
			break
		}
		PutRecordAt(b, s.Kind, i, r)
	}
	return nil
}
