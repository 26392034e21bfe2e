// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Digest hashes every domain and record in key order. Two stores holding
// the same data have the same digest no matter how their blocks were split
// or where slots ended up.
func (db *DB) Digest() (uint64, error) {
	c, err := db.Cursor()
	if err != nil {
		return 0, err
	}
	defer c.Close()

	h := xxhash.New()
	var buf [12]byte
	for ; c.Valid(); c.Next() {
		_, _ = h.Write(c.key[:])
		recs := c.Records()
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(recs)))
		_, _ = h.Write(buf[0:4])
		for _, r := range recs {
			binary.LittleEndian.PutUint32(buf[0:4], r.FirstSeen)
			binary.LittleEndian.PutUint32(buf[4:8], r.LastSeen)
			binary.LittleEndian.PutUint32(buf[8:12], r.IP)
			_, _ = h.Write(buf[:])
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
