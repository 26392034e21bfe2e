// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package dnsdb

import (
	"errors"

	"github.com/bpowers/dnsdb/internal/block"
	"github.com/bpowers/dnsdb/internal/domainkey"
)

var (
	// ErrAlreadyExists is returned when adding a domain that is already stored.
	ErrAlreadyExists = block.ErrAlreadyExists
	// ErrNoSpaceLeft never escapes the store in normal operation: full
	// blocks are split.
	ErrNoSpaceLeft   = block.ErrNoSpaceLeft
	ErrNotFound      = block.ErrNotFound
	ErrInvalidRecord = block.ErrInvalidRecord
	// ErrUnsplittable is returned when a single domain's records fill a
	// whole block.
	ErrUnsplittable = block.ErrUnsplittable

	ErrDomainTooLong = domainkey.ErrDomainTooLong
	ErrInvalidDomain = domainkey.ErrInvalidDomain

	ErrClosed         = errors.New("dnsdb: store closed")
	ErrInvalidOptions = errors.New("dnsdb: invalid options")
)
