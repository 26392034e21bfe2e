// Copyright 2023 The dnsdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !linux

package mapper

import "os"

func allocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
