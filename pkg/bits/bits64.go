// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bits includes integer utilities for bit twiddling on page-table
// words and addresses.
package bits

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn64 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn64(mask, bits uint64) bool {
	return mask&bits != 0
}

// Mask64 returns a uint64 with all of the given bits set.
func Mask64(is ...int) uint64 {
	ret := uint64(0)
	for _, i := range is {
		ret |= MaskOf64(i)
	}
	return ret
}

// MaskOf64 is like Mask64, but sets only a single bit (more efficiently).
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// Set64 returns x with bit i set to v.
func Set64(x uint64, i int, v bool) uint64 {
	x &^= MaskOf64(i)
	if v {
		x |= MaskOf64(i)
	}
	return x
}

// IsPowerOfTwo64 returns true if v is a power of 2.
func IsPowerOfTwo64(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignDown64 rounds x down to a multiple of align, which must be a power of
// two.
func AlignDown64(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// AlignUp64 rounds x up to a multiple of align, which must be a power of two.
func AlignUp64(x, align uint64) uint64 {
	return AlignDown64(x+align-1, align)
}
