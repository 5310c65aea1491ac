// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap.
func New(size uint32) Bitmap {
	b := Bitmap{}
	bSize := (size + 63) / 64
	b.bitBlock = make([]uint64, bSize)
	return b
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// IsSet returns true iff i is in the Bitmap.
func (b *Bitmap) IsSet(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if int(blockNum) >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&mask != 0
}

// FirstZero returns the first unset bit from the range [start, ).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := bits.TrailingZeros64(^w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstZeroRun returns the first bit of a run of n unset bits that starts on
// a multiple of n. n must be a non-zero multiple of 64.
func (b *Bitmap) FirstZeroRun(n uint32) (bit uint32, err error) {
	if n == 0 || n%64 != 0 {
		panic(fmt.Sprintf("FirstZeroRun(%d): run length must be a multiple of 64", n))
	}
	blocks := int(n / 64)
outer:
	for i := 0; i+blocks <= len(b.bitBlock); i += blocks {
		for j := i; j < i+blocks; j++ {
			if b.bitBlock[j] != 0 {
				continue outer
			}
		}
		return uint32(i * 64), nil
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset run of %d bits", n)
}

// Add add i to the Bitmap.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	// if blockNum is out of range, extend b.bitBlock
	if x, y := int(blockNum), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove i from the Bitmap.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// rangeMask returns the mask of bits in block for the range [begin, end).
func rangeMask(block, begin, end uint32) uint64 {
	lo, hi := block*64, block*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	width := hi - lo
	if width == 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << width) - 1) << (lo % 64)
}

// SetRange sets bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		old := b.bitBlock[i]
		b.bitBlock[i] |= rangeMask(i, begin, end)
		b.numOnes += uint32(bits.OnesCount64(b.bitBlock[i]) - bits.OnesCount64(old))
	}
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		old := b.bitBlock[i]
		b.bitBlock[i] &^= rangeMask(i, begin, end)
		b.numOnes -= uint32(bits.OnesCount64(old) - bits.OnesCount64(b.bitBlock[i]))
	}
}

// IsRangeClear returns true iff no bit within [begin, end) is set.
func (b *Bitmap) IsRangeClear(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		if b.bitBlock[i]&rangeMask(i, begin, end) != 0 {
			return false
		}
	}
	return true
}

// IsRangeSet returns true iff every bit within [begin, end) is set.
func (b *Bitmap) IsRangeSet(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	for i := begin / 64; i <= (end-1)/64; i++ {
		m := rangeMask(i, begin, end)
		if b.bitBlock[i]&m != m {
			return false
		}
	}
	return true
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
