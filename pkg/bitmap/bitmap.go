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

// Package bitmap provides a growable set of small integers, used to track
// page frames and privatized page indices.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient bitmap. It is not synchronized.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits, 64 entries per element.
	bitBlock []uint64
}

// New create a new empty Bitmap able to hold at least size bits without
// growing.
func New(size uint32) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

// Contains returns true if i is set.
func (b *Bitmap) Contains(i uint32) bool {
	blockNum := int(i / 64)
	if blockNum >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&(uint64(1)<<(i%64)) != 0
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

// Add adds i to the Bitmap, growing it if required.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if x, y := int(blockNum), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	if old := b.bitBlock[blockNum]; old&mask == 0 {
		b.bitBlock[blockNum] = old | mask
		b.numOnes++
	}
}

// Remove removes i from the Bitmap.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if int(blockNum) >= len(b.bitBlock) {
		return
	}
	if old := b.bitBlock[blockNum]; old&mask != 0 {
		b.bitBlock[blockNum] = old &^ mask
		b.numOnes--
	}
}

// Clone the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{b.numOnes, make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock)
	return bitmap
}

// ToSlice transforms the Bitmap into a slice. For example, a bitmap of
// [0, 1, 0, 1] will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	for i, block := range b.bitBlock {
		for block != 0 {
			// Extract the lowest set bit.
			j := block & -block
			bitmapSlice = append(bitmapSlice, uint32(i*64+bits.OnesCount64(j-1)))
			block ^= j
		}
	}
	return bitmapSlice
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
