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

package mm

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// vmaDegree is the degree of the VMA tree.
const vmaDegree = 8

// vma is one allocated range of the address space. Permissions and backing
// live in the page tables; the vma only records ownership of the range and,
// for file mappings, where its contents came from.
type vma struct {
	// start and end are page aligned, and start < end.
	start hostarch.Addr
	end   hostarch.Addr

	// file backs the range, or nil for anonymous memory.
	file File

	// off is the offset into file of start.
	off int64

	// shared is true for file mappings written back by Msync.
	shared bool
}

// Range returns the range covered by v.
func (v *vma) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

func (v *vma) contained(start, end hostarch.Addr) bool {
	return v.start >= start && v.end <= end
}

// vmaSet is the VMA directory: non-overlapping vmas ordered by start.
//
// The directory does not store sentinels. Hole searches treat address 0 and
// hostarch.MaxUserAddress as the bounds of the address space.
type vmaSet struct {
	tree *btree.BTreeG[*vma]
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

func newVMASet() vmaSet {
	return vmaSet{tree: btree.NewG(vmaDegree, vmaLess)}
}

// Len returns the number of vmas.
func (s *vmaSet) Len() int {
	return s.tree.Len()
}

func (s *vmaSet) insert(v *vma) {
	if old, ok := s.tree.ReplaceOrInsert(v); ok {
		panic(fmt.Sprintf("vma %v replaced existing vma %v", v.Range(), old.Range()))
	}
}

func (s *vmaSet) remove(v *vma) {
	if _, ok := s.tree.Delete(v); !ok {
		panic(fmt.Sprintf("removing unknown vma %v", v.Range()))
	}
}

// lowerBound returns the vma with the greatest start at or below addr.
func (s *vmaSet) lowerBound(addr hostarch.Addr) (*vma, bool) {
	var found *vma
	s.tree.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		found = v
		return false
	})
	return found, found != nil
}

// forEach calls fn for every vma in order until fn returns false.
func (s *vmaSet) forEach(fn func(v *vma) bool) {
	s.tree.Ascend(fn)
}

// overlapping returns the vmas that overlap [start, end), in order.
func (s *vmaSet) overlapping(start, end hostarch.Addr) []*vma {
	var vmas []*vma
	pivot := start
	if v, ok := s.lowerBound(start); ok {
		pivot = v.start
	}
	s.tree.AscendGreaterOrEqual(&vma{start: pivot}, func(v *vma) bool {
		if v.start >= end {
			return false
		}
		if v.end > start {
			vmas = append(vmas, v)
		}
		return true
	})
	return vmas
}

// findHole returns the start of a gap of at least size bytes. If hint lies
// in a large enough gap, hint itself is returned; otherwise the first gap
// that begins at or after hint.
func (s *vmaSet) findHole(hint hostarch.Addr, size uint64) (hostarch.Addr, bool) {
	// prevEnd is the end of the vma preceding the gap under examination,
	// or 0 at the bottom of the address space.
	var prevEnd hostarch.Addr
	pivot := hostarch.Addr(0)
	if v, ok := s.lowerBound(hint); ok {
		prevEnd = v.end
		pivot = v.start + 1
	}
	found := hostarch.Addr(0)
	ok := false
	check := func(next hostarch.Addr) bool {
		if hint >= prevEnd && hint <= next && size <= uint64(next-hint) {
			found, ok = hint, true
			return true
		}
		if prevEnd >= hint && next >= prevEnd && size <= uint64(next-prevEnd) {
			found, ok = prevEnd, true
			return true
		}
		return false
	}
	s.tree.AscendGreaterOrEqual(&vma{start: pivot}, func(v *vma) bool {
		if check(v.start) {
			return false
		}
		prevEnd = v.end
		return true
	})
	if !ok && prevEnd <= hostarch.MaxUserAddress {
		check(hostarch.MaxUserAddress)
	}
	return found, ok
}

// split splits v at edge. The part of v at and above edge becomes a new vma,
// which is returned. If edge is not strictly inside v, split does nothing and
// returns nil.
func (s *vmaSet) split(v *vma, edge hostarch.Addr) *vma {
	if edge <= v.start || edge >= v.end {
		return nil
	}
	tail := &vma{
		start:  edge,
		end:    v.end,
		file:   v.file,
		shared: v.shared,
	}
	if v.file != nil {
		tail.off = v.off + int64(edge-v.start)
	}
	v.end = edge
	s.insert(tail)
	return tail
}
