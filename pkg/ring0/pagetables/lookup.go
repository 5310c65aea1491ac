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

package pagetables

import (
	"gvisor.dev/vmcore/pkg/hostarch"
)

// Translation is the result of a hardware walk.
type Translation struct {
	// Physical is the physical address that the walked address maps to.
	Physical uintptr

	// PageSize is the size of the page containing the address.
	PageSize uintptr

	// Access is the access granted by the leaf entry.
	Access hostarch.AccessType
}

// Walk translates addr through the tables rooted at root, as the MMU does.
// It returns false if the address is not mapped by a valid entry.
//
// Walk only reads the tables and may run concurrently with mutation.
func Walk(mem Memory, root, addr uintptr) (Translation, bool) {
	return walkTables(mem, root, addr, false)
}

// walkTables finds the leaf entry for addr. With anyLeaf set, a leaf that has an
// address but no access (see PTE.ChangePerm) is returned too, with
// hostarch.NoAccess.
func walkTables(mem Memory, root, addr uintptr, anyLeaf bool) (Translation, bool) {
	table := root
	for level := topLevel; level >= 0; level-- {
		entries := tableFromBytes(mem.Bytes(table, hostarch.PageSize))
		e := entries[index(addr, level)].Load()
		if e.Empty() {
			return Translation{}, false
		}
		leaf := level == 0 || e.Large()
		if !e.Valid() && !(anyLeaf && leaf) {
			return Translation{}, false
		}
		if leaf {
			size := levelSize(level)
			return Translation{
				Physical: e.Address(level > 0) + addr&(size-1),
				PageSize: size,
				Access:   e.Perm(),
			}, true
		}
		table = e.Address(false)
	}
	panic("unreachable")
}

// Lookup translates addr through these tables.
func (p *PageTables) Lookup(addr uintptr) (Translation, bool) {
	return Walk(p.Allocator, p.root, addr)
}

// LeafCounts counts the leaves of a page table, by page size.
type LeafCounts struct {
	Pages      int
	HugePages  int
	SuperPages int
}

// CountLeaves returns the number of non-empty leaves in these tables.
func (p *PageTables) CountLeaves() LeafCounts {
	var c LeafCounts
	p.countLeaves(p.root, topLevel, &c)
	return c
}

func (p *PageTables) countLeaves(table uintptr, level int, c *LeafCounts) {
	entries := p.entries(table)
	for i := range entries {
		e := entries[i].Load()
		switch {
		case e.Empty():
		case level == 0:
			c.Pages++
		case e.Large() && level == 1:
			c.HugePages++
		case e.Large():
			c.SuperPages++
		default:
			p.countLeaves(e.Address(false), level-1, c)
		}
	}
}

// LookupLeaf is like Lookup, but also finds populated pages whose access was
// removed. Their Access is hostarch.NoAccess.
func (p *PageTables) LookupLeaf(addr uintptr) (Translation, bool) {
	return walkTables(p.Allocator, p.root, addr, true)
}
