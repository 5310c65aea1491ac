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

package machine

import (
	"context"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// tlbCapacity is the number of entries a vCPU TLB holds. A full TLB is
// emptied before a new entry is inserted.
const tlbCapacity = 64

// tlbEntry is a cached translation of one small page.
type tlbEntry struct {
	physical uintptr
	access   hostarch.AccessType
}

// flush drops every cached translation.
func (c *vCPU) flush() {
	c.mu.Lock()
	clear(c.tlb)
	c.mu.Unlock()
	c.generation.Add(1)
}

// Translate translates addr on the caller's vCPU for an access of type at.
// It returns false if addr is not mapped or the mapping does not permit at,
// that is on a page fault.
//
// Translations are cached: a change to the page tables is not visible to a
// vCPU until its TLB is flushed.
func (m *Machine) Translate(ctx context.Context, addr uintptr, at hostarch.AccessType) (uintptr, bool) {
	c := m.cpu(CPUFromContext(ctx))
	page := addr &^ (hostarch.PageSize - 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tlb[page]
	if !ok {
		root := uintptr(c.cr3.Load())
		if root == 0 {
			return 0, false
		}
		tlbMisses.Increment()
		t, ok := pagetables.Walk(m.mem, root, page)
		if !ok {
			return 0, false
		}
		e = tlbEntry{physical: t.Physical, access: t.Access}
		if len(c.tlb) >= tlbCapacity {
			clear(c.tlb)
		}
		c.tlb[page] = e
	}
	if !e.access.SupersetOf(at) {
		return 0, false
	}
	return e.physical + addr&(hostarch.PageSize-1), true
}
