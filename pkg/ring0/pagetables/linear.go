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
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/bits"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// canonical sign extends a 48-bit virtual address.
func canonical(v uintptr) uintptr {
	return uintptr((int64(v) << 16) >> 16)
}

// linearMapper installs a constant offset mapping.
type linearMapper struct {
	p *PageTables

	// delta is added to a virtual address to get the physical one.
	delta uintptr

	// slop is the largest page size that may be used.
	slop uintptr
}

// LinearMap maps [virt, virt+size) to [physical, physical+size) with full
// access, using the largest page size that fits each aligned piece. slop
// bounds the page size, and virt and physical must agree modulo slop.
//
// LinearMap is meant for boot, before any range operation runs. Existing
// leaves in the range are replaced.
func (p *PageTables) LinearMap(ctx context.Context, virt, physical, size, slop uintptr) error {
	if size == 0 {
		return nil
	}
	if virt%hostarch.PageSize != 0 || physical%hostarch.PageSize != 0 || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned linear map of %#x bytes from %#x to %#x", size, virt, physical))
	}
	if largest := levelSize(p.nrPageSizes - 1); slop > largest {
		slop = largest
	}
	if slop < hostarch.PageSize {
		slop = hostarch.PageSize
	}
	if !bits.IsPowerOfTwo64(uint64(slop)) {
		panic(fmt.Sprintf("linear map slop %#x is not a power of two", slop))
	}
	if virt&(slop-1) != physical&(slop-1) {
		panic(fmt.Sprintf("linear map %#x -> %#x: addresses disagree modulo %#x", virt, physical, slop))
	}
	defer p.flush(ctx)

	l := linearMapper{p: p, delta: physical - virt, slop: slop}
	return l.mapLevel(p.entries(p.root), topLevel, 0, virt, virt+size-1)
}

// mapLevel maps the part of [vstart, vend] covered by table, whose first
// entry maps base. vend is inclusive.
func (l *linearMapper) mapLevel(table *PTEs, level int, base, vstart, vend uintptr) error {
	step := levelSize(level)
	idx := 0
	if vstart > base {
		idx = index(vstart, level)
	}
	for ; idx < entriesPerPage; idx++ {
		cur := base + uintptr(idx)*step
		if level == topLevel {
			cur = canonical(cur)
		}
		if cur > vend {
			break
		}
		pte := &table[idx]
		e := pte.Load()
		isTable := level > 0 && !e.Empty() && !e.Large()
		if level < l.p.nrPageSizes && step <= l.slop && vstart <= cur && cur+step-1 <= vend && !isTable {
			pte.Store(MakePTE(cur+l.delta, level > 0, hostarch.AnyAccess))
			continue
		}
		if level == 0 {
			panic(fmt.Sprintf("linear map cannot cover page %#x", cur))
		}
		switch {
		case e.Empty():
			physical, err := l.p.allocTable()
			if err != nil {
				return fmt.Errorf("allocating page table for linear map at %#x: %w", cur, err)
			}
			pte.Store(makeTablePTE(physical))
		case e.Large():
			if err := l.p.splitLarge(pte, level); err != nil {
				return fmt.Errorf("splitting large page for linear map at %#x: %w", cur, err)
			}
		}
		if err := l.mapLevel(l.p.entries(pte.Load().Address(false)), level-1, cur, vstart, vend); err != nil {
			return err
		}
	}
	return nil
}
