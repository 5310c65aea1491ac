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
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// errUseSmallPages is returned by a huge page action that could not act at
// huge granularity. The walker then maps the huge region with a table of
// small pages instead.
var errUseSmallPages = errors.New("huge page unavailable")

// strategy is one range operation. The walk is a pure function of the
// tables, the range and the strategy.
type strategy struct {
	// smallPage and hugePage are applied to the target entry of every
	// page, with the offset of the page from the start of the range.
	smallPage func(pte *PTE, offset uintptr) error
	hugePage  func(pte *PTE, offset uintptr) error

	// allocate allows intermediate tables to be created on empty entries.
	allocate bool

	// missing, if set, is called for every empty intermediate entry that
	// was not allocated. The pages below it are skipped.
	missing func()

	// splitFailed, if set, is called for every large entry that could not
	// be split. The pages below it are skipped instead of failing the walk.
	splitFailed func()

	// prune frees intermediate tables that are empty after the walk.
	prune bool
}

// addrEnd returns the next boundary of size after addr, or end if that comes
// first.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// operate applies s to every page of [start, start+size).
//
// The range is rounded out to small pages and split into a small page
// prologue, a huge page aligned middle and a small page epilogue. One flush
// is issued at the end, whether or not the walk succeeded.
//
// If an action fails, the walk stops and the error is returned together with
// the address of the page that failed.
func (p *PageTables) operate(ctx context.Context, start, size uintptr, s *strategy) (uintptr, error) {
	defer p.flush(ctx)

	end := start + size
	if end < start {
		panic(fmt.Sprintf("range [%#x, +%#x) overflows", start, size))
	}
	start = uintptr(hostarch.Addr(start).RoundDown())
	roundedEnd, ok := hostarch.Addr(end).RoundUp()
	if !ok {
		panic(fmt.Sprintf("range end %#x overflows", end))
	}
	end = uintptr(roundedEnd)

	hugeStart, ok := hostarch.Addr(start).HugeRoundUp()
	hpStart := uintptr(hugeStart)
	hpEnd := uintptr(hostarch.Addr(end).HugeRoundDown())
	if !ok || hpStart > end {
		hpStart = end
	}
	if hpEnd < start {
		hpEnd = end
	}
	if hpEnd < hpStart {
		hpEnd = hpStart
	}

	w := walk{p: p, s: s, base: start}
	for _, r := range []struct {
		start, end uintptr
		stopAt     int
	}{
		{start, hpStart, 0},
		{hpStart, hpEnd, 1},
		{hpEnd, end, 0},
	} {
		if r.start >= r.end {
			continue
		}
		if err := w.walkLevel(p.entries(p.root), topLevel, r.start, r.end, r.stopAt); err != nil {
			return w.failed, err
		}
	}
	return end, nil
}

// walk is the state of one operate call.
type walk struct {
	p *PageTables
	s *strategy

	// base is the start of the operated range; offsets are relative to it.
	base uintptr

	// failed is the address of the page whose action failed.
	failed uintptr
}

// walkLevel visits the entries of table, which is at level, for the range
// [start, end). Entries at stopAt are handed to the strategy.
func (w *walk) walkLevel(table *PTEs, level int, start, end uintptr, stopAt int) error {
	size := levelSize(level)
	for start < end {
		pte := &table[index(start, level)]
		next := addrEnd(start, end, size)

		if level == stopAt {
			if err := w.leaf(pte, level, start); err != nil {
				return err
			}
			start = next
			continue
		}

		e := pte.Load()
		switch {
		case e.Empty():
			if !w.s.allocate {
				if w.s.missing != nil {
					w.s.missing()
				}
				start = next
				continue
			}
			physical, err := w.p.allocTable()
			if err != nil {
				w.failed = start
				return fmt.Errorf("allocating page table at level %d for %#x: %w", level-1, start, err)
			}
			pte.Store(makeTablePTE(physical))
		case e.Large():
			if err := w.p.splitLarge(pte, level); err != nil {
				if w.s.splitFailed != nil {
					w.s.splitFailed()
					start = next
					continue
				}
				w.failed = start
				return fmt.Errorf("splitting large page at %#x: %w", start, err)
			}
		}

		child := w.p.entries(pte.Load().Address(false))
		if err := w.walkLevel(child, level-1, start, next, stopAt); err != nil {
			return err
		}
		if w.s.prune && w.p.tableEmpty(pte.Load().Address(false)) {
			w.p.freeTable(pte)
		}
		start = next
	}
	return nil
}

// leaf applies the strategy to the target entry pte, mapping the page at
// addr.
func (w *walk) leaf(pte *PTE, level int, addr uintptr) error {
	offset := addr - w.base
	if level == 0 {
		if err := w.s.smallPage(pte, offset); err != nil {
			w.failed = addr
			return err
		}
		return nil
	}
	err := w.s.hugePage(pte, offset)
	if !errors.Is(err, errUseSmallPages) {
		if err != nil {
			w.failed = addr
		}
		return err
	}

	// Fall back to a table of small pages for this huge page.
	if pte.Load().Empty() {
		physical, err := w.p.allocTable()
		if err != nil {
			w.failed = addr
			return fmt.Errorf("allocating page table for %#x: %w", addr, err)
		}
		pte.Store(makeTablePTE(physical))
	}
	child := w.p.entries(pte.Load().Address(false))
	return w.walkLevel(child, level-1, addr, addr+levelSize(level), 0)
}

// splitLarge replaces the large entry pte at level with a table of entries
// one level down mapping the same memory with the same permissions. Below
// the huge page level the children are small pages.
func (p *PageTables) splitLarge(pte *PTE, level int) error {
	e := pte.Load()
	physical, err := p.allocTable()
	if err != nil {
		return err
	}
	childLarge := level > 1
	base := e.Address(true)
	childSize := levelSize(level - 1)
	children := p.entries(physical)
	for i := range children {
		c := e
		c.SetLarge(childLarge)
		c.SetAddress(base+uintptr(i)*childSize, childLarge)
		children[i].Store(c)
	}
	pte.Store(makeTablePTE(physical))
	hugePagesSplit.Increment()
	return nil
}
