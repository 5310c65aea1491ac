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
	"time"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// Filler initializes the contents of freshly allocated memory. dst is the
// host view of one small page and offset is the page's offset from the start
// of the populated range.
type Filler func(dst []byte, offset uintptr) error

// ZeroFill is the Filler for anonymous memory.
func ZeroFill(dst []byte, _ uintptr) error {
	clear(dst)
	return nil
}

// Populate backs every page of [start, start+size) with newly allocated and
// filled memory mapped with access at. The huge page aligned part of the
// range is backed by huge pages where available.
//
// If allocation or filling fails, the pages installed by this call are
// unpopulated again and the error is returned.
//
// Precondition: no page of the range is populated.
func (p *PageTables) Populate(ctx context.Context, start, size uintptr, at hostarch.AccessType, fill Filler) error {
	mem := p.Allocator
	s := &strategy{
		allocate: true,
		smallPage: func(pte *PTE, offset uintptr) error {
			if e := pte.Load(); !e.Empty() {
				panic(fmt.Sprintf("populating present entry %v at offset %#x", e, offset))
			}
			page, err := mem.AllocPage()
			if err != nil {
				return err
			}
			if err := fill(mem.Bytes(page, hostarch.PageSize), offset); err != nil {
				mem.FreePage(page)
				return err
			}
			pte.Store(MakePTE(page, false, at))
			pagesPopulated.Increment()
			return nil
		},
		hugePage: func(pte *PTE, offset uintptr) error {
			e := pte.Load()
			if !e.Empty() && e.Large() {
				panic(fmt.Sprintf("populating present entry %v at offset %#x", e, offset))
			}
			page, err := mem.AllocHugePage()
			if err != nil {
				return errUseSmallPages
			}
			for i := uintptr(0); i < hostarch.HugePageSize; i += hostarch.PageSize {
				if err := fill(mem.Bytes(page+i, hostarch.PageSize), offset+i); err != nil {
					mem.FreeHugePage(page)
					return err
				}
			}
			if !e.Empty() {
				// A table left behind by an earlier operation
				// on this range. It must hold nothing.
				p.freeTable(pte)
			}
			pte.Store(MakePTE(page, true, at))
			hugePagesPopulated.Increment()
			return nil
		},
	}
	failed, err := p.operate(ctx, start, size, s)
	if err == nil {
		return nil
	}
	// The failed page holds nothing, but unpopulating it also frees
	// tables allocated for it. The range only holds entries installed
	// above, so no large entry needs splitting.
	start = uintptr(hostarch.Addr(start).RoundDown())
	err = fmt.Errorf("populating [%#x, %#x): %w", start, start+size, err)
	if uerr := p.Unpopulate(ctx, start, failed+hostarch.PageSize-start); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return err
}

// Unpopulate frees the memory behind every page of [start, start+size) and
// clears the entries. Tables left empty are freed.
//
// Unpopulating part of a large entry splits it, which needs a table page. If
// that allocation fails, Unpopulate stops and returns the error. Pages before
// the failed one are unpopulated and the rest of the range is untouched, so
// the call may be repeated once memory is available.
func (p *PageTables) Unpopulate(ctx context.Context, start, size uintptr) error {
	mem := p.Allocator
	freeSmall := func(pte *PTE) {
		if e := pte.Load(); !e.Empty() {
			pte.Store(0)
			mem.FreePage(e.Address(false))
			pagesUnpopulated.Increment()
		}
	}
	s := &strategy{
		prune: true,
		smallPage: func(pte *PTE, _ uintptr) error {
			freeSmall(pte)
			return nil
		},
		hugePage: func(pte *PTE, _ uintptr) error {
			e := pte.Load()
			switch {
			case e.Empty():
			case e.Large():
				pte.Store(0)
				mem.FreeHugePage(e.Address(true))
				pagesUnpopulated.IncrementBy(hostarch.HugePageSize / hostarch.PageSize)
			default:
				// A huge page region that was split.
				children := p.entries(e.Address(false))
				for i := range children {
					freeSmall(&children[i])
				}
				p.freeTable(pte)
			}
			return nil
		},
	}
	if _, err := p.operate(ctx, start, size, s); err != nil {
		return fmt.Errorf("unpopulating [%#x, +%#x): %w", start, size, err)
	}
	return nil
}

// Protect changes the access of every page of [start, start+size) to at.
//
// It returns false if some page of the range is not populated, or lies in a
// large entry that could not be split for lack of memory. The other pages are
// changed regardless.
func (p *PageTables) Protect(ctx context.Context, start, size uintptr, at hostarch.AccessType) bool {
	success := true
	change := func(pte *PTE) {
		e := pte.Load()
		if e.Empty() {
			success = false
			return
		}
		e.ChangePerm(at)
		pte.Store(e)
	}
	s := &strategy{
		missing:     func() { success = false },
		splitFailed: func() { success = false },
		smallPage: func(pte *PTE, _ uintptr) error {
			change(pte)
			return nil
		},
		hugePage: func(pte *PTE, _ uintptr) error {
			e := pte.Load()
			if e.Empty() || e.Large() {
				change(pte)
				return nil
			}
			children := p.entries(e.Address(false))
			for i := range children {
				change(&children[i])
			}
			return nil
		},
	}
	if _, err := p.operate(ctx, start, size, s); err != nil {
		panic(fmt.Sprintf("protection walk failed: %v", err))
	}
	if !success {
		protectFailures.Increment()
		protectLog.Warningf("Protect([%#x, +%#x), %v): range is not fully populated", start, size, at)
	}
	return success
}

// protectLog limits warnings about partial protection changes.
var protectLog = log.BasicRateLimitedLogger(time.Second)
