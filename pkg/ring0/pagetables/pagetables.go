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

// Package pagetables provides a four-level x86-64 page table kept in
// simulated physical memory, and the range operations that edit it.
//
// The tables are not synchronized: callers serialize every mutating call.
// Entries are written atomically so that hardware walkers (see Walk) may read
// them at any time.
package pagetables

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
)

// Table geometry.
const (
	entriesPerPage = hostarch.EntriesPerTable

	// levels is the depth of the hierarchy. Level 0 holds small page
	// entries, level 3 is the root table.
	levels   = 4
	topLevel = levels - 1

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// levelShift returns the shift of the range mapped by one entry at level.
func levelShift(level int) uint {
	return pteShift + 9*uint(level)
}

// levelSize returns the size of the range mapped by one entry at level.
func levelSize(level int) uintptr {
	return 1 << levelShift(level)
}

// index returns the entry index of addr at level.
func index(addr uintptr, level int) int {
	return int((addr >> levelShift(level)) & (entriesPerPage - 1))
}

// Memory is the host view of physical memory.
type Memory interface {
	// Bytes returns the host view of [physical, physical+length).
	Bytes(physical, length uintptr) []byte
}

// Allocator provides physical memory to the page tables: frames for table
// pages and backing memory for leaves.
type Allocator interface {
	Memory

	// AllocPage allocates a small page. Contents are undefined.
	AllocPage() (uintptr, error)

	// FreePage frees a small page, or one small piece of a huge page.
	FreePage(physical uintptr)

	// AllocHugePage allocates a huge page aligned to its size. Contents
	// are undefined.
	AllocHugePage() (uintptr, error)

	// FreeHugePage frees a huge page.
	FreeHugePage(physical uintptr)
}

// Flusher invalidates stale translations on every CPU.
type Flusher interface {
	// Flush returns once no CPU can translate through an entry changed
	// before the call.
	Flush(ctx context.Context)
}

// Metrics.
var (
	pagesPopulated     = metric.MustCreateNewUint64Metric("/mm/pages_populated", "Number of small pages installed.")
	hugePagesPopulated = metric.MustCreateNewUint64Metric("/mm/huge_pages_populated", "Number of huge pages installed.")
	pagesUnpopulated   = metric.MustCreateNewUint64Metric("/mm/pages_unpopulated", "Number of small pages freed, counting a huge page as 512.")
	hugePagesSplit     = metric.MustCreateNewUint64Metric("/mm/huge_pages_split", "Number of large entries split into a table of finer entries.")
	tablesFreed        = metric.MustCreateNewUint64Metric("/mm/tables_freed", "Number of page table pages freed after becoming empty.")
	protectFailures    = metric.MustCreateNewUint64Metric("/mm/protect_failures", "Number of protection changes that found unmapped pages.")
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate tables and leaf memory.
	Allocator Allocator

	// flusher is used after every range operation. It may be nil, in
	// which case nothing is flushed.
	flusher Flusher

	// root is the physical address of the top-level table.
	root uintptr

	// nrPageSizes is the number of page sizes the linear map may use:
	// 1 (4K), 2 (plus 2M) or 3 (plus 1G).
	nrPageSizes int

	// tables is the number of table pages currently allocated, the root
	// included.
	tables int
}

// New returns new PageTables with an empty root table.
func New(a Allocator, f Flusher) (*PageTables, error) {
	p := &PageTables{
		Allocator:   a,
		flusher:     f,
		nrPageSizes: 2,
	}
	root, err := p.allocTable()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	p.root = root
	return p, nil
}

// SetFlusher replaces the flusher.
func (p *PageTables) SetFlusher(f Flusher) {
	p.flusher = f
}

// Root returns the physical address of the top-level table, the value loaded
// into a CPU's active table register.
func (p *PageTables) Root() uintptr {
	return p.root
}

// SetPageSizes sets the number of page sizes available to LinearMap.
func (p *PageTables) SetPageSizes(n int) {
	if n < 1 || n > levels-1 {
		panic(fmt.Sprintf("unsupported number of page sizes %d", n))
	}
	p.nrPageSizes = n
}

// PageSizes returns the number of page sizes available to LinearMap.
func (p *PageTables) PageSizes() int {
	return p.nrPageSizes
}

// Tables returns the number of table pages currently allocated.
func (p *PageTables) Tables() int {
	return p.tables
}

// flush flushes the TLBs if a flusher is set.
func (p *PageTables) flush(ctx context.Context) {
	if p.flusher != nil {
		p.flusher.Flush(ctx)
	}
}

// entries returns the table at physical.
func (p *PageTables) entries(physical uintptr) *PTEs {
	return tableFromBytes(p.Allocator.Bytes(physical, hostarch.PageSize))
}

// allocTable allocates a zeroed table page.
func (p *PageTables) allocTable() (uintptr, error) {
	physical, err := p.Allocator.AllocPage()
	if err != nil {
		return 0, err
	}
	clear(p.Allocator.Bytes(physical, hostarch.PageSize))
	p.tables++
	return physical, nil
}

// freeTable frees the table referenced by the intermediate entry pte and
// clears the entry.
//
// Precondition: every slot in the table is empty.
func (p *PageTables) freeTable(pte *PTE) {
	e := pte.Load()
	physical := e.Address(false)
	if !p.tableEmpty(physical) {
		panic(fmt.Sprintf("freeing non-empty table at %#x", physical))
	}
	pte.Store(0)
	p.Allocator.FreePage(physical)
	p.tables--
	tablesFreed.Increment()
}

// tableEmpty returns true iff every entry of the table at physical is empty.
func (p *PageTables) tableEmpty(physical uintptr) bool {
	entries := p.entries(physical)
	for i := range entries {
		if !entries[i].Load().Empty() {
			return false
		}
	}
	return true
}
