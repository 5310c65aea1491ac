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

// Package mm provides the address space of the kernel: the VMA directory
// recording which ranges are allocated, and the operations that keep it
// consistent with the page tables.
//
// Lock order:
//
//	MemoryManager.mu
//	  tlb.Shootdown.mu
package mm

import (
	"context"
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	// ErrNoSpace is returned when no hole of the requested size is left.
	ErrNoSpace = errors.New("no free address range")

	// ErrInvalid is returned for empty or out of range requests.
	ErrInvalid = errors.New("invalid address range")

	// ErrFault is returned when memory is accessed through an address
	// that is not mapped with the required access.
	ErrFault = errors.New("bad address")
)

// DefaultHint is where searches for a free range start when no hint is
// given.
const DefaultHint hostarch.Addr = 0x200000000000

// PhysicalMemory is the physical page allocator.
type PhysicalMemory interface {
	pagetables.Allocator

	// FreeInitialMemoryRange donates [physical, physical+length) to the
	// allocator.
	FreeInitialMemoryRange(physical, length uintptr)
}

// MMU is the address translation of the running CPU.
type MMU interface {
	// Translate returns the physical address of addr for an access of
	// type at, or false on a fault.
	Translate(ctx context.Context, addr uintptr, at hostarch.AccessType) (uintptr, bool)

	// SetRoot loads root into the active table register of every CPU.
	SetRoot(root uintptr)
}

// MemoryManager is the address space.
type MemoryManager struct {
	// mem is the physical memory. It is immutable.
	mem PhysicalMemory

	// mmu is the CPU view of the address space. It is immutable.
	mmu MMU

	// mu serializes every operation on vmas and pt.
	mu sync.Mutex

	// vmas is the VMA directory.
	vmas vmaSet

	// pt are the page tables.
	pt *pagetables.PageTables
}

// Opts are MemoryManager options.
type Opts struct {
	// Memory provides table pages and backing memory.
	Memory PhysicalMemory

	// MMU is used for CopyIn and CopyOut and to switch page tables.
	MMU MMU

	// Flusher is called after each page table change. It may be nil on a
	// machine without TLBs.
	Flusher pagetables.Flusher
}

// NewMemoryManager returns an empty address space.
func NewMemoryManager(opts Opts) (*MemoryManager, error) {
	pt, err := pagetables.New(opts.Memory, opts.Flusher)
	if err != nil {
		return nil, fmt.Errorf("creating page tables: %w", err)
	}
	return &MemoryManager{
		mem:  opts.Memory,
		mmu:  opts.MMU,
		vmas: newVMASet(),
		pt:   pt,
	}, nil
}

// PageTables returns the page tables of mm.
//
// The returned tables may only be used while no operation of mm runs.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// NumVMAs returns the number of vmas in the directory.
func (mm *MemoryManager) NumVMAs() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.vmas.Len()
}

// VMAs returns the ranges of all vmas, in order.
func (mm *MemoryManager) VMAs() []hostarch.AddrRange {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	ars := make([]hostarch.AddrRange, 0, mm.vmas.Len())
	mm.vmas.forEach(func(v *vma) bool {
		ars = append(ars, v.Range())
		return true
	})
	return ars
}

// pageRange validates and page aligns [addr, addr+size).
func pageRange(addr hostarch.Addr, size uint64) (hostarch.AddrRange, error) {
	if size == 0 {
		return hostarch.AddrRange{}, fmt.Errorf("%w: empty range at %#x", ErrInvalid, addr)
	}
	ar, ok := addr.ToRange(size)
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("%w: [%#x, +%#x) overflows", ErrInvalid, addr, size)
	}
	end, ok := ar.End.RoundUp()
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("%w: [%#x, +%#x) overflows", ErrInvalid, addr, size)
	}
	return hostarch.AddrRange{Start: ar.Start.RoundDown(), End: end}, nil
}
