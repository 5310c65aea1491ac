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

// Package pgalloc contains the simulated physical memory of the machine and
// the page-granular allocator handing it out.
//
// Physical addresses are offsets into a host mapping. All frames start out
// reserved; boot code donates usable ranges with FreeInitialMemoryRange.
package pgalloc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/bits"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sync"
)

// ErrOutOfMemory is returned when no free frame (or no free huge page
// aligned run of frames) is left.
var ErrOutOfMemory = errors.New("out of physical memory")

// pagesPerHugePage is the number of frames backing one huge page.
const pagesPerHugePage = hostarch.HugePageSize / hostarch.PageSize

// PhysicalMemory is an arena of simulated physical memory.
type PhysicalMemory struct {
	// mapping is the host view of the arena. It is immutable until Close.
	mapping []byte

	// mu protects the fields below.
	mu sync.Mutex

	// frames has a bit set for every frame that is reserved or allocated.
	frames bitmap.Bitmap

	// hint is where the next small page search starts.
	hint uint32
}

// Stats is a snapshot of the allocator state.
type Stats struct {
	// Total is the size of the arena in bytes.
	Total uint64

	// Free is the number of allocatable bytes.
	Free uint64

	// Used is the number of reserved or allocated bytes.
	Used uint64
}

// New returns a new arena of size bytes, rounded up to a huge page.
func New(size uint64) (*PhysicalMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("physical memory size must be non-zero")
	}
	size = bits.AlignUp64(size, hostarch.HugePageSize)
	frames := size / hostarch.PageSize
	if frames > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("physical memory size %#x too large", size)
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map physical memory of size %#x: %w", size, err)
	}
	p := &PhysicalMemory{
		mapping: m,
		frames:  bitmap.New(uint32(frames)),
	}
	p.frames.SetRange(0, uint32(frames))
	log.Debugf("Physical memory: %#x bytes at host address %p", size, &m[0])
	return p, nil
}

// Size returns the size of the arena in bytes.
func (p *PhysicalMemory) Size() uintptr {
	return uintptr(len(p.mapping))
}

func (p *PhysicalMemory) checkRange(physical, length uintptr) {
	end := physical + length
	if end < physical || end > uintptr(len(p.mapping)) {
		panic(fmt.Sprintf("physical range [%#x, %#x) outside of memory of size %#x", physical, end, len(p.mapping)))
	}
}

// FreeInitialMemoryRange makes [physical, physical+length) allocatable.
//
// Precondition: physical and length are page aligned.
func (p *PhysicalMemory) FreeInitialMemoryRange(physical, length uintptr) {
	if physical%hostarch.PageSize != 0 || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned initial memory range [%#x, %#x)", physical, physical+length))
	}
	p.checkRange(physical, length)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames.ClearRange(uint32(physical/hostarch.PageSize), uint32((physical+length)/hostarch.PageSize))
}

// AllocPage allocates one small page. Its contents are undefined.
func (p *PhysicalMemory) AllocPage() (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame, err := p.frames.FirstZero(p.hint)
	if err != nil && p.hint != 0 {
		frame, err = p.frames.FirstZero(0)
	}
	if err != nil {
		return 0, ErrOutOfMemory
	}
	p.frames.Add(frame)
	p.hint = frame + 1
	if int(p.hint) >= p.frames.Size() {
		p.hint = 0
	}
	return uintptr(frame) * hostarch.PageSize, nil
}

// FreePage returns a page obtained from AllocPage, or one small piece of a
// huge page obtained from AllocHugePage.
func (p *PhysicalMemory) FreePage(physical uintptr) {
	if physical%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("FreePage(%#x): unaligned", physical))
	}
	p.checkRange(physical, hostarch.PageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	frame := uint32(physical / hostarch.PageSize)
	if !p.frames.IsSet(frame) {
		panic(fmt.Sprintf("FreePage(%#x): page is not allocated", physical))
	}
	p.frames.Remove(frame)
}

// AllocHugePage allocates one huge page aligned to its size. Its contents are
// undefined.
func (p *PhysicalMemory) AllocHugePage() (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame, err := p.frames.FirstZeroRun(pagesPerHugePage)
	if err != nil {
		return 0, ErrOutOfMemory
	}
	p.frames.SetRange(frame, frame+pagesPerHugePage)
	return uintptr(frame) * hostarch.PageSize, nil
}

// FreeHugePage returns a huge page obtained from AllocHugePage. The host
// memory behind it is released.
//
// Every frame of the page must still be allocated.
func (p *PhysicalMemory) FreeHugePage(physical uintptr) {
	if physical%hostarch.HugePageSize != 0 {
		panic(fmt.Sprintf("FreeHugePage(%#x): unaligned", physical))
	}
	p.checkRange(physical, hostarch.HugePageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	frame := uint32(physical / hostarch.PageSize)
	if !p.frames.IsRangeSet(frame, frame+pagesPerHugePage) {
		panic(fmt.Sprintf("FreeHugePage(%#x): page is not allocated", physical))
	}
	if err := unix.Madvise(p.mapping[physical:physical+hostarch.HugePageSize], unix.MADV_DONTNEED); err != nil {
		log.Warningf("madvise(DONTNEED) of huge page %#x failed: %v", physical, err)
	}
	p.frames.ClearRange(frame, frame+pagesPerHugePage)
}

// Bytes returns the host view of [physical, physical+length).
func (p *PhysicalMemory) Bytes(physical, length uintptr) []byte {
	p.checkRange(physical, length)
	return p.mapping[physical : physical+length : physical+length]
}

// Stats returns a snapshot of allocator usage.
func (p *PhysicalMemory) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := uint64(p.frames.GetNumOnes()) * hostarch.PageSize
	total := uint64(len(p.mapping))
	return Stats{
		Total: total,
		Free:  total - used,
		Used:  used,
	}
}

// Close releases the arena. No method may be called after Close.
func (p *PhysicalMemory) Close() error {
	if p.mapping == nil {
		return nil
	}
	err := unix.Munmap(p.mapping)
	p.mapping = nil
	return err
}
