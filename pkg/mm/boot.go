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
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// PhysMemBase is where all of physical memory is linearly mapped.
const PhysMemBase hostarch.Addr = 0xffffc00000000000

// VirtToPhys returns the physical address behind addr in the linear map of
// physical memory.
func VirtToPhys(addr hostarch.Addr) uintptr {
	if addr < PhysMemBase {
		panic(fmt.Sprintf("address %#x is not in the physical memory map", addr))
	}
	return uintptr(addr - PhysMemBase)
}

// PhysToVirt returns the address of physical in the linear map of physical
// memory.
func PhysToVirt(physical uintptr) hostarch.Addr {
	return PhysMemBase + hostarch.Addr(physical)
}

// LinearMap maps [virt, virt+size) to [physical, physical+size) with full
// access, using pages no larger than slop. It is used at boot, before any
// other mapping exists.
func (mm *MemoryManager) LinearMap(ctx context.Context, virt hostarch.Addr, physical, size, slop uintptr) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if err := mm.pt.LinearMap(ctx, uintptr(virt), physical, size, slop); err != nil {
		return err
	}
	log.Infof("Linear map [%#x, %#x) -> %#x", virt, virt+hostarch.Addr(size), physical)
	return nil
}

// SwitchToRuntimePageTable makes the page tables of mm live on every CPU.
func (mm *MemoryManager) SwitchToRuntimePageTable(ctx context.Context) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.mmu.SetRoot(mm.pt.Root())
	log.Infof("Switched to runtime page table at %#x", mm.pt.Root())
}

// FreeInitialMemoryRange hands the physical range [addr, addr+size) to mem.
// Partial pages at either end are dropped, as is the page at physical
// address 0. It is called at boot, before the first MemoryManager is
// created.
func FreeInitialMemoryRange(mem PhysicalMemory, addr, size uintptr) {
	end := hostarch.PageRoundDown(uint64(addr) + uint64(size))
	start, ok := hostarch.PageRoundUp(uint64(addr))
	if !ok {
		return
	}
	if start == 0 {
		start = hostarch.PageSize
	}
	if start >= end {
		return
	}
	mem.FreeInitialMemoryRange(uintptr(start), uintptr(end-start))
	log.Debugf("Freed initial memory [%#x, %#x)", start, end)
}

// SetPageSizes sets the number of page sizes LinearMap may use: 1 (4K),
// 2 (2M) or 3 (1G).
func (mm *MemoryManager) SetPageSizes(n int) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.pt.SetPageSizes(n)
}
