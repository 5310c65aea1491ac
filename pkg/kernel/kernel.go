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

// Package kernel brings up the memory subsystem of the machine.
package kernel

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/machine"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/pkg/pgalloc"
	"gvisor.dev/vmcore/pkg/tlb"
)

// KernelBase is where the kernel image is mapped.
const KernelBase hostarch.Addr = 0xffffffff80000000

// Opts configures Boot.
type Opts struct {
	// CPUs is the number of vCPUs.
	CPUs int

	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64

	// Reserved is the size of the kernel image at the start of physical
	// memory. It is mapped at KernelBase and never allocated.
	Reserved uint64

	// PageSizes is the number of page sizes the linear maps may use. Zero
	// means the page table default.
	PageSizes int
}

// Region is one linear mapping established at boot.
type Region struct {
	Name     string
	Virtual  hostarch.Addr
	Physical uintptr
	Size     uintptr
}

// Kernel is a booted machine.
type Kernel struct {
	// Memory is the physical memory.
	Memory *pgalloc.PhysicalMemory

	// Machine runs the vCPUs.
	Machine *machine.Machine

	// MemoryManager is the address space shared by all CPUs.
	MemoryManager *mm.MemoryManager

	// Layout lists the linear mappings, in the order they were made.
	Layout []Region
}

// Boot creates physical memory and vCPUs, maps physical memory and the kernel
// image, and switches every vCPU to the resulting page tables.
func Boot(ctx context.Context, opts Opts) (*Kernel, error) {
	if opts.Reserved > opts.MemorySize {
		return nil, fmt.Errorf("reserved memory %#x exceeds memory size %#x", opts.Reserved, opts.MemorySize)
	}
	mem, err := pgalloc.New(opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := mem.Close(); err != nil {
			log.Warningf("Closing physical memory: %v", err)
		}
	})
	defer cu.Clean()

	reserved, ok := hostarch.PageRoundUp(opts.Reserved)
	if !ok {
		return nil, fmt.Errorf("reserved memory %#x overflows", opts.Reserved)
	}
	mm.FreeInitialMemoryRange(mem, uintptr(reserved), mem.Size()-uintptr(reserved))

	m, err := machine.New(mem, opts.CPUs)
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	cu.Add(m.Destroy)
	as, err := mm.NewMemoryManager(mm.Opts{
		Memory:  mem,
		MMU:     m,
		Flusher: tlb.NewShootdown(m),
	})
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}
	if opts.PageSizes != 0 {
		as.SetPageSizes(opts.PageSizes)
	}

	k := &Kernel{
		Memory:        mem,
		Machine:       m,
		MemoryManager: as,
	}
	regions := []struct {
		Region
		slop uintptr
	}{
		{Region{Name: "physical memory", Virtual: mm.PhysMemBase, Size: mem.Size()}, hostarch.SuperPageSize},
		{Region{Name: "kernel image", Virtual: KernelBase, Size: uintptr(reserved)}, hostarch.HugePageSize},
	}
	for _, r := range regions {
		if r.Size == 0 {
			continue
		}
		if err := as.LinearMap(ctx, r.Virtual, r.Physical, r.Size, r.slop); err != nil {
			return nil, fmt.Errorf("mapping %s: %w", r.Name, err)
		}
		k.Layout = append(k.Layout, r.Region)
	}
	as.SwitchToRuntimePageTable(ctx)
	cu.Release()

	stats := mem.Stats()
	log.Infof("Booted %d vCPUs with %#x bytes of memory, %#x free", opts.CPUs, stats.Total, stats.Free)
	return k, nil
}

// Destroy stops the vCPUs and releases physical memory.
func (k *Kernel) Destroy() error {
	k.Machine.Destroy()
	return k.Memory.Close()
}
