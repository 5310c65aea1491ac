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

// Package machine simulates the processors of the machine: each vCPU has an
// active page table register, a translation cache and an interrupt line.
//
// vCPUs translate addresses through the page tables the way the MMU does and
// cache the results until they are flushed.
package machine

import (
	"context"
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/atomicbitops"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sync"
)

// maxVCPUs is the largest supported number of vCPUs.
const maxVCPUs = 64

// ipiQueueLen is the number of interrupts a vCPU may have outstanding.
const ipiQueueLen = 16

var errBadVCPUs = errors.New("invalid number of vCPUs")

var (
	interrupts = metric.MustCreateNewUint64Metric("/machine/interrupts", "Number of inter-processor interrupts serviced.")
	tlbMisses  = metric.MustCreateNewUint64Metric("/machine/tlb_misses", "Number of translations that walked the page tables.")
)

// Machine is a set of vCPUs sharing one physical memory.
type Machine struct {
	// mem is the physical memory walked by the MMUs.
	mem pagetables.Memory

	// vCPUs are the machine vCPUs, indexed by id.
	vCPUs []*vCPU

	// stop is closed by Destroy.
	stop chan struct{}

	// running tracks the interrupt loops.
	running sync.WaitGroup
}

// vCPU is a single virtual CPU.
type vCPU struct {
	// id is the vCPU id.
	id int

	// machine associated with this vCPU.
	machine *Machine

	// cr3 is the physical address of the active root table. Zero means
	// paging is not set up and every translation fails.
	cr3 atomicbitops.Uint64

	// ipi carries interrupt handlers to the vCPU.
	ipi chan func(cpu int)

	// generation counts local TLB flushes.
	generation atomicbitops.Uint64

	// mu protects tlb.
	mu sync.Mutex

	// tlb caches translations by virtual page.
	tlb map[uintptr]tlbEntry
}

// New returns a new machine with n vCPUs. The interrupt loops run until
// Destroy.
func New(mem pagetables.Memory, n int) (*Machine, error) {
	if n < 1 || n > maxVCPUs {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", errBadVCPUs, n, maxVCPUs)
	}
	m := &Machine{
		mem:   mem,
		vCPUs: make([]*vCPU, n),
		stop:  make(chan struct{}),
	}
	for id := range m.vCPUs {
		c := &vCPU{
			id:      id,
			machine: m,
			ipi:     make(chan func(int), ipiQueueLen),
			tlb:     make(map[uintptr]tlbEntry),
		}
		m.vCPUs[id] = c
		m.running.Add(1)
		go c.run()
	}
	log.Debugf("Machine created with %d vCPUs", n)
	return m, nil
}

// run services interrupts until the machine is destroyed.
func (c *vCPU) run() {
	defer c.machine.running.Done()
	for {
		select {
		case fn := <-c.ipi:
			interrupts.Increment()
			fn(c.id)
		case <-c.machine.stop:
			return
		}
	}
}

// Destroy stops every vCPU.
//
// Precondition: no interrupt is in flight.
func (m *Machine) Destroy() {
	close(m.stop)
	m.running.Wait()
}

// cpu returns the vCPU with the given id.
func (m *Machine) cpu(id int) *vCPU {
	if id < 0 || id >= len(m.vCPUs) {
		panic(fmt.Sprintf("vCPU %d out of range [0, %d)", id, len(m.vCPUs)))
	}
	return m.vCPUs[id]
}

// NumCPUs implements tlb.Interrupter.NumCPUs.
func (m *Machine) NumCPUs() int {
	return len(m.vCPUs)
}

// Current implements tlb.Interrupter.Current.
func (m *Machine) Current(ctx context.Context) int {
	return m.cpu(CPUFromContext(ctx)).id
}

// FlushLocal implements tlb.Interrupter.FlushLocal.
func (m *Machine) FlushLocal(cpu int) {
	m.cpu(cpu).flush()
}

// SendAllButSelf implements tlb.Interrupter.SendAllButSelf.
func (m *Machine) SendAllButSelf(self int, fn func(cpu int)) {
	for _, c := range m.vCPUs {
		if c.id != self {
			c.ipi <- fn
		}
	}
}

// SetRoot loads root into the active table register of every vCPU. Loading
// the register flushes the vCPU's TLB.
func (m *Machine) SetRoot(root uintptr) {
	for _, c := range m.vCPUs {
		c.cr3.Store(uint64(root))
		c.flush()
	}
}

// Root returns the active root table of cpu.
func (m *Machine) Root(cpu int) uintptr {
	return uintptr(m.cpu(cpu).cr3.Load())
}

// Generation returns the number of TLB flushes cpu has performed.
func (m *Machine) Generation(cpu int) uint64 {
	return m.cpu(cpu).generation.Load()
}

// CachedTranslations returns the number of TLB entries held by cpu.
func (m *Machine) CachedTranslations(cpu int) int {
	c := m.cpu(cpu)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tlb)
}
