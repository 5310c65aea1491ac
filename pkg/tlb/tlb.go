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

// Package tlb keeps the translation caches of every CPU consistent with the
// page tables.
//
// A flush invalidates the local cache, then interrupts every other CPU and
// waits until all of them have invalidated theirs. Interrupt handlers only
// use atomics.
package tlb

import (
	"context"

	"gvisor.dev/vmcore/pkg/atomicbitops"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sync"
)

// Interrupter is the multiprocessor as seen by the shoot-down protocol.
type Interrupter interface {
	// NumCPUs returns the number of online CPUs.
	NumCPUs() int

	// Current returns the CPU the caller runs on.
	Current(ctx context.Context) int

	// FlushLocal invalidates the translation cache of cpu. It is called on
	// cpu itself.
	FlushLocal(cpu int)

	// SendAllButSelf interrupts every CPU except self. Each interrupted
	// CPU runs fn with its own number in interrupt context. It does not
	// wait for the handlers to run.
	SendAllButSelf(self int, fn func(cpu int))
}

var (
	flushes    = metric.MustCreateNewUint64Metric("/tlb/flushes", "Number of TLB flushes requested.")
	shootdowns = metric.MustCreateNewUint64Metric("/tlb/shootdowns", "Number of TLB flushes that interrupted other CPUs.")
)

// Shootdown coordinates TLB flushes across CPUs. It implements
// pagetables.Flusher.
type Shootdown struct {
	cpus Interrupter

	// mu serializes shoot-downs. Only one waiter exists at a time.
	mu sync.Mutex

	// pending is the number of CPUs that have not yet acknowledged the
	// current shoot-down.
	pending atomicbitops.Int32

	// done is signalled by the CPU that acknowledges last.
	done chan struct{}
}

// NewShootdown returns a Shootdown for the given CPUs.
func NewShootdown(cpus Interrupter) *Shootdown {
	return &Shootdown{
		cpus: cpus,
		done: make(chan struct{}, 1),
	}
}

// Flush implements pagetables.Flusher.Flush.
//
// Flush must not be called from interrupt context.
func (s *Shootdown) Flush(ctx context.Context) {
	flushes.Increment()
	self := s.cpus.Current(ctx)
	s.cpus.FlushLocal(self)
	n := s.cpus.NumCPUs()
	if n <= 1 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shootdowns.Increment()
	s.pending.Store(int32(n - 1))
	s.cpus.SendAllButSelf(self, s.handle)
	<-s.done
}

// handle is the remote half of Flush.
func (s *Shootdown) handle(cpu int) {
	s.cpus.FlushLocal(cpu)
	if s.pending.Add(-1) == 0 {
		s.done <- struct{}{}
	}
}
