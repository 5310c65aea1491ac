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

package tlb

import (
	"context"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/atomicbitops"
)

type cpuKey struct{}

// fakeCPUs services interrupts on one goroutine per CPU and counts local
// flushes per CPU.
type fakeCPUs struct {
	ipis  []chan func(int)
	gens  []atomicbitops.Uint64
	stop  chan struct{}
	group errgroup.Group
}

func newFakeCPUs(n int) *fakeCPUs {
	f := &fakeCPUs{
		ipis: make([]chan func(int), n),
		gens: make([]atomicbitops.Uint64, n),
		stop: make(chan struct{}),
	}
	for i := range f.ipis {
		f.ipis[i] = make(chan func(int), 1)
		cpu := i
		f.group.Go(func() error {
			for {
				select {
				case fn := <-f.ipis[cpu]:
					fn(cpu)
				case <-f.stop:
					return nil
				}
			}
		})
	}
	return f
}

func (f *fakeCPUs) close() {
	close(f.stop)
	f.group.Wait()
}

func (f *fakeCPUs) NumCPUs() int { return len(f.ipis) }

func (f *fakeCPUs) Current(ctx context.Context) int {
	if cpu, ok := ctx.Value(cpuKey{}).(int); ok {
		return cpu
	}
	return 0
}

func (f *fakeCPUs) FlushLocal(cpu int) { f.gens[cpu].Add(1) }

func (f *fakeCPUs) SendAllButSelf(self int, fn func(int)) {
	for i, ipi := range f.ipis {
		if i != self {
			ipi <- fn
		}
	}
}

func (f *fakeCPUs) generations() []uint64 {
	gens := make([]uint64, len(f.gens))
	for i := range f.gens {
		gens[i] = f.gens[i].Load()
	}
	return gens
}

func TestFlushSingleCPU(t *testing.T) {
	f := newFakeCPUs(1)
	defer f.close()
	s := NewShootdown(f)
	before := shootdowns.Value()
	s.Flush(context.Background())
	if got := f.gens[0].Load(); got != 1 {
		t.Errorf("local flushes = %d, want 1", got)
	}
	if got := shootdowns.Value(); got != before {
		t.Errorf("single CPU flush interrupted other CPUs")
	}
}

func TestFlushReachesEveryCPU(t *testing.T) {
	for _, n := range []int{2, 4, 8} {
		f := newFakeCPUs(n)
		s := NewShootdown(f)
		ctx := context.WithValue(context.Background(), cpuKey{}, n-1)
		for round := 1; round <= 3; round++ {
			s.Flush(ctx)
			// Flush returns only after every CPU flushed.
			for cpu, gen := range f.generations() {
				if gen != uint64(round) {
					t.Errorf("%d CPUs, round %d: CPU %d generation = %d, want %d", n, round, cpu, gen, round)
				}
			}
		}
		f.close()
	}
}

func TestConcurrentFlushes(t *testing.T) {
	const (
		n      = 4
		rounds = 50
	)
	f := newFakeCPUs(n)
	defer f.close()
	s := NewShootdown(f)

	var g errgroup.Group
	for cpu := 0; cpu < n; cpu++ {
		ctx := context.WithValue(context.Background(), cpuKey{}, cpu)
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				s.Flush(ctx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("flushes failed: %v", err)
	}
	// Every flush counts once on every CPU.
	for cpu, gen := range f.generations() {
		if want := uint64(n * rounds); gen != want {
			t.Errorf("CPU %d generation = %d, want %d", cpu, gen, want)
		}
	}
}
