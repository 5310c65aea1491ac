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

package machine

import (
	"context"
	"testing"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pgalloc"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/tlb"
)

const testAddr = 0x400000000

// newTestMachine returns a machine of n vCPUs running on fresh page tables
// that flush through a shoot-down.
func newTestMachine(t *testing.T, n int) (*Machine, *pagetables.PageTables) {
	t.Helper()
	mem, err := pgalloc.New(16 << 20)
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	// Frame 0 stays reserved: a zero root disables paging.
	mem.FreeInitialMemoryRange(hostarch.PageSize, mem.Size()-hostarch.PageSize)
	m, err := New(mem, n)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Destroy)
	p, err := pagetables.New(mem, tlb.NewShootdown(m))
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	m.SetRoot(p.Root())
	return m, p
}

func TestNewRejectsBadCount(t *testing.T) {
	for _, n := range []int{0, -1, maxVCPUs + 1} {
		if _, err := New(nil, n); err == nil {
			t.Errorf("New(%d) succeeded", n)
		}
	}
}

func TestCPUFromContext(t *testing.T) {
	ctx := context.Background()
	if got := CPUFromContext(ctx); got != 0 {
		t.Errorf("CPUFromContext(unbound) = %d, want 0", got)
	}
	if got := CPUFromContext(WithCPU(ctx, 3)); got != 3 {
		t.Errorf("CPUFromContext(WithCPU(3)) = %d, want 3", got)
	}
}

func TestTranslate(t *testing.T) {
	m, p := newTestMachine(t, 2)
	ctx := context.Background()
	if _, ok := m.Translate(ctx, testAddr, hostarch.Read); ok {
		t.Fatalf("unmapped address translated")
	}
	if err := p.Populate(ctx, testAddr, 2*hostarch.PageSize, hostarch.Read, pagetables.ZeroFill); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	want, ok := p.Lookup(testAddr + hostarch.PageSize + 0x10)
	if !ok {
		t.Fatalf("Lookup failed")
	}
	for cpu := 0; cpu < 2; cpu++ {
		ctx := WithCPU(ctx, cpu)
		got, ok := m.Translate(ctx, testAddr+hostarch.PageSize+0x10, hostarch.Read)
		if !ok || got != want.Physical {
			t.Errorf("CPU %d: Translate = %#x, %t, want %#x, true", cpu, got, ok, want.Physical)
		}
		if _, ok := m.Translate(ctx, testAddr, hostarch.Write); ok {
			t.Errorf("CPU %d: write to read-only page translated", cpu)
		}
	}
}

func TestShootdownInvalidatesEveryCPU(t *testing.T) {
	const n = 4
	m, p := newTestMachine(t, n)
	ctx := context.Background()
	if err := p.Populate(ctx, testAddr, hostarch.PageSize, hostarch.ReadWrite, pagetables.ZeroFill); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	for cpu := 0; cpu < n; cpu++ {
		if _, ok := m.Translate(WithCPU(ctx, cpu), testAddr, hostarch.Write); !ok {
			t.Fatalf("CPU %d: Translate failed", cpu)
		}
	}
	before := make([]uint64, n)
	for cpu := range before {
		before[cpu] = m.Generation(cpu)
	}

	// Remove write access from CPU 2. Every vCPU must see it once Protect
	// returns.
	if !p.Protect(WithCPU(ctx, 2), testAddr, hostarch.PageSize, hostarch.Read) {
		t.Fatalf("Protect failed")
	}
	for cpu := 0; cpu < n; cpu++ {
		if got := m.Generation(cpu); got <= before[cpu] {
			t.Errorf("CPU %d generation = %d, want > %d", cpu, got, before[cpu])
		}
		if _, ok := m.Translate(WithCPU(ctx, cpu), testAddr, hostarch.Write); ok {
			t.Errorf("CPU %d: stale writable translation", cpu)
		}
	}
}

func TestStaleUntilFlushed(t *testing.T) {
	m, p := newTestMachine(t, 1)
	ctx := context.Background()
	if err := p.Populate(ctx, testAddr, hostarch.PageSize, hostarch.ReadWrite, pagetables.ZeroFill); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if _, ok := m.Translate(ctx, testAddr, hostarch.Read); !ok {
		t.Fatalf("Translate failed")
	}
	p.SetFlusher(nil)
	if err := p.Unpopulate(ctx, testAddr, hostarch.PageSize); err != nil {
		t.Fatalf("Unpopulate failed: %v", err)
	}
	if _, ok := m.Translate(ctx, testAddr, hostarch.Read); !ok {
		t.Errorf("cached translation dropped without a flush")
	}
	m.FlushLocal(0)
	if _, ok := m.Translate(ctx, testAddr, hostarch.Read); ok {
		t.Errorf("translation survived a flush")
	}
	if got := m.CachedTranslations(0); got != 0 {
		t.Errorf("CachedTranslations = %d, want 0", got)
	}
}

func TestSetRoot(t *testing.T) {
	m, p := newTestMachine(t, 3)
	for cpu := 0; cpu < 3; cpu++ {
		if got := m.Root(cpu); got != p.Root() {
			t.Errorf("Root(%d) = %#x, want %#x", cpu, got, p.Root())
		}
	}
	m.SetRoot(0)
	if _, ok := m.Translate(context.Background(), testAddr, hostarch.NoAccess); ok {
		t.Errorf("translation without paging succeeded")
	}
}
