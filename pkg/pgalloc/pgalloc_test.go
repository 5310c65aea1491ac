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

package pgalloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/hostarch"
)

func newTestMemory(t *testing.T, size uint64) *PhysicalMemory {
	t.Helper()
	p, err := New(size)
	if err != nil {
		t.Fatalf("New(%#x) failed: %v", size, err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return p
}

func TestReservedUntilFreed(t *testing.T) {
	p := newTestMemory(t, 4*hostarch.HugePageSize)
	if _, err := p.AllocPage(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("AllocPage on reserved memory = %v, want ErrOutOfMemory", err)
	}
	p.FreeInitialMemoryRange(hostarch.PageSize, 2*hostarch.PageSize)
	want := Stats{
		Total: 4 * hostarch.HugePageSize,
		Free:  2 * hostarch.PageSize,
		Used:  4*hostarch.HugePageSize - 2*hostarch.PageSize,
	}
	if diff := cmp.Diff(want, p.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	var got []uintptr
	for i := 0; i < 2; i++ {
		page, err := p.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage failed: %v", err)
		}
		got = append(got, page)
	}
	if diff := cmp.Diff([]uintptr{hostarch.PageSize, 2 * hostarch.PageSize}, got); diff != "" {
		t.Errorf("allocated pages mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.AllocPage(); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("AllocPage on exhausted memory = %v, want ErrOutOfMemory", err)
	}
}

func TestHugePages(t *testing.T) {
	p := newTestMemory(t, 4*hostarch.HugePageSize)
	p.FreeInitialMemoryRange(hostarch.PageSize, 4*hostarch.HugePageSize-hostarch.PageSize)

	// The first huge page has a reserved frame.
	huge, err := p.AllocHugePage()
	if err != nil {
		t.Fatalf("AllocHugePage failed: %v", err)
	}
	if huge != hostarch.HugePageSize {
		t.Errorf("AllocHugePage = %#x, want %#x", huge, hostarch.HugePageSize)
	}

	// Pieces can be returned one by one.
	for off := uintptr(0); off < hostarch.HugePageSize; off += hostarch.PageSize {
		p.FreePage(huge + off)
	}
	again, err := p.AllocHugePage()
	if err != nil || again != huge {
		t.Errorf("AllocHugePage after piecewise free = %#x, %v, want %#x", again, err, huge)
	}
	p.FreeHugePage(again)
	if got, want := p.Stats().Free, uint64(4*hostarch.HugePageSize-hostarch.PageSize); got != want {
		t.Errorf("Free = %#x, want %#x", got, want)
	}
}

func TestBytesShareMemory(t *testing.T) {
	p := newTestMemory(t, hostarch.HugePageSize)
	p.FreeInitialMemoryRange(0, hostarch.HugePageSize)
	page, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage failed: %v", err)
	}
	p.Bytes(page, hostarch.PageSize)[10] = 0xAB
	if got := p.Bytes(page+8, 8)[2]; got != 0xAB {
		t.Errorf("byte through second view = %#x, want 0xab", got)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := newTestMemory(t, hostarch.HugePageSize)
	p.FreeInitialMemoryRange(0, hostarch.HugePageSize)
	page, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage failed: %v", err)
	}
	p.FreePage(page)
	defer func() {
		if recover() == nil {
			t.Errorf("double FreePage did not panic")
		}
	}()
	p.FreePage(page)
}

func TestFreePartlyFreedHugePagePanics(t *testing.T) {
	p := newTestMemory(t, 2*hostarch.HugePageSize)
	p.FreeInitialMemoryRange(0, 2*hostarch.HugePageSize)
	huge, err := p.AllocHugePage()
	if err != nil {
		t.Fatalf("AllocHugePage failed: %v", err)
	}
	p.Bytes(huge+hostarch.PageSize, hostarch.PageSize)[0] = 0xAB
	p.FreePage(huge)
	before := p.Stats()

	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("FreeHugePage of a partly freed page did not panic")
			}
		}()
		p.FreeHugePage(huge)
	}()
	if diff := cmp.Diff(before, p.Stats()); diff != "" {
		t.Errorf("Stats changed by rejected FreeHugePage (-want +got):\n%s", diff)
	}
	if got := p.Bytes(huge+hostarch.PageSize, 1)[0]; got != 0xAB {
		t.Errorf("frame still in use was released: byte = %#x, want 0xab", got)
	}
}

func TestFreeUnalignedHugePagePanics(t *testing.T) {
	p := newTestMemory(t, 2*hostarch.HugePageSize)
	p.FreeInitialMemoryRange(0, 2*hostarch.HugePageSize)
	huge, err := p.AllocHugePage()
	if err != nil {
		t.Fatalf("AllocHugePage failed: %v", err)
	}
	p.Bytes(huge+hostarch.PageSize, 1)[0] = 0xAB
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("FreeHugePage of an unaligned address did not panic")
			}
		}()
		p.FreeHugePage(huge + hostarch.PageSize)
	}()
	if got := p.Bytes(huge+hostarch.PageSize, 1)[0]; got != 0xAB {
		t.Errorf("unaligned FreeHugePage released memory: byte = %#x, want 0xab", got)
	}
}
