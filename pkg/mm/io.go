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
)

// CopyOut copies src to the memory at addr, translating through the MMU of
// the CPU bound to ctx. It returns the number of bytes copied, which is less
// than len(src) only if the copy faulted.
//
// CopyOut does not take the address space lock: like a store by the CPU, it
// races with concurrent unmaps of the same range.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return mm.copy(ctx, addr, len(src), hostarch.Write, func(b []byte, done int) {
		copy(b, src[done:])
	})
}

// CopyIn copies the memory at addr to dst. See CopyOut.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return mm.copy(ctx, addr, len(dst), hostarch.Read, func(b []byte, done int) {
		copy(dst[done:], b)
	})
}

// copy calls fn with the host view of each page piece of [addr, addr+n).
func (mm *MemoryManager) copy(ctx context.Context, addr hostarch.Addr, n int, at hostarch.AccessType, fn func(b []byte, done int)) (int, error) {
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		physical, ok := mm.mmu.Translate(ctx, uintptr(cur), at)
		if !ok {
			return done, fmt.Errorf("%w: %s access at %#x", ErrFault, at, cur)
		}
		chunk := min(n-done, int(hostarch.PageSize-cur.PageOffset()))
		fn(mm.mem.Bytes(physical, uintptr(chunk)), done)
		done += chunk
	}
	return done, nil
}

// IsMapped returns true iff every page of [addr, addr+size) belongs to a vma.
func (mm *MemoryManager) IsMapped(addr hostarch.Addr, size uint64) bool {
	ar, err := pageRange(addr, size)
	if err != nil {
		return false
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	next := ar.Start
	for _, v := range mm.vmas.overlapping(ar.Start, ar.End) {
		if v.start > next {
			return false
		}
		next = v.end
	}
	return next >= ar.End
}

// IsReadable returns true iff every page of [addr, addr+size) is mapped
// readable in the page tables.
func (mm *MemoryManager) IsReadable(addr hostarch.Addr, size uint64) bool {
	ar, err := pageRange(addr, size)
	if err != nil {
		return false
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		t, ok := mm.pt.Lookup(uintptr(page))
		if !ok || !t.Access.Read {
			return false
		}
	}
	return true
}
