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

package pagetables

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/bits"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// Bits in page table entries.
const (
	present        = 1 << 0
	writable       = 1 << 1
	user           = 1 << 2
	accessed       = 1 << 5
	dirty          = 1 << 6
	large          = 1 << 7
	executeDisable = 1 << 63
)

// Address field geometry.
//
// One bit below the architectural physical address limit is kept for
// software use, so frames are limited to maxPhysBits bits.
const (
	rsvdBitsUsed = 1
	maxPhysBits  = 52 - rsvdBitsUsed

	// largeAddrBit is the lowest address bit of a large leaf, which is
	// the PAT bit and not part of the frame number.
	largeAddrBit = 12
)

// addrMask returns the mask selecting the frame number of an entry.
func addrMask(isLarge bool) uint64 {
	m := bits.AlignDown64(bits.MaskOf64(maxPhysBits)-1, hostarch.PageSize)
	if isLarge {
		m &^= bits.MaskOf64(largeAddrBit)
	}
	return m
}

// PTE is a page table entry.
//
// The value methods decode and encode a single word and have no side
// effects. Load and Store access an entry that lives in a table and may be
// walked concurrently by other CPUs.
type PTE uint64

// Load atomically reads the entry.
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically writes the entry.
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Clear clears this PTE, including the address.
func (p *PTE) Clear() {
	*p = 0
}

// Empty returns true iff the entry is all zero: not mapped and no child
// table.
func (p PTE) Empty() bool {
	return p == 0
}

// Valid returns true iff the present bit is set.
func (p PTE) Valid() bool {
	return p&present != 0
}

// Writeable returns true iff the entry allows writes.
func (p PTE) Writeable() bool {
	return p&writable != 0
}

// Executable returns true iff the execute-disable bit is clear.
func (p PTE) Executable() bool {
	return p&executeDisable == 0
}

// Large returns true iff the entry maps a huge or super page directly.
func (p PTE) Large() bool {
	return p&large != 0
}

// Dirty returns the dirty bit.
func (p PTE) Dirty() bool {
	return p&dirty != 0
}

// Accessed returns the accessed bit.
func (p PTE) Accessed() bool {
	return p&accessed != 0
}

// User returns true iff the entry is accessible from user mode.
func (p PTE) User() bool {
	return p&user != 0
}

func (p *PTE) set(bit PTE, v bool) {
	if v {
		*p |= bit
	} else {
		*p &^= bit
	}
}

// SetValid sets the present bit.
func (p *PTE) SetValid(v bool) { p.set(present, v) }

// SetWriteable sets the write permission.
func (p *PTE) SetWriteable(v bool) { p.set(writable, v) }

// SetExecutable sets the execute permission. This clears the
// execute-disable bit.
func (p *PTE) SetExecutable(v bool) { p.set(executeDisable, !v) }

// SetLarge sets the large page bit.
func (p *PTE) SetLarge(v bool) { p.set(large, v) }

// SetDirty sets the dirty bit.
func (p *PTE) SetDirty(v bool) { p.set(dirty, v) }

// SetAccessed sets the accessed bit.
func (p *PTE) SetAccessed(v bool) { p.set(accessed, v) }

// SetUser sets the user bit.
func (p *PTE) SetUser(v bool) { p.set(user, v) }

// Address returns the physical address held by the entry. isLarge selects
// the large-leaf layout, whose bit 12 is not part of the address.
func (p PTE) Address(isLarge bool) uintptr {
	return uintptr(uint64(p) & addrMask(isLarge))
}

// SetAddress replaces the physical address held by the entry.
func (p *PTE) SetAddress(addr uintptr, isLarge bool) {
	m := addrMask(isLarge)
	if uint64(addr)&^m != 0 {
		panic(fmt.Sprintf("physical address %#x does not fit an entry (large=%t)", addr, isLarge))
	}
	*p = PTE(uint64(*p)&^m | uint64(addr))
}

// Perm returns the access granted by a valid entry.
func (p PTE) Perm() hostarch.AccessType {
	if !p.Valid() {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{
		Read:    true,
		Write:   p.Writeable(),
		Execute: p.Executable(),
	}
}

// ChangePerm changes the permission bits in place. Any access makes the
// entry valid; no access makes it invalid but keeps the address.
func (p *PTE) ChangePerm(at hostarch.AccessType) {
	at = at.Effective()
	p.SetValid(at.Any())
	p.SetWriteable(at.Write)
	p.SetExecutable(at.Execute)
}

// MakePTE returns a leaf entry mapping addr with the given access.
//
// Dirty and accessed are set eagerly; nothing tracks them.
func MakePTE(addr uintptr, isLarge bool, at hostarch.AccessType) PTE {
	var p PTE
	p.ChangePerm(at)
	p.SetDirty(true)
	p.SetAccessed(true)
	p.SetUser(true)
	p.SetLarge(isLarge)
	p.SetAddress(addr, isLarge)
	return p
}

// makeTablePTE returns an intermediate entry pointing to the table at
// physical.
func makeTablePTE(physical uintptr) PTE {
	return MakePTE(physical, false, hostarch.AnyAccess)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if p.Empty() {
		return "empty"
	}
	kind := "pte"
	if p.Large() {
		kind = "large"
	}
	return fmt.Sprintf("%s{%#x %s}", kind, p.Address(p.Large()), p.Perm())
}
