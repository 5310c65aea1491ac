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
	"errors"
	"fmt"
	"io"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

var errNotWritable = errors.New("shared mapping of a file that cannot be written")

// MapAnon maps size bytes of zeroed memory with access at. If search is
// true, addr is only a hint and the mapping goes to the first large enough
// hole at or after it (DefaultHint if addr is 0). Otherwise the mapping is
// placed at addr, replacing whatever was mapped there.
//
// It returns the start of the mapping.
func (mm *MemoryManager) MapAnon(ctx context.Context, addr hostarch.Addr, size uint64, search bool, at hostarch.AccessType) (hostarch.Addr, error) {
	return mm.allocate(ctx, addr, size, search, vma{}, pagetables.ZeroFill, at)
}

// MapFile is like MapAnon, but the memory is initialized from file starting
// at offset. Pages beyond the end of the file read as zero. If shared is
// true, Msync writes the contents back to file.
func (mm *MemoryManager) MapFile(ctx context.Context, addr hostarch.Addr, size uint64, search bool, at hostarch.AccessType, file File, offset int64, shared bool) (hostarch.Addr, error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative file offset %d", ErrInvalid, offset)
	}
	if shared {
		if _, ok := file.(io.WriterAt); !ok {
			return 0, errNotWritable
		}
	}
	v := vma{
		file:   file,
		off:    offset,
		shared: shared,
	}
	return mm.allocate(ctx, addr, size, search, v, fileFiller(file, offset), at)
}

// allocate inserts a vma shaped like tmpl and populates it with fill.
func (mm *MemoryManager) allocate(ctx context.Context, addr hostarch.Addr, size uint64, search bool, tmpl vma, fill pagetables.Filler, at hostarch.AccessType) (hostarch.Addr, error) {
	ar, err := pageRange(addr, size)
	if err != nil {
		return 0, err
	}
	length := uint64(ar.Length())

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if search {
		hint := ar.Start
		if hint == 0 {
			hint = DefaultHint
		}
		start, ok := mm.vmas.findHole(hint, length)
		if !ok {
			return 0, fmt.Errorf("%w: %#x bytes at or after %#x", ErrNoSpace, length, hint)
		}
		ar = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(length)}
	} else {
		if ar.End > hostarch.MaxUserAddress {
			return 0, fmt.Errorf("%w: %v is beyond %#x", ErrInvalid, ar, hostarch.MaxUserAddress)
		}
		if err := mm.evacuateLocked(ctx, ar); err != nil {
			return 0, err
		}
	}

	v := tmpl
	v.start, v.end = ar.Start, ar.End
	mm.vmas.insert(&v)
	if err := mm.pt.Populate(ctx, uintptr(ar.Start), uintptr(length), at, fill); err != nil {
		mm.vmas.remove(&v)
		return 0, err
	}
	log.Debugf("Mapped %v %v", ar, at)
	return ar.Start, nil
}

// evacuateLocked unmaps every vma in ar and removes it from the directory.
// vmas crossing the bounds of ar are split first.
//
// If the pages of a vma cannot be unpopulated, that vma stays in the
// directory and the error is returned. vmas handled before it are gone.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) evacuateLocked(ctx context.Context, ar hostarch.AddrRange) error {
	for _, v := range mm.vmas.overlapping(ar.Start, ar.End) {
		mm.vmas.split(v, ar.End)
		if tail := mm.vmas.split(v, ar.Start); tail != nil {
			v = tail
		}
		if !v.contained(ar.Start, ar.End) {
			panic(fmt.Sprintf("vma %v is not within evacuated range %v after split", v.Range(), ar))
		}
		if err := mm.pt.Unpopulate(ctx, uintptr(v.start), uintptr(v.end-v.start)); err != nil {
			return fmt.Errorf("unmapping %v: %w", v.Range(), err)
		}
		mm.vmas.remove(v)
		log.Debugf("Unmapped %v", v.Range())
	}
	return nil
}

// Unmap removes every mapping in [addr, addr+size).
//
// Unmapping part of a huge page needs memory for a page table. Without it,
// Unmap fails with an error wrapping pgalloc.ErrOutOfMemory and the mappings
// not yet removed stay in place.
func (mm *MemoryManager) Unmap(ctx context.Context, addr hostarch.Addr, size uint64) error {
	ar, err := pageRange(addr, size)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.evacuateLocked(ctx, ar)
}

// Protect changes the access of every page in [addr, addr+size) to at.
//
// It returns false if some page of the range is not populated, or could not
// be changed for lack of memory to split a huge page. Other pages are changed
// regardless, so the caller must treat the range as being in an unknown
// state.
func (mm *MemoryManager) Protect(ctx context.Context, addr hostarch.Addr, size uint64, at hostarch.AccessType) bool {
	ar, err := pageRange(addr, size)
	if err != nil {
		return false
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt.Protect(ctx, uintptr(ar.Start), uintptr(ar.Length()), at)
}

// VPopulate backs [addr, addr+size) with zeroed memory with full access,
// without recording it in the VMA directory. The caller owns the range.
func (mm *MemoryManager) VPopulate(ctx context.Context, addr hostarch.Addr, size uint64) error {
	ar, err := pageRange(addr, size)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt.Populate(ctx, uintptr(ar.Start), uintptr(ar.Length()), hostarch.AnyAccess, pagetables.ZeroFill)
}

// VDepopulate frees the memory behind [addr, addr+size) without touching
// the VMA directory.
func (mm *MemoryManager) VDepopulate(ctx context.Context, addr hostarch.Addr, size uint64) error {
	ar, err := pageRange(addr, size)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt.Unpopulate(ctx, uintptr(ar.Start), uintptr(ar.Length()))
}

// Msync writes the populated pages of shared file mappings in
// [addr, addr+size) back to their files. Files are never extended.
func (mm *MemoryManager) Msync(ctx context.Context, addr hostarch.Addr, size uint64) error {
	ar, err := pageRange(addr, size)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, v := range mm.vmas.overlapping(ar.Start, ar.End) {
		if !v.shared {
			continue
		}
		w := v.file.(io.WriterAt)
		sync := v.Range().Intersect(ar)
		for page := sync.Start; page < sync.End; page += hostarch.PageSize {
			if err := mm.syncPage(v, w, page); err != nil {
				return fmt.Errorf("syncing %#x: %w", page, err)
			}
		}
	}
	return nil
}
