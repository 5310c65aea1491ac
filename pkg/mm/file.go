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
	"fmt"
	"io"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// File is a source of mapped memory.
//
// Files mapped shared must also implement io.WriterAt to be synced.
type File interface {
	io.ReaderAt

	// Size returns the size of the file in bytes.
	Size() int64
}

// fileFiller returns a Filler that reads the mapped part of f, starting at
// off, and zero fills whatever lies beyond the end of the file.
func fileFiller(f File, off int64) pagetables.Filler {
	size := f.Size()
	return func(dst []byte, offset uintptr) error {
		pos := off + int64(offset)
		n := 0
		if pos < size {
			want := min(size-pos, int64(len(dst)))
			var err error
			n, err = f.ReadAt(dst[:want], pos)
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading %d bytes at file offset %#x: %w", want, pos, err)
			}
		}
		clear(dst[n:])
		return nil
	}
}

// syncPage writes the page at addr of the file vma v back to its file. Only
// the part of the page within the file is written.
func (mm *MemoryManager) syncPage(v *vma, w io.WriterAt, addr hostarch.Addr) error {
	// Pages protected to no access still hold data.
	t, ok := mm.pt.LookupLeaf(uintptr(addr))
	if !ok {
		// Never populated.
		return nil
	}
	pos := v.off + int64(addr-v.start)
	size := v.file.Size()
	if pos >= size {
		return nil
	}
	n := min(size-pos, hostarch.PageSize)
	if _, err := w.WriteAt(mm.mem.Bytes(t.Physical, uintptr(n)), pos); err != nil {
		return fmt.Errorf("writing %d bytes at file offset %#x: %w", n, pos, err)
	}
	return nil
}
