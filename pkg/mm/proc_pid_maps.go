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
	"bytes"
	"fmt"
	"io"
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// WriteMaps writes the VMA directory to w in the format of
// /proc/[pid]/maps. Permissions are those of the first page of each vma.
func (mm *MemoryManager) WriteMaps(w io.Writer) error {
	mm.mu.Lock()
	var b bytes.Buffer
	mm.vmas.forEach(func(v *vma) bool {
		mm.vmaMapsEntryLocked(&b, v)
		return true
	})
	mm.mu.Unlock()
	_, err := w.Write(b.Bytes())
	return err
}

// vmaMapsEntryLocked appends the maps entry of v, including the trailing
// newline, to b.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) vmaMapsEntryLocked(b *bytes.Buffer, v *vma) {
	perms := hostarch.NoAccess
	if t, ok := mm.pt.Lookup(uintptr(v.start)); ok {
		perms = t.Access
	}
	private := "p"
	if v.shared {
		private = "s"
	}
	start := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s%s %08x 00:00 0 ", v.start, v.end, perms, private, v.off)

	var name string
	if v.file != nil {
		if s, ok := v.file.(fmt.Stringer); ok {
			name = s.String()
		}
	}
	if name != "" {
		// Pad until the 74th character.
		if pad := 73 - (b.Len() - start); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(name)
	}
	b.WriteString("\n")
}
