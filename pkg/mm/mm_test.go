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
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/machine"
	"gvisor.dev/vmcore/pkg/pgalloc"
	"gvisor.dev/vmcore/pkg/tlb"
)

// testMM is an address space on its own machine.
type testMM struct {
	*MemoryManager
	mem     *pgalloc.PhysicalMemory
	machine *machine.Machine

	// baseline is the memory in use by an empty address space.
	baseline uint64
}

func newTestMM(t *testing.T, size uint64, cpus int) *testMM {
	t.Helper()
	mem, err := pgalloc.New(size)
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	FreeInitialMemoryRange(mem, 0, mem.Size())
	m, err := machine.New(mem, cpus)
	if err != nil {
		t.Fatalf("machine.New failed: %v", err)
	}
	t.Cleanup(m.Destroy)
	mm, err := NewMemoryManager(Opts{
		Memory:  mem,
		MMU:     m,
		Flusher: tlb.NewShootdown(m),
	})
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	mm.SwitchToRuntimePageTable(context.Background())
	return &testMM{
		MemoryManager: mm,
		mem:           mem,
		machine:       m,
		baseline:      mem.Stats().Used,
	}
}

// checkEmpty verifies that every mapping and all memory behind it is gone.
func (mm *testMM) checkEmpty(t *testing.T) {
	t.Helper()
	if n := mm.NumVMAs(); n != 0 {
		t.Errorf("NumVMAs = %d, want 0", n)
	}
	if used := mm.mem.Stats().Used; used != mm.baseline {
		t.Errorf("memory in use = %#x, want %#x", used, mm.baseline)
	}
	if n := mm.PageTables().Tables(); n != 1 {
		t.Errorf("Tables = %d, want only the root", n)
	}
}

// memFile is a File in memory.
type memFile struct {
	name    string
	data    []byte
	readErr error
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Size() int64 {
	return int64(len(f.data))
}

func (f *memFile) String() string {
	return f.name
}

func pattern(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestStaleDataNotVisibleAfterRemap(t *testing.T) {
	mm := newTestMM(t, 16<<20, 2)
	ctx := context.Background()

	addr, err := mm.MapAnon(ctx, 0, 2*hostarch.PageSize, true, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	if addr%(2*hostarch.PageSize) != 0 {
		t.Errorf("MapAnon = %#x, want two page alignment", addr)
	}
	if n, err := mm.CopyOut(ctx, addr, pattern(0xab, 2*hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut = %d, %v", n, err)
	}
	if err := mm.Unmap(ctx, addr, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	got, err := mm.MapAnon(ctx, addr, hostarch.PageSize, false, hostarch.ReadWrite)
	if err != nil || got != addr {
		t.Fatalf("MapAnon(%#x) = %#x, %v", addr, got, err)
	}
	buf := make([]byte, hostarch.PageSize)
	if _, err := mm.CopyIn(ctx, addr, buf); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if diff := cmp.Diff(make([]byte, hostarch.PageSize), buf); diff != "" {
		t.Errorf("remapped page is not zeroed (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	mm := newTestMM(t, 32<<20, 4)
	ctx := context.Background()
	for _, size := range []uint64{
		hostarch.PageSize,
		3 * hostarch.PageSize,
		hostarch.HugePageSize,
		2*hostarch.HugePageSize + 5*hostarch.PageSize,
	} {
		addr, err := mm.MapAnon(ctx, 0, size, true, hostarch.ReadWrite)
		if err != nil {
			t.Fatalf("MapAnon(%#x) failed: %v", size, err)
		}
		if n, err := mm.CopyOut(ctx, addr, pattern(0x5a, int(size))); err != nil || n != int(size) {
			t.Fatalf("CopyOut = %d, %v", n, err)
		}
		if !mm.IsMapped(addr, size) || !mm.IsReadable(addr, size) {
			t.Errorf("[%#x, +%#x) is not mapped", addr, size)
		}
		if err := mm.Unmap(ctx, addr, size); err != nil {
			t.Fatalf("Unmap failed: %v", err)
		}
		mm.checkEmpty(t)
		for cpu := 0; cpu < 4; cpu++ {
			if _, err := mm.CopyIn(machine.WithCPU(ctx, cpu), addr, make([]byte, 1)); !errors.Is(err, ErrFault) {
				t.Errorf("CPU %d: CopyIn after Unmap = %v, want %v", cpu, err, ErrFault)
			}
		}
	}
}

func TestEvacuateSplits(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	const start = hostarch.Addr(0x10000000)
	if _, err := mm.MapAnon(ctx, start, 4*hostarch.PageSize, false, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		page := start + hostarch.Addr(i*hostarch.PageSize)
		if _, err := mm.CopyOut(ctx, page, pattern(byte(i+1), hostarch.PageSize)); err != nil {
			t.Fatalf("CopyOut failed: %v", err)
		}
	}

	if err := mm.Unmap(ctx, start+hostarch.PageSize, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	want := []hostarch.AddrRange{
		{Start: start, End: start + hostarch.PageSize},
		{Start: start + 3*hostarch.PageSize, End: start + 4*hostarch.PageSize},
	}
	if diff := cmp.Diff(want, mm.VMAs()); diff != "" {
		t.Errorf("VMAs mismatch (-want +got):\n%s", diff)
	}
	for i, wantByte := range []byte{1, 0, 0, 4} {
		page := start + hostarch.Addr(i*hostarch.PageSize)
		buf := make([]byte, hostarch.PageSize)
		_, err := mm.CopyIn(ctx, page, buf)
		if wantByte == 0 {
			if !errors.Is(err, ErrFault) {
				t.Errorf("page %d: CopyIn = %v, want %v", i, err, ErrFault)
			}
			continue
		}
		if err != nil {
			t.Errorf("page %d: CopyIn failed: %v", i, err)
			continue
		}
		if diff := cmp.Diff(pattern(wantByte, hostarch.PageSize), buf); diff != "" {
			t.Errorf("page %d contents changed (-want +got):\n%s", i, diff)
		}
	}

	// A fixed mapping over both survivors replaces them.
	if _, err := mm.MapAnon(ctx, start, 4*hostarch.PageSize, false, hostarch.Read); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	want = []hostarch.AddrRange{{Start: start, End: start + 4*hostarch.PageSize}}
	if diff := cmp.Diff(want, mm.VMAs()); diff != "" {
		t.Errorf("VMAs mismatch (-want +got):\n%s", diff)
	}
}

func TestFindHole(t *testing.T) {
	s := newVMASet()
	s.insert(&vma{start: 0x1000, end: 0x3000})
	s.insert(&vma{start: 0x5000, end: 0x6000})
	for _, tc := range []struct {
		hint hostarch.Addr
		size uint64
		want hostarch.Addr
		ok   bool
	}{
		{hint: 0, size: 0x1000, want: 0, ok: true},
		{hint: 0, size: 0x2000, want: 0x3000, ok: true},
		{hint: 0x1000, size: 0x2000, want: 0x3000, ok: true},
		{hint: 0x3000, size: 0x1000, want: 0x3000, ok: true},
		{hint: 0x4000, size: 0x1000, want: 0x4000, ok: true},
		{hint: 0x4000, size: 0x2000, want: 0x6000, ok: true},
		{hint: 0x5800, size: 0x1000, want: 0x6000, ok: true},
		{hint: 0x100000, size: 0x1000, want: 0x100000, ok: true},
		{hint: hostarch.MaxUserAddress - 0x1000, size: 0x2000, ok: false},
		{hint: 0, size: uint64(hostarch.MaxUserAddress), ok: false},
	} {
		got, ok := s.findHole(tc.hint, tc.size)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("findHole(%#x, %#x) = %#x, %t, want %#x, %t", tc.hint, tc.size, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSplitAdjustsFileOffset(t *testing.T) {
	s := newVMASet()
	f := &memFile{}
	v := &vma{start: 0x10000, end: 0x20000, file: f, off: 0x3000, shared: true}
	s.insert(v)
	for _, edge := range []hostarch.Addr{0x10000, 0x20000, 0x8000} {
		if tail := s.split(v, edge); tail != nil {
			t.Errorf("split at %#x created %v", edge, tail.Range())
		}
	}
	tail := s.split(v, 0x18000)
	if tail == nil {
		t.Fatalf("split at 0x18000 did nothing")
	}
	if v.end != 0x18000 || tail.start != 0x18000 || tail.end != 0x20000 {
		t.Errorf("split gave %v and %v", v.Range(), tail.Range())
	}
	if tail.off != 0xb000 || tail.file != f || !tail.shared {
		t.Errorf("tail = %+v, want file offset 0xb000 of the same shared file", tail)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestNoSpace(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	_, err := mm.MapAnon(ctx, hostarch.MaxUserAddress-hostarch.PageSize, 2*hostarch.PageSize, true, hostarch.ReadWrite)
	if !errors.Is(err, ErrNoSpace) {
		t.Errorf("MapAnon at the top = %v, want %v", err, ErrNoSpace)
	}
	mm.checkEmpty(t)
}

func TestInvalidRanges(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	if _, err := mm.MapAnon(ctx, 0, 0, true, hostarch.ReadWrite); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty MapAnon = %v, want %v", err, ErrInvalid)
	}
	if _, err := mm.MapAnon(ctx, hostarch.MaxUserAddress, hostarch.PageSize, false, hostarch.ReadWrite); !errors.Is(err, ErrInvalid) {
		t.Errorf("MapAnon beyond the user range = %v, want %v", err, ErrInvalid)
	}
	if err := mm.Unmap(ctx, ^hostarch.Addr(0)-hostarch.PageSize, 2*hostarch.PageSize); !errors.Is(err, ErrInvalid) {
		t.Errorf("overflowing Unmap = %v, want %v", err, ErrInvalid)
	}
	if _, err := mm.MapFile(ctx, 0, hostarch.PageSize, true, hostarch.Read, &memFile{}, -1, false); !errors.Is(err, ErrInvalid) {
		t.Errorf("MapFile at a negative offset = %v, want %v", err, ErrInvalid)
	}
}

func TestOutOfMemoryRollsBack(t *testing.T) {
	mm := newTestMM(t, 8<<20, 1)
	ctx := context.Background()
	_, err := mm.MapAnon(ctx, 0, 16<<20, true, hostarch.ReadWrite)
	if !errors.Is(err, pgalloc.ErrOutOfMemory) {
		t.Fatalf("MapAnon = %v, want %v", err, pgalloc.ErrOutOfMemory)
	}
	mm.checkEmpty(t)

	// The memory given back is usable.
	if _, err := mm.MapAnon(ctx, 0, 2<<20, true, hostarch.ReadWrite); err != nil {
		t.Errorf("MapAnon after failure: %v", err)
	}
}

func TestUnmapInsideHugePageOutOfMemory(t *testing.T) {
	mm := newTestMM(t, 4*hostarch.HugePageSize, 1)
	ctx := context.Background()
	const base = hostarch.Addr(0x40000000)
	if _, err := mm.MapAnon(ctx, base, hostarch.HugePageSize, false, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	if tr, ok := mm.PageTables().Lookup(uintptr(base)); !ok || tr.PageSize != hostarch.HugePageSize {
		t.Fatalf("Lookup(%#x) = %+v, %t, want a huge page", base, tr, ok)
	}
	var held []uintptr
	for {
		page, err := mm.mem.AllocPage()
		if err != nil {
			break
		}
		held = append(held, page)
	}

	hole := base + 0x5000
	if err := mm.Unmap(ctx, hole, hostarch.PageSize); !errors.Is(err, pgalloc.ErrOutOfMemory) {
		t.Fatalf("Unmap = %v, want %v", err, pgalloc.ErrOutOfMemory)
	}
	if !mm.IsMapped(hole, hostarch.PageSize) || !mm.IsReadable(hole, hostarch.PageSize) {
		t.Errorf("%#x is no longer mapped after a failed Unmap", hole)
	}
	if mm.Protect(ctx, hole, hostarch.PageSize, hostarch.Read) {
		t.Errorf("Protect inside an unsplittable huge page succeeded")
	}

	// One frame for the split table and one for the new page.
	mm.mem.FreePage(held[0])
	mm.mem.FreePage(held[1])
	if _, err := mm.MapAnon(ctx, hole, hostarch.PageSize, false, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapAnon over %#x failed: %v", hole, err)
	}
	want := []hostarch.AddrRange{
		{Start: base, End: hole},
		{Start: hole, End: hole + hostarch.PageSize},
		{Start: hole + hostarch.PageSize, End: base + hostarch.HugePageSize},
	}
	if diff := cmp.Diff(want, mm.VMAs()); diff != "" {
		t.Errorf("VMAs mismatch (-want +got):\n%s", diff)
	}
	if tr, ok := mm.PageTables().Lookup(uintptr(hole)); !ok || tr.PageSize != hostarch.PageSize {
		t.Errorf("Lookup(%#x) = %+v, %t, want a small page", hole, tr, ok)
	}
}

func TestProtect(t *testing.T) {
	mm := newTestMM(t, 16<<20, 2)
	ctx := context.Background()
	addr, err := mm.MapAnon(ctx, 0, 3*hostarch.PageSize, true, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	if !mm.Protect(ctx, addr, 3*hostarch.PageSize, hostarch.Read) {
		t.Errorf("Protect of a populated range failed")
	}
	for cpu := 0; cpu < 2; cpu++ {
		ctx := machine.WithCPU(ctx, cpu)
		if _, err := mm.CopyOut(ctx, addr, []byte{1}); !errors.Is(err, ErrFault) {
			t.Errorf("CPU %d: write to read-only page = %v, want %v", cpu, err, ErrFault)
		}
		if _, err := mm.CopyIn(ctx, addr, make([]byte, 1)); err != nil {
			t.Errorf("CPU %d: read failed: %v", cpu, err)
		}
	}

	// Drop the middle page behind the directory's back.
	if err := mm.VDepopulate(ctx, addr+hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("VDepopulate failed: %v", err)
	}
	if mm.Protect(ctx, addr, 3*hostarch.PageSize, hostarch.ReadWrite) {
		t.Errorf("Protect over a hole succeeded")
	}
	for _, page := range []hostarch.Addr{addr, addr + 2*hostarch.PageSize} {
		if _, err := mm.CopyOut(ctx, page, []byte{1}); err != nil {
			t.Errorf("write to %#x after Protect failed: %v", page, err)
		}
	}
	if mm.IsReadable(addr, 3*hostarch.PageSize) {
		t.Errorf("range with a hole is readable")
	}
	if !mm.IsMapped(addr, 3*hostarch.PageSize) {
		t.Errorf("VDepopulate changed the directory")
	}
}

func TestVPopulate(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	const addr = hostarch.Addr(0x100000000)
	if err := mm.VPopulate(ctx, addr, 5*hostarch.PageSize); err != nil {
		t.Fatalf("VPopulate failed: %v", err)
	}
	if !mm.IsReadable(addr, 5*hostarch.PageSize) {
		t.Errorf("populated range is not readable")
	}
	if mm.IsMapped(addr, hostarch.PageSize) || mm.NumVMAs() != 0 {
		t.Errorf("VPopulate created a vma")
	}
	if err := mm.VDepopulate(ctx, addr, 5*hostarch.PageSize); err != nil {
		t.Fatalf("VDepopulate failed: %v", err)
	}
	mm.checkEmpty(t)
}

func TestIsMapped(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	const addr = hostarch.Addr(0x40000000)
	if _, err := mm.MapAnon(ctx, addr, 2*hostarch.PageSize, false, hostarch.Read); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	if _, err := mm.MapAnon(ctx, addr+2*hostarch.PageSize, hostarch.PageSize, false, hostarch.Read); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	for _, tc := range []struct {
		addr hostarch.Addr
		size uint64
		want bool
	}{
		{addr, 3 * hostarch.PageSize, true},
		{addr + 1, 10, true},
		{addr, 4 * hostarch.PageSize, false},
		{addr - hostarch.PageSize, 2 * hostarch.PageSize, false},
		{addr, 0, false},
	} {
		if got := mm.IsMapped(tc.addr, tc.size); got != tc.want {
			t.Errorf("IsMapped(%#x, %#x) = %t, want %t", tc.addr, tc.size, got, tc.want)
		}
	}
}

func TestMapFile(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i%251) + 1
	}
	f := &memFile{name: "data.bin", data: data}
	addr, err := mm.MapFile(ctx, 0, 3*hostarch.PageSize, true, hostarch.Read, f, hostarch.PageSize, false)
	if err != nil {
		t.Fatalf("MapFile failed: %v", err)
	}
	got := make([]byte, 3*hostarch.PageSize)
	if _, err := mm.CopyIn(ctx, addr, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	want := make([]byte, 3*hostarch.PageSize)
	copy(want, data[hostarch.PageSize:])
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mapped file contents (-want +got):\n%s", diff)
	}
}

func TestMapFileReadErrorRollsBack(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	errRead := errors.New("media error")
	f := &memFile{data: make([]byte, 3*hostarch.PageSize), readErr: errRead}
	if _, err := mm.MapFile(ctx, 0, 3*hostarch.PageSize, true, hostarch.Read, f, 0, false); !errors.Is(err, errRead) {
		t.Errorf("MapFile = %v, want %v", err, errRead)
	}
	mm.checkEmpty(t)

	if _, err := mm.MapFile(ctx, 0, hostarch.PageSize, true, hostarch.Read, bytes.NewReader(nil), 0, true); !errors.Is(err, errNotWritable) {
		t.Errorf("shared MapFile of a read-only file = %v, want %v", err, errNotWritable)
	}
}

func TestMsync(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	f := &memFile{name: "shared", data: make([]byte, 6000)}
	addr, err := mm.MapFile(ctx, 0, 2*hostarch.PageSize, true, hostarch.ReadWrite, f, 0, true)
	if err != nil {
		t.Fatalf("MapFile failed: %v", err)
	}
	for _, off := range []hostarch.Addr{0, 5000, 7000} {
		if _, err := mm.CopyOut(ctx, addr+off, []byte{0xee}); err != nil {
			t.Fatalf("CopyOut at %#x failed: %v", off, err)
		}
	}
	if err := mm.Msync(ctx, addr, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Msync failed: %v", err)
	}
	if got := len(f.data); got != 6000 {
		t.Errorf("file size after Msync = %d, want 6000", got)
	}
	if f.data[0] != 0xee || f.data[5000] != 0xee {
		t.Errorf("file not written back: data[0] = %#x, data[5000] = %#x", f.data[0], f.data[5000])
	}

	// Pages without access are still written back.
	f.data[0] = 0
	if !mm.Protect(ctx, addr, 2*hostarch.PageSize, hostarch.NoAccess) {
		t.Fatalf("Protect failed")
	}
	if err := mm.Msync(ctx, addr, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Msync failed: %v", err)
	}
	if f.data[0] != 0xee {
		t.Errorf("page with no access not written back: data[0] = %#x", f.data[0])
	}

	// Private mappings are never written back.
	f.data[0] = 0
	priv := &memFile{data: make([]byte, hostarch.PageSize)}
	paddr, err := mm.MapFile(ctx, 0, hostarch.PageSize, true, hostarch.ReadWrite, priv, 0, false)
	if err != nil {
		t.Fatalf("MapFile failed: %v", err)
	}
	if _, err := mm.CopyOut(ctx, paddr, []byte{0xee}); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if err := mm.Msync(ctx, paddr, hostarch.PageSize); err != nil {
		t.Fatalf("Msync failed: %v", err)
	}
	if priv.data[0] != 0 {
		t.Errorf("private mapping written back")
	}
}

func TestWriteMaps(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	if _, err := mm.MapAnon(ctx, 0, hostarch.PageSize, true, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	f := &memFile{name: "data.bin", data: make([]byte, 2*hostarch.PageSize)}
	if _, err := mm.MapFile(ctx, 0, hostarch.PageSize, true, hostarch.ReadWrite, f, hostarch.PageSize, true); err != nil {
		t.Fatalf("MapFile failed: %v", err)
	}
	if _, err := mm.MapAnon(ctx, 0, hostarch.PageSize, true, hostarch.NoAccess); err != nil {
		t.Fatalf("MapAnon failed: %v", err)
	}
	var b bytes.Buffer
	if err := mm.WriteMaps(&b); err != nil {
		t.Fatalf("WriteMaps failed: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("WriteMaps wrote %d lines, want 3:\n%s", len(lines), b.String())
	}
	if want := "200000000000-200000001000 rw-p 00000000 00:00 0 "; lines[0] != want {
		t.Errorf("anonymous entry = %q, want %q", lines[0], want)
	}
	if !strings.HasPrefix(lines[1], "200000001000-200000002000 rw-s 00001000 ") || !strings.HasSuffix(lines[1], " data.bin") || len(lines[1]) != 73+len("data.bin") {
		t.Errorf("file entry = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "200000002000-200000003000 ---p ") {
		t.Errorf("inaccessible entry = %q", lines[2])
	}
}

func TestLinearMap(t *testing.T) {
	mm := newTestMM(t, 16<<20, 1)
	ctx := context.Background()
	size := mm.mem.Size()
	if err := mm.LinearMap(ctx, PhysMemBase, 0, size, hostarch.HugePageSize); err != nil {
		t.Fatalf("LinearMap failed: %v", err)
	}
	// Allocate a page and find its contents through the linear map.
	page, err := mm.mem.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage failed: %v", err)
	}
	copy(mm.mem.Bytes(page, 4), "vmem")
	got := make([]byte, 4)
	if _, err := mm.CopyIn(ctx, PhysToVirt(page), got); err != nil {
		t.Fatalf("CopyIn through the linear map failed: %v", err)
	}
	if string(got) != "vmem" {
		t.Errorf("linear map reads %q, want %q", got, "vmem")
	}
	if got := VirtToPhys(PhysToVirt(page)); got != page {
		t.Errorf("VirtToPhys(PhysToVirt(%#x)) = %#x", page, got)
	}
	c := mm.PageTables().CountLeaves()
	if want := int(size / hostarch.HugePageSize); c.HugePages != want || c.Pages != 0 {
		t.Errorf("CountLeaves = %+v, want %d huge pages only", c, want)
	}
}

func TestFreeInitialMemoryRange(t *testing.T) {
	mem, err := pgalloc.New(4 << 20)
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	defer mem.Close()
	FreeInitialMemoryRange(mem, 0, 3*hostarch.PageSize+100)
	FreeInitialMemoryRange(mem, 8*hostarch.PageSize+1, hostarch.PageSize)
	if got, want := mem.Stats().Free, uint64(2*hostarch.PageSize); got != want {
		t.Errorf("free memory = %#x, want %#x", got, want)
	}
	for i := 0; i < 2; i++ {
		page, err := mem.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage failed: %v", err)
		}
		if page == 0 {
			t.Errorf("page 0 was handed out")
		}
	}
}

func TestConcurrentMappers(t *testing.T) {
	const cpus = 4
	mm := newTestMM(t, 64<<20, cpus)
	var g errgroup.Group
	for cpu := 0; cpu < cpus; cpu++ {
		ctx := machine.WithCPU(context.Background(), cpu)
		g.Go(func() error {
			want := pattern(byte(cpu+1), 3*hostarch.PageSize)
			for i := 0; i < 20; i++ {
				addr, err := mm.MapAnon(ctx, 0, uint64(len(want)), true, hostarch.ReadWrite)
				if err != nil {
					return err
				}
				if _, err := mm.CopyOut(ctx, addr, want); err != nil {
					return err
				}
				got := make([]byte, len(want))
				if _, err := mm.CopyIn(ctx, addr, got); err != nil {
					return err
				}
				if !bytes.Equal(got, want) {
					return errors.New("mapping contents changed under a concurrent mapper")
				}
				if err := mm.Unmap(ctx, addr, uint64(len(want))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("mapper failed: %v", err)
	}
	mm.checkEmpty(t)
}
