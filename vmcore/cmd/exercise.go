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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/kernel"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/machine"
	"gvisor.dev/vmcore/pkg/mm"
)

// exerciseSize is the size of each mapping made by runExercise.
const exerciseSize = 4 * hostarch.PageSize

// Exercise implements subcommands.Command for the "exercise" command.
type Exercise struct {
	workers    int
	iterations int
	file       string
	shared     bool
	maps       bool
}

// Name implements subcommands.Command.Name.
func (*Exercise) Name() string {
	return "exercise"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Exercise) Synopsis() string {
	return "map, write, remap and unmap memory from every vCPU"
}

// Usage implements subcommands.Command.Usage.
func (*Exercise) Usage() string {
	return `exercise [flags] - boots the machine and runs concurrent map/remap/unmap cycles, checking that replaced memory reads as zero
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Exercise) SetFlags(f *flag.FlagSet) {
	f.IntVar(&e.workers, "workers", 4, "number of concurrent workers. Worker i runs on vCPU i modulo the CPU count.")
	f.IntVar(&e.iterations, "iterations", 100, "number of cycles per worker.")
	f.StringVar(&e.file, "file", "", "if set, also map this file and print its first bytes.")
	f.BoolVar(&e.shared, "shared", false, "map the file shared and write it back with msync.")
	f.BoolVar(&e.maps, "maps", false, "print the mappings in /proc/pid/maps format before exiting.")
}

// Execute implements subcommands.Command.Execute.
func (e *Exercise) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || e.workers < 1 || e.iterations < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k, err := boot(ctx, args)
	if err != nil {
		Fatalf("booting: %v", err)
	}
	defer func() {
		if err := k.Destroy(); err != nil {
			log.Warningf("Destroy failed: %v", err)
		}
	}()

	if e.file != "" {
		if err := e.mapFile(ctx, k.MemoryManager); err != nil {
			Fatalf("mapping %q: %v", e.file, err)
		}
	}
	if err := runExercise(ctx, k, e.workers, e.iterations); err != nil {
		Fatalf("exercise failed: %v", err)
	}
	fmt.Printf("%d workers completed %d cycles each\n", e.workers, e.iterations)
	if e.maps {
		if err := k.MemoryManager.WriteMaps(os.Stdout); err != nil {
			Fatalf("writing maps: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// hostFile is a host file that can be mapped.
type hostFile struct {
	*os.File
	size int64
}

// Size implements mm.File.Size.
func (f *hostFile) Size() int64 {
	return f.size
}

// String names the file in the maps.
func (f *hostFile) String() string {
	return f.Name()
}

// mapFile maps e.file and prints its first bytes as seen through the
// mapping. The mapping is left in place so that it shows up in the maps.
func (e *Exercise) mapFile(ctx context.Context, as *mm.MemoryManager) error {
	flags := os.O_RDONLY
	if e.shared {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(e.file, flags, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := uint64(fi.Size())
	if size == 0 {
		size = hostarch.PageSize
	}
	hf := &hostFile{File: f, size: fi.Size()}
	addr, err := as.MapFile(ctx, 0, size, true, hostarch.ReadWrite, hf, 0, e.shared)
	if err != nil {
		return err
	}
	head := make([]byte, min(size, 64))
	if _, err := as.CopyIn(ctx, addr, head); err != nil {
		return err
	}
	fmt.Printf("%s mapped at %#x: %q\n", e.file, addr, head)
	if e.shared {
		return as.Msync(ctx, addr, size)
	}
	return nil
}

// runExercise runs workers concurrent goroutines, each performing iterations
// cycles of exerciseOnce on its own vCPU.
func runExercise(ctx context.Context, k *kernel.Kernel, workers, iterations int) error {
	g, ctx := errgroup.WithContext(ctx)
	cpus := k.Machine.NumCPUs()
	for w := 0; w < workers; w++ {
		ctx := machine.WithCPU(ctx, w%cpus)
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := exerciseOnce(ctx, k.MemoryManager); err != nil {
					return fmt.Errorf("worker %d, cycle %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// exerciseOnce maps memory, fills it with a pattern, maps fresh memory over
// it and checks that none of the pattern is visible anymore.
func exerciseOnce(ctx context.Context, as *mm.MemoryManager) error {
	addr, err := as.MapAnon(ctx, 0, exerciseSize, true, hostarch.ReadWrite)
	if err != nil {
		return err
	}
	buf := bytes.Repeat([]byte{0xab}, exerciseSize)
	if _, err := as.CopyOut(ctx, addr, buf); err != nil {
		return err
	}
	got := make([]byte, exerciseSize)
	if _, err := as.CopyIn(ctx, addr, got); err != nil {
		return err
	}
	if !bytes.Equal(got, buf) {
		return fmt.Errorf("pattern written at %#x did not read back", addr)
	}

	// Replace the mapping in place. It is still ours, so no other worker
	// can have claimed the range in between.
	if _, err := as.MapAnon(ctx, addr, exerciseSize, false, hostarch.ReadWrite); err != nil {
		return err
	}
	if _, err := as.CopyIn(ctx, addr, got); err != nil {
		return err
	}
	if i := bytes.IndexByte(got, 0xab); i >= 0 {
		return fmt.Errorf("stale data at %#x after remap", addr+hostarch.Addr(i))
	}
	return as.Unmap(ctx, addr, exerciseSize)
}
