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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/kernel"
	"gvisor.dev/vmcore/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	maps bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and print its memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-maps] - boots the machine, prints the boot linear maps, page table leaves and physical memory usage
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.maps, "maps", false, "also print the mappings in /proc/pid/maps format.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
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
	if err := writeLayout(os.Stdout, k); err != nil {
		Fatalf("writing layout: %v", err)
	}
	if b.maps {
		if err := k.MemoryManager.WriteMaps(os.Stdout); err != nil {
			Fatalf("writing maps: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// writeLayout writes the boot linear maps, the page table leaves and the
// physical memory usage of k to w.
func writeLayout(w io.Writer, k *kernel.Kernel) error {
	tw := tabwriter.NewWriter(w, 12, 1, 3, ' ', 0)
	fmt.Fprint(tw, "REGION\tVIRTUAL\tPHYSICAL\tSIZE\n")
	for _, r := range k.Layout {
		fmt.Fprintf(tw, "%s\t%#x\t%#x\t%#x\n", r.Name, r.Virtual, r.Physical, r.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	pt := k.MemoryManager.PageTables()
	leaves := pt.CountLeaves()
	stats := k.Memory.Stats()
	fmt.Fprintf(w, "page tables: %d tables, %d pages, %d huge pages, %d super pages\n", pt.Tables(), leaves.Pages, leaves.HugePages, leaves.SuperPages)
	_, err := fmt.Fprintf(w, "memory: %#x total, %#x free, %#x used\n", stats.Total, stats.Free, stats.Used)
	return err
}
