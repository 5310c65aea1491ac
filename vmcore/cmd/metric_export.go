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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/kernel"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/prometheus"
)

// MetricExport implements subcommands.Command for the "export-metrics" command.
type MetricExport struct {
	exporterPrefix string
	workers        int
	iterations     int
}

// Name implements subcommands.Command.Name.
func (*MetricExport) Name() string {
	return "export-metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MetricExport) Synopsis() string {
	return "run the exercise and export metric data"
}

// Usage implements subcommands.Command.Usage.
func (*MetricExport) Usage() string {
	return `export-metrics [-exporter-prefix=<vmcore_>] - boots the machine, runs the exercise and prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MetricExport) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "vmcore_", "Prefix for all metric names, following Prometheus exporter convention")
	f.IntVar(&m.workers, "workers", 4, "number of concurrent exercise workers.")
	f.IntVar(&m.iterations, "iterations", 100, "number of exercise cycles per worker.")
}

// Execute implements subcommands.Command.Execute.
func (m *MetricExport) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.workers < 1 || m.iterations < 0 {
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
	registerMemoryMetrics(k)
	if err := metric.Initialize(); err != nil {
		Fatalf("initializing metrics: %v", err)
	}

	if err := runExercise(ctx, k, m.workers, m.iterations); err != nil {
		Fatalf("exercise failed: %v", err)
	}

	written, err := prometheus.Write(os.Stdout, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("Command-line export after %d workers ran %d cycles each", m.workers, m.iterations),
		ExporterPrefix: m.exporterPrefix,
	}, metric.GetSnapshot())
	if err != nil {
		Fatalf("Cannot write metrics to stdout: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}

// registerMemoryMetrics registers gauges reading the physical memory of k.
func registerMemoryMetrics(k *kernel.Kernel) {
	metric.MustRegisterCustomUint64Metric("/memory/free", false /* cumulative */, "Free physical memory in bytes.", func() uint64 {
		return k.Memory.Stats().Free
	})
	metric.MustRegisterCustomUint64Metric("/memory/used", false /* cumulative */, "Used physical memory in bytes, including page tables.", func() uint64 {
		return k.Memory.Stats().Used
	})
	metric.MustRegisterCustomUint64Metric("/memory/page_tables", false /* cumulative */, "Number of page table pages.", func() uint64 {
		return uint64(k.MemoryManager.PageTables().Tables())
	})
}
