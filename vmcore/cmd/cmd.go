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

// Package cmd holds implementations of the vmcore commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"gvisor.dev/vmcore/pkg/kernel"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/vmcore/config"
)

// Fatalf logs the message, writes it to stderr and exits.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// boot boots a kernel as described by the configuration passed to a command.
func boot(ctx context.Context, args []any) (*kernel.Kernel, error) {
	conf := args[0].(*config.Config)
	return kernel.Boot(ctx, conf.KernelOpts())
}
