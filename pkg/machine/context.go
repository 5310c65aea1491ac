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

package machine

import (
	"context"
)

// contextID is the machine package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCPU is a Context.Value key for the id of the vCPU the caller
	// runs on.
	CtxCPU contextID = iota
)

// WithCPU returns a copy of ctx bound to vCPU cpu.
func WithCPU(ctx context.Context, cpu int) context.Context {
	return context.WithValue(ctx, CtxCPU, cpu)
}

// CPUFromContext returns the vCPU ctx is bound to. Unbound contexts run on
// vCPU 0, the boot processor.
func CPUFromContext(ctx context.Context) int {
	if v := ctx.Value(CtxCPU); v != nil {
		return v.(int)
	}
	return 0
}
