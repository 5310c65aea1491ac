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

// Package hostarch describes the architectural parameters of the simulated
// x86-64 machine: page sizes, virtual addresses and access types.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the huge page size.
	HugePageShift = 21

	// HugePageSize is the huge page size.
	HugePageSize = 1 << HugePageShift

	// SuperPageShift is the binary log of the 1G super page size.
	SuperPageShift = 30

	// SuperPageSize is the 1G super page size.
	SuperPageSize = 1 << SuperPageShift

	// EntriesPerTable is the number of entries in one page-table page.
	EntriesPerTable = PageSize / 8

	// MaxUserAddress is the top of the allocatable address range. VMAs never
	// extend past it.
	MaxUserAddress Addr = 0x800000000000
)
