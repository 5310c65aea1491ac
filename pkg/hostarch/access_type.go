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

package hostarch

import (
	"bytes"
	"fmt"
)

// AccessType specifies memory access types. This is used for permissions
// on mappings and for faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// Bits of the 3-bit permission encoding, see AccessTypeFromPerm.
const (
	PermRead  = 1
	PermWrite = 2
	PermExec  = 4
)

// AccessTypeFromPerm converts a {read, write, exec} bit set into an
// AccessType.
func AccessTypeFromPerm(perm uint) AccessType {
	return AccessType{
		Read:    perm&PermRead != 0,
		Write:   perm&PermWrite != 0,
		Execute: perm&PermExec != 0,
	}
}

// Perm returns the {read, write, exec} bit set for a.
func (a AccessType) Perm() uint {
	var perm uint
	if a.Read {
		perm |= PermRead
	}
	if a.Write {
		perm |= PermWrite
	}
	if a.Execute {
		perm |= PermExec
	}
	return perm
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// Effective returns the access that the hardware grants for a. Without read
// access an entry cannot be present, so write and execute are dropped too.
func (a AccessType) Effective() AccessType {
	if !a.Read {
		return NoAccess
	}
	return a
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	var buf bytes.Buffer
	if a.Read {
		buf.WriteString("r")
	} else {
		buf.WriteString("-")
	}
	if a.Write {
		buf.WriteString("w")
	} else {
		buf.WriteString("-")
	}
	if a.Execute {
		buf.WriteString("x")
	} else {
		buf.WriteString("-")
	}
	return buf.String()
}

// GoString implements fmt.GoStringer.GoString.
func (a AccessType) GoString() string {
	return fmt.Sprintf("hostarch.AccessType{%s}", a)
}

// Convenient access types.
var (
	NoAccess    = AccessType{}
	Read        = AccessType{Read: true}
	Write       = AccessType{Write: true}
	Execute     = AccessType{Execute: true}
	ReadWrite   = AccessType{Read: true, Write: true}
	ReadExecute = AccessType{Read: true, Execute: true}
	AnyAccess   = AccessType{Read: true, Write: true, Execute: true}
)
