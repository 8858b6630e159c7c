// Copyright 2025 The pvisor Authors.
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

package gnttab

import (
	"sync/atomic"
	"unsafe"

	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/page"
)

// headerCell returns the atomic 32-bit cell over the entry header at the
// given byte offset into pg. Entry sizes are multiples of four and pages
// are naturally aligned, so the cell is always aligned.
//
// The cell aliases guest-writable memory; every access must go through
// it, never through the plain byte view.
func headerCell(pg *page.Page, off uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&pg.Data()[off]))
}

// headerCellFor resolves ref to its header cell. ok is false when ref is
// out of bounds.
func (t *Table) headerCellFor(ref xen.GrantRef) (*atomic.Uint32, bool) {
	pg, off, ok := t.sharedPageFor(ref)
	if !ok {
		return nil, false
	}
	if t.version == 1 {
		return headerCell(pg, off*xen.GrantV1EntrySize), true
	}
	return headerCell(pg, off*xen.GrantV2EntrySize), true
}
