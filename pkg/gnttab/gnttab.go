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

// Package gnttab implements the per-domain grant table: the shared and
// status tables, the map-handle table, and the GNTTABOP hypercalls.
//
// The shared table lives in memory the granting guest can write
// concurrently. All entry header access goes through aligned 32-bit
// atomic cells over the raw page bytes; nothing here trusts the foreign
// side beyond CAS outcomes.
package gnttab

import (
	"errors"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/ept"
	"pvisor.dev/pvisor/pkg/page"
)

// MaxSharedPages is the compile-time bound on shared table pages.
const MaxSharedPages = 64

// maxStatusPages derives from the v2 entry geometry: status pages only
// exist under v2, so the v2 maximum entry count determines the bound.
const maxStatusPages = (MaxSharedPages*xen.GrantV2PerPage + xen.GrantStatusPerPage - 1) / xen.GrantStatusPerPage

// ErrCapacity is returned when growth would exceed the table maximum.
var ErrCapacity = errors.New("grant table at capacity")

// IOTLB is one IOMMU's invalidation surface, as the grant table needs
// it after EPT unmaps.
type IOTLB interface {
	// PSISupported reports page-selective invalidation capability.
	PSISupported() bool

	// FlushIOTLBDomain performs a domain-selective flush and waits for
	// the engine to acknowledge.
	FlushIOTLBDomain(id xen.DomID)

	// FlushIOTLBPages flushes the given guest-physical range and waits
	// for the engine to acknowledge.
	FlushIOTLBPages(id xen.DomID, gpa uint64, bytes uint64)
}

// Domain is the view of a domain the grant table operations need.
type Domain interface {
	// ID returns the domain identifier.
	ID() xen.DomID

	// IsRoot is true for the privileged root domain, whose guest
	// frames are identity-mapped to host frames.
	IsRoot() bool

	// Gnttab returns the domain's grant table.
	Gnttab() *Table

	// EPT returns the domain's second-level map.
	EPT() *ept.Map

	// HVMParam reads one HVM parameter.
	HVMParam(index uint32) uint64

	// IOMMUs returns the DMA remapping units bound to the domain.
	IOMMUs() []IOTLB
}

// Registry resolves borrowed domain references. The release function is
// mandatory on all exit paths; for the SELF and ROOTVM aliases (and the
// caller's own id) it is a no-op because the running vCPU already holds
// an implicit reference.
type Registry interface {
	Get(local Domain, id xen.DomID) (d Domain, release func(), ok bool)
}

// Table is one domain's grant table.
type Table struct {
	mu sync.Mutex

	version uint32
	owner   xen.DomID
	root    bool
	pool    *page.Pool

	// shared and status hold the table backing in index order. Growth
	// is monotonic; pages are never removed or reordered, so entry
	// cells handed out under mu stay valid after mu is dropped.
	shared []*page.Page
	status []*page.Page

	// handles maps active foreign mappings to the local guest-physical
	// address they were mapped at.
	handles map[xen.GrantHandle]uint64
}

// New creates a grant table for the given domain. Guest domains come up
// with one shared page; the root domain's backing arrives later through
// mapspace_grant_table, from its own identity-mapped frames.
func New(owner xen.DomID, root bool, pool *page.Pool) (*Table, error) {
	t := &Table{
		version: 1,
		owner:   owner,
		root:    root,
		pool:    pool,
		shared:  make([]*page.Page, 0, MaxSharedPages),
		status:  make([]*page.Page, 0, maxStatusPages),
		handles: make(map[xen.GrantHandle]uint64),
	}
	if !root {
		if err := t.grow(1); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Version returns the active table version.
func (t *Table) Version() uint32 {
	return t.version
}

// entriesPerPage returns the shared entry count per page for the active
// version.
func (t *Table) entriesPerPage() uint32 {
	if t.version == 1 {
		return xen.GrantV1PerPage
	}
	return xen.GrantV2PerPage
}

// InvalidRef reports whether ref lies outside the current shared table.
func (t *Table) InvalidRef(ref xen.GrantRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(ref) >= uint32(len(t.shared))*t.entriesPerPage()
}

// sharedToStatusPages converts a shared page count to the status pages
// needed to cover its entries.
func (t *Table) sharedToStatusPages(shr uint32) uint32 {
	ent := shr * t.entriesPerPage()
	rem := ent & (xen.GrantStatusPerPage - 1)
	n := ent >> xen.GrantStatusPgShift
	if rem != 0 {
		n++
	}
	return n
}

// statusToSharedPages converts a status page count to the shared pages
// its entries cover.
func (t *Table) statusToSharedPages(sts uint32) uint32 {
	ent := sts * xen.GrantStatusPerPage
	rem := ent & (xen.GrantV2PerPage - 1)
	n := ent >> xen.GrantV2PageShift
	if rem != 0 {
		n++
	}
	return n
}

// grow appends newShr shared pages (and, under v2, the derived number of
// status pages). Callers hold t.mu or have exclusive access.
func (t *Table) grow(newShr uint32) error {
	var newSts uint32
	if t.version == 2 {
		newSts = t.sharedToStatusPages(newShr)
	}
	if uint32(len(t.shared))+newShr > MaxSharedPages {
		return ErrCapacity
	}
	for i := uint32(0); i < newShr; i++ {
		pg, err := t.pool.Alloc()
		if err != nil {
			return err
		}
		t.shared = append(t.shared, pg)
	}
	for i := uint32(0); i < newSts; i++ {
		pg, err := t.pool.Alloc()
		if err != nil {
			return err
		}
		t.status = append(t.status, pg)
	}
	return nil
}

// SharedPage returns the idx'th shared table page, growing the table on
// demand up to capacity. This backs XENMEM_resource enumeration by the
// toolstack as well as mapspace_grant_table.
func (t *Table) SharedPage(idx uint32) (*page.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx >= MaxSharedPages {
		return nil, ErrCapacity
	}
	if idx >= uint32(len(t.shared)) {
		if err := t.grow(idx + 1 - uint32(len(t.shared))); err != nil {
			return nil, err
		}
	}
	return t.shared[idx], nil
}

// StatusPage returns the idx'th status table page, growing on demand.
func (t *Table) StatusPage(idx uint32) (*page.Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx >= maxStatusPages {
		return nil, ErrCapacity
	}
	if idx >= uint32(len(t.status)) {
		if err := t.grow(t.statusToSharedPages(idx + 1 - uint32(len(t.status)))); err != nil {
			return nil, err
		}
	}
	return t.status[idx], nil
}

// NrFrames returns the current shared page count.
func (t *Table) NrFrames() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.shared))
}

// sharedPageFor returns the page and in-page entry index for ref.
func (t *Table) sharedPageFor(ref xen.GrantRef) (*page.Page, uint32, bool) {
	var shift uint32 = xen.GrantV1PageShift
	if t.version != 1 {
		shift = xen.GrantV2PageShift
	}
	idx := uint32(ref) >> shift
	off := uint32(ref) & (t.entriesPerPage() - 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx >= uint32(len(t.shared)) {
		return nil, 0, false
	}
	return t.shared[idx], off, true
}

// SharedGFN reads the granted frame from the entry. The frame field is
// not part of the atomic header; the granter publishes it before setting
// permit_access.
func (t *Table) SharedGFN(ref xen.GrantRef) xen.PFN {
	pg, off, ok := t.sharedPageFor(ref)
	if !ok {
		return 0
	}
	if t.version == 1 {
		var e xen.GrantEntryV1
		e.UnmarshalBytes(pg.Data()[off*xen.GrantV1EntrySize:])
		return xen.PFN(e.Frame)
	}
	// v2 full-page entries carry the frame at offset 8.
	base := off * xen.GrantV2EntrySize
	return xen.PFN(uint64(pg.Data()[base+8]) | uint64(pg.Data()[base+9])<<8 |
		uint64(pg.Data()[base+10])<<16 | uint64(pg.Data()[base+11])<<24)
}

// SetV1Entry writes a whole v1 entry. Only used to seed the reserved
// xenstore/console entries in the root table; the header word is
// published atomically after the frame so a concurrent peer never sees
// permit_access with a stale frame.
func (t *Table) SetV1Entry(ref xen.GrantRef, flags uint16, domid xen.DomID, frame uint32) {
	pg, off, ok := t.sharedPageFor(ref)
	if !ok {
		log.Warningf("gnttab: SetV1Entry: OOB ref %d", ref)
		return
	}
	b := pg.Data()[off*xen.GrantV1EntrySize:]
	b[4] = byte(frame)
	b[5] = byte(frame >> 8)
	b[6] = byte(frame >> 16)
	b[7] = byte(frame >> 24)
	cell := headerCell(pg, off*xen.GrantV1EntrySize)
	cell.Store(xen.GrantEntryHeader{Flags: flags, DomID: domid}.Word())
}

// ReadV1Entry returns a snapshot of a v1 entry. The header half is
// read through the atomic cell; the frame is racy by nature, as it is
// for any reader of guest-owned table memory.
func (t *Table) ReadV1Entry(ref xen.GrantRef) (xen.GrantEntryV1, bool) {
	pg, off, ok := t.sharedPageFor(ref)
	if !ok {
		return xen.GrantEntryV1{}, false
	}
	cell := headerCell(pg, off*xen.GrantV1EntrySize)
	hdr := xen.HeaderFromWord(cell.Load())
	var e xen.GrantEntryV1
	e.UnmarshalBytes(pg.Data()[off*xen.GrantV1EntrySize:])
	e.Flags = hdr.Flags
	e.DomID = hdr.DomID
	return e, true
}

// DumpSharedEntry logs one entry, for debug plumbing.
func (t *Table) DumpSharedEntry(ref xen.GrantRef) {
	if t.InvalidRef(ref) {
		log.Infof("gnttab: dump: OOB ref:%#x", ref)
		return
	}
	e, _ := t.ReadV1Entry(ref)
	log.Infof("gnttab: v%d: ref:%#x flags:%#x domid:%#x frame:%#x", t.version, ref, e.Flags, e.DomID, e.Frame)
}

// lookupHandle returns the stored local guest-physical address.
func (t *Table) lookupHandle(h xen.GrantHandle) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gpa, ok := t.handles[h]
	return gpa, ok
}

// insertHandle records a new active mapping. Returns false if the
// handle is already present.
func (t *Table) insertHandle(h xen.GrantHandle, gpa uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[h]; ok {
		return false
	}
	t.handles[h] = gpa
	return true
}

// eraseHandle removes an active mapping record.
func (t *Table) eraseHandle(h xen.GrantHandle) {
	t.mu.Lock()
	delete(t.handles, h)
	t.mu.Unlock()
}

// HasHandle reports whether the handle is currently mapped.
func (t *Table) HasHandle(h xen.GrantHandle) bool {
	_, ok := t.lookupHandle(h)
	return ok
}

// adoptSharedPage installs externally backed table memory at idx (the
// root path of mapspace_grant_table). idx may equal len(shared) to
// append, or address an existing slot to replace its backing.
func (t *Table) adoptSharedPage(idx uint32, pg *page.Page) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case idx < uint32(len(t.shared)):
		t.shared[idx] = pg
	case idx == uint32(len(t.shared)) && idx < MaxSharedPages:
		t.shared = append(t.shared, pg)
	default:
		return ErrCapacity
	}
	return nil
}
