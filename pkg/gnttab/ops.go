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
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/page"
)

// Ops executes the GNTTABOP hypercalls. One instance serves the whole
// hypervisor; per-domain state lives in the domains' tables.
type Ops struct {
	// Registry resolves foreign domains.
	Registry Registry

	// Mapper resolves host frames to VMM byte windows for copies and
	// for adopting root table backing.
	Mapper page.FrameMapper

	// InWinpvHole reports whether a root guest frame lies in the
	// region reserved for hypervisor-introduced PV pages.
	InWinpvHole func(gfn xen.PFN) bool
}

// validMapArg checks the request against the supported flag set and the
// 16-bit handle encoding.
func validMapArg(op *xen.MapGrantRef) bool {
	if !supportedMapFlags(op.Flags) {
		log.Warningf("gnttab: unsupported GNTMAP flags:%#x", op.Flags)
		return false
	}
	if uint32(op.Ref)&0xFFFF0000 != 0 {
		log.Warningf("gnttab: OOB ref %d would overflow map handle", op.Ref)
		return false
	}
	return true
}

// newMapHandle composes the handle and rejects duplicates.
func newMapHandle(local Domain, op *xen.MapGrantRef) (xen.GrantHandle, xen.GnttabStatus) {
	hdl := xen.MakeGrantHandle(op.Dom, op.Ref)
	if local.Gnttab().HasHandle(hdl) {
		log.Warningf("gnttab: handle %#x already mapped", hdl)
		return 0, xen.GnttabNoDeviceSpace
	}
	return hdl, xen.GnttabOkay
}

// mapForeignFrame installs the foreign frame into the local EPT and
// records the handle.
func mapForeignFrame(local Domain, op *xen.MapGrantRef, fdom Domain, fgfn xen.PFN, hdl xen.GrantHandle) xen.GnttabStatus {
	lgnt := local.Gnttab()
	lgpa := op.HostAddr

	if !lgnt.insertHandle(hdl, lgpa) {
		log.Warningf("gnttab: failed to add map handle %#x for gpa %#x", hdl, lgpa)
		return xen.GnttabNoDeviceSpace
	}

	op.Handle = hdl
	op.DevBusAddr = 0

	perm := hostarch.ReadWrite
	if op.Flags&xen.GNTMAPReadonly != 0 {
		perm = hostarch.Read
	}

	// For the root domain the foreign guest-physical frame is the host
	// frame; everyone else translates through the foreign EPT.
	hpa := fgfn.Addr()
	if op.Dom != xen.DomIDRootVM {
		var ok bool
		hpa, ok = fdom.EPT().Translate(fgfn.Addr())
		if !ok {
			log.Warningf("gnttab: foreign gfn %#x not mapped in dom %#x", fgfn, op.Dom)
			lgnt.eraseHandle(hdl)
			return xen.GnttabGeneralError
		}
	}

	if err := local.EPT().Map4K(lgpa, hpa, perm, hostarch.MemoryTypeWriteBack); err != nil {
		log.Warningf("gnttab: map_4k %#x -> %#x failed: %v", lgpa, hpa, err)
		lgnt.eraseHandle(hdl)
		return xen.GnttabGeneralError
	}

	return xen.GnttabOkay
}

// unmapForeignFrame tears down the local EPT mapping and drops the
// handle record.
func unmapForeignFrame(local Domain, lgpa uint64, hdl xen.GrantHandle) xen.GnttabStatus {
	local.EPT().Unmap(lgpa)
	local.EPT().Release(lgpa)
	local.Gnttab().eraseHandle(hdl)
	return xen.GnttabOkay
}

// mapOne performs a single map_grant_ref against an already resolved
// foreign domain, filling op.Status.
func (o *Ops) mapOne(local Domain, fdom Domain, op *xen.MapGrantRef) {
	if !validMapArg(op) {
		op.Status = xen.GnttabGeneralError
		return
	}

	if local.ID() == xen.DomIDRootVM && !o.InWinpvHole(xen.Frame(op.HostAddr)) {
		log.Warningf("gnttab: root map host_addr %#x outside winpv hole", op.HostAddr)
		op.Status = xen.GnttabGeneralError
		return
	}

	hdl, rc := newMapHandle(local, op)
	if rc != xen.GnttabOkay {
		op.Status = rc
		return
	}

	fgnt := fdom.Gnttab()
	var fgfn xen.PFN
	pinned := false

	if fgnt.InvalidRef(op.Ref) {
		log.Warningf("gnttab: OOB ref:%#x for dom:%#x", op.Ref, op.Dom)
		if !(op.Dom == xen.DomIDRootVM && op.Ref == xen.ReservedXenstore) {
			op.Status = xen.GnttabBadGntref
			return
		}
		// Reserved fallback: the xenstore ring frame comes from the
		// root's HVM parameters instead of a table entry.
		fgfn = xen.PFN(fdom.HVMParam(xen.HVMParamStorePFN))
	} else {
		rw := op.Flags&xen.GNTMAPReadonly == 0
		if rc := pinGrantedPage(fgnt, local.ID(), op.Ref, op.Dom, rw); rc != xen.GnttabOkay {
			op.Status = rc
			return
		}
		pinned = true
		fgfn = fgnt.SharedGFN(op.Ref)
	}

	rc = mapForeignFrame(local, op, fdom, fgfn, hdl)
	if rc != xen.GnttabOkay && pinned {
		unpinGrantedPage(fgnt, op.Ref)
	}
	op.Status = rc
}

// unmapOne performs a single unmap_grant_ref against an already
// resolved foreign domain, filling op.Status.
func (o *Ops) unmapOne(local Domain, fdom Domain, op *xen.UnmapGrantRef) {
	hdl := op.Handle
	fref := hdl.Ref()
	fdomid := hdl.DomID()
	lgpa := op.HostAddr

	lgnt := local.Gnttab()
	stored, ok := lgnt.lookupHandle(hdl)
	if !ok {
		log.Warningf("gnttab: handle:%#x not found", hdl)
		op.Status = xen.GnttabBadHandle
		return
	}
	if stored != lgpa {
		log.Warningf("gnttab: handle.addr=%#x != unmap.gpa=%#x", stored, lgpa)
		op.Status = xen.GnttabBadVirtAddr
		return
	}

	fgnt := fdom.Gnttab()
	if fgnt.InvalidRef(fref) {
		log.Warningf("gnttab: bad fref:%d", fref)
		if !(fdomid == xen.DomIDRootVM && fref == xen.ReservedXenstore) {
			op.Status = xen.GnttabBadHandle
			return
		}
		// Reserved fallback unmaps without touching any table entry.
	} else {
		unpinGrantedPage(fgnt, fref)
	}

	op.Status = unmapForeignFrame(local, lgpa, hdl)
}

// foreignRef caches a borrowed foreign domain across consecutive batch
// items naming the same domid.
type foreignRef struct {
	domid   xen.DomID
	dom     Domain
	release func()
}

func (f *foreignRef) drop() {
	if f.dom != nil {
		f.release()
		f.dom = nil
	}
}

// resolve swaps the cached domain if id differs from the cached one.
func (f *foreignRef) resolve(o *Ops, local Domain, id xen.DomID) bool {
	if f.dom != nil && f.domid == id {
		return true
	}
	f.drop()
	f.domid = id
	d, release, ok := o.Registry.Get(local, id)
	if !ok {
		log.Warningf("gnttab: failed to get dom %#x", id)
		return false
	}
	f.dom = d
	f.release = release
	return true
}

// MapGrantRefBatch executes a GNTTABOP_map_grant_ref batch and returns
// the hypercall status register value: the status of the last operation
// that executed.
//
// No EPT invalidation is needed here: mappings only go from not-present
// to present, and the IOMMU does not run in caching mode.
func (o *Ops) MapGrantRefBatch(local Domain, ops []xen.MapGrantRef) int64 {
	var rc int64
	var fref foreignRef
	defer fref.drop()

	for i := range ops {
		op := &ops[i]
		if !fref.resolve(o, local, op.Dom) {
			rc = int64(xen.GnttabBadDomain)
			break
		}
		o.mapOne(local, fref.dom, op)
		rc = int64(op.Status)
		if op.Status != xen.GnttabOkay {
			log.Warningf("gnttab: map op[%d] failed, rc=%d", i, op.Status)
			break
		}
	}
	return rc
}

// UnmapGrantRefBatch executes a GNTTABOP_unmap_grant_ref batch. After
// the batch, the local EPT is invalidated and every IOMMU bound to the
// local domain is flushed for every item that executed, the failing
// last item included: one domain-selective flush when the unit lacks
// PSI, otherwise one page-selective flush per executed item.
func (o *Ops) UnmapGrantRefBatch(local Domain, ops []xen.UnmapGrantRef) int64 {
	var rc int64
	var fref foreignRef
	defer fref.drop()

	done := 0
	for i := range ops {
		op := &ops[i]
		if !fref.resolve(o, local, op.Handle.DomID()) {
			rc = int64(xen.GnttabBadDomain)
			break
		}
		o.unmapOne(local, fref.dom, op)
		rc = int64(op.Status)
		done = i + 1
		if op.Status != xen.GnttabOkay {
			log.Warningf("gnttab: unmap op[%d] failed, rc=%d", i, op.Status)
			break
		}
	}

	if done > 0 {
		local.EPT().Invalidate()
		for _, unit := range local.IOMMUs() {
			if !unit.PSISupported() {
				unit.FlushIOTLBDomain(local.ID())
				continue
			}
			for p := 0; p < done; p++ {
				unit.FlushIOTLBPages(local.ID(), ops[p].HostAddr, xen.PageSize)
			}
		}
	}
	return rc
}

// QuerySize fills the frame counts for the addressed domain. Pure: no
// state changes.
func (o *Ops) QuerySize(local Domain, q *xen.QuerySize) int64 {
	domid := q.Dom
	if domid == xen.DomIDSelf {
		domid = local.ID()
	}
	dom, release, ok := o.Registry.Get(local, domid)
	if !ok {
		log.Warningf("gnttab: query_size: domain %#x not found", domid)
		q.Status = xen.GnttabBadDomain
		return -xen.ESRCH
	}
	defer release()

	q.NrFrames = dom.Gnttab().NrFrames()
	q.MaxNrFrames = MaxSharedPages
	q.Status = xen.GnttabOkay
	return 0
}

// SetVersion switches the table version. Only v1 is implemented; v2 is
// recognized but rejected.
func (o *Ops) SetVersion(local Domain, s *xen.SetVersion) int64 {
	switch s.Version {
	case 1:
		return 0
	case 2:
		log.Warningf("gnttab: set_version to 2 unimplemented")
		return -xen.ENOSYS
	default:
		return -xen.EINVAL
	}
}

// MapspaceGrantTable services XENMEM_add_to_physmap with the grant-table
// space: it exposes table backing pages to the calling domain at the
// requested guest frame.
func (o *Ops) MapspaceGrantTable(local Domain, callerIsRoot bool, atp *xen.AddToPhysmap) int64 {
	t := local.Gnttab()
	idx := atp.Idx
	gfn := atp.GPFN

	if !callerIsRoot {
		var pg *page.Page
		var err error
		if idx&xen.MapIdxGrantTableStatus != 0 {
			if t.Version() != 2 {
				log.Warningf("gnttab: mapspace status table but version is 1")
				return -xen.EINVAL
			}
			pg, err = t.StatusPage(uint32(idx &^ xen.MapIdxGrantTableStatus))
		} else {
			pg, err = t.SharedPage(uint32(idx))
		}
		if err != nil {
			log.Warningf("gnttab: mapspace get page idx=%#x: %v", idx, err)
			return -xen.EINVAL
		}

		if err := local.EPT().Map4K(gfn.Addr(), pg.HFN().Addr(), hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil {
			log.Warningf("gnttab: mapspace map gfn %#x: %v", gfn, err)
			return -xen.EINVAL
		}
		local.EPT().Invalidate()
		for _, unit := range local.IOMMUs() {
			if unit.PSISupported() {
				unit.FlushIOTLBPages(local.ID(), gfn.Addr(), xen.PageSize)
			} else {
				unit.FlushIOTLBDomain(local.ID())
			}
		}
		return 0
	}

	// Root path: the root's own identity-mapped frame becomes the table
	// backing; no new VMM page is introduced.
	if local.ID() != xen.DomIDRootVM {
		log.Warningf("gnttab: root mapspace from non-root domain %#x", local.ID())
		return -xen.EPERM
	}
	if !o.InWinpvHole(gfn) {
		log.Warningf("gnttab: root mapspace gfn %#x outside winpv hole", gfn)
		return -xen.EINVAL
	}
	if idx&xen.MapIdxGrantTableStatus != 0 {
		return -xen.EINVAL
	}
	if idx >= MaxSharedPages {
		return -xen.EINVAL
	}

	gpa := gfn.Addr()
	if err := local.EPT().Map4K(gpa, gpa, hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil {
		log.Warningf("gnttab: root mapspace identity map %#x: %v", gpa, err)
		return -xen.EINVAL
	}

	cu := cleanup.Make(func() {
		local.EPT().Unmap(gpa)
		local.EPT().Release(gpa)
	})
	defer cu.Clean()

	data, _, err := o.Mapper.MapFrame(gfn)
	if err != nil {
		log.Warningf("gnttab: root mapspace map frame %#x: %v", gfn, err)
		return -xen.EINVAL
	}
	pg := page.NewGuestPage(gfn, data)
	if err := t.adoptSharedPage(uint32(idx), pg); err != nil {
		return -xen.EINVAL
	}
	cu.Release()

	// Fill in the store and console entries as the toolstack would
	// have. The atomic header store in SetV1Entry publishes the frames.
	if idx == 0 {
		pfn := local.HVMParam(xen.HVMParamStorePFN)
		if pfn == 0 {
			log.Warningf("gnttab: root mapspace: store pfn unset")
			return -xen.EINVAL
		}
		t.SetV1Entry(xen.ReservedXenstore, xen.GTFPermitAccess, 0, uint32(pfn))

		pfn = local.HVMParam(xen.HVMParamConsolePFN)
		if pfn == 0 {
			log.Warningf("gnttab: root mapspace: console pfn unset")
			return -xen.EINVAL
		}
		t.SetV1Entry(xen.ReservedConsole, xen.GTFPermitAccess, 0, uint32(pfn))
	}

	return 0
}
