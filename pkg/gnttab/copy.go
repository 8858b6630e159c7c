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
	"gvisor.dev/gvisor/pkg/log"
	"pvisor.dev/pvisor/pkg/abi/xen"
)

// copyOperand is one side of a GNTTABOP_copy in flight.
type copyOperand struct {
	ptr       *xen.CopyPtr
	isSrc     bool
	gfnDirect bool

	// buf is the VMM view of the operand frame; releaseBuf tears down
	// any temporary mapping backing it.
	buf        []byte
	releaseBuf func()

	// fgnt and acquired record an access token taken on the shared
	// entry. acquired is zero when a pre-existing pin was used, in
	// which case release must not clear anything.
	fgnt     *Table
	ref      xen.GrantRef
	acquired uint16

	releaseDom func()
}

// validCopyArgs validates offsets, lengths and gfn-addressing
// permissions, setting the status on failure.
func validCopyArgs(cop *xen.Copy) bool {
	srcUseGFN := cop.Flags&xen.GNTCopySourceGref == 0
	dstUseGFN := cop.Flags&xen.GNTCopyDestGref == 0

	if srcUseGFN && cop.Source.DomID != xen.DomIDSelf {
		log.Warningf("gnttab: copy src: only DOMID_SELF can use gfn-based copy")
		cop.Status = xen.GnttabPermissionDenied
		return false
	}
	if dstUseGFN && cop.Dest.DomID != xen.DomIDSelf {
		log.Warningf("gnttab: copy dst: only DOMID_SELF can use gfn-based copy")
		cop.Status = xen.GnttabPermissionDenied
		return false
	}
	if uint32(cop.Source.Offset)+uint32(cop.Len) > xen.PageSize {
		log.Warningf("gnttab: copy src: offset(%d) + len(%d) > page size", cop.Source.Offset, cop.Len)
		cop.Status = xen.GnttabBadCopyArg
		return false
	}
	if uint32(cop.Dest.Offset)+uint32(cop.Len) > xen.PageSize {
		log.Warningf("gnttab: copy dst: offset(%d) + len(%d) > page size", cop.Dest.Offset, cop.Len)
		cop.Status = xen.GnttabBadCopyArg
		return false
	}
	return true
}

// hasCopyAccess checks the side-appropriate access: read for the
// source, write for the destination.
func hasCopyAccess(isSrc bool, domid xen.DomID, hdr xen.GrantEntryHeader) bool {
	if isSrc {
		return hasReadAccess(domid, hdr)
	}
	return hasWriteAccess(domid, hdr)
}

// getCopyAccess obtains an access token on the shared entry. A frame
// already pinned with compatible access is used as-is, without touching
// the flags; otherwise the side's bit is CAS-set under the usual retry
// bound.
func getCopyAccess(op *copyOperand, domid xen.DomID, fgnt *Table, ref xen.GrantRef) xen.GnttabStatus {
	cell, ok := fgnt.headerCellFor(ref)
	if !ok {
		return xen.GnttabBadGntref
	}

	observed := cell.Load()
	hdr := xen.HeaderFromWord(observed)
	if alreadyMapped(hdr.Flags) {
		if !hasCopyAccess(op.isSrc, domid, hdr) {
			log.Warningf("gnttab: ref %d already mapped but dom %#x lacks %s access",
				ref, domid, copySideName(op.isSrc))
			return xen.GnttabPermissionDenied
		}
		return xen.GnttabOkay
	}

	desired := xen.GTFWriting
	if op.isSrc {
		desired = xen.GTFReading
	}

	for i := 0; i < pinRetries; i++ {
		hdr = xen.HeaderFromWord(observed)
		if !hasCopyAccess(op.isSrc, domid, hdr) {
			log.Warningf("gnttab: dom %#x lacks %s access to ref %d", domid, copySideName(op.isSrc), ref)
			return xen.GnttabPermissionDenied
		}
		want := xen.GrantEntryHeader{Flags: hdr.Flags | desired, DomID: hdr.DomID}
		if cell.CompareAndSwap(observed, want.Word()) {
			op.fgnt = fgnt
			op.ref = ref
			op.acquired = desired
			return xen.GnttabOkay
		}
		observed = cell.Load()
	}

	log.Warningf("gnttab: grant entry %d is unstable", ref)
	return xen.GnttabGeneralError
}

// putCopyAccess releases an access token, clearing only the bit this
// acquire set. Pre-existing pins from a concurrent map_grant_ref stay.
func putCopyAccess(op *copyOperand) {
	if op.acquired == 0 {
		return
	}
	cell, ok := op.fgnt.headerCellFor(op.ref)
	if ok {
		fetchAnd(cell, ^uint32(op.acquired))
	}
	op.acquired = 0
	op.fgnt = nil
}

func copySideName(isSrc bool) string {
	if isSrc {
		return "read"
	}
	return "write"
}

// getCopyGFN resolves a grant-addressed operand to its guest frame,
// taking the access token on the way.
func getCopyGFN(op *copyOperand, currentID xen.DomID, dom Domain) (xen.PFN, xen.GnttabStatus) {
	ref := op.ptr.Ref
	fgnt := dom.Gnttab()

	if fgnt.InvalidRef(ref) {
		log.Warningf("gnttab: bad %s ref(%d)", copySideName(op.isSrc), ref)
		return 0, xen.GnttabBadGntref
	}
	if rc := getCopyAccess(op, currentID, fgnt, ref); rc != xen.GnttabOkay {
		return 0, rc
	}
	return fgnt.SharedGFN(ref), xen.GnttabOkay
}

// getCopyOperand resolves one side of a copy to a VMM byte window,
// acquiring the domain reference and access token it needs. On failure
// everything acquired so far is released.
func (o *Ops) getCopyOperand(local Domain, op *copyOperand) xen.GnttabStatus {
	domid := op.ptr.DomID

	dom, releaseDom, ok := o.Registry.Get(local, domid)
	if !ok {
		log.Warningf("gnttab: failed to get %s dom %#x", copySideName(op.isSrc), domid)
		return xen.GnttabBadDomain
	}
	op.releaseDom = releaseDom

	var gfn xen.PFN
	if op.gfnDirect {
		gfn = op.ptr.GMFN
	} else {
		var rc xen.GnttabStatus
		gfn, rc = getCopyGFN(op, local.ID(), dom)
		if rc != xen.GnttabOkay {
			op.releaseDom()
			op.releaseDom = nil
			return rc
		}
	}

	// Resolve the frame to host-physical: root guest frames are host
	// frames, everyone else goes through the domain's EPT.
	hpa := gfn.Addr()
	if !dom.IsRoot() {
		var ok bool
		hpa, ok = dom.EPT().Translate(gfn.Addr())
		if !ok {
			log.Warningf("gnttab: copy %s gfn %#x not mapped in dom %#x", copySideName(op.isSrc), gfn, domid)
			op.release()
			return xen.GnttabGeneralError
		}
	}

	buf, releaseBuf, err := o.Mapper.MapFrame(xen.Frame(hpa))
	if err != nil {
		log.Warningf("gnttab: copy %s frame %#x unmappable: %v", copySideName(op.isSrc), hpa, err)
		op.release()
		return xen.GnttabGeneralError
	}
	op.buf = buf
	op.releaseBuf = releaseBuf
	return xen.GnttabOkay
}

// release undoes everything getCopyOperand acquired, in reverse order.
func (op *copyOperand) release() {
	if op.releaseBuf != nil {
		op.releaseBuf()
		op.releaseBuf = nil
		op.buf = nil
	}
	putCopyAccess(op)
	if op.releaseDom != nil {
		op.releaseDom()
		op.releaseDom = nil
	}
}

// copyOne executes a single GNTTABOP_copy, filling cop.Status.
func (o *Ops) copyOne(local Domain, cop *xen.Copy) {
	if !validCopyArgs(cop) {
		return
	}

	src := copyOperand{
		ptr:       &cop.Source,
		isSrc:     true,
		gfnDirect: cop.Flags&xen.GNTCopySourceGref == 0,
	}
	if rc := o.getCopyOperand(local, &src); rc != xen.GnttabOkay {
		cop.Status = rc
		return
	}

	dst := copyOperand{
		ptr:       &cop.Dest,
		isSrc:     false,
		gfnDirect: cop.Flags&xen.GNTCopyDestGref == 0,
	}
	if rc := o.getCopyOperand(local, &dst); rc != xen.GnttabOkay {
		cop.Status = rc
		src.release()
		return
	}

	copy(dst.buf[cop.Dest.Offset:uint32(cop.Dest.Offset)+uint32(cop.Len)],
		src.buf[cop.Source.Offset:uint32(cop.Source.Offset)+uint32(cop.Len)])
	cop.Status = xen.GnttabOkay

	dst.release()
	src.release()
}

// CopyBatch executes a GNTTABOP_copy batch and returns the hypercall
// status register value.
func (o *Ops) CopyBatch(local Domain, ops []xen.Copy) int64 {
	var rc int64
	for i := range ops {
		o.copyOne(local, &ops[i])
		rc = int64(ops[i].Status)
		if ops[i].Status != xen.GnttabOkay {
			log.Warningf("gnttab: copy op[%d] failed, rc=%d", i, ops[i].Status)
			break
		}
	}
	return rc
}
