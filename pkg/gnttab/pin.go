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

	"gvisor.dev/gvisor/pkg/log"
	"pvisor.dev/pvisor/pkg/abi/xen"
)

// pinRetries bounds the CAS loops against the granting guest. Any
// collision streak beyond this is treated as adversarial and surfaced as
// a general error.
const pinRetries = 4

// mappableGTF reports whether flags describe a mappable entry: the type
// must be permit_access and none of the unsupported bits may be set.
func mappableGTF(gtf uint16) bool {
	if gtf&xen.GTFTypeMask != xen.GTFPermitAccess {
		return false
	}
	return gtf&xen.GTFUnsupported == 0
}

// supportedMapFlags reports whether gntmap is a flag combination this
// implementation accepts.
func supportedMapFlags(gntmap uint32) bool {
	const hostRW = xen.GNTMAPHostMap
	const hostRO = xen.GNTMAPHostMap | xen.GNTMAPReadonly
	return gntmap == hostRW || gntmap == hostRO
}

// alreadyMapped reports whether the entry carries an active pin.
func alreadyMapped(gtf uint16) bool {
	return gtf&(xen.GTFReading|xen.GTFWriting) != 0
}

// hasReadAccess reports whether domid may map the entry read-only.
func hasReadAccess(domid xen.DomID, hdr xen.GrantEntryHeader) bool {
	return domid == hdr.DomID && hdr.Flags&xen.GTFPermitAccess != 0
}

// hasWriteAccess reports whether domid may map the entry read-write.
func hasWriteAccess(domid xen.DomID, hdr xen.GrantEntryHeader) bool {
	access := hdr.Flags&xen.GTFPermitAccess != 0
	readonly := hdr.Flags&xen.GTFReadonly != 0
	return domid == hdr.DomID && access && !readonly
}

// pinGrantedPage sets GTF_reading (and GTF_writing for rw maps) in the
// foreign entry so the granter cannot free the backing page until the
// grantee unmaps. Linearizable against concurrent granter mutation of
// the header word.
//
// The remap pre-check runs exactly once, before the retry loop; inside
// the loop a peer's concurrent pin would otherwise be indistinguishable
// from a remap attempt.
func pinGrantedPage(fgnt *Table, localID xen.DomID, ref xen.GrantRef, fdomid xen.DomID, rw bool) xen.GnttabStatus {
	cell, ok := fgnt.headerCellFor(ref)
	if !ok {
		return xen.GnttabBadGntref
	}

	pinFlags := xen.GTFReading
	if rw {
		pinFlags |= xen.GTFWriting
	}

	observed := cell.Load()
	hdr := xen.HeaderFromWord(observed)
	if alreadyMapped(hdr.Flags) {
		log.Warningf("gnttab: attempted to remap entry: ref:%d dom:%#x oldflags:%#x newflags:%#x",
			ref, fdomid, hdr.Flags, hdr.Flags|pinFlags)
		return xen.GnttabGeneralError
	}

	for i := 0; i < pinRetries; i++ {
		hdr = xen.HeaderFromWord(observed)
		if !mappableGTF(hdr.Flags) {
			log.Warningf("gnttab: invalid flags: gtf:%#x ref:%d dom:%#x", hdr.Flags, ref, fdomid)
			return xen.GnttabBadGntref
		}
		if rw {
			if !hasWriteAccess(localID, hdr) {
				log.Warningf("gnttab: dom %#x has no write access to ref %d in dom %#x", localID, ref, fdomid)
				return xen.GnttabPermissionDenied
			}
		} else if !hasReadAccess(localID, hdr) {
			log.Warningf("gnttab: dom %#x has no read access to ref %d in dom %#x", localID, ref, fdomid)
			return xen.GnttabPermissionDenied
		}

		desired := xen.GrantEntryHeader{Flags: hdr.Flags | pinFlags, DomID: hdr.DomID}
		if cell.CompareAndSwap(observed, desired.Word()) {
			return xen.GnttabOkay
		}
		observed = cell.Load()
	}

	log.Warningf("gnttab: dom %#x ref %d is unstable", fdomid, ref)
	return xen.GnttabGeneralError
}

// unpinGrantedPage clears both pin bits. Unconditional and idempotent.
func unpinGrantedPage(fgnt *Table, ref xen.GrantRef) {
	cell, ok := fgnt.headerCellFor(ref)
	if !ok {
		return
	}
	clear := ^uint32(xen.GTFReading | xen.GTFWriting)
	fetchAnd(cell, clear)
}

// fetchAnd atomically clears the bits absent from mask.
func fetchAnd(cell *atomic.Uint32, mask uint32) {
	cell.And(mask)
}
