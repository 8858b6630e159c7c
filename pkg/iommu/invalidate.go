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

package iommu

import (
	"math/bits"

	"gvisor.dev/gvisor/pkg/log"
	"pvisor.dev/pvisor/pkg/abi/xen"
)

// flushCtxCache issues a context-cache invalidation and waits for the
// engine to clear the command bit.
func (u *Unit) flushCtxCache(granularity, did uint64, sid uint16) error {
	val := ccmdICC | granularity<<ccmdCIRGShift | did | uint64(sid)<<ccmdSIDShift
	u.regs.Write64(regCcmd, val)
	for i := 0; i < pollBound; i++ {
		if u.regs.Read64(regCcmd)&ccmdICC == 0 {
			return nil
		}
	}
	log.Warningf("iommu[%d]: context cache flush did not complete", u.id)
	return ErrTimeout
}

// FlushCtxCacheGlobal invalidates every context entry.
func (u *Unit) FlushCtxCacheGlobal() error {
	return u.flushCtxCache(ccmdCIRGGlobal, 0, 0)
}

// flushCtxCacheDomain invalidates a domain's context entries.
func (u *Unit) flushCtxCacheDomain(did uint64) error {
	return u.flushCtxCache(ccmdCIRGDomain, did, 0)
}

// flushCtxCacheDevice invalidates one function's context entry.
func (u *Unit) flushCtxCacheDevice(did uint64, sid uint16) error {
	return u.flushCtxCache(ccmdCIRGDevice, did, sid)
}

// writeIOTLB issues an IOTLB invalidation and waits for completion.
// Read and write drains are requested only where the unit supports
// them.
func (u *Unit) writeIOTLB(val uint64) error {
	if u.cap>>capDRDShift&1 != 0 {
		val |= iotlbDR
	}
	if u.cap>>capDWDShift&1 != 0 {
		val |= iotlbDW
	}
	u.regs.Write64(u.iotlbOff+8, val|iotlbIVT)
	for i := 0; i < pollBound; i++ {
		if u.regs.Read64(u.iotlbOff+8)&iotlbIVT == 0 {
			return nil
		}
	}
	log.Warningf("iommu[%d]: iotlb flush did not complete", u.id)
	return ErrTimeout
}

// FlushIOTLBGlobal drops every cached translation.
func (u *Unit) FlushIOTLBGlobal() error {
	return u.writeIOTLB(iotlbIIRGGlobal << iotlbIIRGShift)
}

// flushIOTLBDomain drops a DID's cached translations.
func (u *Unit) flushIOTLBDomain(did uint64) error {
	return u.writeIOTLB(iotlbIIRGDomain<<iotlbIIRGShift | did<<iotlbDIDShift)
}

// FlushIOTLBDomain implements the grant table's invalidation surface:
// a domain-selective flush, synchronous.
func (u *Unit) FlushIOTLBDomain(id xen.DomID) {
	if err := u.flushIOTLBDomain(u.did(id)); err != nil {
		log.Warningf("iommu[%d]: domain flush for %#x: %v", u.id, id, err)
	}
}

// flushIOTLBPageOrder drops the translations covering 2^order pages at
// addr. order is bounded by MAMV.
func (u *Unit) flushIOTLBPageOrder(did uint64, addr uint64, order uint8) error {
	if order > u.mamv {
		// The range exceeds what page-selective invalidation can
		// express; fall back to the whole domain.
		return u.flushIOTLBDomain(did)
	}
	iva := addr & ivaAddrMask &^ ((1 << (xen.PageShift + uint64(order))) - 1)
	u.regs.Write64(u.iotlbOff, iva|uint64(order)&ivaAMMask)
	return u.writeIOTLB(iotlbIIRGPage<<iotlbIIRGShift | did<<iotlbDIDShift)
}

// FlushIOTLBPages implements page-selective invalidation for an
// arbitrary byte range, synchronous. Callers must have checked
// PSISupported.
func (u *Unit) FlushIOTLBPages(id xen.DomID, gpa uint64, bytes uint64) {
	if !u.psi {
		u.FlushIOTLBDomain(id)
		return
	}
	pages := (bytes + xen.PageSize - 1) >> xen.PageShift
	if pages == 0 {
		return
	}
	// order = log2 of the invalidation size in pages, rounded up.
	order := uint8(bits.Len64(pages - 1))
	if err := u.flushIOTLBPageOrder(u.did(id), gpa, order); err != nil {
		log.Warningf("iommu[%d]: page flush %#x+%#x for %#x: %v", u.id, gpa, bytes, id, err)
	}
}

// AckFaults clears every pending fault record and the sticky fault
// status bits.
func (u *Unit) AckFaults() {
	fsts := u.regs.Read32(regFsts)
	if fsts == 0 {
		return
	}
	for i := uint32(0); i < u.frcdNum; i++ {
		off := u.frcdOff + uint64(i)*frcdLen
		hi := u.regs.Read32(off + 12)
		if hi&frcdFault != 0 {
			u.regs.Write32(off+12, frcdFault)
		}
	}
	u.regs.Write32(regFsts, fsts&fstsClearMask)
}
