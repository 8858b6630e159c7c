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

package xen

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// GrantRef indexes the granter's shared table.
type GrantRef uint32

// Reserved grant references, pre-populated in the root domain's table.
const (
	ReservedXenstore GrantRef = 0
	ReservedConsole  GrantRef = 1
)

// GrantHandle identifies an active foreign mapping in the grantee:
// (foreign domid << 16) | foreign ref.
type GrantHandle uint32

// MakeGrantHandle composes a handle from a foreign domain and reference.
//
// Precondition: ref fits in 16 bits.
func MakeGrantHandle(dom DomID, ref GrantRef) GrantHandle {
	return GrantHandle(uint32(dom)<<16 | uint32(ref)&0xFFFF)
}

// DomID returns the foreign domain encoded in the handle.
func (h GrantHandle) DomID() DomID {
	return DomID(h >> 16)
}

// Ref returns the foreign grant reference encoded in the handle.
func (h GrantHandle) Ref() GrantRef {
	return GrantRef(h & 0xFFFF)
}

// Grant table flags (GTF_*), stored in the entry's flags word. The low two
// bits are the entry type; the rest are independent bits. The granting
// guest owns the type and readonly bits; the hypervisor owns reading and
// writing.
const (
	GTFInvalid        uint16 = 0
	GTFPermitAccess   uint16 = 1
	GTFAcceptTransfer uint16 = 2
	GTFTransitive     uint16 = 3
	GTFTypeMask       uint16 = 3

	GTFReadonly uint16 = 1 << 2
	GTFReading  uint16 = 1 << 3
	GTFWriting  uint16 = 1 << 4
	GTFPWT      uint16 = 1 << 5
	GTFPCD      uint16 = 1 << 6
	GTFPAT      uint16 = 1 << 7
	GTFSubPage  uint16 = 1 << 8
)

// GTFUnsupported are flag bits that make an entry unmappable.
const GTFUnsupported = GTFPWT | GTFPCD | GTFPAT | GTFSubPage

// Grant map flags (GNTMAP_*).
const (
	GNTMAPDeviceMap      uint32 = 1 << 0
	GNTMAPHostMap        uint32 = 1 << 1
	GNTMAPReadonly       uint32 = 1 << 2
	GNTMAPApplicationMap uint32 = 1 << 3
	GNTMAPContainsPTE    uint32 = 1 << 4
)

// Grant copy flags (GNTCOPY_*).
const (
	GNTCopySourceGref uint16 = 1 << 0
	GNTCopyDestGref   uint16 = 1 << 1
)

// GnttabStatus is the per-operation grant status (GNTST_*).
type GnttabStatus int16

// Grant status values.
const (
	GnttabOkay             GnttabStatus = 0
	GnttabGeneralError     GnttabStatus = -1
	GnttabBadDomain        GnttabStatus = -2
	GnttabBadGntref        GnttabStatus = -3
	GnttabBadHandle        GnttabStatus = -4
	GnttabBadVirtAddr      GnttabStatus = -5
	GnttabBadDevAddr       GnttabStatus = -6
	GnttabNoDeviceSpace    GnttabStatus = -7
	GnttabPermissionDenied GnttabStatus = -8
	GnttabBadPage          GnttabStatus = -9
	GnttabBadCopyArg       GnttabStatus = -10
)

// Grant table entry geometry. The v1 entry is 8 bytes, so a 4 KiB page
// holds 512. The v2 full-page entry is 16 bytes (256 per page) and its
// status words are 2 bytes (2048 per page).
const (
	GrantV1EntrySize    = 8
	GrantV1PerPage      = PageSize / GrantV1EntrySize
	GrantV1PageShift    = 9
	GrantV2EntrySize    = 16
	GrantV2PerPage      = PageSize / GrantV2EntrySize
	GrantV2PageShift    = 8
	GrantStatusSize     = 2
	GrantStatusPerPage  = PageSize / GrantStatusSize
	GrantStatusPgShift  = 11
	GrantEntryHdrOffset = 0
)

// GrantEntryV1 is the version 1 shared table entry.
//
// The flags and domid fields form the 32-bit entry header, which must be
// naturally aligned so it can be updated with a single compare-exchange.
type GrantEntryV1 struct {
	Flags uint16
	DomID DomID
	Frame uint32
}

// SizeBytes implements marshal sizing.
func (*GrantEntryV1) SizeBytes() int {
	return GrantV1EntrySize
}

// MarshalBytes serializes the entry to dst.
func (e *GrantEntryV1) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint16(dst[0:], e.Flags)
	hostarch.ByteOrder.PutUint16(dst[2:], uint16(e.DomID))
	hostarch.ByteOrder.PutUint32(dst[4:], e.Frame)
}

// UnmarshalBytes deserializes the entry from src.
func (e *GrantEntryV1) UnmarshalBytes(src []byte) {
	e.Flags = hostarch.ByteOrder.Uint16(src[0:])
	e.DomID = DomID(hostarch.ByteOrder.Uint16(src[2:]))
	e.Frame = hostarch.ByteOrder.Uint32(src[4:])
}

// GrantEntryHeader is the shared 32-bit header prefix of every entry
// version. Layout matches the wire format: flags in the low half.
type GrantEntryHeader struct {
	Flags uint16
	DomID DomID
}

// Word packs the header into its atomic 32-bit representation.
func (h GrantEntryHeader) Word() uint32 {
	return uint32(h.Flags) | uint32(h.DomID)<<16
}

// HeaderFromWord unpacks an atomic header word.
func HeaderFromWord(w uint32) GrantEntryHeader {
	return GrantEntryHeader{
		Flags: uint16(w),
		DomID: DomID(w >> 16),
	}
}

// MapGrantRef is the GNTTABOP_map_grant_ref operation payload (32 bytes).
type MapGrantRef struct {
	HostAddr   uint64
	Flags      uint32
	Ref        GrantRef
	Dom        DomID
	Status     GnttabStatus
	Handle     GrantHandle
	DevBusAddr uint64
}

// SizeBytes implements marshal sizing.
func (*MapGrantRef) SizeBytes() int {
	return 32
}

// MarshalBytes serializes the operation to dst.
func (m *MapGrantRef) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint64(dst[0:], m.HostAddr)
	hostarch.ByteOrder.PutUint32(dst[8:], m.Flags)
	hostarch.ByteOrder.PutUint32(dst[12:], uint32(m.Ref))
	hostarch.ByteOrder.PutUint16(dst[16:], uint16(m.Dom))
	hostarch.ByteOrder.PutUint16(dst[18:], uint16(m.Status))
	hostarch.ByteOrder.PutUint32(dst[20:], uint32(m.Handle))
	hostarch.ByteOrder.PutUint64(dst[24:], m.DevBusAddr)
}

// UnmarshalBytes deserializes the operation from src.
func (m *MapGrantRef) UnmarshalBytes(src []byte) {
	m.HostAddr = hostarch.ByteOrder.Uint64(src[0:])
	m.Flags = hostarch.ByteOrder.Uint32(src[8:])
	m.Ref = GrantRef(hostarch.ByteOrder.Uint32(src[12:]))
	m.Dom = DomID(hostarch.ByteOrder.Uint16(src[16:]))
	m.Status = GnttabStatus(hostarch.ByteOrder.Uint16(src[18:]))
	m.Handle = GrantHandle(hostarch.ByteOrder.Uint32(src[20:]))
	m.DevBusAddr = hostarch.ByteOrder.Uint64(src[24:])
}

// UnmapGrantRef is the GNTTABOP_unmap_grant_ref operation payload (24
// bytes).
type UnmapGrantRef struct {
	HostAddr   uint64
	DevBusAddr uint64
	Handle     GrantHandle
	Status     GnttabStatus
}

// SizeBytes implements marshal sizing.
func (*UnmapGrantRef) SizeBytes() int {
	return 24
}

// MarshalBytes serializes the operation to dst.
func (u *UnmapGrantRef) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint64(dst[0:], u.HostAddr)
	hostarch.ByteOrder.PutUint64(dst[8:], u.DevBusAddr)
	hostarch.ByteOrder.PutUint32(dst[16:], uint32(u.Handle))
	hostarch.ByteOrder.PutUint16(dst[20:], uint16(u.Status))
	hostarch.ByteOrder.PutUint16(dst[22:], 0)
}

// UnmarshalBytes deserializes the operation from src.
func (u *UnmapGrantRef) UnmarshalBytes(src []byte) {
	u.HostAddr = hostarch.ByteOrder.Uint64(src[0:])
	u.DevBusAddr = hostarch.ByteOrder.Uint64(src[8:])
	u.Handle = GrantHandle(hostarch.ByteOrder.Uint32(src[16:]))
	u.Status = GnttabStatus(hostarch.ByteOrder.Uint16(src[20:]))
}

// CopyPtr names one side of a GNTTABOP_copy: either a grant reference or
// a direct guest frame, plus the in-page offset (16 bytes on the wire;
// Ref and GMFN overlay the same union).
type CopyPtr struct {
	Ref    GrantRef
	GMFN   PFN
	DomID  DomID
	Offset uint16
}

func (p *CopyPtr) marshalBytes(dst []byte, useRef bool) {
	if useRef {
		hostarch.ByteOrder.PutUint64(dst[0:], uint64(p.Ref))
	} else {
		hostarch.ByteOrder.PutUint64(dst[0:], uint64(p.GMFN))
	}
	hostarch.ByteOrder.PutUint16(dst[8:], uint16(p.DomID))
	hostarch.ByteOrder.PutUint16(dst[10:], p.Offset)
	hostarch.ByteOrder.PutUint32(dst[12:], 0)
}

func (p *CopyPtr) unmarshalBytes(src []byte) {
	u := hostarch.ByteOrder.Uint64(src[0:])
	p.Ref = GrantRef(u)
	p.GMFN = PFN(u)
	p.DomID = DomID(hostarch.ByteOrder.Uint16(src[8:]))
	p.Offset = hostarch.ByteOrder.Uint16(src[10:])
}

// Copy is the GNTTABOP_copy operation payload (40 bytes).
type Copy struct {
	Source CopyPtr
	Dest   CopyPtr
	Len    uint16
	Flags  uint16
	Status GnttabStatus
}

// SizeBytes implements marshal sizing.
func (*Copy) SizeBytes() int {
	return 40
}

// MarshalBytes serializes the operation to dst.
func (c *Copy) MarshalBytes(dst []byte) {
	c.Source.marshalBytes(dst[0:], c.Flags&GNTCopySourceGref != 0)
	c.Dest.marshalBytes(dst[16:], c.Flags&GNTCopyDestGref != 0)
	hostarch.ByteOrder.PutUint16(dst[32:], c.Len)
	hostarch.ByteOrder.PutUint16(dst[34:], c.Flags)
	hostarch.ByteOrder.PutUint16(dst[36:], uint16(c.Status))
	hostarch.ByteOrder.PutUint16(dst[38:], 0)
}

// UnmarshalBytes deserializes the operation from src.
func (c *Copy) UnmarshalBytes(src []byte) {
	c.Source.unmarshalBytes(src[0:])
	c.Dest.unmarshalBytes(src[16:])
	c.Len = hostarch.ByteOrder.Uint16(src[32:])
	c.Flags = hostarch.ByteOrder.Uint16(src[34:])
	c.Status = GnttabStatus(hostarch.ByteOrder.Uint16(src[36:]))
}

// QuerySize is the GNTTABOP_query_size operation payload (16 bytes).
type QuerySize struct {
	Dom         DomID
	NrFrames    uint32
	MaxNrFrames uint32
	Status      GnttabStatus
}

// SizeBytes implements marshal sizing.
func (*QuerySize) SizeBytes() int {
	return 16
}

// MarshalBytes serializes the operation to dst.
func (q *QuerySize) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint16(dst[0:], uint16(q.Dom))
	hostarch.ByteOrder.PutUint16(dst[2:], 0)
	hostarch.ByteOrder.PutUint32(dst[4:], q.NrFrames)
	hostarch.ByteOrder.PutUint32(dst[8:], q.MaxNrFrames)
	hostarch.ByteOrder.PutUint16(dst[12:], uint16(q.Status))
	hostarch.ByteOrder.PutUint16(dst[14:], 0)
}

// UnmarshalBytes deserializes the operation from src.
func (q *QuerySize) UnmarshalBytes(src []byte) {
	q.Dom = DomID(hostarch.ByteOrder.Uint16(src[0:]))
	q.NrFrames = hostarch.ByteOrder.Uint32(src[4:])
	q.MaxNrFrames = hostarch.ByteOrder.Uint32(src[8:])
	q.Status = GnttabStatus(hostarch.ByteOrder.Uint16(src[12:]))
}

// SetVersion is the GNTTABOP_set_version operation payload (4 bytes).
type SetVersion struct {
	Version uint32
}

// SizeBytes implements marshal sizing.
func (*SetVersion) SizeBytes() int {
	return 4
}

// MarshalBytes serializes the operation to dst.
func (s *SetVersion) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint32(dst[0:], s.Version)
}

// UnmarshalBytes deserializes the operation from src.
func (s *SetVersion) UnmarshalBytes(src []byte) {
	s.Version = hostarch.ByteOrder.Uint32(src[0:])
}

// AddToPhysmap is the XENMEM_add_to_physmap operation payload (24 bytes).
type AddToPhysmap struct {
	DomID DomID
	Size  uint16
	Space uint32
	Idx   uint64
	GPFN  PFN
}

// SizeBytes implements marshal sizing.
func (*AddToPhysmap) SizeBytes() int {
	return 24
}

// MarshalBytes serializes the operation to dst.
func (a *AddToPhysmap) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint16(dst[0:], uint16(a.DomID))
	hostarch.ByteOrder.PutUint16(dst[2:], a.Size)
	hostarch.ByteOrder.PutUint32(dst[4:], a.Space)
	hostarch.ByteOrder.PutUint64(dst[8:], a.Idx)
	hostarch.ByteOrder.PutUint64(dst[16:], uint64(a.GPFN))
}

// UnmarshalBytes deserializes the operation from src.
func (a *AddToPhysmap) UnmarshalBytes(src []byte) {
	a.DomID = DomID(hostarch.ByteOrder.Uint16(src[0:]))
	a.Size = hostarch.ByteOrder.Uint16(src[2:])
	a.Space = hostarch.ByteOrder.Uint32(src[4:])
	a.Idx = hostarch.ByteOrder.Uint64(src[8:])
	a.GPFN = PFN(hostarch.ByteOrder.Uint64(src[16:]))
}

// AddToPhysmap spaces and index modifiers.
const (
	MapSpaceSharedInfo uint32 = 0
	MapSpaceGrantTable uint32 = 1

	// MapIdxGrantTableStatus selects the status table instead of the
	// shared table in a grant-table AddToPhysmap index.
	MapIdxGrantTableStatus uint64 = 1 << 31
)
