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

// Package iommu drives VT-d DMA remapping units: context table
// management, IOTLB invalidation ordered against EPT mutation, and
// device-scope binding.
//
// Interrupt remapping and queued invalidation are explicitly disabled;
// all invalidation goes through the register interface.
package iommu

import (
	"errors"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/page"
)

// Unit errors.
var (
	ErrNoFourLevel = errors.New("unit does not support 4-level page tables")
	ErrNotInScope  = errors.New("device not in unit scope")
	ErrTimeout     = errors.New("invalidation wait timed out")
)

// pollBound caps register poll loops; the engines acknowledge in
// microseconds, so exhaustion means broken hardware.
const pollBound = 1 << 20

// BDF names a PCI function.
type BDF struct {
	Bus uint8
	Dev uint8
	Fn  uint8
}

// SID returns the source identifier.
func (b BDF) SID() uint16 {
	return uint16(b.Bus)<<8 | uint16(b.Dev)<<3 | uint16(b.Fn)
}

// DevFn returns the context table index for the function.
func (b BDF) DevFn() uint8 {
	return b.Dev<<3 | b.Fn
}

// DRHD is the parsed remapping-hardware descriptor for one unit.
type DRHD struct {
	// RegBase is the host-physical base of the register window.
	RegBase uint64

	// IncludeAll marks catch-all scope: the unit covers every device
	// not claimed by a more specific unit.
	IncludeAll bool

	// Scope lists the explicitly covered functions.
	Scope []BDF
}

// Domain is the view of a domain the remapper needs.
type Domain interface {
	// ID returns the domain identifier.
	ID() xen.DomID

	// PageTableRoot returns the host-physical root of the domain's
	// second-level page tables.
	PageTableRoot() uint64
}

// Config carries a unit's collaborators.
type Config struct {
	Regs    Regs
	Flusher CacheFlusher
	Pool    *page.Pool

	// UnmapFromRoot removes the register window from the root domain's
	// EPT so the root guest cannot reach the unit.
	UnmapFromRoot func(hpa uint64, bytes uint64)
}

// Unit is one DMA remapping engine.
type Unit struct {
	mu sync.Mutex

	id      uint32
	drhd    DRHD
	regs    Regs
	flusher CacheFlusher
	pool    *page.Pool

	ver  uint32
	cap  uint64
	ecap uint64

	mgaw    uint8
	sagaw   uint8
	aw      uint8
	didBits uint8
	mamv    uint8
	sllps   uint8

	psi      bool
	cm       bool
	coherent bool
	snoopCtl bool

	iotlbOff uint64
	frcdOff  uint64
	frcdNum  uint32

	remapping bool

	// root is the root table: 256 entries of 16 bytes, indexed by bus.
	root *page.Page

	// busCtx maps a bus to its context table page; domCtx records
	// which context pages carry entries for a domain, for targeted
	// context-cache maintenance on binding changes.
	busCtx map[uint8]*page.Page
	domCtx map[xen.DomID]*page.Page
}

// New initializes a unit from its DRHD: maps nothing itself (the
// register window arrives through cfg.Regs), hides the window from the
// root domain, parses capabilities and quiesces the engine.
func New(drhd DRHD, id uint32, cfg Config) (*Unit, error) {
	u := &Unit{
		id:      id,
		drhd:    drhd,
		regs:    cfg.Regs,
		flusher: cfg.Flusher,
		pool:    cfg.Pool,
		busCtx:  make(map[uint8]*page.Page),
		domCtx:  make(map[xen.DomID]*page.Page),
	}

	if cfg.UnmapFromRoot != nil {
		cfg.UnmapFromRoot(drhd.RegBase, hostarch.PageSize)
	}

	u.ver = u.regs.Read32(regVer)
	u.cap = u.regs.Read64(regCap)
	u.ecap = u.regs.Read64(regEcap)

	u.mgaw = uint8((u.cap>>capMGAWShift)&capMGAWMask) + 1
	u.sagaw = uint8((u.cap >> capSAGAWShift) & capSAGAWMask)
	u.didBits = 4 + 2*uint8((u.cap>>capNDShift)&capNDMask)
	u.sllps = uint8((u.cap >> capSLLPSShift) & capSLLPSMask)
	u.mamv = uint8((u.cap >> capMAMVShift) & capMAMVMask)
	u.cm = u.cap>>capCMShift&1 != 0
	u.psi = u.cap>>capPSIShift&1 != 0
	u.coherent = u.ecap>>ecapCShift&1 != 0
	u.snoopCtl = u.ecap>>ecapSCShift&1 != 0

	u.iotlbOff = ((u.ecap >> ecapIROShift) & ecapIROMask) * 16
	u.frcdOff = ((u.cap >> capFROShift) & capFROMask) * 16
	u.frcdNum = uint32((u.cap>>capNFRShift)&capNFRMask) + 1

	// Prefer 4-level tables (SAGAW bit 2). Nothing smaller is worth
	// supporting on hardware this code targets.
	if u.sagaw&(1<<2) == 0 {
		return nil, ErrNoFourLevel
	}
	u.aw = 2

	if err := u.intRemapDisable(); err != nil {
		return nil, err
	}
	if err := u.qinvalDisable(); err != nil {
		return nil, err
	}
	if err := u.dmaRemapDisable(); err != nil {
		return nil, err
	}

	rootPg, err := u.pool.Alloc()
	if err != nil {
		return nil, err
	}
	u.root = rootPg
	if err := u.setRootTable(); err != nil {
		return nil, err
	}

	log.Infof("iommu[%d]: mgaw=%d sagaw=%#x did_bits=%d mamv=%d psi=%t cm=%t coherent=%t sc=%t",
		id, u.mgaw, u.sagaw, u.didBits, u.mamv, u.psi, u.cm, u.coherent, u.snoopCtl)
	return u, nil
}

// PSISupported reports page-selective invalidation capability.
func (u *Unit) PSISupported() bool {
	return u.psi
}

// CachingMode reports the CM capability bit.
func (u *Unit) CachingMode() bool {
	return u.cm
}

// CoherentPageWalk reports whether the unit snoops the CPU cache.
func (u *Unit) CoherentPageWalk() bool {
	return u.coherent
}

// SnoopCtl reports snoop-control capability.
func (u *Unit) SnoopCtl() bool {
	return u.snoopCtl
}

// HasCatchallScope reports catch-all device scope.
func (u *Unit) HasCatchallScope() bool {
	return u.drhd.IncludeAll
}

// DMARemappingEnabled reports whether translation is live.
func (u *Unit) DMARemappingEnabled() bool {
	return u.remapping
}

// NrDomains returns the DID space size.
func (u *Unit) NrDomains() uint64 {
	return 1 << u.didBits
}

// did returns the DID tagging a domain's translations. Hardware
// reserves DID 0 when caching mode is set, so CM shifts every domain up
// by one.
func (u *Unit) did(id xen.DomID) uint64 {
	if u.cm {
		return uint64(id) + 1
	}
	return uint64(id)
}

// writeGcmd issues a global command with the persistent state carried
// over and waits for the matching status bit.
func (u *Unit) writeGcmd(bit uint32, set bool) error {
	cmd := u.regs.Read32(regGsts) & gstsPersistent
	if set {
		cmd |= bit
	} else {
		cmd &^= bit
	}
	u.regs.Write32(regGcmd, cmd)
	for i := 0; i < pollBound; i++ {
		if on := u.regs.Read32(regGsts)&bit != 0; on == set {
			return nil
		}
	}
	log.Warningf("iommu[%d]: gcmd bit %#x (set=%t) did not settle", u.id, bit, set)
	return ErrTimeout
}

// intRemapDisable turns interrupt remapping off. It stays off.
func (u *Unit) intRemapDisable() error {
	return u.writeGcmd(gcmdIRE, false)
}

// qinvalDisable quiesces and disables queued invalidation so the
// register-based protocol below is authoritative.
func (u *Unit) qinvalDisable() error {
	if u.ecap>>ecapQIShift&1 == 0 {
		return nil
	}
	if u.regs.Read32(regGsts)&gcmdQIE != 0 {
		// Quiesce: wait for the queue head to catch the tail before
		// pulling the enable bit.
		for i := 0; i < pollBound; i++ {
			if u.regs.Read64(regIQH) == u.regs.Read64(regIQT) {
				break
			}
		}
	}
	return u.writeGcmd(gcmdQIE, false)
}

// dmaRemapDisable halts translation while tables are programmed.
func (u *Unit) dmaRemapDisable() error {
	if err := u.writeGcmd(gcmdTE, false); err != nil {
		return err
	}
	u.remapping = false
	return nil
}

// setRootTable programs RTADDR and latches it.
func (u *Unit) setRootTable() error {
	u.flusher.FlushRange(u.root.Data())
	u.regs.Write64(regRtaddr, u.root.HFN().Addr())
	return u.writeGcmd(gcmdSRTP, true)
}

// EnableDMARemapping turns translation on after binding is complete.
func (u *Unit) EnableDMARemapping() error {
	if err := u.writeGcmd(gcmdTE, true); err != nil {
		return err
	}
	u.remapping = true
	return nil
}

// tableEntry reads/writes a 16-byte table entry in a table page.
func tableEntry(pg *page.Page, idx uint32) (lo, hi uint64) {
	b := pg.Data()[idx*16:]
	lo = hostarch.ByteOrder.Uint64(b[0:])
	hi = hostarch.ByteOrder.Uint64(b[8:])
	return lo, hi
}

func setTableEntry(pg *page.Page, idx uint32, lo, hi uint64) {
	b := pg.Data()[idx*16:]
	hostarch.ByteOrder.PutUint64(b[8:], hi)
	hostarch.ByteOrder.PutUint64(b[0:], lo)
}

// contextPage returns (allocating on demand) the context table for a
// bus and hooks it into the root table.
func (u *Unit) contextPage(bus uint8) (*page.Page, error) {
	if pg, ok := u.busCtx[bus]; ok {
		return pg, nil
	}
	pg, err := u.pool.Alloc()
	if err != nil {
		return nil, err
	}
	u.busCtx[bus] = pg
	setTableEntry(u.root, uint32(bus), pg.HFN().Addr()|1, 0)
	u.flusher.FlushRange(u.root.Data())
	return pg, nil
}

// inScope reports whether the unit covers the function.
func (u *Unit) inScope(bdf BDF) bool {
	if u.drhd.IncludeAll {
		return true
	}
	for _, s := range u.drhd.Scope {
		if s == bdf {
			return true
		}
	}
	return false
}

// BindDevice points one function's context entry at the domain's
// second-level tables and flushes the affected caches.
func (u *Unit) BindDevice(bdf BDF, dom Domain) error {
	if !u.inScope(bdf) {
		return ErrNotInScope
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	ctx, err := u.contextPage(bdf.Bus)
	if err != nil {
		return err
	}

	did := u.did(dom.ID())
	lo := dom.PageTableRoot() | 1
	hi := uint64(u.aw) | did<<8
	setTableEntry(ctx, uint32(bdf.DevFn()), lo, hi)
	u.flusher.FlushRange(ctx.Data())
	u.domCtx[dom.ID()] = ctx

	if err := u.flushCtxCacheDevice(did, bdf.SID()); err != nil {
		return err
	}
	return u.flushIOTLBDomain(did)
}

// BindBus binds every function on a bus to the domain.
func (u *Unit) BindBus(bus uint8, dom Domain) error {
	for dev := uint8(0); dev < 32; dev++ {
		for fn := uint8(0); fn < 8; fn++ {
			bdf := BDF{Bus: bus, Dev: dev, Fn: fn}
			if !u.inScope(bdf) {
				continue
			}
			if err := u.BindDevice(bdf, dom); err != nil {
				return err
			}
		}
	}
	return nil
}

// BindScoped binds all functions the unit covers to the domain:
// everything under a catch-all unit, otherwise the scope list.
func (u *Unit) BindScoped(dom Domain) error {
	if u.drhd.IncludeAll {
		for bus := 0; bus < 256; bus++ {
			if err := u.BindBus(uint8(bus), dom); err != nil {
				return err
			}
		}
		return nil
	}
	for _, bdf := range u.drhd.Scope {
		if err := u.BindDevice(bdf, dom); err != nil {
			return err
		}
	}
	return nil
}
