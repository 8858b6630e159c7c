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

// Package domain maintains the process-wide registry of domains and
// vCPUs. Lookups return borrowed references protected by a reference
// count so destruction cannot race in-flight hypercalls.
package domain

import (
	"errors"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/ept"
	"pvisor.dev/pvisor/pkg/evtchn"
	"pvisor.dev/pvisor/pkg/gnttab"
	"pvisor.dev/pvisor/pkg/hvm"
	"pvisor.dev/pvisor/pkg/iommu"
	"pvisor.dev/pvisor/pkg/page"
)

// Package errors.
var (
	ErrBadTimerMode = errors.New("unsupported timer mode")
	ErrDying        = errors.New("domain is being destroyed")
)

// Origin records how a domain came to exist.
type Origin int

const (
	// OriginRootDerived domains were carved out of the root VM by the
	// loader.
	OriginRootDerived Origin = iota

	// OriginGuestSpawned domains were created by a toolstack
	// hypercall.
	OriginGuestSpawned
)

// Domain is one isolated guest.
type Domain struct {
	id     xen.DomID
	origin Origin

	// refs counts borrowed references from Registry.GetDomain. A
	// domain may only be freed at zero with no vCPU running.
	refs atomicbitops.Int64

	// dying is the destruction tombstone.
	dying atomicbitops.Bool

	mu     sync.Mutex
	vcpus  map[xen.VCPUID]*VCPU
	mem    *Memory
	params *hvm.Params
	gnt    *gnttab.Table
	ports  *evtchn.Allocator
	iommus []*iommu.Unit

	timerMode    atomicbitops.Uint64
	upcallVector atomicbitops.Uint32

	// ptRoot is the host-physical root of the domain's second-level
	// tables, as programmed into IOMMU context entries.
	ptRoot uint64
}

// ID returns the domain identifier.
func (d *Domain) ID() xen.DomID {
	return d.id
}

// Origin returns how the domain was created.
func (d *Domain) Origin() Origin {
	return d.origin
}

// IsRoot reports whether this is the privileged root domain.
func (d *Domain) IsRoot() bool {
	return d.id == xen.DomIDRootVM
}

// Gnttab returns the domain's grant table.
func (d *Domain) Gnttab() *gnttab.Table {
	return d.gnt
}

// EPT returns the domain's second-level map.
func (d *Domain) EPT() *ept.Map {
	return d.mem.EPT()
}

// Memory returns the domain's memory bookkeeping.
func (d *Domain) Memory() *Memory {
	return d.mem
}

// HVM returns the domain's parameter store.
func (d *Domain) HVM() *hvm.Params {
	return d.params
}

// HVMParam reads one HVM parameter.
func (d *Domain) HVMParam(index uint32) uint64 {
	return d.params.Get(index)
}

// Evtchn returns the domain's event channel allocator.
func (d *Domain) Evtchn() *evtchn.Allocator {
	return d.ports
}

// PageTableRoot returns the IOMMU-visible page table root.
func (d *Domain) PageTableRoot() uint64 {
	return d.ptRoot
}

// BindIOMMU attaches a remapping unit to the domain so grant unmaps
// flush it.
func (d *Domain) BindIOMMU(u *iommu.Unit) {
	d.mu.Lock()
	d.iommus = append(d.iommus, u)
	d.mu.Unlock()
}

// IOMMUs returns the attached units as the grant table sees them.
func (d *Domain) IOMMUs() []gnttab.IOTLB {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]gnttab.IOTLB, len(d.iommus))
	for i, u := range d.iommus {
		out[i] = u
	}
	return out
}

// Units returns the attached units.
func (d *Domain) Units() []*iommu.Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*iommu.Unit(nil), d.iommus...)
}

// SetTimerMode applies the nominal timer mode.
func (d *Domain) SetTimerMode(v uint64) error {
	// Delay-for-missed-ticks through one-missed-tick-pending: the four
	// modes Xen defines.
	if v > 3 {
		return ErrBadTimerMode
	}
	d.timerMode.Store(v)
	return nil
}

// TimerMode returns the nominal timer mode.
func (d *Domain) TimerMode() uint64 {
	return d.timerMode.Load()
}

// SetUpcallVector records the domain-wide upcall vector.
func (d *Domain) SetUpcallVector(v uint8) {
	d.upcallVector.Store(uint32(v))
}

// UpcallVector returns the domain-wide upcall vector.
func (d *Domain) UpcallVector() uint8 {
	return uint8(d.upcallVector.Load())
}

// ForEachVCPU visits the domain's vCPUs in unspecified order.
func (d *Domain) ForEachVCPU(f func(hvm.VCPU)) {
	d.mu.Lock()
	vs := make([]*VCPU, 0, len(d.vcpus))
	for _, v := range d.vcpus {
		vs = append(vs, v)
	}
	d.mu.Unlock()
	for _, v := range vs {
		f(v)
	}
}

// AddRingPage backs a guest ring frame with a fresh VMM page, mapped RW
// write-back.
func (d *Domain) AddRingPage(gpa uint64) error {
	return d.mem.AddVMMPage(xen.Frame(gpa))
}

// AddVMMBackedPage exposes pg to the guest at gfn.
func (d *Domain) AddVMMBackedPage(gfn xen.PFN, pg *page.Page) error {
	return d.mem.AddBackedPage(gfn, pg)
}

// WhitelistIdentity permits the VMM to map gpa identity.
func (d *Domain) WhitelistIdentity(gpa uint64) {
	d.mem.WhitelistIdentity(gpa)
}

// Memory tracks a domain's second-level map, the VMM pages backing
// guest frames, and the identity-map whitelist.
type Memory struct {
	mu sync.Mutex

	ept    *ept.Map
	pool   *page.Pool
	backed map[xen.PFN]*page.Page

	// whitelist marks guest-physical ranges the VMM may map identity
	// into its own tables.
	whitelist map[uint64]uint64
}

// NewMemory builds a domain's memory bookkeeping; root domains get an
// identity EPT.
func NewMemory(pool *page.Pool, root bool) *Memory {
	m := &Memory{
		pool:      pool,
		backed:    make(map[xen.PFN]*page.Page),
		whitelist: make(map[uint64]uint64),
	}
	if root {
		m.ept = ept.NewIdentity()
	} else {
		m.ept = ept.New()
	}
	return m
}

// EPT returns the second-level map.
func (m *Memory) EPT() *ept.Map {
	return m.ept
}

// AddVMMPage allocates a pool page and maps it at gfn RW write-back.
// Already-backed frames are left alone.
func (m *Memory) AddVMMPage(gfn xen.PFN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backed[gfn]; ok {
		return nil
	}
	pg, err := m.pool.Alloc()
	if err != nil {
		return err
	}
	if err := m.ept.Map4K(gfn.Addr(), pg.HFN().Addr(), hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil {
		m.pool.Free(pg)
		if err == ept.ErrAlreadyMapped {
			return nil
		}
		return err
	}
	m.backed[gfn] = pg
	m.ept.Invalidate()
	return nil
}

// AddBackedPage maps an existing VMM page at gfn RW write-back.
func (m *Memory) AddBackedPage(gfn xen.PFN, pg *page.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ept.Map4K(gfn.Addr(), pg.HFN().Addr(), hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil && err != ept.ErrAlreadyMapped {
		return err
	}
	m.backed[gfn] = pg
	m.ept.Invalidate()
	return nil
}

// BackedPage returns the VMM page backing gfn, if any.
func (m *Memory) BackedPage(gfn xen.PFN) (*page.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg, ok := m.backed[gfn]
	return pg, ok
}

// WhitelistIdentity marks gpa as identity-mappable by the VMM.
func (m *Memory) WhitelistIdentity(gpa uint64) {
	m.mu.Lock()
	m.whitelist[gpa] = gpa
	m.mu.Unlock()
}

// IdentityWhitelisted reports whether gpa was whitelisted.
func (m *Memory) IdentityWhitelisted(gpa uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whitelist[gpa]
	return ok
}

// anyVCPURunning reports whether any vCPU is still executing.
func (d *Domain) anyVCPURunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.vcpus {
		if v.running.Load() {
			return true
		}
	}
	return false
}

// logState dumps a one-line summary, for debug plumbing.
func (d *Domain) logState() {
	log.Debugf("domain %#x: origin=%d refs=%d dying=%t vcpus=%d gnttab_frames=%d",
		d.id, d.origin, d.refs.Load(), d.dying.Load(), len(d.vcpus), d.gnt.NrFrames())
}
