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

package domain

import (
	"errors"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/lapic"
)

// vCPU errors.
var (
	ErrVCPUExists   = errors.New("vcpu already exists")
	ErrNoVCPU       = errors.New("vcpu not found")
	ErrVMMCorrupt   = errors.New("vmm state is corrupt")
	ErrVCPURunning  = errors.New("vcpu still running")
)

// VCPUKind distinguishes root from guest vCPUs; several hypercalls are
// restricted by kind.
type VCPUKind int

const (
	// KindGuest runs an unprivileged guest.
	KindGuest VCPUKind = iota

	// KindRoot runs the privileged root VM.
	KindRoot
)

// VMCSDriver starts and stops vCPU execution at the VMCS level. It is
// provided by the exit dispatcher. A hardware-level failure from either
// call is fatal to the VMM.
type VMCSDriver interface {
	Start(handle uint64) error
	Stop(handle uint64) error
}

// VCPU is one virtual CPU, globally identified by (domid, vcpuid).
type VCPU struct {
	id   xen.VCPUID
	dom  *Domain
	kind VCPUKind

	refs    atomicbitops.Int64
	running atomicbitops.Bool

	// upcall is the per-vCPU event upcall vector; zero means unset.
	upcall atomicbitops.Uint32

	// apic is the local APIC shim, installed by the bootstrap once the
	// physical CPU is known.
	apic *lapic.Shim

	// vmcs is the opaque VMCS handle owned by the exit dispatcher.
	vmcs uint64
}

// ID returns the vCPU identifier within its domain.
func (v *VCPU) ID() xen.VCPUID {
	return v.id
}

// Domain returns the owning domain.
func (v *VCPU) Domain() *Domain {
	return v.dom
}

// Kind returns the vCPU kind.
func (v *VCPU) Kind() VCPUKind {
	return v.kind
}

// IsRoot reports whether this vCPU runs the root VM.
func (v *VCPU) IsRoot() bool {
	return v.kind == KindRoot
}

// UpcallVector returns the per-vCPU upcall vector, zero if unset.
func (v *VCPU) UpcallVector() uint8 {
	return uint8(v.upcall.Load())
}

// SetUpcallVector sets the per-vCPU upcall vector.
func (v *VCPU) SetUpcallVector(vec uint8) {
	v.upcall.Store(uint32(vec))
}

// APIC returns the vCPU's APIC shim, nil before installation.
func (v *VCPU) APIC() *lapic.Shim {
	return v.apic
}

// SetAPIC installs the APIC shim.
func (v *VCPU) SetAPIC(s *lapic.Shim) {
	v.apic = s
}

// VMCS returns the opaque VMCS handle.
func (v *VCPU) VMCS() uint64 {
	return v.vmcs
}

// Running reports whether the vCPU is executing guest code.
func (v *VCPU) Running() bool {
	return v.running.Load()
}

// CreateVCPU adds a vCPU to the domain.
func (d *Domain) CreateVCPU(id xen.VCPUID, kind VCPUKind, vmcs uint64) (*VCPU, error) {
	if d.dying.Load() {
		return nil, ErrDying
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vcpus[id]; ok {
		return nil, ErrVCPUExists
	}
	v := &VCPU{
		id:   id,
		dom:  d,
		kind: kind,
		vmcs: vmcs,
	}
	d.vcpus[id] = v
	return v, nil
}

// GetVCPU returns a borrowed vCPU reference; PutVCPU is mandatory on
// every exit path once this succeeds.
func (d *Domain) GetVCPU(id xen.VCPUID) (*VCPU, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vcpus[id]
	if !ok {
		return nil, false
	}
	v.refs.Add(1)
	return v, true
}

// PutVCPU releases a borrowed vCPU reference.
func (d *Domain) PutVCPU(id xen.VCPUID) {
	d.mu.Lock()
	v, ok := d.vcpus[id]
	d.mu.Unlock()
	if !ok {
		log.Warningf("domain %#x: put of unknown vcpu %d", d.id, id)
		return
	}
	v.refs.Add(-1)
}

// NrVCPUs returns the vCPU count.
func (d *Domain) NrVCPUs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.vcpus)
}

// VMMState is the hypervisor's lifecycle state.
type VMMState int32

const (
	// StateRunning is the normal operating state.
	StateRunning VMMState = iota

	// StateCorrupt is entered when hardware fails a vCPU start/stop.
	// Only unload is accepted afterwards.
	StateCorrupt

	// StateUnloading is the final state.
	StateUnloading
)

// VMM tracks the global hypervisor state and drives vCPU execution.
type VMM struct {
	state  atomicbitops.Int32
	driver VMCSDriver
}

// NewVMM returns a running VMM over the given driver.
func NewVMM(driver VMCSDriver) *VMM {
	return &VMM{driver: driver}
}

// State returns the current lifecycle state.
func (m *VMM) State() VMMState {
	return VMMState(m.state.Load())
}

// markCorrupt latches the corrupt state.
func (m *VMM) markCorrupt(why string) {
	log.Warningf("vmm: corrupt: %s", why)
	m.state.Store(int32(StateCorrupt))
}

// Unload transitions to the final state. It is the only transition
// accepted out of StateCorrupt.
func (m *VMM) Unload() {
	m.state.Store(int32(StateUnloading))
}

// StartVCPU begins guest execution. A hardware-level failure corrupts
// the VMM.
func (m *VMM) StartVCPU(v *VCPU) error {
	if m.State() != StateRunning {
		return ErrVMMCorrupt
	}
	if err := m.driver.Start(v.vmcs); err != nil {
		m.markCorrupt("vcpu start failed")
		return err
	}
	v.running.Store(true)
	return nil
}

// StopVCPU halts guest execution. A hardware-level failure corrupts
// the VMM.
func (m *VMM) StopVCPU(v *VCPU) error {
	if m.State() != StateRunning {
		return ErrVMMCorrupt
	}
	if err := m.driver.Stop(v.vmcs); err != nil {
		m.markCorrupt("vcpu stop failed")
		return err
	}
	v.running.Store(false)
	return nil
}

// KillVCPU stops a vCPU's execution without removing it.
func (m *VMM) KillVCPU(v *VCPU) error {
	return m.StopVCPU(v)
}

// DestroyVCPU removes a stopped vCPU from its domain.
func (d *Domain) DestroyVCPU(id xen.VCPUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vcpus[id]
	if !ok {
		return ErrNoVCPU
	}
	if v.running.Load() {
		return ErrVCPURunning
	}
	delete(d.vcpus, id)
	return nil
}
