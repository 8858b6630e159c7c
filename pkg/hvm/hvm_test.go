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

package hvm

import (
	"testing"

	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/evtchn"
	"pvisor.dev/pvisor/pkg/page"
)

type fakeVCPU struct {
	id     xen.VCPUID
	upcall uint8
}

func (v *fakeVCPU) ID() xen.VCPUID        { return v.id }
func (v *fakeVCPU) UpcallVector() uint8   { return v.upcall }
func (v *fakeVCPU) SetUpcallVector(u uint8) { v.upcall = u }

type fakeDomain struct {
	id        xen.DomID
	params    *Params
	timerMode uint64
	timerErr  error
	upcall    uint8
	vcpus     []*fakeVCPU
	ringPages []uint64

	backed      map[xen.PFN]*page.Page
	whitelisted []uint64
}

func newFakeDomain(id xen.DomID) *fakeDomain {
	return &fakeDomain{
		id:     id,
		params: NewParams(),
		backed: make(map[xen.PFN]*page.Page),
	}
}

func (d *fakeDomain) ID() xen.DomID { return d.id }
func (d *fakeDomain) HVM() *Params  { return d.params }

func (d *fakeDomain) SetTimerMode(v uint64) error {
	if d.timerErr != nil {
		return d.timerErr
	}
	d.timerMode = v
	return nil
}

func (d *fakeDomain) SetUpcallVector(v uint8) { d.upcall = v }

func (d *fakeDomain) ForEachVCPU(f func(VCPU)) {
	for _, v := range d.vcpus {
		f(v)
	}
}

func (d *fakeDomain) AddRingPage(gpa uint64) error {
	d.ringPages = append(d.ringPages, gpa)
	return nil
}

func (d *fakeDomain) AddVMMBackedPage(gfn xen.PFN, pg *page.Page) error {
	d.backed[gfn] = pg
	return nil
}

func (d *fakeDomain) WhitelistIdentity(gpa uint64) {
	d.whitelisted = append(d.whitelisted, gpa)
}

func TestSetParamCallbackIRQFansOut(t *testing.T) {
	d := newFakeDomain(1)
	d.vcpus = []*fakeVCPU{{id: 0}, {id: 1, upcall: 0x99}}

	arg := xen.HVMParam{
		Index: xen.HVMParamCallbackIRQ,
		Value: uint64(xen.HVMParamCallbackTypeVector)<<xen.HVMParamCallbackIRQTypeShift | 0x33,
	}
	if rc := SetParam(d, &arg); rc != 0 {
		t.Fatalf("set_param rax = %d", rc)
	}
	if d.upcall != 0x33 {
		t.Fatalf("domain vector = %#x, want 0x33", d.upcall)
	}
	// Unset vCPUs inherit; already-set vCPUs keep their vector.
	if d.vcpus[0].upcall != 0x33 || d.vcpus[1].upcall != 0x99 {
		t.Fatalf("vcpu vectors = %#x/%#x", d.vcpus[0].upcall, d.vcpus[1].upcall)
	}
	if d.params.Get(xen.HVMParamCallbackIRQ) != arg.Value {
		t.Fatalf("param not stored")
	}
}

func TestSetParamCallbackIRQBadType(t *testing.T) {
	d := newFakeDomain(1)
	arg := xen.HVMParam{
		Index: xen.HVMParamCallbackIRQ,
		Value: uint64(5) << xen.HVMParamCallbackIRQTypeShift,
	}
	if rc := SetParam(d, &arg); rc != -xen.EINVAL {
		t.Fatalf("rax = %d, want -EINVAL", rc)
	}
	if d.params.Get(xen.HVMParamCallbackIRQ) != 0 {
		t.Fatalf("failed set_param stored a value")
	}
}

func TestSetParamValidation(t *testing.T) {
	d := newFakeDomain(1)

	for _, tc := range []struct {
		name  string
		index uint32
		value uint64
		want  int64
	}{
		{"nestedhvm must be zero", xen.HVMParamNestedHVM, 1, -xen.EINVAL},
		{"altp2m must be zero", xen.HVMParamAltP2M, 2, -xen.EINVAL},
		{"nestedhvm zero ok", xen.HVMParamNestedHVM, 0, 0},
		{"pae accepted", xen.HVMParamPAEEnabled, 1, 0},
		{"timer mode", xen.HVMParamTimerMode, 2, 0},
		{"index out of range", xen.HVMNrParams, 0, -xen.EINVAL},
		{"unhandled index", 33, 1, -xen.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			arg := xen.HVMParam{Index: tc.index, Value: tc.value}
			if rc := SetParam(d, &arg); rc != tc.want {
				t.Fatalf("rax = %d, want %d", rc, tc.want)
			}
		})
	}
	if d.timerMode != 2 {
		t.Fatalf("timer mode not applied")
	}
}

func TestSetParamRingPFNsAddPages(t *testing.T) {
	d := newFakeDomain(1)
	arg := xen.HVMParam{Index: xen.HVMParamStorePFN, Value: 0x123}
	if rc := SetParam(d, &arg); rc != 0 {
		t.Fatalf("rax = %d", rc)
	}
	if len(d.ringPages) != 1 || d.ringPages[0] != xen.PFN(0x123).Addr() {
		t.Fatalf("ring pages = %v", d.ringPages)
	}
	if d.params.Get(xen.HVMParamStorePFN) != 0x123 {
		t.Fatalf("param not stored")
	}
}

func TestGetParamAllowLists(t *testing.T) {
	d := newFakeDomain(1)
	d.params.set(xen.HVMParamStorePFN, 0x77)
	d.params.set(xen.HVMParamStoreEvtchn, 3)

	arg := xen.HVMParam{Index: xen.HVMParamStorePFN}
	if rc := GetParam(d, false, &arg); rc != 0 || arg.Value != 0x77 {
		t.Fatalf("guest get = %d/%#x", rc, arg.Value)
	}

	arg = xen.HVMParam{Index: xen.HVMParamTimerMode}
	if rc := GetParam(d, false, &arg); rc != -xen.EINVAL {
		t.Fatalf("guest get of refused index rax = %d", rc)
	}

	// Root callers may only read the channels, and only from the root
	// domain.
	arg = xen.HVMParam{Index: xen.HVMParamStoreEvtchn}
	if rc := GetParam(d, true, &arg); rc != -xen.EPERM {
		t.Fatalf("root get against guest domain rax = %d", rc)
	}

	root := newFakeDomain(xen.DomIDRootVM)
	root.params.set(xen.HVMParamStoreEvtchn, 4)
	arg = xen.HVMParam{Index: xen.HVMParamStoreEvtchn}
	if rc := GetParam(root, true, &arg); rc != 0 || arg.Value != 4 {
		t.Fatalf("root get = %d/%#x", rc, arg.Value)
	}
	arg = xen.HVMParam{Index: xen.HVMParamStorePFN}
	if rc := GetParam(root, true, &arg); rc != -xen.EINVAL {
		t.Fatalf("root get of pfn rax = %d", rc)
	}
}

func TestSetEvtchnUpcallVector(t *testing.T) {
	d := newFakeDomain(1)
	cur := &fakeVCPU{id: 0}
	other := &fakeVCPU{id: 1}
	d.vcpus = []*fakeVCPU{cur, other}

	arg := xen.EvtchnUpcallVector{VCPU: 0, Vector: 0x40}
	if rc := SetEvtchnUpcallVector(cur, d, &arg); rc != 0 || cur.upcall != 0x40 {
		t.Fatalf("self set = %d, vector %#x", rc, cur.upcall)
	}

	arg = xen.EvtchnUpcallVector{VCPU: 1, Vector: 0x41}
	if rc := SetEvtchnUpcallVector(cur, d, &arg); rc != 0 || other.upcall != 0x41 {
		t.Fatalf("cross set = %d, vector %#x", rc, other.upcall)
	}

	arg = xen.EvtchnUpcallVector{VCPU: 9, Vector: 0x42}
	if rc := SetEvtchnUpcallVector(cur, d, &arg); rc != -xen.ESRCH {
		t.Fatalf("missing vcpu rax = %d", rc)
	}
}

func TestPagetableDying(t *testing.T) {
	if rc := PagetableDying(); rc != -xen.ENOSYS {
		t.Fatalf("rax = %d, want -ENOSYS", rc)
	}
}

func TestInitRootParams(t *testing.T) {
	d := newFakeDomain(xen.DomIDRootVM)
	pool := page.NewPool()
	alloc := evtchn.NewAllocator()

	if err := InitRootParams(d, pool, alloc); err != nil {
		t.Fatalf("init: %v", err)
	}

	storePFN := d.params.Get(xen.HVMParamStorePFN)
	consolePFN := d.params.Get(xen.HVMParamConsolePFN)
	if storePFN == 0 || consolePFN == 0 || storePFN == consolePFN {
		t.Fatalf("pfns = %#x/%#x", storePFN, consolePFN)
	}
	if d.params.Get(xen.HVMParamStoreEvtchn) != 1 || d.params.Get(xen.HVMParamConsoleEvtchn) != 2 {
		t.Fatalf("ports = %d/%d, want 1/2",
			d.params.Get(xen.HVMParamStoreEvtchn), d.params.Get(xen.HVMParamConsoleEvtchn))
	}
	if _, ok := d.backed[xen.PFN(storePFN)]; !ok {
		t.Fatalf("store page not exposed to the guest")
	}
	if len(d.whitelisted) != 2 {
		t.Fatalf("whitelisted = %v", d.whitelisted)
	}
}
