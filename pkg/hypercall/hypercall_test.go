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

package hypercall

import (
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/domain"
	"pvisor.dev/pvisor/pkg/gnttab"
	"pvisor.dev/pvisor/pkg/page"
)

// guestMem is a flat guest address space: gva is an offset into one
// buffer, mapped in place.
type guestMem struct {
	buf []byte
}

func (g *guestMem) MapArg(gva uint64, length int) ([]byte, func(), error) {
	return g.buf[gva : gva+uint64(length)], func() {}, nil
}

type okDriver struct{}

func (okDriver) Start(uint64) error { return nil }
func (okDriver) Stop(uint64) error  { return nil }

type env struct {
	reg     *domain.Registry
	handler *Handler
	gm      *guestMem
	local   *domain.Domain
	foreign *domain.Domain
	cur     *domain.VCPU
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := domain.NewRegistry(page.NewPool())
	gm := &guestMem{buf: make([]byte, 1<<16)}

	local, err := reg.CreateDomain(2, domain.OriginGuestSpawned)
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	foreign, err := reg.CreateDomain(3, domain.OriginGuestSpawned)
	if err != nil {
		t.Fatalf("create foreign: %v", err)
	}
	cur, err := local.CreateVCPU(0, domain.KindGuest, 0)
	if err != nil {
		t.Fatalf("create vcpu: %v", err)
	}

	return &env{
		reg: reg,
		gm:  gm,
		handler: &Handler{
			Registry: reg,
			Gnttab: &gnttab.Ops{
				Registry:    reg,
				Mapper:      reg.Pool(),
				InWinpvHole: func(xen.PFN) bool { return false },
			},
			VMM:   domain.NewVMM(okDriver{}),
			Trace: &domain.ExitTrace{},
			Mem:   gm,
		},
		local:   local,
		foreign: foreign,
		cur:     cur,
	}
}

// grant seeds a foreign grant of gfn backed at hpa.
func (e *env) grant(t *testing.T, ref xen.GrantRef, gfn uint32, hpa uint64) {
	t.Helper()
	e.foreign.Gnttab().SetV1Entry(ref, xen.GTFPermitAccess, 2, gfn)
	if err := e.foreign.EPT().Map4K(xen.PFN(gfn).Addr(), hpa, hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil {
		t.Fatalf("foreign map: %v", err)
	}
}

func TestGrantMapUnmapThroughDispatcher(t *testing.T) {
	e := newEnv(t)
	e.grant(t, 7, 0x1111, 0x2222000)

	op := xen.MapGrantRef{
		HostAddr: 0x10000,
		Flags:    xen.GNTMAPHostMap,
		Ref:      7,
		Dom:      3,
	}
	op.MarshalBytes(e.gm.buf[0x100:])

	rax := e.handler.Dispatch(e.cur, Regs{
		RAX: xen.HypercallGrantTableOp,
		RDI: xen.GnttabOpMapGrantRef,
		RSI: 0x100,
		RDX: 1,
	})
	if rax != 0 {
		t.Fatalf("map rax = %d", rax)
	}

	// Results land back in the guest buffer.
	op.UnmarshalBytes(e.gm.buf[0x100:])
	if op.Status != xen.GnttabOkay {
		t.Fatalf("status = %d", op.Status)
	}
	if op.Handle != xen.MakeGrantHandle(3, 7) || op.DevBusAddr != 0 {
		t.Fatalf("handle = %#x, dev_bus_addr = %#x", op.Handle, op.DevBusAddr)
	}
	if hpa, ok := e.local.EPT().Translate(0x10000); !ok || hpa != 0x2222000 {
		t.Fatalf("local translate = %#x,%t", hpa, ok)
	}

	unop := xen.UnmapGrantRef{
		HostAddr: 0x10000,
		Handle:   op.Handle,
	}
	unop.MarshalBytes(e.gm.buf[0x200:])
	rax = e.handler.Dispatch(e.cur, Regs{
		RAX: xen.HypercallGrantTableOp,
		RDI: xen.GnttabOpUnmapGrantRef,
		RSI: 0x200,
		RDX: 1,
	})
	if rax != 0 {
		t.Fatalf("unmap rax = %d", rax)
	}

	ent, _ := e.foreign.Gnttab().ReadV1Entry(7)
	if ent.Flags != xen.GTFPermitAccess {
		t.Fatalf("flags after unmap = %#x", ent.Flags)
	}
}

func TestBatchReportsLastExecutedStatus(t *testing.T) {
	e := newEnv(t)
	e.grant(t, 0, 0x1111, 0x2222000)

	good := xen.MapGrantRef{HostAddr: 0x10000, Flags: xen.GNTMAPHostMap, Ref: 0, Dom: 3}
	bad := xen.MapGrantRef{HostAddr: 0x11000, Flags: xen.GNTMAPDeviceMap, Ref: 0, Dom: 3}
	good.MarshalBytes(e.gm.buf[0x100:])
	bad.MarshalBytes(e.gm.buf[0x100+uint64(good.SizeBytes()):])

	rax := e.handler.Dispatch(e.cur, Regs{
		RAX: xen.HypercallGrantTableOp,
		RDI: xen.GnttabOpMapGrantRef,
		RSI: 0x100,
		RDX: 2,
	})
	if rax != int64(xen.GnttabGeneralError) {
		t.Fatalf("rax = %d, want last executed status", rax)
	}

	// The first item stays applied: batches do not roll back.
	good.UnmarshalBytes(e.gm.buf[0x100:])
	if good.Status != xen.GnttabOkay {
		t.Fatalf("first item status = %d", good.Status)
	}
	if !e.local.Gnttab().HasHandle(xen.MakeGrantHandle(3, 0)) {
		t.Fatalf("first item rolled back")
	}
}

func TestQuerySizeAndSetVersion(t *testing.T) {
	e := newEnv(t)

	q := xen.QuerySize{Dom: xen.DomIDSelf}
	q.MarshalBytes(e.gm.buf[0:])
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallGrantTableOp, RDI: xen.GnttabOpQuerySize, RSI: 0, RDX: 1}); rax != 0 {
		t.Fatalf("query rax = %d", rax)
	}
	q.UnmarshalBytes(e.gm.buf[0:])
	if q.NrFrames != 1 || q.MaxNrFrames != gnttab.MaxSharedPages || q.Status != xen.GnttabOkay {
		t.Fatalf("query = %+v", q)
	}

	sv := xen.SetVersion{Version: 2}
	sv.MarshalBytes(e.gm.buf[0x40:])
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallGrantTableOp, RDI: xen.GnttabOpSetVersion, RSI: 0x40, RDX: 1}); rax != -xen.ENOSYS {
		t.Fatalf("set_version v2 rax = %d", rax)
	}
}

func TestHVMParamThroughDispatcher(t *testing.T) {
	e := newEnv(t)

	p := xen.HVMParam{DomID: xen.DomIDSelf, Index: xen.HVMParamPAEEnabled, Value: 1}
	p.MarshalBytes(e.gm.buf[0:])
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallHVMOp, RDI: xen.HVMOpSetParam, RSI: 0}); rax != 0 {
		t.Fatalf("set_param rax = %d", rax)
	}

	p = xen.HVMParam{DomID: xen.DomIDSelf, Index: xen.HVMParamPAEEnabled}
	p.MarshalBytes(e.gm.buf[0:])
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallHVMOp, RDI: xen.HVMOpGetParam, RSI: 0}); rax != 0 {
		t.Fatalf("get_param rax = %d", rax)
	}
	p.UnmarshalBytes(e.gm.buf[0:])
	if p.Value != 1 {
		t.Fatalf("value = %d, want 1", p.Value)
	}

	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallHVMOp, RDI: xen.HVMOpPagetableDying}); rax != -xen.ENOSYS {
		t.Fatalf("pagetable_dying rax = %d", rax)
	}
}

func TestUpcallVectorThroughDispatcher(t *testing.T) {
	e := newEnv(t)

	v := xen.EvtchnUpcallVector{VCPU: 0, Vector: 0x55}
	v.MarshalBytes(e.gm.buf[0:])
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallHVMOp, RDI: xen.HVMOpSetEvtchnUpcallVector, RSI: 0}); rax != 0 {
		t.Fatalf("rax = %d", rax)
	}
	if e.cur.UpcallVector() != 0x55 {
		t.Fatalf("vector = %#x", e.cur.UpcallVector())
	}
}

func TestVCPUOpsThroughDispatcher(t *testing.T) {
	e := newEnv(t)
	arg := uint64(3)<<32 | 1 // vcpu 1 in the foreign domain

	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.VCPUOpCreate, RDI: arg}); rax != 1 {
		t.Fatalf("create rax = %d", rax)
	}
	if e.foreign.NrVCPUs() != 1 {
		t.Fatalf("vcpus = %d", e.foreign.NrVCPUs())
	}
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.VCPUOpKill, RDI: arg}); rax != 0 {
		t.Fatalf("kill rax = %d", rax)
	}
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.VCPUOpDestroy, RDI: arg}); rax != 0 {
		t.Fatalf("destroy rax = %d", rax)
	}
	if e.foreign.NrVCPUs() != 0 {
		t.Fatalf("vcpus = %d after destroy", e.foreign.NrVCPUs())
	}

	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.VCPUOpStartVMExitTrace}); rax != 0 {
		t.Fatalf("trace start rax = %d", rax)
	}
	if !e.handler.Trace.Enabled() {
		t.Fatalf("trace not enabled")
	}
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.VCPUOpStopVMExitTrace}); rax != 0 {
		t.Fatalf("trace stop rax = %d", rax)
	}
	if e.handler.Trace.Enabled() {
		t.Fatalf("trace still enabled")
	}
}

func TestEvtchnAllocThroughDispatcher(t *testing.T) {
	e := newEnv(t)

	a := xen.EvtchnAllocUnbound{Dom: xen.DomIDSelf, RemoteDom: 3}
	a.MarshalBytes(e.gm.buf[0:])
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: xen.HypercallEvtchnOp, RDI: xen.EvtchnOpAllocUnbound, RSI: 0}); rax != 0 {
		t.Fatalf("rax = %d", rax)
	}
	a.UnmarshalBytes(e.gm.buf[0:])
	if a.Port != 1 {
		t.Fatalf("port = %d, want 1", a.Port)
	}
}

func TestUnknownOpcode(t *testing.T) {
	e := newEnv(t)
	if rax := e.handler.Dispatch(e.cur, Regs{RAX: 0xDEAD}); rax != -xen.ENOSYS {
		t.Fatalf("rax = %d, want -ENOSYS", rax)
	}
}
