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

// Package hypercall routes hypercall opcodes from the exit dispatcher
// to the grant table, HVM and vCPU code.
//
// Argument buffers are guest-virtual; they are mapped into the VMM for
// the duration of the call. Batched operations record per-item status;
// the returned register value carries the status of the last item that
// executed, and completed items are never rolled back.
package hypercall

import (
	"gvisor.dev/gvisor/pkg/log"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/domain"
	"pvisor.dev/pvisor/pkg/gnttab"
	"pvisor.dev/pvisor/pkg/hvm"
)

// GuestMemory maps guest-virtual argument buffers into the VMM for the
// duration of a call. The release function is mandatory on all exit
// paths; for writable buffers it writes any mutations back.
type GuestMemory interface {
	MapArg(gva uint64, length int) (data []byte, release func(), err error)
}

// vcpuOpFailure is the vendor vcpu-op failure return.
const vcpuOpFailure = int64(-1)

// Handler routes hypercalls. One instance serves all vCPUs.
type Handler struct {
	Registry *domain.Registry
	Gnttab   *gnttab.Ops
	VMM      *domain.VMM
	Trace    *domain.ExitTrace
	Mem      GuestMemory
}

// Regs is the hypercall register file: RAX carries the opcode in and
// the status out; RDI is the sub-command, RSI the argument buffer, RDX
// the batch count.
type Regs struct {
	RAX uint64
	RDI uint64
	RSI uint64
	RDX uint64
}

// Dispatch services one hypercall and returns the new RAX value.
func (h *Handler) Dispatch(cur *domain.VCPU, regs Regs) int64 {
	switch regs.RAX {
	case xen.HypercallGrantTableOp:
		return h.GrantTableOp(cur, regs.RDI, regs.RSI, regs.RDX)
	case xen.HypercallHVMOp:
		return h.HVMOp(cur, regs.RDI, regs.RSI)
	case xen.HypercallMemoryOp:
		return h.MemoryOp(cur, regs.RDI, regs.RSI)
	case xen.HypercallEvtchnOp:
		return h.EvtchnOp(cur, regs.RDI, regs.RSI)
	default:
		if regs.RAX >= xen.VCPUOpCreate && regs.RAX <= xen.VCPUOpDumpKernelFault {
			return h.VCPUOp(cur, regs.RAX, regs.RDI)
		}
		log.Warningf("hypercall: unknown opcode %#x", regs.RAX)
		return -xen.ENOSYS
	}
}

// GrantTableOp services GNTTABOP_* batches.
func (h *Handler) GrantTableOp(cur *domain.VCPU, cmd, arg, count uint64) int64 {
	local := cur.Domain()

	switch cmd {
	case xen.GnttabOpMapGrantRef:
		var proto xen.MapGrantRef
		ops := make([]xen.MapGrantRef, count)
		buf, release, err := h.Mem.MapArg(arg, int(count)*proto.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		for i := range ops {
			ops[i].UnmarshalBytes(buf[i*proto.SizeBytes():])
		}
		rc := h.Gnttab.MapGrantRefBatch(local, ops)
		for i := range ops {
			ops[i].MarshalBytes(buf[i*proto.SizeBytes():])
		}
		return rc

	case xen.GnttabOpUnmapGrantRef:
		var proto xen.UnmapGrantRef
		ops := make([]xen.UnmapGrantRef, count)
		buf, release, err := h.Mem.MapArg(arg, int(count)*proto.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		for i := range ops {
			ops[i].UnmarshalBytes(buf[i*proto.SizeBytes():])
		}
		rc := h.Gnttab.UnmapGrantRefBatch(local, ops)
		for i := range ops {
			ops[i].MarshalBytes(buf[i*proto.SizeBytes():])
		}
		return rc

	case xen.GnttabOpCopy:
		var proto xen.Copy
		ops := make([]xen.Copy, count)
		buf, release, err := h.Mem.MapArg(arg, int(count)*proto.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		for i := range ops {
			ops[i].UnmarshalBytes(buf[i*proto.SizeBytes():])
		}
		rc := h.Gnttab.CopyBatch(local, ops)
		for i := range ops {
			ops[i].MarshalBytes(buf[i*proto.SizeBytes():])
		}
		return rc

	case xen.GnttabOpQuerySize:
		// Multiple query_size are unsupported.
		if count != 1 {
			return -xen.EINVAL
		}
		var q xen.QuerySize
		buf, release, err := h.Mem.MapArg(arg, q.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		q.UnmarshalBytes(buf)
		rc := h.Gnttab.QuerySize(local, &q)
		q.MarshalBytes(buf)
		return rc

	case xen.GnttabOpSetVersion:
		// Multiple set_version are unsupported.
		if count != 1 {
			return -xen.EINVAL
		}
		var s xen.SetVersion
		buf, release, err := h.Mem.MapArg(arg, s.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		s.UnmarshalBytes(buf)
		return h.Gnttab.SetVersion(local, &s)

	default:
		log.Warningf("hypercall: unhandled gnttab op %d", cmd)
		return -xen.ENOSYS
	}
}

// HVMOp services HVMOP_*.
func (h *Handler) HVMOp(cur *domain.VCPU, cmd, arg uint64) int64 {
	switch cmd {
	case xen.HVMOpSetParam, xen.HVMOpGetParam:
		var p xen.HVMParam
		buf, release, err := h.Mem.MapArg(arg, p.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		p.UnmarshalBytes(buf)

		if p.Index >= xen.HVMNrParams {
			return -xen.EINVAL
		}
		domid := p.DomID
		if domid == xen.DomIDSelf {
			domid = cur.Domain().ID()
		}
		d, ok := h.Registry.GetDomain(domid)
		if !ok {
			log.Warningf("hypercall: hvm op: domid %#x not found", domid)
			return -xen.ESRCH
		}
		defer h.Registry.PutDomain(domid)

		var rc int64
		if cmd == xen.HVMOpSetParam {
			rc = hvm.SetParam(d, &p)
		} else {
			rc = hvm.GetParam(d, cur.IsRoot(), &p)
			p.MarshalBytes(buf)
		}
		return rc

	case xen.HVMOpSetEvtchnUpcallVector:
		var v xen.EvtchnUpcallVector
		buf, release, err := h.Mem.MapArg(arg, v.SizeBytes())
		if err != nil {
			return -xen.EINVAL
		}
		defer release()
		v.UnmarshalBytes(buf)
		return hvm.SetEvtchnUpcallVector(cur, cur.Domain(), &v)

	case xen.HVMOpPagetableDying:
		return hvm.PagetableDying()

	default:
		log.Warningf("hypercall: unhandled hvm op %d", cmd)
		return -xen.ENOSYS
	}
}

// MemoryOp services XENMEM_*. Only add_to_physmap with the grant-table
// space is implemented.
func (h *Handler) MemoryOp(cur *domain.VCPU, cmd, arg uint64) int64 {
	if cmd != xen.MemOpAddToPhysmap {
		return -xen.ENOSYS
	}
	var atp xen.AddToPhysmap
	buf, release, err := h.Mem.MapArg(arg, atp.SizeBytes())
	if err != nil {
		return -xen.EINVAL
	}
	defer release()
	atp.UnmarshalBytes(buf)

	if atp.Space != xen.MapSpaceGrantTable {
		log.Warningf("hypercall: add_to_physmap space %d unimplemented", atp.Space)
		return -xen.ENOSYS
	}
	return h.Gnttab.MapspaceGrantTable(cur.Domain(), cur.IsRoot(), &atp)
}

// EvtchnOp services EVTCHNOP_*. Only alloc_unbound is implemented.
func (h *Handler) EvtchnOp(cur *domain.VCPU, cmd, arg uint64) int64 {
	if cmd != xen.EvtchnOpAllocUnbound {
		return -xen.ENOSYS
	}
	var a xen.EvtchnAllocUnbound
	buf, release, err := h.Mem.MapArg(arg, a.SizeBytes())
	if err != nil {
		return -xen.EINVAL
	}
	defer release()
	a.UnmarshalBytes(buf)

	domid := a.Dom
	if domid == xen.DomIDSelf {
		domid = cur.Domain().ID()
	}
	d, ok := h.Registry.GetDomain(domid)
	if !ok {
		return -xen.ESRCH
	}
	defer h.Registry.PutDomain(domid)

	port, err := d.Evtchn().AllocUnbound(a.RemoteDom)
	if err != nil {
		return -xen.ENOMEM
	}
	a.Port = port
	a.MarshalBytes(buf)
	return 0
}

// VCPUOp services the vendor vcpu-op space. The argument packs the
// target as (domid << 32) | vcpuid.
func (h *Handler) VCPUOp(cur *domain.VCPU, op, arg uint64) int64 {
	domid := xen.DomID(arg >> 32)
	vcpuid := xen.VCPUID(arg)

	switch op {
	case xen.VCPUOpCreate:
		d, ok := h.Registry.GetDomain(domid)
		if !ok {
			return vcpuOpFailure
		}
		defer h.Registry.PutDomain(domid)
		v, err := d.CreateVCPU(vcpuid, domain.KindGuest, 0)
		if err != nil {
			log.Warningf("hypercall: create_vcpu: %v", err)
			return vcpuOpFailure
		}
		return int64(v.ID())

	case xen.VCPUOpKill:
		d, ok := h.Registry.GetDomain(domid)
		if !ok {
			return vcpuOpFailure
		}
		defer h.Registry.PutDomain(domid)
		v, ok := d.GetVCPU(vcpuid)
		if !ok {
			return vcpuOpFailure
		}
		defer d.PutVCPU(vcpuid)
		if err := h.VMM.KillVCPU(v); err != nil {
			return vcpuOpFailure
		}
		return 0

	case xen.VCPUOpDestroy:
		d, ok := h.Registry.GetDomain(domid)
		if !ok {
			return vcpuOpFailure
		}
		defer h.Registry.PutDomain(domid)
		if err := d.DestroyVCPU(vcpuid); err != nil {
			return vcpuOpFailure
		}
		return 0

	case xen.VCPUOpStartVMExitTrace:
		h.Trace.Start()
		return 0

	case xen.VCPUOpStopVMExitTrace:
		h.Trace.Stop()
		return 0

	case xen.VCPUOpDumpKernelFault:
		log.Warningf("FATAL SEGFAULT FROM GUEST")
		h.Trace.Stop()
		h.Trace.Dump()
		return 0

	default:
		log.Warningf("hypercall: unknown vcpu opcode %#x", op)
		return -xen.ENOSYS
	}
}
