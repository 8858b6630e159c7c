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

// HVM parameter indices.
const (
	HVMParamCallbackIRQ    = 0
	HVMParamStorePFN       = 1
	HVMParamStoreEvtchn    = 2
	HVMParamPAEEnabled     = 4
	HVMParamIOReqPFN       = 5
	HVMParamBufIOReqPFN    = 6
	HVMParamTimerMode      = 10
	HVMParamIdentPT        = 12
	HVMParamConsolePFN     = 17
	HVMParamConsoleEvtchn  = 18
	HVMParamNestedHVM      = 24
	HVMParamPagingRingPFN  = 27
	HVMParamMonitorRingPFN = 28
	HVMParamSharingRingPFN = 29
	HVMParamAltP2M         = 35

	// HVMNrParams bounds the parameter vector.
	HVMNrParams = 40
)

// Callback IRQ encoding: the top byte selects the delivery type; only the
// global-vector type (and the legacy zero type) is supported.
const (
	HVMParamCallbackIRQTypeShift = 56
	HVMParamCallbackIRQTypeMask  = uint64(0xFF) << HVMParamCallbackIRQTypeShift
	HVMParamCallbackTypeGSI      = 0
	HVMParamCallbackTypeVector   = 2
)

// HVMParam is the HVMOP_set_param/HVMOP_get_param payload (16 bytes).
type HVMParam struct {
	DomID DomID
	Index uint32
	Value uint64
}

// SizeBytes implements marshal sizing.
func (*HVMParam) SizeBytes() int {
	return 16
}

// MarshalBytes serializes the payload to dst.
func (p *HVMParam) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint16(dst[0:], uint16(p.DomID))
	hostarch.ByteOrder.PutUint16(dst[2:], 0)
	hostarch.ByteOrder.PutUint32(dst[4:], p.Index)
	hostarch.ByteOrder.PutUint64(dst[8:], p.Value)
}

// UnmarshalBytes deserializes the payload from src.
func (p *HVMParam) UnmarshalBytes(src []byte) {
	p.DomID = DomID(hostarch.ByteOrder.Uint16(src[0:]))
	p.Index = hostarch.ByteOrder.Uint32(src[4:])
	p.Value = hostarch.ByteOrder.Uint64(src[8:])
}

// EvtchnUpcallVector is the HVMOP_set_evtchn_upcall_vector payload (8
// bytes).
type EvtchnUpcallVector struct {
	VCPU   VCPUID
	Vector uint8
}

// SizeBytes implements marshal sizing.
func (*EvtchnUpcallVector) SizeBytes() int {
	return 8
}

// MarshalBytes serializes the payload to dst.
func (e *EvtchnUpcallVector) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint32(dst[0:], uint32(e.VCPU))
	dst[4] = e.Vector
	dst[5], dst[6], dst[7] = 0, 0, 0
}

// UnmarshalBytes deserializes the payload from src.
func (e *EvtchnUpcallVector) UnmarshalBytes(src []byte) {
	e.VCPU = VCPUID(hostarch.ByteOrder.Uint32(src[0:]))
	e.Vector = src[4]
}

// EvtchnAllocUnbound is the EVTCHNOP_alloc_unbound payload (8 bytes).
type EvtchnAllocUnbound struct {
	Dom       DomID
	RemoteDom DomID
	Port      Port
}

// SizeBytes implements marshal sizing.
func (*EvtchnAllocUnbound) SizeBytes() int {
	return 8
}

// MarshalBytes serializes the payload to dst.
func (e *EvtchnAllocUnbound) MarshalBytes(dst []byte) {
	hostarch.ByteOrder.PutUint16(dst[0:], uint16(e.Dom))
	hostarch.ByteOrder.PutUint16(dst[2:], uint16(e.RemoteDom))
	hostarch.ByteOrder.PutUint32(dst[4:], uint32(e.Port))
}

// UnmarshalBytes deserializes the payload from src.
func (e *EvtchnAllocUnbound) UnmarshalBytes(src []byte) {
	e.Dom = DomID(hostarch.ByteOrder.Uint16(src[0:]))
	e.RemoteDom = DomID(hostarch.ByteOrder.Uint16(src[2:]))
	e.Port = Port(hostarch.ByteOrder.Uint32(src[4:]))
}
