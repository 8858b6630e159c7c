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

// Top-level hypercall numbers (the subset this core dispatches).
const (
	HypercallMemoryOp  = 12
	HypercallGrantTableOp = 20
	HypercallHVMOp     = 34
	HypercallEvtchnOp  = 32
)

// Grant table sub-operations (GNTTABOP_*).
const (
	GnttabOpMapGrantRef   = 0
	GnttabOpUnmapGrantRef = 1
	GnttabOpSetupTable    = 2
	GnttabOpDumpTable     = 3
	GnttabOpTransfer      = 4
	GnttabOpCopy          = 5
	GnttabOpQuerySize     = 6
	GnttabOpSetVersion    = 8
)

// HVM sub-operations (HVMOP_*).
const (
	HVMOpSetParam               = 0
	HVMOpGetParam               = 1
	HVMOpPagetableDying         = 9
	HVMOpSetEvtchnUpcallVector  = 23
)

// Memory sub-operations (XENMEM_*).
const (
	MemOpAddToPhysmap = 7
)

// Event channel sub-operations (EVTCHNOP_*).
const (
	EvtchnOpAllocUnbound = 6
)

// Vendor vcpu-op space. These ride a vendor-specific opcode block rather
// than the standard VCPUOP hypercall.
const (
	VCPUOpCreate           = 0x100
	VCPUOpKill             = 0x101
	VCPUOpDestroy          = 0x102
	VCPUOpStartVMExitTrace = 0x103
	VCPUOpStopVMExitTrace  = 0x104
	VCPUOpDumpKernelFault  = 0x105
)

// Errno values surfaced in the hypercall return register.
const (
	EPERM  = 1
	ESRCH  = 3
	ENOMEM = 12
	EINVAL = 22
	ENOSYS = 38
)
