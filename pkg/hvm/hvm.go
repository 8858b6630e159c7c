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

// Package hvm implements the per-domain HVM parameter store and the
// HVMOP hypercalls over it.
package hvm

import (
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/evtchn"
	"pvisor.dev/pvisor/pkg/page"
)

// VCPU is the per-vCPU surface the parameter code needs.
type VCPU interface {
	// ID returns the vCPU identifier within its domain.
	ID() xen.VCPUID

	// UpcallVector returns the event upcall vector, zero if unset.
	UpcallVector() uint8

	// SetUpcallVector sets the event upcall vector.
	SetUpcallVector(v uint8)
}

// Domain is the per-domain surface the parameter code needs.
type Domain interface {
	// ID returns the domain identifier.
	ID() xen.DomID

	// HVM returns the domain's parameter store.
	HVM() *Params

	// SetTimerMode applies the nominal timer mode.
	SetTimerMode(v uint64) error

	// SetUpcallVector records the domain-wide upcall vector.
	SetUpcallVector(v uint8)

	// ForEachVCPU visits the domain's vCPUs.
	ForEachVCPU(f func(VCPU))

	// AddRingPage maps a guest ring frame RW write-back.
	AddRingPage(gpa uint64) error
}

// RootDomain is the extra surface root parameter bring-up needs.
type RootDomain interface {
	Domain

	// AddVMMBackedPage exposes a VMM page to the guest at gfn.
	AddVMMBackedPage(gfn xen.PFN, pg *page.Page) error

	// WhitelistIdentity permits the VMM to map gpa identity.
	WhitelistIdentity(gpa uint64)
}

// Params is one domain's HVM parameter vector.
type Params struct {
	mu     sync.Mutex
	values [xen.HVMNrParams]uint64
}

// NewParams returns a zeroed parameter vector.
func NewParams() *Params {
	return &Params{}
}

// Get reads one parameter. Out-of-range indices read as zero.
func (p *Params) Get(index uint32) uint64 {
	if index >= xen.HVMNrParams {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[index]
}

// set stores one parameter. Callers validate the index.
func (p *Params) set(index uint32, value uint64) {
	p.mu.Lock()
	p.values[index] = value
	p.mu.Unlock()
}

// SetParam applies a validated HVMOP_set_param to the target domain and
// returns the hypercall status register value.
func SetParam(d Domain, arg *xen.HVMParam) int64 {
	if arg.Index >= xen.HVMNrParams {
		return -xen.EINVAL
	}

	var err int64

	switch arg.Index {
	case xen.HVMParamCallbackIRQ:
		typ := (arg.Value & xen.HVMParamCallbackIRQTypeMask) >> xen.HVMParamCallbackIRQTypeShift
		if typ != xen.HVMParamCallbackTypeVector && typ != 0 {
			log.Warningf("hvm: unsupported callback type: %#x", typ)
			err = -xen.EINVAL
			break
		}
		vector := uint8(arg.Value & 0xFF)
		d.SetUpcallVector(vector)
		log.Infof("hvm: domain %#x upcall vector: %#x", d.ID(), vector)

		// Seed each vCPU that has no vector of its own, so the event
		// channel code can reference the vCPU vector uniformly.
		d.ForEachVCPU(func(v VCPU) {
			if v.UpcallVector() == 0 {
				v.SetUpcallVector(vector)
			}
		})

	case xen.HVMParamTimerMode:
		if terr := d.SetTimerMode(arg.Value); terr != nil {
			err = -xen.EINVAL
		}

	case xen.HVMParamNestedHVM, xen.HVMParamAltP2M:
		if arg.Value != 0 {
			err = -xen.EINVAL
		}

	case xen.HVMParamPAEEnabled, xen.HVMParamIdentPT:
		// Accepted verbatim.

	case xen.HVMParamStorePFN, xen.HVMParamBufIOReqPFN, xen.HVMParamIOReqPFN,
		xen.HVMParamConsolePFN, xen.HVMParamPagingRingPFN,
		xen.HVMParamMonitorRingPFN, xen.HVMParamSharingRingPFN:
		if aerr := d.AddRingPage(xen.PFN(arg.Value).Addr()); aerr != nil {
			log.Debugf("hvm: add ring page %#x: %v", arg.Value, aerr)
		}

	case xen.HVMParamStoreEvtchn, xen.HVMParamConsoleEvtchn:
		// Accepted verbatim.

	default:
		log.Warningf("hvm: unhandled set_param %d", arg.Index)
		return -xen.EINVAL
	}

	if err == 0 {
		d.HVM().set(arg.Index, arg.Value)
	}
	return err
}

// GetParam services HVMOP_get_param: guest vCPUs see the boot-relevant
// subset; root vCPUs may only read the store/console channels of the
// root domain.
func GetParam(d Domain, callerIsRoot bool, arg *xen.HVMParam) int64 {
	if arg.Index >= xen.HVMNrParams {
		return -xen.EINVAL
	}

	if !callerIsRoot {
		switch arg.Index {
		case xen.HVMParamStorePFN, xen.HVMParamConsolePFN,
			xen.HVMParamPAEEnabled, xen.HVMParamNestedHVM,
			xen.HVMParamStoreEvtchn, xen.HVMParamConsoleEvtchn:
		default:
			log.Warningf("hvm: guest get_param %d refused", arg.Index)
			return -xen.EINVAL
		}
		arg.Value = d.HVM().Get(arg.Index)
		return 0
	}

	if d.ID() != xen.DomIDRootVM {
		log.Warningf("hvm: root get_param against non-root domain %#x", d.ID())
		return -xen.EPERM
	}
	switch arg.Index {
	case xen.HVMParamStoreEvtchn, xen.HVMParamConsoleEvtchn:
		arg.Value = d.HVM().Get(arg.Index)
		return 0
	default:
		return -xen.EINVAL
	}
}

// SetEvtchnUpcallVector services HVMOP_set_evtchn_upcall_vector for the
// calling domain.
func SetEvtchnUpcallVector(cur VCPU, d Domain, arg *xen.EvtchnUpcallVector) int64 {
	if arg.VCPU == cur.ID() {
		cur.SetUpcallVector(arg.Vector)
		return 0
	}

	found := false
	d.ForEachVCPU(func(v VCPU) {
		if v.ID() == arg.VCPU {
			v.SetUpcallVector(arg.Vector)
			found = true
		}
	})
	if !found {
		log.Warningf("hvm: vcpu %d not found", arg.VCPU)
		return -xen.ESRCH
	}
	return 0
}

// PagetableDying is acknowledged but unimplemented.
func PagetableDying() int64 {
	return -xen.ENOSYS
}

// InitRootParams allocates the root domain's xenstore and console pages
// and event channels, publishes them through the parameter store, and
// whitelists their identity mappings. Both pages are reachable from the
// root and from dom0; the root's EPT is identity mapped so no further
// work is needed on its side.
func InitRootParams(d RootDomain, pool *page.Pool, alloc *evtchn.Allocator) error {
	if err := initRootChannelPage(d, pool, alloc, xen.HVMParamStorePFN, xen.HVMParamStoreEvtchn, "xenstore"); err != nil {
		return err
	}
	return initRootChannelPage(d, pool, alloc, xen.HVMParamConsolePFN, xen.HVMParamConsoleEvtchn, "console")
}

func initRootChannelPage(d RootDomain, pool *page.Pool, alloc *evtchn.Allocator, pfnParam, chanParam uint32, what string) error {
	pg, err := pool.Alloc()
	if err != nil {
		return err
	}

	port, err := alloc.AllocUnbound(0)
	if err != nil {
		log.Warningf("hvm: failed to alloc %s port: %v", what, err)
		pool.Free(pg)
		return err
	}

	gpfn := pg.HFN()
	log.Infof("hvm: %s pfn=%#x, evtchn=%d", what, gpfn, port)

	d.HVM().set(pfnParam, uint64(gpfn))
	d.HVM().set(chanParam, uint64(port))

	if err := d.AddVMMBackedPage(gpfn, pg); err != nil {
		pool.Free(pg)
		return err
	}
	d.WhitelistIdentity(gpfn.Addr())
	return nil
}
