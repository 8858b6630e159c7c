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

package iommu

import (
	"testing"

	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/page"
)

// Test geometry: IOTLB register pair at 0x100, fault recording at
// 0x200 with two registers.
const (
	testIRO = 0x100
	testFRO = 0x200
	testNFR = 2
)

// testCap builds a capability word: 4-level SAGAW, MGAW 47, MAMV 9,
// PSI and CM as requested.
func testCap(cm, psi bool) uint64 {
	c := uint64(2) << capNDShift // 8 DID bits
	c |= uint64(1<<2) << capSAGAWShift
	c |= uint64(46) << capMGAWShift
	c |= uint64(testFRO/16) << capFROShift
	c |= uint64(testNFR-1) << capNFRShift
	c |= uint64(9) << capMAMVShift
	if cm {
		c |= 1 << capCMShift
	}
	if psi {
		c |= 1 << capPSIShift
	}
	return c
}

func testEcap() uint64 {
	ecap := uint64(1) << ecapCShift // coherent walk
	ecap |= uint64(1) << ecapQIShift
	ecap |= uint64(testIRO/16) << ecapIROShift
	return ecap
}

// fakeRegs models a unit that acknowledges every command instantly.
type fakeRegs struct {
	mem map[uint64]uint64

	ctxFlushes   []uint64
	iotlbWrites  []uint64
	ivaWrites    []uint64
	gcmdWrites   []uint32
	rtaddrWrites []uint64
}

func newFakeRegs(cap, ecap uint64) *fakeRegs {
	return &fakeRegs{
		mem: map[uint64]uint64{
			regCap:  cap,
			regEcap: ecap,
		},
	}
}

func (f *fakeRegs) Read32(off uint64) uint32 {
	return uint32(f.mem[off])
}

func (f *fakeRegs) Read64(off uint64) uint64 {
	return f.mem[off]
}

func (f *fakeRegs) Write32(off uint64, val uint32) {
	switch off {
	case regGcmd:
		f.gcmdWrites = append(f.gcmdWrites, val)
		// Status follows command immediately.
		f.mem[regGsts] = uint64(val)
	case regFsts:
		f.mem[regFsts] &^= uint64(val)
	default:
		if off >= testFRO && off < testFRO+testNFR*frcdLen {
			// FRCD fault bits are RW1C.
			f.mem[off] &^= uint64(val)
			return
		}
		f.mem[off] = uint64(val)
	}
}

func (f *fakeRegs) Write64(off uint64, val uint64) {
	switch off {
	case regCcmd:
		f.ctxFlushes = append(f.ctxFlushes, val)
		f.mem[off] = val &^ ccmdICC
	case regRtaddr:
		f.rtaddrWrites = append(f.rtaddrWrites, val)
		f.mem[off] = val
	case testIRO + 8:
		f.iotlbWrites = append(f.iotlbWrites, val)
		f.mem[off] = val &^ iotlbIVT
	case testIRO:
		f.ivaWrites = append(f.ivaWrites, val)
		f.mem[off] = val
	default:
		f.mem[off] = val
	}
}

type testDom struct {
	id   xen.DomID
	root uint64
}

func (d *testDom) ID() xen.DomID          { return d.id }
func (d *testDom) PageTableRoot() uint64  { return d.root }

func newTestUnit(t *testing.T, cm, psi bool) (*Unit, *fakeRegs) {
	t.Helper()
	regs := newFakeRegs(testCap(cm, psi), testEcap())
	unmapped := false
	u, err := New(DRHD{RegBase: 0xFED90000, Scope: []BDF{{Bus: 0, Dev: 2, Fn: 0}}}, 0, Config{
		Regs:    regs,
		Flusher: NopFlusher{},
		Pool:    page.NewPool(),
		UnmapFromRoot: func(hpa, bytes uint64) {
			unmapped = hpa == 0xFED90000
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !unmapped {
		t.Fatalf("register window left visible to the root domain")
	}
	return u, regs
}

func TestUnitInit(t *testing.T) {
	u, regs := newTestUnit(t, false, true)

	if u.mgaw != 47 || u.didBits != 8 || u.mamv != 9 || !u.psi || u.cm || !u.coherent {
		t.Fatalf("derived caps wrong: mgaw=%d did_bits=%d mamv=%d psi=%t cm=%t coherent=%t",
			u.mgaw, u.didBits, u.mamv, u.psi, u.cm, u.coherent)
	}
	if u.iotlbOff != testIRO {
		t.Fatalf("iotlb offset = %#x, want %#x", u.iotlbOff, testIRO)
	}
	if u.NrDomains() != 256 {
		t.Fatalf("domains = %d, want 256", u.NrDomains())
	}

	// The engine is quiesced and the root table latched.
	gsts := regs.Read32(regGsts)
	if gsts&gcmdTE != 0 || gsts&gcmdIRE != 0 || gsts&gcmdQIE != 0 {
		t.Fatalf("engine not quiesced: gsts=%#x", gsts)
	}
	if len(regs.rtaddrWrites) != 1 {
		t.Fatalf("rtaddr writes = %d, want 1", len(regs.rtaddrWrites))
	}
	if u.DMARemappingEnabled() {
		t.Fatalf("remapping enabled before request")
	}
	if err := u.EnableDMARemapping(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !u.DMARemappingEnabled() {
		t.Fatalf("remapping not enabled")
	}
}

func TestBindDeviceProgramsContext(t *testing.T) {
	for _, cm := range []bool{false, true} {
		name := "no_cm"
		if cm {
			name = "cm"
		}
		t.Run(name, func(t *testing.T) {
			u, _ := newTestUnit(t, cm, true)
			dom := &testDom{id: 3, root: 0xAAA000}
			bdf := BDF{Bus: 0, Dev: 2, Fn: 0}

			if err := u.BindDevice(bdf, dom); err != nil {
				t.Fatalf("bind: %v", err)
			}

			ctx, ok := u.busCtx[0]
			if !ok {
				t.Fatalf("no context page for bus 0")
			}
			lo, hi := tableEntry(ctx, uint32(bdf.DevFn()))
			if lo != 0xAAA000|1 {
				t.Fatalf("context lo = %#x, want slpt|present", lo)
			}
			wantDID := uint64(3)
			if cm {
				// DID 0 is reserved under caching mode.
				wantDID = 4
			}
			if hi>>8 != wantDID || hi&0x7 != uint64(u.aw) {
				t.Fatalf("context hi = %#x, want did=%d aw=%d", hi, wantDID, u.aw)
			}

			// Root entry points at the context page.
			rlo, _ := tableEntry(u.root, 0)
			if rlo != ctx.HFN().Addr()|1 {
				t.Fatalf("root entry = %#x", rlo)
			}
		})
	}
}

func TestBindDeviceOutOfScope(t *testing.T) {
	u, _ := newTestUnit(t, false, true)
	if err := u.BindDevice(BDF{Bus: 1, Dev: 0, Fn: 0}, &testDom{id: 1}); err != ErrNotInScope {
		t.Fatalf("err = %v, want ErrNotInScope", err)
	}
}

func TestFlushIOTLBDomainEncoding(t *testing.T) {
	u, regs := newTestUnit(t, true, true)
	regs.iotlbWrites = nil

	u.FlushIOTLBDomain(6)

	if len(regs.iotlbWrites) != 1 {
		t.Fatalf("iotlb writes = %d, want 1", len(regs.iotlbWrites))
	}
	val := regs.iotlbWrites[0]
	if (val>>iotlbIIRGShift)&3 != iotlbIIRGDomain {
		t.Fatalf("granularity = %d, want domain", (val>>iotlbIIRGShift)&3)
	}
	// CM bumps the DID.
	if did := (val >> iotlbDIDShift) & 0xFFFF; did != 7 {
		t.Fatalf("did = %d, want 7", did)
	}
	if val&iotlbIVT == 0 {
		t.Fatalf("IVT not set in issued command")
	}
}

func TestFlushIOTLBPages(t *testing.T) {
	u, regs := newTestUnit(t, false, true)
	regs.iotlbWrites = nil
	regs.ivaWrites = nil

	u.FlushIOTLBPages(3, 0x40000, xen.PageSize)

	if len(regs.iotlbWrites) != 1 || len(regs.ivaWrites) != 1 {
		t.Fatalf("writes = %d iotlb / %d iva, want 1/1", len(regs.iotlbWrites), len(regs.ivaWrites))
	}
	if (regs.iotlbWrites[0]>>iotlbIIRGShift)&3 != iotlbIIRGPage {
		t.Fatalf("granularity not page-selective")
	}
	if regs.ivaWrites[0]&ivaAddrMask != 0x40000 {
		t.Fatalf("iva = %#x, want 0x40000", regs.ivaWrites[0])
	}

	// A four-page range needs order 2.
	regs.ivaWrites = nil
	u.FlushIOTLBPages(3, 0x80000, 4*xen.PageSize)
	if regs.ivaWrites[0]&ivaAMMask != 2 {
		t.Fatalf("am = %d, want 2", regs.ivaWrites[0]&ivaAMMask)
	}
}

func TestFlushIOTLBPagesBeyondMAMV(t *testing.T) {
	u, regs := newTestUnit(t, false, true)
	regs.iotlbWrites = nil

	// 2^10 pages exceeds MAMV=9: falls back to a domain flush.
	u.FlushIOTLBPages(3, 0, (1<<10)*xen.PageSize)

	if len(regs.iotlbWrites) != 1 {
		t.Fatalf("iotlb writes = %d, want 1", len(regs.iotlbWrites))
	}
	if (regs.iotlbWrites[0]>>iotlbIIRGShift)&3 != iotlbIIRGDomain {
		t.Fatalf("expected domain-granularity fallback")
	}
}

func TestFlushIOTLBPagesWithoutPSI(t *testing.T) {
	u, regs := newTestUnit(t, false, false)
	regs.iotlbWrites = nil

	u.FlushIOTLBPages(3, 0x40000, xen.PageSize)

	if len(regs.iotlbWrites) != 1 {
		t.Fatalf("iotlb writes = %d, want 1", len(regs.iotlbWrites))
	}
	if (regs.iotlbWrites[0]>>iotlbIIRGShift)&3 != iotlbIIRGDomain {
		t.Fatalf("expected domain-selective flush without PSI")
	}
}

func TestAckFaults(t *testing.T) {
	u, regs := newTestUnit(t, false, true)

	regs.mem[regFsts] = 0x2
	regs.mem[testFRO+12] = uint64(frcdFault)
	regs.mem[testFRO+frcdLen+12] = uint64(frcdFault)

	u.AckFaults()

	if regs.mem[regFsts] != 0 {
		t.Fatalf("fsts = %#x after ack", regs.mem[regFsts])
	}
	if regs.mem[testFRO+12] != 0 || regs.mem[testFRO+frcdLen+12] != 0 {
		t.Fatalf("frcd fault bits survived ack")
	}
}
