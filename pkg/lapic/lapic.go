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

// Package lapic virtualizes access to the local APIC, differentiating
// the xAPIC MMIO window from x2APIC MSR access and following the mode
// across guest writes to IA32_APIC_BASE.
package lapic

import (
	"errors"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// IA32_APIC_BASE and its fields.
const (
	IA32APICBase = 0x1B

	baseBSP    = 1 << 8
	baseExtd   = 1 << 10
	baseEnable = 1 << 11

	baseAddrMask = ^uint64(0xFFF)
)

// x2APIC register MSR block.
const x2apicMSRBase = 0x800

// Register offsets (in units of 16 bytes for the MMIO window, directly
// OR'd into the MSR index for x2APIC).
const (
	RegID  = 0x02
	RegEOI = 0x0B
	RegLDR = 0x0D
	RegDFR = 0x0E
	RegICR = 0x30
)

// xAPIC MMIO byte offsets of the ICR halves.
const (
	icrLoOffset = 0x300
	icrHiOffset = 0x310
)

// ICR fields used for fixed IPIs.
const (
	icrLevelAssert = 1 << 14
	icrDestShift   = 56
)

// Mode is the APIC operating mode.
type Mode int

// Operating modes.
const (
	ModeDisabled Mode = iota
	ModeXAPIC
	ModeX2APIC
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeXAPIC:
		return "xapic"
	case ModeX2APIC:
		return "x2apic"
	default:
		return "invalid"
	}
}

// ModeOf decodes the operating mode from an IA32_APIC_BASE value.
func ModeOf(msr uint64) Mode {
	if msr&baseEnable == 0 {
		return ModeDisabled
	}
	if msr&baseExtd != 0 {
		return ModeX2APIC
	}
	return ModeXAPIC
}

// Construction errors.
var (
	ErrUnsupportedMode = errors.New("unsupported lapic mode")
	ErrNotIdentity     = errors.New("apic frame is not identity mapped")
	ErrBadLocalID      = errors.New("local apic id out of range")
)

// MSROps accesses host MSRs on the current physical CPU.
type MSROps interface {
	Read(msr uint32) uint64
	Write(msr uint32, val uint64)
}

// Window is an uncached RW MMIO view of the 4 KiB xAPIC page. Write32
// must have store-release ordering so the ICR hi write is visible
// before the lo write that triggers delivery.
type Window interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)

	// Remap points the window's virtual address at a new host frame
	// and flushes the stale translation.
	Remap(hpa uint64) error

	// Unmap releases the window and its virtual address.
	Unmap()
}

// HostMapper allocates uncached MMIO windows in the VMM address space.
type HostMapper interface {
	MapUncached(hpa uint64) (Window, error)
}

// AddressSpace translates the vCPU's guest-physical addresses.
type AddressSpace interface {
	GPAToHPA(gpa uint64) (uint64, bool)
}

// Shim is one vCPU's local APIC access path.
type Shim struct {
	// mu serializes ICR composition in xAPIC mode: the two 32-bit MMIO
	// writes are not atomic. x2APIC emission is a single MSR write and
	// takes no lock.
	mu sync.Mutex

	msrs   MSROps
	mapper HostMapper
	space  AddressSpace

	mode     Mode
	baseMSR  uint64
	xapicHPA uint64
	win      Window

	// localID is read once at construction and is the only value IPI
	// emission uses; no APIC access happens when emitting.
	localID uint32
}

// New builds the shim for the current mode of IA32_APIC_BASE.
func New(msrs MSROps, mapper HostMapper, space AddressSpace) (*Shim, error) {
	s := &Shim{
		msrs:   msrs,
		mapper: mapper,
		space:  space,
	}
	s.baseMSR = msrs.Read(IA32APICBase)

	switch ModeOf(s.baseMSR) {
	case ModeXAPIC:
		if err := s.initXAPIC(); err != nil {
			return nil, err
		}
	case ModeX2APIC:
		s.initX2APIC()
	default:
		log.Warningf("lapic: unsupported state in base msr %#x", s.baseMSR)
		return nil, ErrUnsupportedMode
	}

	id := s.Read(RegID)
	if s.mode == ModeXAPIC {
		id >>= 24
	}
	if id >= 0xFF {
		return nil, ErrBadLocalID
	}
	s.localID = id
	return s, nil
}

func (s *Shim) initXAPIC() error {
	msrHPA := s.baseMSR & baseAddrMask
	hpa, ok := s.space.GPAToHPA(msrHPA)
	if !ok || hpa != msrHPA {
		return ErrNotIdentity
	}
	win, err := s.mapper.MapUncached(hpa)
	if err != nil {
		return err
	}
	s.xapicHPA = hpa
	s.win = win
	s.mode = ModeXAPIC
	return nil
}

func (s *Shim) initX2APIC() {
	s.mode = ModeX2APIC
}

// Mode returns the active operating mode.
func (s *Shim) Mode() Mode {
	return s.mode
}

// IsXAPIC reports xAPIC mode.
func (s *Shim) IsXAPIC() bool {
	return s.mode == ModeXAPIC
}

// IsX2APIC reports x2APIC mode.
func (s *Shim) IsX2APIC() bool {
	return s.mode == ModeX2APIC
}

// Read reads an APIC register through the mode-appropriate path.
func (s *Shim) Read(reg uint32) uint32 {
	switch s.mode {
	case ModeX2APIC:
		return uint32(s.msrs.Read(x2apicMSRBase | reg))
	case ModeXAPIC:
		return s.win.Read32(reg << 4)
	default:
		return 0
	}
}

// Write writes an APIC register through the mode-appropriate path.
func (s *Shim) Write(reg, val uint32) {
	switch s.mode {
	case ModeX2APIC:
		s.msrs.Write(x2apicMSRBase|reg, uint64(val))
	case ModeXAPIC:
		s.win.Write32(reg<<4, val)
	}
}

// WriteICR writes the interrupt command register. xAPIC goes high half
// first, with the window's store ordering standing in for the write
// barrier, then the low half that triggers delivery.
func (s *Shim) WriteICR(val uint64) {
	switch s.mode {
	case ModeX2APIC:
		s.msrs.Write(x2apicMSRBase|RegICR, val)
	case ModeXAPIC:
		s.win.Write32(icrHiOffset, uint32(val>>32))
		s.win.Write32(icrLoOffset, uint32(val))
	}
}

// WriteEOI signals end of interrupt.
func (s *Shim) WriteEOI() {
	s.Write(RegEOI, 0)
}

// LocalID returns the APIC ID cached at construction.
//
// This must not touch the APIC: MSI mapping code depends on IPI paths
// never reading the hardware.
func (s *Shim) LocalID() uint32 {
	return s.localID
}

// LogicalID reads the logical destination register.
func (s *Shim) LogicalID() uint32 {
	reg := s.Read(RegLDR)
	if s.mode == ModeXAPIC {
		return reg >> 24
	}
	return reg
}

// DestModel reads the xAPIC destination format model.
func (s *Shim) DestModel() uint32 {
	return s.Read(RegDFR) >> 28
}

// WriteIPIFixed sends a fixed IPI to this CPU in physical destination
// mode, addressed by the cached local ID.
func (s *Shim) WriteIPIFixed(vector uint8) {
	if s.mode == ModeXAPIC {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	icr := uint64(s.localID) << icrDestShift
	icr |= icrLevelAssert
	icr |= uint64(vector)

	s.WriteICR(icr)
}

// EmulateWRMSRBase applies a guest write to IA32_APIC_BASE, remodeling
// the access path when the mode or base changes and committing the new
// value to hardware.
func (s *Shim) EmulateWRMSRBase(val uint64) error {
	oldMode := ModeOf(s.baseMSR)
	newMode := ModeOf(val)
	oldHPA := s.xapicHPA
	newHPA := val & baseAddrMask

	log.Infof("lapic: old_mode:%v old_hpa:%#x new_mode:%v new_hpa:%#x", oldMode, oldHPA, newMode, newHPA)

	switch newMode {
	case ModeX2APIC:
		if oldMode == ModeXAPIC {
			s.win.Unmap()
			s.win = nil
			s.xapicHPA = 0
			s.initX2APIC()
		}
		s.commit(val)

	case ModeXAPIC:
		if oldHPA == newHPA {
			s.commit(val)
			break
		}
		if s.win != nil {
			// Rebase: keep the VMM virtual window, point it at the new
			// frame.
			if err := s.win.Remap(newHPA); err != nil {
				return err
			}
			s.xapicHPA = newHPA
			s.commit(val)
			if hpa, ok := s.space.GPAToHPA(newHPA); !ok || hpa != newHPA {
				return ErrNotIdentity
			}
		} else {
			s.baseMSR = val
			if err := s.initXAPIC(); err != nil {
				return err
			}
			s.msrs.Write(IA32APICBase, val)
			id := s.Read(RegID) >> 24
			log.Infof("lapic: xAPIC ID: %d, existing ID: %d", id, s.localID)
			s.localID = id
		}

	default:
		log.Infof("lapic: reset")
		s.mode = ModeDisabled
		s.commit(val)
	}

	return nil
}

// commit records and writes through the new base MSR value.
func (s *Shim) commit(val uint64) {
	s.baseMSR = val
	s.msrs.Write(IA32APICBase, val)
}
