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

// Package ept implements the per-domain second-level address map from
// guest-physical to host-physical frames.
//
// Mutations must be followed by Invalidate before the mutating hypercall
// returns to the guest; the generation counter lets callers order IOTLB
// flushes against map changes.
package ept

import (
	"errors"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
)

// Mapping errors.
var (
	ErrAlreadyMapped = errors.New("guest frame already mapped")
	ErrNotMapped     = errors.New("guest frame not mapped")
)

type entry struct {
	hfn     xen.PFN
	at      hostarch.AccessType
	mt      hostarch.MemoryType
	present bool
}

// Map is one domain's extended page table. The root domain's map is
// identity-backed: frames without an explicit entry translate to
// themselves.
type Map struct {
	mu         sync.Mutex
	identity   bool
	entries    map[xen.PFN]entry
	generation atomicbitops.Uint64
}

// New returns an empty map.
func New() *Map {
	return &Map{
		entries: make(map[xen.PFN]entry),
	}
}

// NewIdentity returns a map whose unpopulated frames translate
// identically, as the root domain's EPT does.
func NewIdentity() *Map {
	m := New()
	m.identity = true
	return m
}

// Identity returns true for identity-backed maps.
func (m *Map) Identity() bool {
	return m.identity
}

// Map4K installs gpa -> hpa with the given permissions and memory type.
func (m *Map) Map4K(gpa, hpa uint64, at hostarch.AccessType, mt hostarch.MemoryType) error {
	gfn := xen.Frame(gpa)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[gfn]; ok && e.present {
		return ErrAlreadyMapped
	}
	m.entries[gfn] = entry{
		hfn:     xen.Frame(hpa),
		at:      at,
		mt:      mt,
		present: true,
	}
	return nil
}

// Unmap clears the present bit for gpa's frame. The entry record stays
// until Release so in-flight translations can be audited.
func (m *Map) Unmap(gpa uint64) error {
	gfn := xen.Frame(gpa)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[gfn]
	if !ok || !e.present {
		return ErrNotMapped
	}
	e.present = false
	m.entries[gfn] = e
	return nil
}

// Release drops the entry record for gpa's frame entirely.
func (m *Map) Release(gpa uint64) {
	gfn := xen.Frame(gpa)
	m.mu.Lock()
	delete(m.entries, gfn)
	m.mu.Unlock()
}

// Translate resolves a guest-physical address to host-physical. Identity
// maps fall through for unpopulated frames.
func (m *Map) Translate(gpa uint64) (uint64, bool) {
	gfn := xen.Frame(gpa)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[gfn]; ok && e.present {
		return e.hfn.Addr() | (gpa & (xen.PageSize - 1)), true
	}
	if m.identity {
		return gpa, true
	}
	return 0, false
}

// Access returns the permissions and memory type mapped at gpa.
func (m *Map) Access(gpa uint64) (hostarch.AccessType, hostarch.MemoryType, bool) {
	gfn := xen.Frame(gpa)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[gfn]
	if !ok || !e.present {
		return hostarch.NoAccess, hostarch.MemoryTypeWriteBack, false
	}
	return e.at, e.mt, true
}

// Invalidate is the invept analog: it publishes all prior mutations.
func (m *Map) Invalidate() {
	m.generation.Add(1)
}

// Generation returns the invalidation generation, for ordering checks.
func (m *Map) Generation() uint64 {
	return m.generation.Load()
}
