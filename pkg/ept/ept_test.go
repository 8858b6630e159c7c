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

package ept

import (
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
)

func TestMapTranslateUnmap(t *testing.T) {
	m := New()

	if err := m.Map4K(0x10000, 0x5000, hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil {
		t.Fatalf("map: %v", err)
	}
	if hpa, ok := m.Translate(0x10080); !ok || hpa != 0x5080 {
		t.Fatalf("translate = %#x,%t, want 0x5080", hpa, ok)
	}
	if at, mt, ok := m.Access(0x10000); !ok || !at.Write || mt != hostarch.MemoryTypeWriteBack {
		t.Fatalf("access = %v/%v/%t", at, mt, ok)
	}

	if err := m.Map4K(0x10000, 0x6000, hostarch.Read, hostarch.MemoryTypeWriteBack); err != ErrAlreadyMapped {
		t.Fatalf("double map err = %v", err)
	}

	if err := m.Unmap(0x10000); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, ok := m.Translate(0x10000); ok {
		t.Fatalf("translate succeeded after unmap")
	}
	if err := m.Unmap(0x10000); err != ErrNotMapped {
		t.Fatalf("double unmap err = %v", err)
	}
	m.Release(0x10000)

	// The frame can be mapped again after release.
	if err := m.Map4K(0x10000, 0x7000, hostarch.Read, hostarch.MemoryTypeWriteBack); err != nil {
		t.Fatalf("remap after release: %v", err)
	}
}

func TestIdentityFallthrough(t *testing.T) {
	m := NewIdentity()

	if hpa, ok := m.Translate(0x123456); !ok || hpa != 0x123456 {
		t.Fatalf("identity translate = %#x,%t", hpa, ok)
	}

	// Explicit entries still win.
	if err := m.Map4K(0x10000, 0x5000, hostarch.ReadWrite, hostarch.MemoryTypeWriteBack); err != nil {
		t.Fatalf("map: %v", err)
	}
	if hpa, _ := m.Translate(0x10000); hpa != 0x5000 {
		t.Fatalf("explicit entry ignored: %#x", hpa)
	}
}

func TestGeneration(t *testing.T) {
	m := New()
	g := m.Generation()
	m.Invalidate()
	m.Invalidate()
	if m.Generation() != g+2 {
		t.Fatalf("generation = %d, want %d", m.Generation(), g+2)
	}
}
