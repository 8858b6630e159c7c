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

package page

import (
	"testing"

	"pvisor.dev/pvisor/pkg/abi/xen"
)

func TestPoolAlloc(t *testing.T) {
	pl := NewPool()

	a, err := pl.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := pl.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	if len(a.Data()) != Size {
		t.Fatalf("page size = %d", len(a.Data()))
	}
	if a.HFN() == b.HFN() {
		t.Fatalf("duplicate frame numbers")
	}
	if a.Origin() != OriginVMM {
		t.Fatalf("origin = %d", a.Origin())
	}
	// Frames fit the 32-bit field of a v1 grant entry.
	if uint64(a.HFN()) > 0xFFFFFFFF {
		t.Fatalf("frame %#x does not fit 32 bits", a.HFN())
	}
	if a.Base()&(Size-1) != 0 {
		t.Fatalf("page not naturally aligned: %#x", a.Base())
	}

	if got, ok := pl.FromFrame(a.HFN()); !ok || got != a {
		t.Fatalf("reverse lookup failed")
	}
	pl.Free(a)
	if _, ok := pl.FromFrame(a.HFN()); ok {
		t.Fatalf("freed page still resolvable")
	}
}

func TestPoolAdopt(t *testing.T) {
	pl := NewPool()
	data := make([]byte, Size)
	pg := pl.Adopt(xen.PFN(0x1234), data)

	if pg.Origin() != OriginGuest {
		t.Fatalf("origin = %d", pg.Origin())
	}
	got, release, err := pl.MapFrame(0x1234)
	if err != nil {
		t.Fatalf("map frame: %v", err)
	}
	defer release()
	got[0] = 0xAA
	if data[0] != 0xAA {
		t.Fatalf("adopted view is not aliased")
	}

	if _, _, err := pl.MapFrame(0x9999); err != ErrNoFrame {
		t.Fatalf("unknown frame err = %v", err)
	}
}
