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

// Package page provides the 4 KiB page primitive shared by the grant
// table, HVM parameter store and domain memory code.
//
// Every page is either VMM-allocated (its backing came from the pool and
// the VMM owns its lifetime) or guest-backed (the frame belongs to a
// guest and the VMM merely holds a view of it).
package page

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
)

// Size is the page granule.
const Size = xen.PageSize

// ErrNoFrame is returned when a host frame has no VMM-visible backing.
var ErrNoFrame = errors.New("frame has no VMM mapping")

// Origin describes who owns a page's backing.
type Origin int

const (
	// OriginVMM marks pages allocated from the pool.
	OriginVMM Origin = iota

	// OriginGuest marks pages whose frame is owned by a guest.
	OriginGuest
)

// Page is a single 4 KiB host frame with a VMM-visible byte view.
type Page struct {
	hfn    xen.PFN
	data   []byte
	origin Origin
}

// HFN returns the host frame number.
func (p *Page) HFN() xen.PFN {
	return p.hfn
}

// Data returns the VMM view of the frame contents.
func (p *Page) Data() []byte {
	return p.data
}

// Origin returns the page's backing owner.
func (p *Page) Origin() Origin {
	return p.origin
}

// Base returns the address of the first byte of the VMM view.
func (p *Page) Base() uintptr {
	return uintptr(unsafe.Pointer(&p.data[0]))
}

// NewGuestPage wraps a guest-owned frame and its VMM view as a Page
// without registering it in any pool.
func NewGuestPage(hfn xen.PFN, data []byte) *Page {
	return &Page{
		hfn:    hfn,
		data:   data,
		origin: OriginGuest,
	}
}

// FrameMapper resolves a host frame to a VMM-visible byte window. The
// release function must be called on all exit paths.
type FrameMapper interface {
	MapFrame(hfn xen.PFN) (data []byte, release func(), err error)
}

// poolFrameBase starts the pool's frame namespace well clear of the
// low guest frames, and low enough that every pool frame fits the
// 32-bit frame field of a v1 grant entry.
const poolFrameBase xen.PFN = 0x100000

// Pool allocates naturally aligned 4 KiB pages and maintains the host
// frame to VMM address reverse map. Frame numbers are a pool-owned
// namespace, handed out sequentially.
type Pool struct {
	mu    sync.Mutex
	next  xen.PFN
	pages map[xen.PFN]*Page
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		next:  poolFrameBase,
		pages: make(map[xen.PFN]*Page),
	}
}

// Alloc returns a zeroed VMM-owned page.
func (pl *Pool) Alloc() (*Page, error) {
	data, err := unix.Mmap(-1, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	pl.mu.Lock()
	p := &Page{
		hfn:    pl.next,
		data:   data,
		origin: OriginVMM,
	}
	pl.next++
	pl.pages[p.hfn] = p
	pl.mu.Unlock()
	return p, nil
}

// Adopt registers a guest-backed view of an existing host frame, so
// FromFrame can resolve it. The caller owns the backing.
func (pl *Pool) Adopt(hfn xen.PFN, data []byte) *Page {
	p := &Page{
		hfn:    hfn,
		data:   data,
		origin: OriginGuest,
	}
	pl.mu.Lock()
	pl.pages[hfn] = p
	pl.mu.Unlock()
	return p
}

// Free releases a VMM-owned page. Guest-backed pages are only dropped
// from the reverse map.
func (pl *Pool) Free(p *Page) {
	pl.mu.Lock()
	delete(pl.pages, p.hfn)
	pl.mu.Unlock()
	if p.origin == OriginVMM {
		unix.Munmap(p.data)
	}
	p.data = nil
}

// FromFrame resolves a host frame to its pool page, if any.
func (pl *Pool) FromFrame(hfn xen.PFN) (*Page, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.pages[hfn]
	return p, ok
}

// MapFrame implements FrameMapper over the pool's reverse map. The
// release function is a no-op since pool views are persistent; callers
// must still invoke it so temporary-mapping implementations tear down.
func (pl *Pool) MapFrame(hfn xen.PFN) ([]byte, func(), error) {
	p, ok := pl.FromFrame(hfn)
	if !ok {
		return nil, nil, ErrNoFrame
	}
	return p.data, func() {}, nil
}
