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

package domain

import (
	"errors"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
	"pvisor.dev/pvisor/pkg/evtchn"
	"pvisor.dev/pvisor/pkg/gnttab"
	"pvisor.dev/pvisor/pkg/hvm"
	"pvisor.dev/pvisor/pkg/page"
)

// Registry errors.
var (
	ErrExists   = errors.New("domain already exists")
	ErrReserved = errors.New("domain id is reserved")
)

// noopPut releases nothing; it backs the SELF/ROOTVM short-circuits.
func noopPut() {}

// Registry is the process-wide domain table.
type Registry struct {
	mu   sync.Mutex
	doms map[xen.DomID]*Domain
	root *Domain
	pool *page.Pool
}

// NewRegistry returns an empty registry backed by pool.
func NewRegistry(pool *page.Pool) *Registry {
	return &Registry{
		doms: make(map[xen.DomID]*Domain),
		pool: pool,
	}
}

// Pool returns the registry's page pool.
func (r *Registry) Pool() *page.Pool {
	return r.pool
}

// CreateDomain builds and registers a domain. Guest domains come up
// with a one-page grant table; the root domain's table starts with no
// pages, and its store/console parameters are wired.
func (r *Registry) CreateDomain(id xen.DomID, origin Origin) (*Domain, error) {
	root := id == xen.DomIDRootVM
	if id.IsReserved() && !root {
		return nil, ErrReserved
	}

	gnt, err := gnttab.New(id, root, r.pool)
	if err != nil {
		return nil, err
	}

	d := &Domain{
		id:     id,
		origin: origin,
		vcpus:  make(map[xen.VCPUID]*VCPU),
		mem:    NewMemory(r.pool, root),
		params: hvm.NewParams(),
		gnt:    gnt,
		ports:  evtchn.NewAllocator(),
	}

	r.mu.Lock()
	if _, ok := r.doms[id]; ok {
		r.mu.Unlock()
		return nil, ErrExists
	}
	r.doms[id] = d
	if root {
		r.root = d
	}
	r.mu.Unlock()

	if root {
		if err := hvm.InitRootParams(d, r.pool, d.ports); err != nil {
			log.Warningf("domain: root param init: %v", err)
		}
	}

	log.Infof("domain %#x created (origin=%d)", id, origin)
	return d, nil
}

// Root returns the root domain, nil before it is created.
func (r *Registry) Root() *Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// GetDomain returns a borrowed reference. PutDomain is mandatory on
// every exit path once this succeeds.
func (r *Registry) GetDomain(id xen.DomID) (*Domain, bool) {
	r.mu.Lock()
	d, ok := r.doms[id]
	if !ok || d.dying.Load() {
		r.mu.Unlock()
		return nil, false
	}
	d.refs.Add(1)
	r.mu.Unlock()
	return d, true
}

// PutDomain releases a borrowed reference and completes a pending
// destruction if this was the last holder.
func (r *Registry) PutDomain(id xen.DomID) {
	r.mu.Lock()
	d, ok := r.doms[id]
	r.mu.Unlock()
	if !ok {
		log.Warningf("domain: put of unknown domain %#x", id)
		return
	}
	if d.refs.Add(-1) == 0 && d.dying.Load() {
		r.reap(d)
	}
}

// DestroyDomain marks a domain for destruction. The domain is freed
// once its reference count drains and no vCPU is running; until then
// the tombstone only blocks new lookups.
func (r *Registry) DestroyDomain(id xen.DomID) error {
	r.mu.Lock()
	d, ok := r.doms[id]
	r.mu.Unlock()
	if !ok {
		return ErrDying
	}
	d.dying.Store(true)
	if d.refs.Load() == 0 && !d.anyVCPURunning() {
		r.reap(d)
	}
	return nil
}

// reap removes a quiescent, dying domain.
func (r *Registry) reap(d *Domain) {
	if d.refs.Load() != 0 || d.anyVCPURunning() {
		return
	}
	r.mu.Lock()
	if cur, ok := r.doms[d.id]; ok && cur == d {
		delete(r.doms, d.id)
		if r.root == d {
			r.root = nil
		}
	}
	r.mu.Unlock()
	log.Infof("domain %#x destroyed", d.id)
}

// Get implements the grant table's registry view: SELF, the caller's
// own id and ROOTVM short-circuit without touching the reference count
// (the running vCPU holds an implicit reference); everything else is a
// counted borrow whose release must run on all exit paths.
func (r *Registry) Get(local gnttab.Domain, id xen.DomID) (gnttab.Domain, func(), bool) {
	if id == xen.DomIDSelf || (local != nil && id == local.ID()) {
		return local, noopPut, true
	}
	if id == xen.DomIDRootVM {
		root := r.Root()
		if root == nil {
			return nil, nil, false
		}
		return root, noopPut, true
	}
	d, ok := r.GetDomain(id)
	if !ok {
		return nil, nil, false
	}
	return d, func() { r.PutDomain(id) }, true
}
