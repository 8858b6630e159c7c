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

// Package evtchn allocates unbound inter-domain event channel ports.
// Delivery is the exit dispatcher's business; the grant-table and HVM
// code only need port numbers to wire up xenstore and the console.
package evtchn

import (
	"errors"

	"gvisor.dev/gvisor/pkg/sync"
	"pvisor.dev/pvisor/pkg/abi/xen"
)

// ErrNoPorts is returned when the port space is exhausted.
var ErrNoPorts = errors.New("event channel ports exhausted")

// MaxPorts bounds the per-domain port space.
const MaxPorts = 4096

type binding struct {
	remote xen.DomID
}

// Allocator hands out unbound ports for one domain. Port 0 is never
// allocated.
type Allocator struct {
	mu    sync.Mutex
	next  xen.Port
	bound map[xen.Port]binding
}

// NewAllocator returns an allocator with no ports bound.
func NewAllocator() *Allocator {
	return &Allocator{
		next:  1,
		bound: make(map[xen.Port]binding),
	}
}

// AllocUnbound reserves the next free port for later binding by remote.
func (a *Allocator) AllocUnbound(remote xen.DomID) (xen.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= MaxPorts {
		return 0, ErrNoPorts
	}
	port := a.next
	a.next++
	a.bound[port] = binding{remote: remote}
	return port, nil
}

// Remote returns the domain a port was reserved for.
func (a *Allocator) Remote(port xen.Port) (xen.DomID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bound[port]
	return b.remote, ok
}
