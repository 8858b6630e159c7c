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
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// VMCS basic exit reasons the trace formatter knows by name. The values
// come from the exit dispatcher; anything else prints numerically.
const (
	ExitExternalInterrupt = 1
	ExitCPUID             = 10
	ExitVMCall            = 18
	ExitRDMSR             = 31
	ExitWRMSR             = 32
	ExitEPTViolation      = 48
)

// exitPending marks a record whose exit is still being handled.
const exitPending = uint32(1) << 31

// exitReasonName names the common exit reasons.
func exitReasonName(reason uint32) string {
	switch reason {
	case ExitExternalInterrupt:
		return "external_interrupt"
	case ExitCPUID:
		return "cpuid"
	case ExitVMCall:
		return "vmcall"
	case ExitRDMSR:
		return "rdmsr"
	case ExitWRMSR:
		return "wrmsr"
	case ExitEPTViolation:
		return "ept_violation"
	default:
		return "other"
	}
}

// ExitRecord is one traced VM exit.
type ExitRecord struct {
	Reason   uint32
	GuestCR3 uint64
	Data     [2]uint64
}

// traceDepth is the trace ring size.
const traceDepth = 64

// ExitTrace is a fixed-depth ring of recent VM exits, recorded only
// while tracing is enabled.
type ExitTrace struct {
	enabled atomicbitops.Bool

	mu      sync.Mutex
	records [traceDepth]ExitRecord
	head    int
	filled  bool
}

// Start enables recording.
func (t *ExitTrace) Start() {
	t.enabled.Store(true)
}

// Stop disables recording.
func (t *ExitTrace) Stop() {
	t.enabled.Store(false)
}

// Enabled reports whether exits are being recorded.
func (t *ExitTrace) Enabled() bool {
	return t.enabled.Load()
}

// Record stores one exit if tracing is enabled.
func (t *ExitTrace) Record(rec ExitRecord) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	t.records[t.head] = rec
	t.head++
	if t.head == traceDepth {
		t.head = 0
		t.filled = true
	}
	t.mu.Unlock()
}

// Recent returns the recorded exits, most recent first.
func (t *ExitTrace) Recent() []ExitRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ExitRecord
	for i := t.head - 1; i >= 0; i-- {
		out = append(out, t.records[i])
	}
	if t.filled {
		for i := traceDepth - 1; i >= t.head; i-- {
			out = append(out, t.records[i])
		}
	}
	return out
}

// Dump logs the recorded exits, most recent first.
func (t *ExitTrace) Dump() {
	log.Infof("exit reasons (most recent first):")
	for _, rec := range t.Recent() {
		state := "c"
		reason := rec.Reason
		if reason&exitPending != 0 {
			state = "p"
			reason &^= exitPending
		}
		switch reason {
		case ExitCPUID:
			log.Infof("[%s] %s: cr3=%#x eax=%#x ecx=%#x", state, exitReasonName(reason), rec.GuestCR3, rec.Data[0], rec.Data[1])
		case ExitExternalInterrupt:
			log.Infof("[%s] %s: cr3=%#x exitinfo:%#x", state, exitReasonName(reason), rec.GuestCR3, rec.Data[0])
		case ExitWRMSR:
			log.Infof("[%s] %s: cr3=%#x msr=%#x val=%#x", state, exitReasonName(reason), rec.GuestCR3, rec.Data[1], rec.Data[0])
		case ExitVMCall:
			log.Infof("[%s] %s: cr3=%#x rax=%#x", state, exitReasonName(reason), rec.GuestCR3, rec.Data[0])
		default:
			log.Infof("[%s] %s(%d): cr3=%#x", state, exitReasonName(reason), reason, rec.GuestCR3)
		}
	}
}
