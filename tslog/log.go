/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tslog

import (
	"errors"
	"sync/atomic"

	"github.com/facebook/isocycle/ptpmon"
)

// errors returned by Log
var (
	ErrSeqOutOfRange = errors.New("sequence id out of log range")
	ErrSlotTaken     = errors.New("slot already populated")
	ErrSlotNotReady  = errors.New("slot is not pending")
)

// FillResult is the result of filling a hardware timestamp
type FillResult uint8

// Fill results
const (
	FillOK FillResult = iota
	// FillDuplicate means the slot already had a hardware timestamp
	FillDuplicate
	// FillNotCreated means the slot was not created yet
	FillNotCreated
	// FillOutOfRange means sequence id does not belong to this log
	FillOutOfRange
)

func (f FillResult) String() string {
	switch f {
	case FillOK:
		return "ok"
	case FillDuplicate:
		return "duplicate"
	case FillNotCreated:
		return "not created"
	}
	return "out of range"
}

// slot states
const (
	slotEmpty uint32 = iota
	slotPending
	slotDone
)

// slot is a single record being built. Fields up to state are written by the
// producer before the state store that publishes them. hardwareNS, kernelNS
// and dropped belong to the reaper.
type slot struct {
	scheduledNS int64
	softwareNS  int64
	outcome     Outcome
	sync        ptpmon.SyncSnapshot

	state      atomic.Uint32
	hardwareNS atomic.Int64
	kernelNS   atomic.Int64
	dropped    atomic.Bool
}

// Log is a fixed-capacity arena of records indexed by sequence id starting at 1.
// One producer creates and completes slots, one finisher fills hardware
// timestamps, any number of readers take snapshots.
type Log struct {
	slots  []slot
	maxSeq atomic.Uint32
}

// NewLog allocates a log for capacity records
func NewLog(capacity int) *Log {
	return &Log{slots: make([]slot, capacity)}
}

// Cap returns the capacity of the log
func (l *Log) Cap() int {
	return len(l.slots)
}

func (l *Log) slot(seq uint32) *slot {
	if seq == 0 || int(seq) > len(l.slots) {
		return nil
	}
	return &l.slots[seq-1]
}

func (l *Log) bumpMax(seq uint32) {
	for {
		cur := l.maxSeq.Load()
		if seq <= cur || l.maxSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Create publishes a pending slot
func (l *Log) Create(seq uint32, scheduledNS int64, sync ptpmon.SyncSnapshot) error {
	s := l.slot(seq)
	if s == nil {
		return ErrSeqOutOfRange
	}
	if s.state.Load() != slotEmpty {
		return ErrSlotTaken
	}
	s.scheduledNS = scheduledNS
	s.sync = sync
	s.outcome = OutcomePending
	s.state.Store(slotPending)
	l.bumpMax(seq)
	return nil
}

// Complete records the result of the transmit call for a pending slot
func (l *Log) Complete(seq uint32, softwareNS int64, outcome Outcome) error {
	s := l.slot(seq)
	if s == nil {
		return ErrSeqOutOfRange
	}
	if s.state.Load() != slotPending {
		return ErrSlotNotReady
	}
	s.softwareNS = softwareNS
	s.outcome = outcome
	s.state.Store(slotDone)
	return nil
}

func (l *Log) fill(seq uint32, ns int64, field func(*slot) *atomic.Int64) FillResult {
	s := l.slot(seq)
	if s == nil {
		return FillOutOfRange
	}
	if s.state.Load() == slotEmpty {
		return FillNotCreated
	}
	if !field(s).CompareAndSwap(0, ns) {
		return FillDuplicate
	}
	return FillOK
}

// FillHardware stores NIC timestamp of a slot. The first write wins.
func (l *Log) FillHardware(seq uint32, hardwareNS int64) FillResult {
	return l.fill(seq, hardwareNS, func(s *slot) *atomic.Int64 { return &s.hardwareNS })
}

// FillKernel stores kernel software timestamp of a slot. The first write wins.
func (l *Log) FillKernel(seq uint32, kernelNS int64) FillResult {
	return l.fill(seq, kernelNS, func(s *slot) *atomic.Int64 { return &s.kernelNS })
}

// MarkDropped records that the kernel discarded the frame
func (l *Log) MarkDropped(seq uint32) FillResult {
	s := l.slot(seq)
	if s == nil {
		return FillOutOfRange
	}
	if s.state.Load() == slotEmpty {
		return FillNotCreated
	}
	if s.dropped.Swap(true) {
		return FillDuplicate
	}
	return FillOK
}

// Append stores a complete record, used by loaders and receivers
func (l *Log) Append(rec Record) error {
	s := l.slot(rec.SeqID)
	if s == nil {
		return ErrSeqOutOfRange
	}
	if s.state.Load() != slotEmpty {
		return ErrSlotTaken
	}
	s.scheduledNS = rec.ScheduledNS
	s.softwareNS = rec.SoftwareNS
	s.sync = rec.Sync
	s.outcome = rec.Outcome
	if rec.Outcome == OutcomeDropped {
		s.dropped.Store(true)
	}
	if rec.HasHardware() {
		s.hardwareNS.Store(rec.HardwareNS)
	}
	if rec.HasKernel() {
		s.kernelNS.Store(rec.KernelNS)
	}
	s.state.Store(slotDone)
	l.bumpMax(rec.SeqID)
	return nil
}

// Outstanding reports if seq was transmitted but neither got a kernel
// reported timestamp nor was dropped yet
func (l *Log) Outstanding(seq uint32) bool {
	s := l.slot(seq)
	if s == nil || s.state.Load() != slotDone {
		return false
	}
	if s.outcome != OutcomeSent {
		return false
	}
	return s.hardwareNS.Load() == 0 && s.kernelNS.Load() == 0 && !s.dropped.Load()
}

func (l *Log) record(seq uint32) (Record, bool) {
	s := l.slot(seq)
	if s == nil {
		return Record{}, false
	}
	state := s.state.Load()
	if state == slotEmpty {
		return Record{}, false
	}
	r := Record{
		SeqID:       seq,
		ScheduledNS: s.scheduledNS,
		Sync:        s.sync,
		Outcome:     OutcomePending,
	}
	if state == slotDone {
		r.SoftwareNS = s.softwareNS
		r.Outcome = s.outcome
	}
	if hw := s.hardwareNS.Load(); hw != 0 {
		r.HardwareNS = hw
		r.Flags |= FlagHardware
	}
	if k := s.kernelNS.Load(); k != 0 {
		r.KernelNS = k
		r.Flags |= FlagKernel
	}
	if r.Flags != 0 && r.Outcome == OutcomeSent {
		r.Outcome = OutcomeCompleted
	}
	if s.dropped.Load() && r.Outcome.Transmitted() {
		r.Outcome = OutcomeDropped
	}
	return r, true
}

// Lookup returns a snapshot of a single record
func (l *Log) Lookup(seq uint32) (Record, bool) {
	return l.record(seq)
}

// MaxSeqID returns the highest sequence id populated so far
func (l *Log) MaxSeqID() uint32 {
	return l.maxSeq.Load()
}

// Len returns the number of populated slots
func (l *Log) Len() int {
	n := 0
	for i := range l.slots {
		if l.slots[i].state.Load() != slotEmpty {
			n++
		}
	}
	return n
}

// Records returns snapshots of all populated slots ordered by sequence id.
// On a send log this is the contiguous prefix created so far.
func (l *Log) Records() []Record {
	last := l.MaxSeqID()
	res := make([]Record, 0, last)
	for seq := uint32(1); seq <= last; seq++ {
		if r, ok := l.record(seq); ok {
			res = append(res, r)
		}
	}
	return res
}

// Teardown releases slot storage. The log is empty afterwards.
func Teardown(l *Log) {
	if l == nil {
		return
	}
	l.slots = nil
	l.maxSeq.Store(0)
}
