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

/*
Package tslog holds per-cycle timing records of a measurement session, the
lock-free slot arena the sender fills them in, and the on-disk log format.
*/
package tslog

import (
	"fmt"

	"github.com/facebook/isocycle/ptpmon"
)

// Outcome is the result of a single cycle
type Outcome uint8

// Outcomes
const (
	OutcomePending Outcome = iota
	// OutcomeSent means only the software timestamp is known
	OutcomeSent
	// OutcomeCompleted means the kernel reported a transmit timestamp
	OutcomeCompleted
	// OutcomeFailed means the transmit call returned an error
	OutcomeFailed
	// OutcomeSkipped means the cycle was missed by the scheduler
	OutcomeSkipped
	// OutcomeDropped means the kernel discarded the frame at its launch deadline
	OutcomeDropped
	// OutcomeReceived is used by receive logs
	OutcomeReceived
)

var outcomeToString = map[Outcome]string{
	OutcomePending:   "pending",
	OutcomeSent:      "sent",
	OutcomeCompleted: "completed",
	OutcomeFailed:    "failed",
	OutcomeSkipped:   "skipped",
	OutcomeDropped:   "dropped",
	OutcomeReceived:  "received",
}

func (o Outcome) String() string {
	if s, ok := outcomeToString[o]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(o))
}

// Transmitted reports if the frame left the application
func (o Outcome) Transmitted() bool {
	return o == OutcomeSent || o == OutcomeCompleted || o == OutcomeDropped
}

// Flags hold per-record bits
type Flags uint8

// record flags
const (
	// FlagHardware is set when HardwareNS holds a timestamp taken by the NIC
	FlagHardware Flags = 1 << iota
	// FlagKernel is set when KernelNS holds a software timestamp taken by the kernel
	FlagKernel
)

// Provenance of a timestamp
const (
	ProvenanceHardware = "hw"
	ProvenanceKernel   = "kernel"
	ProvenanceSoftware = "sw"
)

// Record is a timing record of a single cycle, on either side of the link
type Record struct {
	SeqID       uint32
	Outcome     Outcome
	Flags       Flags
	ScheduledNS int64
	// application clock reading around the send or receive call
	SoftwareNS int64
	HardwareNS int64
	KernelNS   int64
	Sync       ptpmon.SyncSnapshot
}

// HasHardware reports if the record carries a hardware timestamp
func (r *Record) HasHardware() bool {
	return r.Flags&FlagHardware != 0
}

// HasKernel reports if the record carries a kernel software timestamp
func (r *Record) HasKernel() bool {
	return r.Flags&FlagKernel != 0
}

// Timestamp returns the most precise timestamp present: hardware, then
// kernel software, then application software.
func (r *Record) Timestamp() int64 {
	switch {
	case r.HasHardware():
		return r.HardwareNS
	case r.HasKernel():
		return r.KernelNS
	}
	return r.SoftwareNS
}

// Provenance returns which timestamp Timestamp() returns
func (r *Record) Provenance() string {
	switch {
	case r.HasHardware():
		return ProvenanceHardware
	case r.HasKernel():
		return ProvenanceKernel
	}
	return ProvenanceSoftware
}

func (r *Record) String() string {
	return fmt.Sprintf("seq %d %s scheduled %d sw %d kernel %d hw %d (%s)", r.SeqID, r.Outcome, r.ScheduledNS, r.SoftwareNS, r.KernelNS, r.HardwareNS, r.Provenance())
}

// Mode bits describe how the session was run
type Mode uint32

// Modes
const (
	ModeTxTime Mode = 1 << iota
	ModeDeadline
	ModeGated
	ModeOmitSync
	ModeHardwareTimestamps
	ModeOmitRemoteSync
)

var modeNames = []struct {
	m    Mode
	name string
}{
	{ModeTxTime, "txtime"},
	{ModeDeadline, "deadline"},
	{ModeGated, "gated"},
	{ModeOmitSync, "omit-sync"},
	{ModeHardwareTimestamps, "hw-timestamps"},
	{ModeOmitRemoteSync, "omit-remote-sync"},
}

// Has reports if all bits of m2 are set
func (m Mode) Has(m2 Mode) bool {
	return m&m2 == m2
}

func (m Mode) String() string {
	s := ""
	for _, n := range modeNames {
		if m.Has(n.m) {
			if s != "" {
				s += ","
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Metadata describes the session which produced a log. It is fixed-size so it
// can be written with encoding/binary as is.
type Metadata struct {
	PacketCount     uint32
	FrameSize       uint32
	BaseTimeNS      int64
	AdvanceTimeNS   int64
	ShiftTimeNS     int64
	CycleTimeNS     int64
	WindowSizeNS    int64
	SyncThresholdNS int64
	Mode            Mode
}
