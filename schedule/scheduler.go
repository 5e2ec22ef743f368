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
Package schedule computes per-cycle absolute instants of a measurement session
and provides clocks to wait for them.
*/
package schedule

import (
	"fmt"
)

// Scheduler turns cycle index into absolute instants, all values are ns on the session clock.
// Cycle index n is zero-based, sequence id of cycle n is n+1.
type Scheduler struct {
	BaseNS    int64
	CycleNS   int64
	AdvanceNS int64
	ShiftNS   int64
	Count     uint32
}

// Cycles returns the number of cycles in the session.
// Zero cycle time means a single-shot session.
func (s *Scheduler) Cycles() uint32 {
	if s.CycleNS == 0 {
		return 1
	}
	return s.Count
}

// Edge returns the schedule edge of cycle n
func (s *Scheduler) Edge(n uint32) int64 {
	return s.BaseNS + int64(n)*s.CycleNS + s.ShiftNS
}

// Instant returns the wake instant of cycle n, AdvanceNS ahead of the edge
func (s *Scheduler) Instant(n uint32) int64 {
	return s.Edge(n) - s.AdvanceNS
}

// Late reports if the instant of cycle n is already in the past by more than slack
func (s *Scheduler) Late(n uint32, nowNS, slackNS int64) bool {
	return nowNS-s.Instant(n) > slackNS
}

// Index returns the cycle whose schedule edge is edgeNS
func (s *Scheduler) Index(edgeNS int64) (uint32, bool) {
	d := edgeNS - s.BaseNS - s.ShiftNS
	if d < 0 {
		return 0, false
	}
	if s.CycleNS == 0 {
		return 0, d == 0
	}
	if d%s.CycleNS != 0 {
		return 0, false
	}
	n := d / s.CycleNS
	if n >= int64(s.Cycles()) {
		return 0, false
	}
	return uint32(n), true
}

// Rebase moves the base forward so the first wake instant is at least margin
// ahead of now. With non-zero cycle the base moves by whole cycles to keep
// the phase. Returns how far the base moved.
func (s *Scheduler) Rebase(nowNS, marginNS int64) int64 {
	start := nowNS + marginNS
	first := s.Instant(0)
	if first >= start {
		return 0
	}
	delta := start - first
	if s.CycleNS > 0 {
		cycles := (delta + s.CycleNS - 1) / s.CycleNS
		delta = cycles * s.CycleNS
	}
	s.BaseNS += delta
	return delta
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("base %d cycle %d advance %d shift %d count %d", s.BaseNS, s.CycleNS, s.AdvanceNS, s.ShiftNS, s.Cycles())
}
