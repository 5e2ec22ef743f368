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

package report

import (
	"github.com/facebook/isocycle/tslog"
)

// Metrics are derived from a single pair
type Metrics struct {
	Pair

	// receive timestamp minus send timestamp, hardware preferred on each side
	PathDelayNS int64
	// actual send instant minus schedule edge
	ScheduleDeviationNS int64
	// both ends were synchronized, always true in omit-sync mode. Includes the
	// system clock to PHC offset of each side.
	Synchronized bool
	// frame left inside the gate window, always true when not gated
	InWindow bool
}

// Compute derives metrics of a pair
func Compute(p Pair, meta tslog.Metadata) Metrics {
	m := Metrics{
		Pair:                p,
		PathDelayNS:         p.Receive.Timestamp() - p.Send.Timestamp(),
		ScheduleDeviationNS: p.Send.Timestamp() - p.Send.ScheduledNS,
		Synchronized:        true,
		InWindow:            true,
	}
	if !meta.Mode.Has(tslog.ModeOmitSync) {
		m.Synchronized = synchronized(p, meta)
	}
	if meta.Mode.Has(tslog.ModeGated) {
		m.InWindow = m.ScheduleDeviationNS >= 0 && m.ScheduleDeviationNS < meta.WindowSizeNS
	}
	return m
}

// synchronized checks the sender's own port and system clock, and the far end unless omit-remote-sync is set
func synchronized(p Pair, meta tslog.Metadata) bool {
	th := meta.SyncThresholdNS
	if meta.Mode.Has(tslog.ModeOmitRemoteSync) {
		return p.Send.Sync.Local.Synchronized(th) && p.Send.Sync.Sys.Synchronized(th)
	}
	return p.Send.Sync.Synchronized(th) && p.Receive.Sync.Synchronized(th)
}

// SoftwareOnly reports if either side fell back to software timestamp
func (m *Metrics) SoftwareOnly() bool {
	return !m.Send.HasHardware() || !m.Receive.HasHardware()
}
