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

package phc

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Monitor measures the offset of the system clock, moved to TAI, from a PHC
type Monitor struct {
	Device    string
	Samples   uint
	TAIOffset time.Duration

	f *os.File
}

// NewMonitor opens the PHC of iface, or device when set. Zero taiOffset
// means the kernel TAI offset.
func NewMonitor(iface, device string, samples uint, taiOffset time.Duration) (*Monitor, error) {
	if samples == 0 || samples > MaxSamples {
		return nil, fmt.Errorf("number of readings must be in 1..%d", MaxSamples)
	}
	if device == "" {
		var err error
		if device, err = IfaceToPHCDevice(iface); err != nil {
			return nil, err
		}
	}
	if taiOffset == 0 {
		var err error
		if taiOffset, err = KernelTAIOffset(); err != nil {
			return nil, err
		}
		if taiOffset == 0 {
			log.Warning("kernel TAI offset is 0, system clock offset will include TAI-UTC difference")
		}
	}
	f, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	log.Debugf("monitoring system clock against %s, %d readings, TAI offset %v", device, samples, taiOffset)
	return &Monitor{Device: device, Samples: samples, TAIOffset: taiOffset, f: f}, nil
}

// Read takes one PTP_SYS_OFFSET_EXTENDED measurement
func (m *Monitor) Read() (SysoffResult, error) {
	if m.f == nil {
		return SysoffResult{}, fmt.Errorf("%s is closed", m.Device)
	}
	extended, err := unix.IoctlPtpSysOffsetExtended(int(m.f.Fd()), m.Samples)
	if err != nil {
		return SysoffResult{}, fmt.Errorf("PTP_SYS_OFFSET_EXTENDED on %s: %w", m.Device, err)
	}
	return sysoffEstimateExtended(extended), nil
}

// Offset returns system TAI time minus PHC time
func (m *Monitor) Offset(_ context.Context) (time.Duration, error) {
	res, err := m.Read()
	if err != nil {
		return 0, err
	}
	return res.Offset + m.TAIOffset, nil
}

// Close releases the device
func (m *Monitor) Close() error {
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}
