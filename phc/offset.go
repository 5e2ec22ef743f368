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
Package phc reads the offset between the system clock and the PTP hardware
clock of a network card, which timestamps frames in hardware mode.
*/
package phc

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// MaxSamples is the most readings a single PTP_SYS_OFFSET_EXTENDED call takes
const MaxSamples = 25

// DefaultSamples is how many readings we take by default
const DefaultSamples = 5

// SysoffResult is a result of PHC time measurement with related data
type SysoffResult struct {
	Offset  time.Duration
	Delay   time.Duration
	SysTime time.Time
	PHCTime time.Time
}

func ptpClockTime(t unix.PtpClockTime) time.Time {
	return time.Unix(t.Sec, int64(t.Nsec))
}

// loosely based on sysoff_estimate from ptp4l sysoff.c.
// Offset is system time minus PHC time of the sample with the shortest read interval.
func sysoffEstimateExtended(extended *unix.PtpSysOffsetExtended) SysoffResult {
	t1 := ptpClockTime(extended.Ts[0][0])
	tp := ptpClockTime(extended.Ts[0][1])
	t2 := ptpClockTime(extended.Ts[0][2])
	shortestInterval := t2.Sub(t1)
	bestSysTS := t1.Add(shortestInterval / 2)
	bestPhcTS := tp
	bestOffset := bestSysTS.Sub(tp)
	for i := 1; i < int(extended.Samples); i++ {
		t1 := ptpClockTime(extended.Ts[i][0])
		tp := ptpClockTime(extended.Ts[i][1])
		t2 := ptpClockTime(extended.Ts[i][2])
		interval := t2.Sub(t1)
		timestamp := t1.Add(interval / 2)
		offset := timestamp.Sub(tp)
		if interval < shortestInterval {
			shortestInterval = interval
			bestSysTS = timestamp
			bestOffset = offset
			bestPhcTS = tp
		}
	}
	return SysoffResult{
		SysTime: bestSysTS,
		PHCTime: bestPhcTS,
		Delay:   shortestInterval,
		Offset:  bestOffset,
	}
}

// IfaceToPHCDevice returns path to PHC device associated with given network card iface
func IfaceToPHCDevice(iface string) (string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("failed to create socket for ioctl: %w", err)
	}
	defer unix.Close(fd)
	info, err := unix.IoctlGetEthtoolTsInfo(fd, iface)
	if err != nil {
		return "", fmt.Errorf("getting interface %s info: %w", iface, err)
	}
	if info.Phc_index < 0 {
		return "", fmt.Errorf("%s: no PHC support", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", info.Phc_index), nil
}

// KernelTAIOffset returns TAI-UTC offset the kernel knows about
func KernelTAIOffset() (time.Duration, error) {
	var tx unix.Timex
	if _, err := unix.Adjtimex(&tx); err != nil {
		return 0, fmt.Errorf("adjtimex: %w", err)
	}
	return time.Duration(tx.Tai) * time.Second, nil
}
