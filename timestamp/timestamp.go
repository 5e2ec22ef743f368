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

package timestamp

// Here we have HW and SW timestamping support along with SO_TXTIME launch time control

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// from include/uapi/linux/net_tstamp.h
const (
	// HWTSTAMP_TX_ON int 1
	hwtstampTXON int32 = 0x00000001
	// HWTSTAMP_FILTER_ALL int 1
	hwtstampFilterAll int32 = 0x00000001
	// HWTSTAMP_FILTER_PTP_V2_EVENT int 12
	hwtstampFilterPTPv2Event int32 = 0x0000000c
)

// from include/uapi/linux/net_tstamp.h and errqueue.h
const (
	// SO_TXTIME and SCM_TXTIME share the value
	soTXTime  = 61
	scmTXTime = soTXTime

	// TXTimeDeadlineMode makes the qdisc treat txtime as a deadline
	TXTimeDeadlineMode uint32 = 1 << 0
	// TXTimeReportErrors asks the kernel to report dropped frames on the error queue
	TXTimeReportErrors uint32 = 1 << 1

	soEEOriginTimestamping = 4
	soEEOriginTXTime       = 6
	soEECodeInvalidParam   = 1
	soEECodeMissed         = 2

	// PACKET_TX_TIMESTAMP from include/uapi/linux/if_packet.h
	packetTXTimestamp = 16
)

const (
	// ControlSizeBytes is a size of a buffer for socket control messages.
	// If the read fails we may endup with multiple timestamps in the buffer
	// which is best to read right away
	ControlSizeBytes = 512
	// PayloadSizeBytes fits a jumbo frame looped back on the error queue
	PayloadSizeBytes = 9216
)

// Timestamp is a type of timestamp the socket produces
type Timestamp int

const (
	// SW is a software timestamp
	SW Timestamp = iota
	// HW is a hardware timestamp
	HW
)

const (
	// HWTIMESTAMP is a hardware timestamp
	HWTIMESTAMP = "hardware"
	// SWTIMESTAMP is a software timestmap
	SWTIMESTAMP = "software"
	// Unsupported is an unknown timestamp type
	Unsupported = "Unsupported"
)

var timestampToString = map[Timestamp]string{
	SW: SWTIMESTAMP,
	HW: HWTIMESTAMP,
}

func (t Timestamp) String() string {
	if s, ok := timestampToString[t]; ok {
		return s
	}
	return Unsupported
}

// MarshalText timestamp to byte slice
func (t Timestamp) MarshalText() ([]byte, error) {
	s := t.String()
	if s == Unsupported {
		return []byte(s), fmt.Errorf("unknown timestamp type %q", s)
	}
	return []byte(s), nil
}

// UnmarshalText timestamp from byte slice
func (t *Timestamp) UnmarshalText(value []byte) error {
	return t.Set(string(value))
}

// Set is used by cobra to set the value from a flag
func (t *Timestamp) Set(value string) error {
	for k, v := range timestampToString {
		if v == value {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown timestamp type %q", value)
}

// Type is used by cobra to describe the flag
func (t *Timestamp) Type() string {
	return "timestamp"
}

// Timestamps are all timestamps found in a single SO_TIMESTAMPING control message, ns
type Timestamps struct {
	Software int64
	Hardware int64
}

// Best returns hardware timestamp if present, software otherwise
func (t Timestamps) Best() int64 {
	if t.Hardware != 0 {
		return t.Hardware
	}
	return t.Software
}

// Empty reports if no timestamp was found
func (t Timestamps) Empty() bool {
	return t.Software == 0 && t.Hardware == 0
}

// ExtendedError is the part of sock_extended_err we care about
type ExtendedError struct {
	Errno  uint32
	Origin uint8
	Code   uint8
	Info   uint32
	Data   uint32
}

// TXTimeDrop reports if the error is a frame discarded by SO_TXTIME machinery
func (e *ExtendedError) TXTimeDrop() bool {
	return e != nil && e.Origin == soEEOriginTXTime && (e.Code == soEECodeMissed || e.Code == soEECodeInvalidParam)
}

// Timestamping reports if the error carries a transmit timestamp
func (e *ExtendedError) Timestamping() bool {
	return e != nil && e.Origin == soEEOriginTimestamping
}

// TXTime returns the launch time of a dropped frame
func (e *ExtendedError) TXTime() int64 {
	return int64(uint64(e.Info)<<32 | uint64(e.Data))
}

func (e *ExtendedError) String() string {
	if e == nil {
		return "none"
	}
	if e.TXTimeDrop() {
		reason := "missed deadline"
		if e.Code == soEECodeInvalidParam {
			reason = "invalid txtime"
		}
		return fmt.Sprintf("txtime %d dropped: %s", e.TXTime(), reason)
	}
	return fmt.Sprintf("errno %d origin %d code %d", e.Errno, e.Origin, e.Code)
}

// ErrQueueMessage is a single message read from the socket error queue
type ErrQueueMessage struct {
	// Data is the looped frame, starting from the link layer header
	Data       []byte
	Timestamps Timestamps
	Err        *ExtendedError
}

// Ifreq is a struct for ioctl ethernet manipulation syscalls.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

// from include/uapi/linux/net_tstamp.h
type hwtstampConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

// from include/uapi/linux/net_tstamp.h
type sockTXTime struct {
	clockID int32
	flags   uint32
}

// IPToSockaddr converts IP + port into a socket address
// Somewhat copy from https://github.com/golang/go/blob/16cd770e0668a410a511680b2ac1412e554bd27b/src/net/ipsock_posix.go#L145
func IPToSockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip.To4() != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// SockaddrToIP converts socket address to an IP
// Somewhat copy from https://github.com/golang/go/blob/658b5e66ecbc41a49e6fb5aa63c5d9c804cf305f/src/net/udpsock_posix.go#L15
func SockaddrToIP(sa unix.Sockaddr) net.IP {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Addr[0:]
	case *unix.SockaddrInet6:
		return sa.Addr[0:]
	}
	return nil
}

// SockaddrToPort converts socket address to a port
func SockaddrToPort(sa unix.Sockaddr) int {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}
