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

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unix.Cmsghdr size differs depending on platform
var socketControlMessageHeaderOffset = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

// ErrNoMessage is returned when the error queue is empty
var ErrNoMessage = errors.New("error queue is empty")

func init() {
	// if kernel is older than 5, it doesn't support unix.SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			// reading such timestamps on 32bit machines will not work, but we can't support everything
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// cmsgAlign rounds control message length up the same way CMSG_ALIGN does
func cmsgAlign(l int) int {
	const salign = unix.SizeofPtr
	return (l + salign - 1) & ^(salign - 1)
}

/*
scmDataToTimestamps parses SocketControlMessage Data field.
The structure can return up to three timestamps. This is a legacy
feature. Most timestamps are passed in ts[0]. Hardware timestamps are passed in ts[2].
*/
func scmDataToTimestamps(data []byte) (Timestamps, error) {
	// 2 x 64bit ints
	size := 16
	if len(data) < size*3 {
		return Timestamps{}, fmt.Errorf("timestamp data too short: %d bytes", len(data))
	}
	ts := Timestamps{
		Software: byteToNS(data[0:size]),
		Hardware: byteToNS(data[size*2 : size*3]),
	}
	if ts.Empty() {
		return ts, fmt.Errorf("got zero timestamp")
	}
	return ts, nil
}

// byteToNS converts __kernel_timespec into ns
func byteToNS(data []byte) int64 {
	// can't use unix.Timespec which is old timespec that uses 32bit ints on 386 platform.
	sec := int64(binary.NativeEndian.Uint64(data[0:8]))
	nsec := int64(binary.NativeEndian.Uint64(data[8:]))
	return sec*int64(time.Second) + nsec
}

func ioctlTimestamp(fd int, ifname string, filter int32) error {
	hw := &hwtstampConfig{
		flags:    0,
		txType:   hwtstampTXON,
		rxFilter: filter,
	}

	i := &ifreq{data: uintptr(unsafe.Pointer(hw))}
	copy(i.name[:unix.IFNAMSIZ-1], ifname)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSHWTSTAMP, uintptr(unsafe.Pointer(i))); errno != 0 {
		return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP: %s (%d)", unix.ErrnoName(errno), errno)
	}
	return nil
}

// EnableSWTimestampsRx enables SW RX timestamps on the socket
func EnableSWTimestampsRx(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	// Allow reading of SW timestamps via socket
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags)
}

// EnableSWTimestamps enables SW timestamps (TX and RX) on the socket.
// TX timestamps come back on the error queue together with the looped frame
// so they can be matched by the frame content.
func EnableSWTimestamps(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	// Allow reading of SW timestamps via socket
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableHWTimestampsRx enables HW RX timestamps on the socket
func EnableHWTimestampsRx(connFd int, iface string) error {
	if err := ioctlTimestamp(connFd, iface, hwtstampFilterAll); err != nil {
		return err
	}
	flags := unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags)
}

// EnableHWTimestamps enables HW timestamps (TX and RX) on the socket
func EnableHWTimestamps(connFd int, iface string) error {
	if err := ioctlTimestamp(connFd, iface, hwtstampFilterAll); err != nil {
		if err := ioctlTimestamp(connFd, iface, hwtstampFilterPTPv2Event); err != nil {
			return err
		}
	}

	// Enable hardware timestamp capabilities on socket
	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE
	// Allow reading of HW timestamps via socket
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}

	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableTXTime enables SO_TXTIME on the socket with the given clock and flags
func EnableTXTime(connFd int, clockID int32, flags uint32) error {
	cfg := &sockTXTime{clockID: clockID, flags: flags}
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(connFd), uintptr(unix.SOL_SOCKET), uintptr(soTXTime),
		uintptr(unsafe.Pointer(cfg)), unsafe.Sizeof(*cfg), 0)
	if errno != 0 {
		return fmt.Errorf("failed to set SO_TXTIME: %s (%d)", unix.ErrnoName(errno), errno)
	}
	return nil
}

// TXTimeControl fills b with SCM_TXTIME control message carrying launch time ns and returns it.
// b must be at least TXTimeControlSize long.
func TXTimeControl(b []byte, ns int64) []byte {
	b = b[:TXTimeControlSize]
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = scmTXTime
	h.SetLen(unix.CmsgLen(8))
	binary.NativeEndian.PutUint64(b[unix.CmsgLen(0):], uint64(ns))
	return b
}

// TXTimeControlSize is the size of SCM_TXTIME control message
var TXTimeControlSize = unix.CmsgSpace(8)

// WaitErrQueue waits up to timeout for the error queue to become readable
func WaitErrQueue(connFd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(connFd), Events: unix.POLLPRI | unix.POLLERR}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&(unix.POLLPRI|unix.POLLERR) != 0, nil
}

// ReadErrQueue reads single message from the error queue without blocking.
// buf and oob can be reused after the returned message is processed.
func ReadErrQueue(connFd int, buf, oob []byte) (*ErrQueueMessage, error) {
	n, oobn, _, _, err := unix.Recvmsg(connFd, buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("failed to read error queue: %w", err)
	}
	msg := &ErrQueueMessage{Data: buf[:n]}
	msg.Timestamps, msg.Err = parseControlMessages(oob[:oobn])
	return msg, nil
}

// ReadPacketWithRXTimestampBuf writes byte packet into provide buffer buf, and returns number of bytes copied to the buffer, sender address and RX timestamps.
// oob buffer can be reaused after ReadPacketWithRXTimestampBuf call.
func ReadPacketWithRXTimestampBuf(connFd int, buf, oob []byte) (int, unix.Sockaddr, Timestamps, error) {
	bbuf, boob, _, saddr, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, Timestamps{}, fmt.Errorf("failed to read timestamp: %w", err)
	}

	ts, _ := parseControlMessages(oob[:boob])
	if ts.Empty() {
		return bbuf, saddr, ts, fmt.Errorf("failed to find timestamp in socket control message")
	}
	return bbuf, saddr, ts, nil
}

// parseControlMessages is a very optimised version of ParseSocketControlMessage
// https://github.com/golang/go/blob/2ebe77a2fda1ee9ff6fd9a3e08933ad1ebaea039/src/syscall/sockcmsg_unix.go#L40
// which only looks for timestamps and extended errors.
func parseControlMessages(b []byte) (Timestamps, *ExtendedError) {
	var ts Timestamps
	var eerr *ExtendedError
	for i := 0; i+socketControlMessageHeaderOffset <= len(b); {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen := int(h.Len)
		if mlen < socketControlMessageHeaderOffset || i+mlen > len(b) {
			break
		}
		data := b[i+socketControlMessageHeaderOffset : i+mlen]
		switch {
		// depending on the kernel version, when we ask for SO_TIMESTAMPING_NEW we still might get messages with type SO_TIMESTAMPING
		case h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING):
			if t, err := scmDataToTimestamps(data); err == nil {
				ts = t
			}
		case h.Level == unix.SOL_IP && h.Type == unix.IP_RECVERR,
			h.Level == unix.SOL_IPV6 && h.Type == unix.IPV6_RECVERR,
			h.Level == unix.SOL_PACKET && h.Type == packetTXTimestamp:
			if len(data) >= int(unsafe.Sizeof(unix.SockExtendedErr{})) {
				serr := (*unix.SockExtendedErr)(unsafe.Pointer(&data[0]))
				eerr = &ExtendedError{
					Errno:  serr.Errno,
					Origin: serr.Origin,
					Code:   serr.Code,
					Info:   serr.Info,
					Data:   serr.Data,
				}
			}
		}
		i += cmsgAlign(mlen)
	}
	return ts, eerr
}
