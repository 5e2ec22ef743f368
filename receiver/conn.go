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

package receiver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/facebook/isocycle/sender"
	"github.com/facebook/isocycle/timestamp"
)

// bpf accept verdict, more than any frame we capture
const acceptAll = 0x40000

// Conn reads frames together with their receive timestamps
type Conn interface {
	// Read waits up to timeout for a frame. Zero length means nothing arrived.
	Read(buf []byte, timeout time.Duration) (int, timestamp.Timestamps, error)
	Close() error
}

func htons(i uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], i)
	return binary.NativeEndian.Uint16(b[:])
}

// etherTypeFilter accepts frames of the given ethertype, tagged or not
func etherTypeFilter(etherType uint16) ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(etherType), SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x8100, SkipFalse: 3},
		bpf.LoadAbsolute{Off: 16, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(etherType), SkipFalse: 1},
		bpf.RetConstant{Val: acceptAll},
		bpf.RetConstant{Val: 0},
	})
}

func attachFilter(fd int, raw []bpf.RawInstruction) error {
	prog := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		prog[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}

// socketConn is a Conn over packet or UDP socket
type socketConn struct {
	fd  int
	oob []byte
}

// Listen opens the socket for the configured path with receive timestamps enabled
func Listen(cfg *Config, iface *sender.Interface) (Conn, error) {
	var (
		fd  int
		err error
	)
	switch cfg.Transport {
	case sender.TransportL2:
		fd, err = listenL2(cfg, iface)
	default:
		fd, err = listenUDP(cfg, iface)
	}
	if err != nil {
		return nil, err
	}
	switch cfg.Timestamping {
	case timestamp.HW:
		err = timestamp.EnableHWTimestampsRx(fd, iface.Name)
	default:
		err = timestamp.EnableSWTimestampsRx(fd)
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enabling %s rx timestamps: %w", cfg.Timestamping, err)
	}
	return &socketConn{fd: fd, oob: make([]byte, timestamp.ControlSizeBytes)}, nil
}

func listenL2(cfg *Config, iface *sender.Interface) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return -1, fmt.Errorf("creating packet socket: %w", err)
	}
	filter, err := etherTypeFilter(cfg.EtherType)
	if err == nil {
		err = attachFilter(fd, filter)
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("attaching ethertype filter: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding to %s: %w", iface.Name, err)
	}
	return fd, nil
}

func listenUDP(cfg *Config, iface *sender.Interface) (int, error) {
	ip := net.ParseIP(cfg.Address)
	domain := unix.AF_INET6
	if ip == nil {
		ip = net.IPv6unspecified
	} else if ip.To4() != nil {
		domain = unix.AF_INET
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("creating udp socket: %w", err)
	}
	if domain == unix.AF_INET6 {
		// v4 mapped addresses too
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.BindToDevice(fd, iface.Name); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding to %s: %w", iface.Name, err)
	}
	if err := unix.Bind(fd, timestamp.IPToSockaddr(ip, cfg.Port)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding to port %d: %w", cfg.Port, err)
	}
	return fd, nil
}

// Read waits for a frame and reads it with its timestamps
func (c *socketConn) Read(buf []byte, timeout time.Duration) (int, timestamp.Timestamps, error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, timestamp.Timestamps{}, nil
		}
		return 0, timestamp.Timestamps{}, err
	}
	if n == 0 {
		return 0, timestamp.Timestamps{}, nil
	}
	n, sa, ts, err := timestamp.ReadPacketWithRXTimestampBuf(c.fd, buf, c.oob)
	if err != nil {
		if n == 0 {
			return 0, ts, err
		}
		// frame without timestamp is still a frame
		log.Debugf("frame from %s: %v", peer(sa), err)
	}
	return n, ts, nil
}

func peer(sa unix.Sockaddr) string {
	ip := timestamp.SockaddrToIP(sa)
	if ip == nil {
		return "link layer"
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(timestamp.SockaddrToPort(sa)))
}

func (c *socketConn) Close() error {
	return unix.Close(c.fd)
}
