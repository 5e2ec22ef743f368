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

package sender

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/isocycle/dscp"
	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/timestamp"
)

// Transport sends frames and surfaces their transmit timestamps
type Transport interface {
	// Send transmits a frame. Non-zero launchNS is attached as SCM_TXTIME.
	Send(frame []byte, launchNS int64) error
	// WaitTimestamps waits up to timeout for error queue messages
	WaitTimestamps(timeout time.Duration) (bool, error)
	// ReadTimestamp reads a single error queue message, timestamp.ErrNoMessage when empty
	ReadTimestamp() (*timestamp.ErrQueueMessage, error)
	Close() error
}

// htons converts a short (uint16) from host-to-network byte order
func htons(i uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], i)
	return binary.NativeEndian.Uint16(b[:])
}

// SocketTransport is a Transport over raw packet or UDP socket
type SocketTransport struct {
	fd  int
	to  unix.Sockaddr
	oob []byte

	// error queue buffers
	buf  []byte
	eoob []byte
}

// NewSocketTransport opens socket for the configured path and sets all options on it
func NewSocketTransport(cfg *Config, iface *Interface) (*SocketTransport, error) {
	var (
		fd  int
		err error
		to  unix.Sockaddr
	)
	path := cfg.Path()
	switch path {
	case PathL2:
		dst, perr := net.ParseMAC(cfg.DestMAC)
		if perr != nil {
			return nil, perr
		}
		// protocol 0 means we only send on this socket
		fd, err = unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
		if err != nil {
			return nil, fmt.Errorf("creating packet socket: %w", err)
		}
		ll := &unix.SockaddrLinklayer{
			Protocol: htons(unix.ETH_P_ALL),
			Ifindex:  iface.Index,
			Halen:    uint8(len(dst)),
		}
		copy(ll.Addr[:], dst)
		to = ll
	case PathUDP4, PathUDP6:
		domain := unix.AF_INET
		if path == PathUDP6 {
			domain = unix.AF_INET6
		}
		fd, err = unix.Socket(domain, unix.SOCK_DGRAM, 0)
		if err != nil {
			return nil, fmt.Errorf("creating udp socket: %w", err)
		}
		ip := net.ParseIP(cfg.Address)
		to = timestamp.IPToSockaddr(ip, cfg.Port)
		if err = unix.BindToDevice(fd, iface.Name); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("binding to %s: %w", iface.Name, err)
		}
		if err = dscp.Enable(fd, ip, cfg.DSCP); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setting DSCP: %w", err)
		}
	}

	t := &SocketTransport{
		fd:   fd,
		to:   to,
		oob:  make([]byte, timestamp.TXTimeControlSize),
		buf:  make([]byte, timestamp.PayloadSizeBytes),
		eoob: make([]byte, timestamp.ControlSizeBytes),
	}
	if err := t.setup(cfg, iface); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *SocketTransport) setup(cfg *Config, iface *Interface) error {
	if cfg.Priority > 0 {
		if err := dscp.SetPriority(t.fd, cfg.Priority); err != nil {
			return err
		}
	}
	switch cfg.Timestamping {
	case timestamp.HW:
		if err := timestamp.EnableHWTimestamps(t.fd, iface.Name); err != nil {
			return fmt.Errorf("failed to enable hardware timestamps on %s: %w", iface.Name, err)
		}
	case timestamp.SW:
		if err := timestamp.EnableSWTimestamps(t.fd); err != nil {
			return fmt.Errorf("failed to enable software timestamps: %w", err)
		}
	}
	if enable, flags := cfg.TXTimeFlags(); enable {
		clockID, err := schedule.ClockByName(cfg.Clock)
		if err != nil {
			return err
		}
		if err := timestamp.EnableTXTime(t.fd, clockID, flags); err != nil {
			return err
		}
		log.Debugf("SO_TXTIME enabled with flags 0x%x", flags)
	}
	return nil
}

// Send transmits a frame
func (t *SocketTransport) Send(frame []byte, launchNS int64) error {
	var oob []byte
	if launchNS != 0 {
		oob = timestamp.TXTimeControl(t.oob, launchNS)
	}
	n, err := unix.SendmsgN(t.fd, frame, oob, t.to, 0)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(frame))
	}
	return nil
}

// WaitTimestamps waits for the error queue
func (t *SocketTransport) WaitTimestamps(timeout time.Duration) (bool, error) {
	return timestamp.WaitErrQueue(t.fd, timeout)
}

// ReadTimestamp reads single error queue message. Data is valid until the next call.
func (t *SocketTransport) ReadTimestamp() (*timestamp.ErrQueueMessage, error) {
	return timestamp.ReadErrQueue(t.fd, t.buf, t.eoob)
}

// Close closes the socket
func (t *SocketTransport) Close() error {
	return unix.Close(t.fd)
}
