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
Package ptpmon observes PTP synchronization health of the ports involved in a
measurement. It talks to ptp4l using PTP management messages and exposes
immutable snapshots of port state and offset from master.
*/
package ptpmon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// PTP4lSock is the default path to ptp4l socket
const PTP4lSock = "/var/run/ptp4l"

// DefaultPollInterval is how often the Poller queries monitors
const DefaultPollInterval = time.Second

// udpPrefix selects the UDP transport for management messages
const udpPrefix = "udp://"

// SnapshotFlags describe how a PortSnapshot was obtained
type SnapshotFlags uint8

// snapshot flags
const (
	// FlagMonitored means the port has a monitor attached
	FlagMonitored SnapshotFlags = 1 << iota
	// FlagUnknown means the last poll failed
	FlagUnknown
)

// PortSnapshot is a state of one PTP port at some point in time
type PortSnapshot struct {
	State    PortState
	OffsetNS int64
	Flags    SnapshotFlags
}

// Monitored reports if the port is monitored at all
func (p PortSnapshot) Monitored() bool {
	return p.Flags&FlagMonitored != 0
}

// Unknown reports if the port state could not be obtained
func (p PortSnapshot) Unknown() bool {
	return p.Flags&FlagUnknown != 0
}

// Synchronized reports if the port is usable for measurements.
// Ports which are not monitored don't disqualify anything.
func (p PortSnapshot) Synchronized(thresholdNS int64) bool {
	if !p.Monitored() {
		return true
	}
	if p.Unknown() {
		return false
	}
	switch p.State {
	case PortStateMaster, PortStateGrandMaster:
		return true
	case PortStateSlave:
		offset := p.OffsetNS
		if offset < 0 {
			offset = -offset
		}
		return thresholdNS <= 0 || offset <= thresholdNS
	}
	return false
}

func (p PortSnapshot) String() string {
	if !p.Monitored() {
		return "unmonitored"
	}
	if p.Unknown() {
		return "unknown"
	}
	return fmt.Sprintf("%s offset %dns", p.State, p.OffsetNS)
}

// UnknownPort is a snapshot of a monitored port we failed to poll
var UnknownPort = PortSnapshot{Flags: FlagMonitored | FlagUnknown}

// ClockSnapshot is the offset between the system clock and the PHC
// timestamping the frames
type ClockSnapshot struct {
	OffsetNS int64
	Flags    SnapshotFlags
}

// Monitored reports if the clock is monitored at all
func (c ClockSnapshot) Monitored() bool {
	return c.Flags&FlagMonitored != 0
}

// Unknown reports if the offset could not be measured
func (c ClockSnapshot) Unknown() bool {
	return c.Flags&FlagUnknown != 0
}

// Synchronized reports if system clock is within threshold from the PHC
func (c ClockSnapshot) Synchronized(thresholdNS int64) bool {
	if !c.Monitored() {
		return true
	}
	if c.Unknown() {
		return false
	}
	offset := c.OffsetNS
	if offset < 0 {
		offset = -offset
	}
	return thresholdNS <= 0 || offset <= thresholdNS
}

func (c ClockSnapshot) String() string {
	if !c.Monitored() {
		return "unmonitored"
	}
	if c.Unknown() {
		return "unknown"
	}
	return fmt.Sprintf("sys offset %dns", c.OffsetNS)
}

// UnknownClock is a snapshot of a monitored clock we failed to read
var UnknownClock = ClockSnapshot{Flags: FlagMonitored | FlagUnknown}

// SyncSnapshot is a read-only view of both ends of a measurement and of the
// local system clock
type SyncSnapshot struct {
	Local  PortSnapshot
	Remote PortSnapshot
	Sys    ClockSnapshot
}

// Synchronized reports if both ends and the local system clock are synchronized within threshold
func (s SyncSnapshot) Synchronized(thresholdNS int64) bool {
	return s.PortsSynchronized(thresholdNS) && s.Sys.Synchronized(thresholdNS)
}

// PortsSynchronized reports if both ends are synchronized within threshold, ignoring the system clock
func (s SyncSnapshot) PortsSynchronized(thresholdNS int64) bool {
	return s.Local.Synchronized(thresholdNS) && s.Remote.Synchronized(thresholdNS)
}

// Monitor returns the state of a single PTP port
type Monitor interface {
	Poll(ctx context.Context) (PortSnapshot, error)
	Close() error
}

// ClockMonitor measures the offset of the system clock from a PHC
type ClockMonitor interface {
	Offset(ctx context.Context) (time.Duration, error)
	Close() error
}

var localSockID atomic.Uint32

// dial creates connection to ptp4l either over unixgram or udp
func dial(address string, timeout time.Duration) (net.Conn, func(), error) {
	if strings.HasPrefix(address, udpPrefix) {
		conn, err := net.DialTimeout("udp", strings.TrimPrefix(address, udpPrefix), timeout)
		if err != nil {
			return nil, func() {}, err
		}
		return conn, func() { conn.Close() }, nil
	}
	base, _ := path.Split(address)
	local := path.Join(base, fmt.Sprintf("isocycle.%d.%d.sock", os.Getpid(), localSockID.Add(1)))
	cleanup := func() {
		if err := os.RemoveAll(local); err != nil {
			log.Warningf("removing socket: %v", err)
		}
	}
	addr, err := net.ResolveUnixAddr("unixgram", address)
	if err != nil {
		return nil, cleanup, err
	}
	localAddr, _ := net.ResolveUnixAddr("unixgram", local)
	conn, err := net.DialUnix("unixgram", localAddr, addr)
	if err != nil {
		return nil, cleanup, err
	}
	if err := os.Chmod(local, 0666); err != nil {
		conn.Close()
		return nil, cleanup, err
	}
	return conn, func() {
		conn.Close()
		cleanup()
	}, nil
}

// PTP4lMonitor polls port state and offset of a ptp4l instance
type PTP4lMonitor struct {
	Address           string
	Timeout           time.Duration
	DomainNumber      uint8
	TransportSpecific uint8

	conn    net.Conn
	cleanup func()
	client  *MgmtClient
}

// NewPTP4lMonitor returns a monitor of ptp4l listening on address.
// The connection is established lazily on first Poll.
func NewPTP4lMonitor(address string, timeout time.Duration, domain, transportSpecific uint8) *PTP4lMonitor {
	if address == "" {
		address = PTP4lSock
	}
	return &PTP4lMonitor{
		Address:           address,
		Timeout:           timeout,
		DomainNumber:      domain,
		TransportSpecific: transportSpecific,
	}
}

func (m *PTP4lMonitor) connect() error {
	if m.client != nil {
		return nil
	}
	conn, cleanup, err := dial(m.Address, m.Timeout)
	if err != nil {
		cleanup()
		return fmt.Errorf("connecting to ptp4l at %s: %w", m.Address, err)
	}
	log.Debugf("connected to %s", m.Address)
	m.conn = conn
	m.cleanup = cleanup
	m.client = &MgmtClient{
		Connection:        conn,
		DomainNumber:      m.DomainNumber,
		TransportSpecific: m.TransportSpecific,
	}
	return nil
}

// Poll queries PORT_DATA_SET and TIME_STATUS_NP
func (m *PTP4lMonitor) Poll(ctx context.Context) (PortSnapshot, error) {
	if err := m.connect(); err != nil {
		return UnknownPort, err
	}
	deadline := time.Now().Add(m.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.conn.SetDeadline(deadline); err != nil {
		m.Close()
		return UnknownPort, err
	}
	pds, err := m.client.PortDataSet()
	if err != nil {
		// reconnect on next poll
		m.Close()
		return UnknownPort, fmt.Errorf("getting PORT_DATA_SET from %s: %w", m.Address, err)
	}
	tsn, err := m.client.TimeStatusNP()
	if err != nil {
		m.Close()
		return UnknownPort, fmt.Errorf("getting TIME_STATUS_NP from %s: %w", m.Address, err)
	}
	return PortSnapshot{
		State:    pds.PortState,
		OffsetNS: tsn.MasterOffsetNS,
		Flags:    FlagMonitored,
	}, nil
}

// Close releases the connection
func (m *PTP4lMonitor) Close() error {
	if m.cleanup != nil {
		m.cleanup()
	}
	m.conn = nil
	m.cleanup = nil
	m.client = nil
	return nil
}

// Poller periodically queries local and remote monitors and publishes
// immutable snapshots. Any monitor may be nil.
type Poller struct {
	Local    Monitor
	Remote   Monitor
	Sys      ClockMonitor
	Interval time.Duration

	latest atomic.Pointer[SyncSnapshot]
}

// NewPoller returns a Poller. Zero interval means DefaultPollInterval.
func NewPoller(local, remote Monitor, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{Local: local, Remote: remote, Interval: interval}
	p.latest.Store(&SyncSnapshot{})
	return p
}

func pollOne(ctx context.Context, m Monitor, name string) PortSnapshot {
	if m == nil {
		return PortSnapshot{}
	}
	s, err := m.Poll(ctx)
	if err != nil {
		log.Warningf("%s sync monitor: %v", name, err)
		return UnknownPort
	}
	return s
}

func pollClock(ctx context.Context, m ClockMonitor) ClockSnapshot {
	if m == nil {
		return ClockSnapshot{}
	}
	offset, err := m.Offset(ctx)
	if err != nil {
		log.Warningf("system clock monitor: %v", err)
		return UnknownClock
	}
	return ClockSnapshot{OffsetNS: offset.Nanoseconds(), Flags: FlagMonitored}
}

// PollOnce queries all monitors and publishes the result
func (p *Poller) PollOnce(ctx context.Context) SyncSnapshot {
	s := &SyncSnapshot{
		Local:  pollOne(ctx, p.Local, "local"),
		Remote: pollOne(ctx, p.Remote, "remote"),
		Sys:    pollClock(ctx, p.Sys),
	}
	prev := p.latest.Swap(s)
	if prev == nil || prev.Local.State != s.Local.State || prev.Remote.State != s.Remote.State {
		log.Infof("port state: local %s, remote %s", s.Local, s.Remote)
	}
	log.Debugf("sync snapshot: local %s, remote %s, %s", s.Local, s.Remote, s.Sys)
	return *s
}

// Latest returns the last published snapshot
func (p *Poller) Latest() SyncSnapshot {
	s := p.latest.Load()
	if s == nil {
		return SyncSnapshot{}
	}
	return *s
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	if p.Local == nil && p.Remote == nil && p.Sys == nil {
		return nil
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// Close closes all monitors
func (p *Poller) Close() {
	for _, m := range []Monitor{p.Local, p.Remote} {
		if m != nil {
			m.Close()
		}
	}
	if p.Sys != nil {
		p.Sys.Close()
	}
}

// WaitForSync blocks until both ends are synchronized within threshold or timeout expires
func WaitForSync(ctx context.Context, p *Poller, thresholdNS int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		s := p.PollOnce(ctx)
		if s.Synchronized(thresholdNS) {
			return nil
		}
		log.Infof("waiting for sync: local %s, remote %s, %s", s.Local, s.Remote, s.Sys)
		select {
		case <-ctx.Done():
			return fmt.Errorf("not synchronized within %v: local %s, remote %s, %s", timeout, s.Local, s.Remote, s.Sys)
		case <-time.After(p.Interval):
		}
	}
}
