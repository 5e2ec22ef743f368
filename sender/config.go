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
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/isocycle/dscp"
	"github.com/facebook/isocycle/phc"
	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/timestamp"
	"github.com/facebook/isocycle/tslog"
)

// supported transports
const (
	TransportL2  = "l2"
	TransportUDP = "udp"
)

// Path is the way frames travel to the receiver
type Path int

// Paths
const (
	PathL2 Path = iota
	PathUDP4
	PathUDP6
)

func (p Path) String() string {
	switch p {
	case PathL2:
		return "l2"
	case PathUDP4:
		return "udp4"
	case PathUDP6:
		return "udp6"
	}
	return "unknown"
}

// defaults
const (
	DefaultEtherType              = uint16(0xdead)
	DefaultPort                   = 5000
	DefaultMaxConsecutiveFailures = 10
	DefaultReapTimeout            = 10 * time.Millisecond
	DefaultDrainTimeout           = time.Second
	DefaultOutput                 = "isocycle.dat"
	maxVID                        = 4094
	maxPCP                        = 7
	maxSchedPriority              = 99
	maxCPUs                       = 64
)

// Config specifies send session options
type Config struct {
	Iface     string `yaml:"iface"`
	Transport string `yaml:"transport"`

	// l2 path
	DestMAC   string `yaml:"dest_mac"`
	SrcMAC    string `yaml:"src_mac"`
	VLAN      bool   `yaml:"vlan"`
	VID       uint16 `yaml:"vid"`
	PCP       uint8  `yaml:"pcp"`
	EtherType uint16 `yaml:"ethertype"`

	// udp path
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DSCP    int    `yaml:"dscp"`

	Priority     int                 `yaml:"priority"`
	Timestamping timestamp.Timestamp `yaml:"timestamping"`
	Clock        string              `yaml:"clock"`

	PacketCount uint32        `yaml:"packet_count"`
	FrameSize   int           `yaml:"frame_size"`
	BaseTime    int64         `yaml:"base_time"` // ns on session clock, 0 means as soon as possible
	CycleTime   time.Duration `yaml:"cycle_time"`
	AdvanceTime time.Duration `yaml:"advance_time"`
	ShiftTime   time.Duration `yaml:"shift_time"`
	WindowSize  time.Duration `yaml:"window_size"`

	TxTime         bool `yaml:"txtime"`
	Deadline       bool `yaml:"deadline"`
	Gated          bool `yaml:"gated"`
	OmitSync       bool `yaml:"omit_sync"`
	OmitRemoteSync bool `yaml:"omit_remote_sync"`

	// transmit thread
	SchedFIFO     bool   `yaml:"sched_fifo"`
	SchedRR       bool   `yaml:"sched_rr"`
	SchedPriority int    `yaml:"sched_priority"`
	CPUMask       uint64 `yaml:"cpumask"` // 0 means any CPU

	PTP4lSocket       string        `yaml:"ptp4l_socket"`
	RemotePTP4l       string        `yaml:"remote_ptp4l"`
	DomainNumber      uint8         `yaml:"domain_number"`
	TransportSpecific uint8         `yaml:"transport_specific"`
	SyncThreshold     time.Duration `yaml:"sync_threshold"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
	SyncPollInterval  time.Duration `yaml:"sync_poll_interval"`

	// system clock to PHC offset
	PHCDevice    string        `yaml:"phc_device"` // derived from iface when empty
	NumReadings  uint          `yaml:"num_readings"`
	UTCTAIOffset time.Duration `yaml:"utc_tai_offset"` // 0 means the kernel's value

	Slack                  time.Duration `yaml:"slack"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ReapTimeout            time.Duration `yaml:"reap_timeout"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`

	Output         string `yaml:"output"`
	MonitoringPort int    `yaml:"monitoring_port"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Iface:                  "eth0",
		Transport:              TransportL2,
		EtherType:              DefaultEtherType,
		Port:                   DefaultPort,
		Timestamping:           timestamp.HW,
		Clock:                  "tai",
		PacketCount:            1,
		FrameSize:              100,
		CycleTime:              time.Millisecond,
		PTP4lSocket:            ptpmon.PTP4lSock,
		SyncThreshold:          time.Microsecond,
		SyncTimeout:            time.Minute,
		SyncPollInterval:       ptpmon.DefaultPollInterval,
		NumReadings:            phc.DefaultSamples,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		ReapTimeout:            DefaultReapTimeout,
		DrainTimeout:           DefaultDrainTimeout,
		Output:                 DefaultOutput,
	}
}

// errors returned by Validate for contradictory modes
var (
	ErrGatedNeedsCycle  = errors.New("gated mode requires cycle_time > 0 and 0 < window_size <= cycle_time")
	ErrDeadlineNoWindow = errors.New("deadline mode requires window_size or cycle_time")
	ErrSchedPolicies    = errors.New("sched_fifo and sched_rr are mutually exclusive")
)

// Path returns the path frames take
func (c *Config) Path() Path {
	if c.Transport == TransportL2 {
		return PathL2
	}
	if ip := net.ParseIP(c.Address); ip != nil && ip.To4() == nil {
		return PathUDP6
	}
	return PathUDP4
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface must be specified")
	}
	if c.PacketCount == 0 {
		return fmt.Errorf("packet_count must be greater than zero")
	}
	if c.CycleTime < 0 || c.AdvanceTime < 0 || c.WindowSize < 0 || c.Slack < 0 {
		return fmt.Errorf("cycle_time, advance_time, window_size and slack must be 0 or positive")
	}
	if c.Gated && (c.CycleTime <= 0 || c.WindowSize <= 0 || c.WindowSize > c.CycleTime) {
		return ErrGatedNeedsCycle
	}
	if c.Deadline && c.WindowSize == 0 && c.CycleTime == 0 {
		return ErrDeadlineNoWindow
	}
	if c.Timestamping != timestamp.HW && c.Timestamping != timestamp.SW {
		return fmt.Errorf("only %q and %q timestamping is supported", timestamp.HW, timestamp.SW)
	}
	if _, err := schedule.ClockByName(c.Clock); err != nil {
		return err
	}
	switch c.Transport {
	case TransportL2:
		if _, err := net.ParseMAC(c.DestMAC); err != nil {
			return fmt.Errorf("invalid dest_mac %q: %w", c.DestMAC, err)
		}
		if c.SrcMAC != "" {
			if _, err := net.ParseMAC(c.SrcMAC); err != nil {
				return fmt.Errorf("invalid src_mac %q: %w", c.SrcMAC, err)
			}
		}
		if c.VID > maxVID || c.PCP > maxPCP {
			return fmt.Errorf("vid must be <= %d and pcp <= %d", maxVID, maxPCP)
		}
		if c.EtherType < 0x0600 {
			return fmt.Errorf("ethertype 0x%04x is a length, not a type", c.EtherType)
		}
	case TransportUDP:
		if net.ParseIP(c.Address) == nil {
			return fmt.Errorf("invalid address %q", c.Address)
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("port must be in 1..65535")
		}
		if c.DSCP < 0 || c.DSCP > dscp.MaxDSCP {
			return fmt.Errorf("dscp must be in 0..%d", dscp.MaxDSCP)
		}
		if c.VLAN {
			return fmt.Errorf("vlan tagging is only supported on %s transport", TransportL2)
		}
	default:
		return fmt.Errorf("transport must be either %q or %q", TransportL2, TransportUDP)
	}
	minSize := FrameOverhead(c.Path(), c.VLAN) + PayloadHeaderSize
	if c.Path() == PathL2 {
		minSize = max(minSize, MinEthernetFrame)
	}
	if c.FrameSize < minSize {
		return fmt.Errorf("frame_size must be at least %d for %s path", minSize, c.Path())
	}
	if c.FrameSize > timestamp.PayloadSizeBytes {
		return fmt.Errorf("frame_size must be at most %d", timestamp.PayloadSizeBytes)
	}
	if c.Priority < 0 {
		return fmt.Errorf("priority must be 0 or positive")
	}
	if c.SyncThreshold < 0 {
		return fmt.Errorf("sync_threshold must be 0 or positive")
	}
	if !c.OmitSync && c.SyncTimeout <= 0 {
		return fmt.Errorf("sync_timeout must be greater than zero")
	}
	if c.NumReadings == 0 || c.NumReadings > phc.MaxSamples {
		return fmt.Errorf("num_readings must be in 1..%d", phc.MaxSamples)
	}
	if c.UTCTAIOffset < 0 {
		return fmt.Errorf("utc_tai_offset must be 0 or positive")
	}
	if err := c.validateSched(); err != nil {
		return err
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max_consecutive_failures must be greater than zero")
	}
	if c.ReapTimeout <= 0 {
		return fmt.Errorf("reap_timeout must be greater than zero")
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout must be 0 or positive")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.Output == "" {
		return fmt.Errorf("output must be specified")
	}
	if c.AdvanceTime > 0 && c.CycleTime > 0 && c.AdvanceTime >= c.CycleTime {
		log.Warningf("advance_time %v is not shorter than cycle_time %v, wakeups will overlap previous cycles", c.AdvanceTime, c.CycleTime)
	}
	return nil
}

func (c *Config) validateSched() error {
	if c.SchedFIFO && c.SchedRR {
		return ErrSchedPolicies
	}
	if c.SchedFIFO || c.SchedRR {
		if c.SchedPriority < 1 || c.SchedPriority > maxSchedPriority {
			return fmt.Errorf("sched_priority must be in 1..%d", maxSchedPriority)
		}
	} else if c.SchedPriority != 0 {
		return fmt.Errorf("sched_priority requires sched_fifo or sched_rr")
	}
	if n := runtime.NumCPU(); c.CPUMask != 0 && n < maxCPUs && c.CPUMask>>n != 0 {
		return fmt.Errorf("cpumask %#x names CPUs beyond the %d available", c.CPUMask, n)
	}
	return nil
}

// SchedPolicy returns the scheduling policy of the transmit thread, SCHED_NORMAL when not set
func (c *Config) SchedPolicy() int {
	switch {
	case c.SchedFIFO:
		return unix.SCHED_FIFO
	case c.SchedRR:
		return unix.SCHED_RR
	}
	return unix.SCHED_NORMAL
}

// CPUSet returns affinity of the transmit thread, nil when cpumask is not set
func (c *Config) CPUSet() *unix.CPUSet {
	if c.CPUMask == 0 {
		return nil
	}
	set := &unix.CPUSet{}
	for cpu := range maxCPUs {
		if c.CPUMask&(1<<cpu) != 0 {
			set.Set(cpu)
		}
	}
	return set
}

// Mode returns session mode bits
func (c *Config) Mode() tslog.Mode {
	var m tslog.Mode
	if c.TxTime {
		m |= tslog.ModeTxTime
	}
	if c.Deadline {
		m |= tslog.ModeDeadline
	}
	if c.Gated {
		m |= tslog.ModeGated
	}
	if c.OmitSync {
		m |= tslog.ModeOmitSync
	}
	if c.OmitRemoteSync {
		m |= tslog.ModeOmitRemoteSync
	}
	if c.Timestamping == timestamp.HW {
		m |= tslog.ModeHardwareTimestamps
	}
	return m
}

// Metadata returns session metadata for the scheduler
func (c *Config) Metadata(s *schedule.Scheduler) tslog.Metadata {
	return tslog.Metadata{
		PacketCount:     s.Cycles(),
		FrameSize:       uint32(c.FrameSize),
		BaseTimeNS:      s.BaseNS,
		AdvanceTimeNS:   s.AdvanceNS,
		ShiftTimeNS:     s.ShiftNS,
		CycleTimeNS:     s.CycleNS,
		WindowSizeNS:    c.WindowSize.Nanoseconds(),
		SyncThresholdNS: c.SyncThreshold.Nanoseconds(),
		Mode:            c.Mode(),
	}
}

// Scheduler returns scheduler for the session
func (c *Config) Scheduler() *schedule.Scheduler {
	return &schedule.Scheduler{
		BaseNS:    c.BaseTime,
		CycleNS:   c.CycleTime.Nanoseconds(),
		AdvanceNS: c.AdvanceTime.Nanoseconds(),
		ShiftNS:   c.ShiftTime.Nanoseconds(),
		Count:     c.PacketCount,
	}
}

// window is the deadline window, cycle time when not set
func (c *Config) window() int64 {
	if c.WindowSize > 0 {
		return c.WindowSize.Nanoseconds()
	}
	return c.CycleTime.Nanoseconds()
}

// LaunchMode tells the kernel when a frame may leave
type LaunchMode int

// Launch modes, derived from txtime and deadline which are independent
const (
	// LaunchAtWake sends right after the wake instant without SO_TXTIME
	LaunchAtWake LaunchMode = iota
	// LaunchAtEdge has the qdisc release the frame at the schedule edge
	LaunchAtEdge
	// LaunchByDeadline sends right away, the frame is discarded if it's not out by edge + window
	LaunchByDeadline
	// LaunchQueuedDeadline hands the frame over at wake, the qdisc releases it no later than edge + window
	LaunchQueuedDeadline
)

func (m LaunchMode) String() string {
	switch m {
	case LaunchAtWake:
		return "at wake"
	case LaunchAtEdge:
		return "at edge"
	case LaunchByDeadline:
		return "by deadline"
	case LaunchQueuedDeadline:
		return "queued with deadline"
	}
	return "unknown"
}

// LaunchMode returns the launch mode of the session
func (c *Config) LaunchMode() LaunchMode {
	switch {
	case c.TxTime && c.Deadline:
		return LaunchQueuedDeadline
	case c.Deadline:
		return LaunchByDeadline
	case c.TxTime:
		return LaunchAtEdge
	}
	return LaunchAtWake
}

// TXTimeFlags returns whether SO_TXTIME is needed and with which flags
func (c *Config) TXTimeFlags() (bool, uint32) {
	switch c.LaunchMode() {
	case LaunchByDeadline, LaunchQueuedDeadline:
		return true, timestamp.TXTimeDeadlineMode | timestamp.TXTimeReportErrors
	case LaunchAtEdge:
		return true, timestamp.TXTimeReportErrors
	}
	return false, 0
}

// LaunchTime returns SCM_TXTIME value for a frame with the given schedule edge, 0 if none
func (c *Config) LaunchTime(edgeNS int64) int64 {
	switch c.LaunchMode() {
	case LaunchByDeadline, LaunchQueuedDeadline:
		return edgeNS + c.window()
	case LaunchAtEdge:
		return edgeNS
	}
	return 0
}

// EdgeOf is the inverse of LaunchTime
func (c *Config) EdgeOf(launchNS int64) int64 {
	switch c.LaunchMode() {
	case LaunchByDeadline, LaunchQueuedDeadline:
		return launchNS - c.window()
	}
	return launchNS
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config.
// Only flags present in setFlags override values from the file.
func PrepareConfig(cfgPath string, flags *Config, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if flags != nil {
		overrideFromFlags(cfg, flags, setFlags)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

// overrideFromFlags copies values of flags set on the command line, flag names match yaml keys
func overrideFromFlags(cfg, flags *Config, setFlags map[string]bool) {
	override := func(name string, apply func()) {
		if setFlags[name] {
			log.Warningf("overriding %s from CLI flag", name)
			apply()
		}
	}
	override("iface", func() { cfg.Iface = flags.Iface })
	override("transport", func() { cfg.Transport = flags.Transport })
	override("dest_mac", func() { cfg.DestMAC = flags.DestMAC })
	override("src_mac", func() { cfg.SrcMAC = flags.SrcMAC })
	override("vlan", func() { cfg.VLAN = flags.VLAN })
	override("vid", func() { cfg.VID = flags.VID })
	override("pcp", func() { cfg.PCP = flags.PCP })
	override("ethertype", func() { cfg.EtherType = flags.EtherType })
	override("address", func() { cfg.Address = flags.Address })
	override("port", func() { cfg.Port = flags.Port })
	override("dscp", func() { cfg.DSCP = flags.DSCP })
	override("priority", func() { cfg.Priority = flags.Priority })
	override("timestamping", func() { cfg.Timestamping = flags.Timestamping })
	override("clock", func() { cfg.Clock = flags.Clock })
	override("packet_count", func() { cfg.PacketCount = flags.PacketCount })
	override("frame_size", func() { cfg.FrameSize = flags.FrameSize })
	override("base_time", func() { cfg.BaseTime = flags.BaseTime })
	override("cycle_time", func() { cfg.CycleTime = flags.CycleTime })
	override("advance_time", func() { cfg.AdvanceTime = flags.AdvanceTime })
	override("shift_time", func() { cfg.ShiftTime = flags.ShiftTime })
	override("window_size", func() { cfg.WindowSize = flags.WindowSize })
	override("txtime", func() { cfg.TxTime = flags.TxTime })
	override("deadline", func() { cfg.Deadline = flags.Deadline })
	override("gated", func() { cfg.Gated = flags.Gated })
	override("omit_sync", func() { cfg.OmitSync = flags.OmitSync })
	override("omit_remote_sync", func() { cfg.OmitRemoteSync = flags.OmitRemoteSync })
	override("sched_fifo", func() { cfg.SchedFIFO = flags.SchedFIFO })
	override("sched_rr", func() { cfg.SchedRR = flags.SchedRR })
	override("sched_priority", func() { cfg.SchedPriority = flags.SchedPriority })
	override("cpumask", func() { cfg.CPUMask = flags.CPUMask })
	override("ptp4l_socket", func() { cfg.PTP4lSocket = flags.PTP4lSocket })
	override("remote_ptp4l", func() { cfg.RemotePTP4l = flags.RemotePTP4l })
	override("domain_number", func() { cfg.DomainNumber = flags.DomainNumber })
	override("transport_specific", func() { cfg.TransportSpecific = flags.TransportSpecific })
	override("sync_threshold", func() { cfg.SyncThreshold = flags.SyncThreshold })
	override("sync_timeout", func() { cfg.SyncTimeout = flags.SyncTimeout })
	override("sync_poll_interval", func() { cfg.SyncPollInterval = flags.SyncPollInterval })
	override("phc_device", func() { cfg.PHCDevice = flags.PHCDevice })
	override("num_readings", func() { cfg.NumReadings = flags.NumReadings })
	override("utc_tai_offset", func() { cfg.UTCTAIOffset = flags.UTCTAIOffset })
	override("slack", func() { cfg.Slack = flags.Slack })
	override("max_consecutive_failures", func() { cfg.MaxConsecutiveFailures = flags.MaxConsecutiveFailures })
	override("reap_timeout", func() { cfg.ReapTimeout = flags.ReapTimeout })
	override("drain_timeout", func() { cfg.DrainTimeout = flags.DrainTimeout })
	override("output", func() { cfg.Output = flags.Output })
	override("monitoring_port", func() { cfg.MonitoringPort = flags.MonitoringPort })
}
