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
Package receiver implements the receiving end of a measurement session.
It records a receive timestamp for every frame sent by the sender and
persists them as the receive side of a timestamp log.
*/
package receiver

import (
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/isocycle/phc"
	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/sender"
	"github.com/facebook/isocycle/timestamp"
	"github.com/facebook/isocycle/tslog"
)

// DefaultOutput is where the receive log goes by default
const DefaultOutput = "isocycle-rcv.dat"

// Config specifies receive session options. Keys match the sender ones so
// both ends can share a config file.
type Config struct {
	Iface        string              `yaml:"iface"`
	Transport    string              `yaml:"transport"`
	EtherType    uint16              `yaml:"ethertype"`
	Address      string              `yaml:"listen_address"`
	Port         int                 `yaml:"port"`
	Timestamping timestamp.Timestamp `yaml:"timestamping"`
	Clock        string              `yaml:"clock"`
	PacketCount  uint32              `yaml:"packet_count"`
	IdleTimeout  time.Duration       `yaml:"idle_timeout"`

	OmitSync          bool          `yaml:"omit_sync"`
	PTP4lSocket       string        `yaml:"ptp4l_socket"`
	DomainNumber      uint8         `yaml:"domain_number"`
	TransportSpecific uint8         `yaml:"transport_specific"`
	SyncPollInterval  time.Duration `yaml:"sync_poll_interval"`
	SyncThreshold     time.Duration `yaml:"sync_threshold"`

	PHCDevice    string        `yaml:"phc_device"`
	NumReadings  uint          `yaml:"num_readings"`
	UTCTAIOffset time.Duration `yaml:"utc_tai_offset"`

	Output         string `yaml:"rcv_output"`
	MonitoringPort int    `yaml:"monitoring_port"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Iface:            "eth0",
		Transport:        sender.TransportL2,
		EtherType:        sender.DefaultEtherType,
		Port:             sender.DefaultPort,
		Timestamping:     timestamp.HW,
		Clock:            "tai",
		PacketCount:      1,
		IdleTimeout:      10 * time.Second,
		PTP4lSocket:      ptpmon.PTP4lSock,
		SyncPollInterval: ptpmon.DefaultPollInterval,
		SyncThreshold:    time.Microsecond,
		NumReadings:      phc.DefaultSamples,
		Output:           DefaultOutput,
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface must be specified")
	}
	if c.PacketCount == 0 {
		return fmt.Errorf("packet_count must be greater than zero")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be 0 or positive")
	}
	if c.Timestamping != timestamp.HW && c.Timestamping != timestamp.SW {
		return fmt.Errorf("only %q and %q timestamping is supported", timestamp.HW, timestamp.SW)
	}
	if c.SyncThreshold < 0 {
		return fmt.Errorf("sync_threshold must be 0 or positive")
	}
	if c.NumReadings == 0 || c.NumReadings > phc.MaxSamples {
		return fmt.Errorf("num_readings must be in 1..%d", phc.MaxSamples)
	}
	if c.UTCTAIOffset < 0 {
		return fmt.Errorf("utc_tai_offset must be 0 or positive")
	}
	if _, err := schedule.ClockByName(c.Clock); err != nil {
		return err
	}
	switch c.Transport {
	case sender.TransportL2:
		if c.EtherType < 0x0600 {
			return fmt.Errorf("ethertype 0x%04x is a length, not a type", c.EtherType)
		}
	case sender.TransportUDP:
		if c.Address != "" && net.ParseIP(c.Address) == nil {
			return fmt.Errorf("invalid listen_address %q", c.Address)
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("port must be in 1..65535")
		}
	default:
		return fmt.Errorf("transport must be either %q or %q", sender.TransportL2, sender.TransportUDP)
	}
	if c.Output == "" {
		return fmt.Errorf("rcv_output must be specified")
	}
	return nil
}

// Metadata describes the receive log
func (c *Config) Metadata() tslog.Metadata {
	var m tslog.Mode
	if c.OmitSync {
		m |= tslog.ModeOmitSync
	}
	if c.Timestamping == timestamp.HW {
		m |= tslog.ModeHardwareTimestamps
	}
	return tslog.Metadata{PacketCount: c.PacketCount, SyncThresholdNS: c.SyncThreshold.Nanoseconds(), Mode: m}
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig merges flags set on the command line over the config file and validates the result
func PrepareConfig(cfgPath string, flags *Config, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfgPath != "" {
		if cfg, err = ReadConfig(cfgPath); err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if flags != nil {
		override := func(name string, apply func()) {
			if setFlags[name] {
				log.Warningf("overriding %s from CLI flag", name)
				apply()
			}
		}
		override("iface", func() { cfg.Iface = flags.Iface })
		override("transport", func() { cfg.Transport = flags.Transport })
		override("ethertype", func() { cfg.EtherType = flags.EtherType })
		override("listen_address", func() { cfg.Address = flags.Address })
		override("port", func() { cfg.Port = flags.Port })
		override("timestamping", func() { cfg.Timestamping = flags.Timestamping })
		override("clock", func() { cfg.Clock = flags.Clock })
		override("packet_count", func() { cfg.PacketCount = flags.PacketCount })
		override("idle_timeout", func() { cfg.IdleTimeout = flags.IdleTimeout })
		override("omit_sync", func() { cfg.OmitSync = flags.OmitSync })
		override("ptp4l_socket", func() { cfg.PTP4lSocket = flags.PTP4lSocket })
		override("domain_number", func() { cfg.DomainNumber = flags.DomainNumber })
		override("transport_specific", func() { cfg.TransportSpecific = flags.TransportSpecific })
		override("sync_poll_interval", func() { cfg.SyncPollInterval = flags.SyncPollInterval })
		override("sync_threshold", func() { cfg.SyncThreshold = flags.SyncThreshold })
		override("phc_device", func() { cfg.PHCDevice = flags.PHCDevice })
		override("num_readings", func() { cfg.NumReadings = flags.NumReadings })
		override("utc_tai_offset", func() { cfg.UTCTAIOffset = flags.UTCTAIOffset })
		override("rcv_output", func() { cfg.Output = flags.Output })
		override("monitoring_port", func() { cfg.MonitoringPort = flags.MonitoringPort })
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
