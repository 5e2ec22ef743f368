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

package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/isocycle/sender"
	"github.com/facebook/isocycle/stats"
)

var (
	sendConfigFlag string
	sendFlags      = sender.DefaultConfig()
)

func init() {
	RootCmd.AddCommand(sendCmd)
	f := sendCmd.Flags()
	d := sender.DefaultConfig()
	f.StringVarP(&sendConfigFlag, "config", "c", "", "path to yaml config, flags set on the command line take precedence")

	f.StringVarP(&sendFlags.Iface, "iface", "i", d.Iface, "network interface to send from")
	f.StringVar(&sendFlags.Transport, "transport", d.Transport, fmt.Sprintf("transport, %s or %s", sender.TransportL2, sender.TransportUDP))
	f.StringVarP(&sendFlags.DestMAC, "dest_mac", "d", d.DestMAC, "destination MAC address for l2 transport")
	f.StringVarP(&sendFlags.SrcMAC, "src_mac", "A", d.SrcMAC, "source MAC address, interface address if empty")
	f.BoolVarP(&sendFlags.VLAN, "vlan", "V", d.VLAN, "insert 802.1Q tag")
	f.Uint16Var(&sendFlags.VID, "vid", d.VID, "VLAN id")
	f.Uint8VarP(&sendFlags.PCP, "pcp", "p", d.PCP, "VLAN priority code point")
	f.Uint16VarP(&sendFlags.EtherType, "ethertype", "e", d.EtherType, "EtherType of l2 frames")
	f.StringVar(&sendFlags.Address, "address", d.Address, "receiver IP address for udp transport")
	f.IntVar(&sendFlags.Port, "port", d.Port, "receiver UDP port")
	f.IntVar(&sendFlags.DSCP, "dscp", d.DSCP, "DSCP for udp transport")
	f.IntVarP(&sendFlags.Priority, "priority", "P", d.Priority, "socket priority, selects the traffic class")
	f.Var(&sendFlags.Timestamping, "timestamping", "timestamping type, hardware or software")
	f.StringVar(&sendFlags.Clock, "clock", d.Clock, "session clock, tai, realtime or monotonic")

	f.Uint32VarP(&sendFlags.PacketCount, "packet_count", "n", d.PacketCount, "number of cycles")
	f.IntVarP(&sendFlags.FrameSize, "frame_size", "s", d.FrameSize, "frame size in bytes")
	f.Int64VarP(&sendFlags.BaseTime, "base_time", "b", d.BaseTime, "schedule base time in ns, 0 means as soon as possible")
	f.DurationVarP(&sendFlags.CycleTime, "cycle_time", "C", d.CycleTime, "schedule period")
	f.DurationVarP(&sendFlags.AdvanceTime, "advance_time", "a", d.AdvanceTime, "wake up this much before each edge")
	f.DurationVarP(&sendFlags.ShiftTime, "shift_time", "S", d.ShiftTime, "phase of edges relative to the base time")
	f.DurationVarP(&sendFlags.WindowSize, "window_size", "w", d.WindowSize, "gate window, cycle_time if zero")

	f.BoolVarP(&sendFlags.TxTime, "txtime", "T", d.TxTime, "use SO_TXTIME launch time")
	f.BoolVarP(&sendFlags.Deadline, "deadline", "D", d.Deadline, "use SO_TXTIME deadline mode")
	f.BoolVar(&sendFlags.Gated, "gated", d.Gated, "frames must leave inside the gate window")
	f.BoolVarP(&sendFlags.OmitSync, "omit_sync", "o", d.OmitSync, "do not wait for or check PTP synchronization")
	f.BoolVar(&sendFlags.OmitRemoteSync, "omit_remote_sync", d.OmitRemoteSync, "do not check synchronization of the receiver")

	f.BoolVar(&sendFlags.SchedFIFO, "sched_fifo", d.SchedFIFO, "run the transmit thread with SCHED_FIFO")
	f.BoolVar(&sendFlags.SchedRR, "sched_rr", d.SchedRR, "run the transmit thread with SCHED_RR")
	f.IntVar(&sendFlags.SchedPriority, "sched_priority", d.SchedPriority, "real time priority of the transmit thread")
	f.Uint64Var(&sendFlags.CPUMask, "cpumask", d.CPUMask, "CPUs the transmit thread may run on, 0 means any")

	f.StringVar(&sendFlags.PTP4lSocket, "ptp4l_socket", d.PTP4lSocket, "local ptp4l management socket")
	f.StringVar(&sendFlags.RemotePTP4l, "remote_ptp4l", d.RemotePTP4l, "remote ptp4l management address, udp://host:port")
	f.Uint8Var(&sendFlags.DomainNumber, "domain_number", d.DomainNumber, "PTP domain number")
	f.Uint8Var(&sendFlags.TransportSpecific, "transport_specific", d.TransportSpecific, "PTP transport specific field")
	f.DurationVar(&sendFlags.SyncThreshold, "sync_threshold", d.SyncThreshold, "max absolute offset from master considered synchronized")
	f.DurationVar(&sendFlags.SyncTimeout, "sync_timeout", d.SyncTimeout, "how long to wait for synchronization before sending")
	f.DurationVar(&sendFlags.SyncPollInterval, "sync_poll_interval", d.SyncPollInterval, "how often to poll ptp4l")
	f.StringVar(&sendFlags.PHCDevice, "phc_device", d.PHCDevice, "PHC to compare the system clock with, derived from iface if empty")
	f.UintVar(&sendFlags.NumReadings, "num_readings", d.NumReadings, "PHC readings per system clock offset measurement")
	f.DurationVar(&sendFlags.UTCTAIOffset, "utc_tai_offset", d.UTCTAIOffset, "TAI minus UTC, 0 means the kernel's value")

	f.DurationVar(&sendFlags.Slack, "slack", d.Slack, "how late a cycle can be woken up before it is skipped")
	f.IntVar(&sendFlags.MaxConsecutiveFailures, "max_consecutive_failures", d.MaxConsecutiveFailures, "abort after this many transmit errors in a row")
	f.DurationVar(&sendFlags.ReapTimeout, "reap_timeout", d.ReapTimeout, "error queue poll timeout")
	f.DurationVar(&sendFlags.DrainTimeout, "drain_timeout", d.DrainTimeout, "how long to wait for late timestamps after the last cycle")

	f.StringVarP(&sendFlags.Output, "output", "F", d.Output, "send log output file")
	f.IntVar(&sendFlags.MonitoringPort, "monitoring_port", d.MonitoringPort, "port to serve counters on, 0 disables")
}

func sendRun(cmd *cobra.Command) error {
	cfg, err := sender.PrepareConfig(sendConfigFlag, sendFlags, changedFlags(cmd))
	if err != nil {
		return err
	}
	sender.RegisterDecoders(cfg.EtherType, cfg.Port)

	ctx, cancel := signalContext()
	defer cancel()

	st := stats.NewJSONStats("sender.")
	startMonitoring(ctx, st, cfg.MonitoringPort)

	s, err := sender.NewSession(cfg, st)
	if err != nil {
		return err
	}
	defer s.Close()
	res, err := s.Run(ctx)
	if res != nil {
		fmt.Println(res)
	}
	return err
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send frames on a cycle schedule and log their timestamps",
	Run: func(cmd *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := sendRun(cmd); err != nil {
			log.Fatal(err)
		}
	},
}
