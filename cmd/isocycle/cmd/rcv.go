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

	"github.com/facebook/isocycle/receiver"
	"github.com/facebook/isocycle/sender"
	"github.com/facebook/isocycle/stats"
)

var (
	rcvConfigFlag string
	rcvFlags      = receiver.DefaultConfig()
)

func init() {
	RootCmd.AddCommand(rcvCmd)
	f := rcvCmd.Flags()
	d := receiver.DefaultConfig()
	f.StringVarP(&rcvConfigFlag, "config", "c", "", "path to yaml config, flags set on the command line take precedence")

	f.StringVarP(&rcvFlags.Iface, "iface", "i", d.Iface, "network interface to receive on")
	f.StringVar(&rcvFlags.Transport, "transport", d.Transport, fmt.Sprintf("transport, %s or %s", sender.TransportL2, sender.TransportUDP))
	f.Uint16VarP(&rcvFlags.EtherType, "ethertype", "e", d.EtherType, "EtherType of l2 frames")
	f.StringVar(&rcvFlags.Address, "listen_address", d.Address, "IP address to listen on for udp transport")
	f.IntVar(&rcvFlags.Port, "port", d.Port, "UDP port to listen on")
	f.Var(&rcvFlags.Timestamping, "timestamping", "timestamping type, hardware or software")
	f.StringVar(&rcvFlags.Clock, "clock", d.Clock, "session clock, tai, realtime or monotonic")
	f.Uint32VarP(&rcvFlags.PacketCount, "packet_count", "n", d.PacketCount, "stop after this many frames")
	f.DurationVar(&rcvFlags.IdleTimeout, "idle_timeout", d.IdleTimeout, "stop when nothing arrives for this long")

	f.BoolVarP(&rcvFlags.OmitSync, "omit_sync", "o", d.OmitSync, "do not check PTP synchronization")
	f.StringVar(&rcvFlags.PTP4lSocket, "ptp4l_socket", d.PTP4lSocket, "local ptp4l management socket")
	f.Uint8Var(&rcvFlags.DomainNumber, "domain_number", d.DomainNumber, "PTP domain number")
	f.Uint8Var(&rcvFlags.TransportSpecific, "transport_specific", d.TransportSpecific, "PTP transport specific field")
	f.DurationVar(&rcvFlags.SyncPollInterval, "sync_poll_interval", d.SyncPollInterval, "how often to poll ptp4l")
	f.DurationVar(&rcvFlags.SyncThreshold, "sync_threshold", d.SyncThreshold, "max absolute offset from master considered synchronized")
	f.StringVar(&rcvFlags.PHCDevice, "phc_device", d.PHCDevice, "PHC to compare the system clock with, derived from iface if empty")
	f.UintVar(&rcvFlags.NumReadings, "num_readings", d.NumReadings, "PHC readings per system clock offset measurement")
	f.DurationVar(&rcvFlags.UTCTAIOffset, "utc_tai_offset", d.UTCTAIOffset, "TAI minus UTC, 0 means the kernel's value")

	f.StringVarP(&rcvFlags.Output, "rcv_output", "F", d.Output, "receive log output file")
	f.IntVar(&rcvFlags.MonitoringPort, "monitoring_port", d.MonitoringPort, "port to serve counters on, 0 disables")
}

func rcvRun(cmd *cobra.Command) error {
	cfg, err := receiver.PrepareConfig(rcvConfigFlag, rcvFlags, changedFlags(cmd))
	if err != nil {
		return err
	}
	sender.RegisterDecoders(cfg.EtherType, cfg.Port)

	ctx, cancel := signalContext()
	defer cancel()

	st := stats.NewJSONStats("receiver.")
	startMonitoring(ctx, st, cfg.MonitoringPort)

	r, err := receiver.New(cfg, st)
	if err != nil {
		return err
	}
	defer r.Close()
	res, err := r.Run(ctx)
	if res != nil {
		fmt.Println(res)
	}
	return err
}

var rcvCmd = &cobra.Command{
	Use:   "rcv",
	Short: "Receive frames and log their arrival timestamps",
	Run: func(cmd *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := rcvRun(cmd); err != nil {
			log.Fatal(err)
		}
	},
}
