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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/isocycle/phc"
	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/stats"
	"github.com/facebook/isocycle/timestamp"
	"github.com/facebook/isocycle/tslog"
)

// startMargin is how far ahead of now the first wake instant must be
const startMargin = 100 * time.Millisecond

// Result summarizes a finished send session
type Result struct {
	Cycles         uint32
	Sent           int64
	Timestamped    int64
	Skipped        int64
	Failed         int64
	Dropped        int64
	Duplicate      int64
	Unsynchronized int64
	Output         string
}

func (r *Result) String() string {
	return fmt.Sprintf("cycles: %d, sent: %d, timestamped: %d, skipped: %d, failed: %d, dropped: %d, duplicate timestamps: %d, unsynchronized: %d",
		r.Cycles, r.Sent, r.Timestamped, r.Skipped, r.Failed, r.Dropped, r.Duplicate, r.Unsynchronized)
}

// Session owns everything needed to run one measurement
type Session struct {
	cfg       *Config
	sched     *schedule.Scheduler
	clock     schedule.Clock
	transport Transport
	framer    *Framer
	poller    *ptpmon.Poller
	stats     stats.Stats

	log *tslog.Log
}

// NewSession resolves the interface and opens the socket and sync monitors
func NewSession(cfg *Config, st stats.Stats) (*Session, error) {
	iface, err := LookupInterface(cfg.Iface)
	if err != nil {
		return nil, err
	}
	if !iface.Up {
		log.Warningf("interface %s is down", iface.Name)
	}
	srcMAC := iface.MAC
	if cfg.SrcMAC != "" {
		if srcMAC, err = net.ParseMAC(cfg.SrcMAC); err != nil {
			return nil, err
		}
	}
	framer, err := NewFramer(cfg, srcMAC)
	if err != nil {
		return nil, err
	}
	clockID, err := schedule.ClockByName(cfg.Clock)
	if err != nil {
		return nil, err
	}
	poller, err := newPoller(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := NewSocketTransport(cfg, iface)
	if err != nil {
		poller.Close()
		return nil, err
	}
	return newSession(cfg, schedule.NewSystemClock(clockID), transport, framer, poller, st), nil
}

// newPoller builds the monitors enabled by cfg. The system clock is compared
// against the PHC only with hardware timestamps.
func newPoller(cfg *Config) (*ptpmon.Poller, error) {
	if cfg.OmitSync {
		return ptpmon.NewPoller(nil, nil, cfg.SyncPollInterval), nil
	}
	var remote ptpmon.Monitor
	local := ptpmon.NewPTP4lMonitor(cfg.PTP4lSocket, cfg.SyncPollInterval, cfg.DomainNumber, cfg.TransportSpecific)
	if cfg.RemotePTP4l != "" && !cfg.OmitRemoteSync {
		remote = ptpmon.NewPTP4lMonitor(cfg.RemotePTP4l, cfg.SyncPollInterval, cfg.DomainNumber, cfg.TransportSpecific)
	}
	p := ptpmon.NewPoller(local, remote, cfg.SyncPollInterval)
	if cfg.Timestamping != timestamp.HW {
		return p, nil
	}
	sys, err := phc.NewMonitor(cfg.Iface, cfg.PHCDevice, cfg.NumReadings, cfg.UTCTAIOffset)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("system clock monitor: %w", err)
	}
	p.Sys = sys
	return p, nil
}

func newSession(cfg *Config, clock schedule.Clock, transport Transport, framer *Framer, poller *ptpmon.Poller, st stats.Stats) *Session {
	return &Session{
		cfg:       cfg,
		sched:     cfg.Scheduler(),
		clock:     clock,
		transport: transport,
		framer:    framer,
		poller:    poller,
		stats:     st,
	}
}

// Log returns the send log of the last run
func (s *Session) Log() *tslog.Log {
	return s.log
}

// start gates the session on synchronization and moves the schedule into the future
func (s *Session) start(ctx context.Context) error {
	if s.cfg.OmitSync {
		log.Info("omitting synchronization check")
	} else {
		if err := ptpmon.WaitForSync(ctx, s.poller, s.cfg.SyncThreshold.Nanoseconds(), s.cfg.SyncTimeout); err != nil {
			return err
		}
	}
	if delta := s.sched.Rebase(s.clock.Now(), startMargin.Nanoseconds()); delta != 0 && s.cfg.BaseTime != 0 {
		log.Warningf("base time is in the past, moved forward by %v", time.Duration(delta))
	}
	log.Infof("schedule: %s, launch %s, path %s", s.sched, s.cfg.LaunchMode(), s.framer.Path())
	return nil
}

func (s *Session) result() *Result {
	return &Result{
		Cycles:         s.sched.Cycles(),
		Sent:           s.stats.Load(stats.Sent),
		Timestamped:    s.stats.Load(stats.Timestamped),
		Skipped:        s.stats.Load(stats.Skipped),
		Failed:         s.stats.Load(stats.Failed),
		Dropped:        s.stats.Load(stats.Dropped),
		Duplicate:      s.stats.Load(stats.Duplicate),
		Unsynchronized: s.stats.Load(stats.Unsynchronized),
		Output:         s.cfg.Output,
	}
}

// Run executes the session and persists the send log, also when cancelled or aborted
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	meta := s.cfg.Metadata(s.sched)
	s.log = tslog.NewLog(int(s.sched.Cycles()))

	tx := NewTransmitter(s.cfg, s.sched, s.clock, s.transport, s.framer, s.log, s.poller, s.stats)
	reaper := NewReaper(s.cfg, s.sched, s.transport, s.log, s.stats)

	pctx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	eg, ectx := errgroup.WithContext(pctx)
	done := make(chan struct{})
	eg.Go(func() error {
		return s.poller.Run(ectx)
	})
	eg.Go(func() error {
		defer close(done)
		return tx.Run(ectx)
	})
	eg.Go(func() error {
		defer stopPoller()
		return reaper.Run(ectx, done)
	})
	runErr := eg.Wait()

	var persistErr error
	if err := tslog.Persist(s.cfg.Output, meta, s.log, nil); err != nil {
		persistErr = fmt.Errorf("persisting send log: %w", err)
	} else {
		log.Infof("send log with %d records written to %s", s.log.Len(), s.cfg.Output)
	}
	res := s.result()
	log.Info(res)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return res, errors.Join(runErr, persistErr)
}

// Close releases socket and monitors
func (s *Session) Close() error {
	s.poller.Close()
	return s.transport.Close()
}
