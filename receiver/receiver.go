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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/isocycle/phc"
	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/sender"
	"github.com/facebook/isocycle/stats"
	"github.com/facebook/isocycle/timestamp"
	"github.com/facebook/isocycle/tslog"
)

// maxWait bounds a single wait for a frame so cancellation is noticed
const maxWait = 100 * time.Millisecond

// Result summarizes a finished receive session
type Result struct {
	Received    int64
	Duplicate   int64
	Undecodable int64
	Output      string
}

func (r *Result) String() string {
	return fmt.Sprintf("received: %d, duplicate: %d, undecodable: %d", r.Received, r.Duplicate, r.Undecodable)
}

// Receiver records receive timestamps of frames
type Receiver struct {
	cfg    *Config
	conn   Conn
	clock  schedule.Clock
	poller *ptpmon.Poller
	stats  stats.Stats

	log *tslog.Log
}

// New opens the receive socket and sync monitor
func New(cfg *Config, st stats.Stats) (*Receiver, error) {
	iface, err := sender.LookupInterface(cfg.Iface)
	if err != nil {
		return nil, err
	}
	clockID, err := schedule.ClockByName(cfg.Clock)
	if err != nil {
		return nil, err
	}
	conn, err := Listen(cfg, iface)
	if err != nil {
		return nil, err
	}
	poller := ptpmon.NewPoller(nil, nil, cfg.SyncPollInterval)
	if !cfg.OmitSync {
		poller.Local = ptpmon.NewPTP4lMonitor(cfg.PTP4lSocket, cfg.SyncPollInterval, cfg.DomainNumber, cfg.TransportSpecific)
		if cfg.Timestamping == timestamp.HW {
			sys, err := phc.NewMonitor(cfg.Iface, cfg.PHCDevice, cfg.NumReadings, cfg.UTCTAIOffset)
			if err != nil {
				poller.Close()
				conn.Close()
				return nil, fmt.Errorf("system clock monitor: %w", err)
			}
			poller.Sys = sys
		}
	}
	return newReceiver(cfg, conn, schedule.NewSystemClock(clockID), poller, st), nil
}

func newReceiver(cfg *Config, conn Conn, clock schedule.Clock, poller *ptpmon.Poller, st stats.Stats) *Receiver {
	return &Receiver{
		cfg:    cfg,
		conn:   conn,
		clock:  clock,
		poller: poller,
		stats:  st,
	}
}

// Log returns the receive log of the last run
func (r *Receiver) Log() *tslog.Log {
	return r.log
}

// handle turns a frame into a receive record
func (r *Receiver) handle(frame []byte, ts timestamp.Timestamps, softwareNS int64, w *tslog.Writer) error {
	h, err := sender.DecodeFrame(frame)
	if err != nil || h.Intent != sender.IntentTransmit {
		r.stats.Inc(stats.Undecodable)
		log.Debugf("undecodable frame (%v):\n%s", err, spew.Sdump(frame))
		return nil
	}
	sync := r.poller.Latest()
	r.stats.Set(stats.LocalOffsetNS, sync.Local.OffsetNS)
	r.stats.Set(stats.SysOffsetNS, sync.Sys.OffsetNS)
	rec := tslog.Record{
		SeqID:       h.SeqID,
		Outcome:     tslog.OutcomeReceived,
		ScheduledNS: h.ScheduledNS,
		SoftwareNS:  softwareNS,
		Sync:        sync,
	}
	if ts.Hardware != 0 {
		rec.HardwareNS = ts.Hardware
		rec.Flags |= tslog.FlagHardware
	}
	if ts.Software != 0 {
		rec.KernelNS = ts.Software
		rec.Flags |= tslog.FlagKernel
	}
	switch err := r.log.Append(rec); {
	case errors.Is(err, tslog.ErrSlotTaken):
		r.stats.Inc(stats.Duplicate)
		log.Warningf("seq %d: duplicate frame", h.SeqID)
		return nil
	case errors.Is(err, tslog.ErrSeqOutOfRange):
		r.stats.Inc(stats.Undecodable)
		log.Warningf("seq %d: beyond packet count %d", h.SeqID, r.cfg.PacketCount)
		return nil
	case err != nil:
		return err
	}
	if !r.cfg.OmitSync && !sync.Synchronized(r.cfg.SyncThreshold.Nanoseconds()) {
		r.stats.Inc(stats.Unsynchronized)
	}
	r.stats.Inc(stats.Received)
	return w.Append(tslog.SideReceive, &rec)
}

// receive reads frames until all expected arrived, ctx is cancelled or the line goes idle
func (r *Receiver) receive(ctx context.Context, w *tslog.Writer) error {
	buf := make([]byte, timestamp.PayloadSizeBytes)
	wait := maxWait
	if r.cfg.IdleTimeout > 0 {
		wait = min(wait, r.cfg.IdleTimeout)
	}
	last := time.Now()
	for r.stats.Load(stats.Received) < int64(r.cfg.PacketCount) {
		if ctx.Err() != nil {
			log.Info("receiver stopped")
			return nil
		}
		n, ts, err := r.conn.Read(buf, wait)
		if err != nil {
			return err
		}
		if n == 0 {
			if r.cfg.IdleTimeout > 0 && time.Since(last) >= r.cfg.IdleTimeout {
				log.Warningf("no frames for %v, stopping", r.cfg.IdleTimeout)
				return nil
			}
			continue
		}
		sw := r.clock.Now()
		last = time.Now()
		if err := r.handle(buf[:n], ts, sw, w); err != nil {
			return err
		}
	}
	log.Infof("received all %d frames", r.cfg.PacketCount)
	return nil
}

// Run receives frames and streams records to the output file, which is complete also when cancelled
func (r *Receiver) Run(ctx context.Context) (*Result, error) {
	w, err := tslog.NewWriter(r.cfg.Output, r.cfg.Metadata())
	if err != nil {
		return nil, err
	}
	r.log = tslog.NewLog(int(r.cfg.PacketCount))
	r.poller.PollOnce(ctx)

	pctx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	eg, ectx := errgroup.WithContext(pctx)
	eg.Go(func() error {
		return r.poller.Run(ectx)
	})
	eg.Go(func() error {
		defer stopPoller()
		return r.receive(ectx, w)
	})
	runErr := eg.Wait()

	var closeErr error
	if err := w.Close(); err != nil {
		closeErr = fmt.Errorf("writing receive log: %w", err)
	} else {
		log.Infof("receive log with %d records written to %s", w.Count(), r.cfg.Output)
	}
	res := &Result{
		Received:    r.stats.Load(stats.Received),
		Duplicate:   r.stats.Load(stats.Duplicate),
		Undecodable: r.stats.Load(stats.Undecodable),
		Output:      r.cfg.Output,
	}
	log.Info(res)
	return res, errors.Join(runErr, closeErr)
}

// Close releases socket and monitor
func (r *Receiver) Close() error {
	r.poller.Close()
	return r.conn.Close()
}
