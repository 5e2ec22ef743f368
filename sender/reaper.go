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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/stats"
	"github.com/facebook/isocycle/timestamp"
	"github.com/facebook/isocycle/tslog"
)

// Reaper collects transmit timestamps from the error queue and fills them into the send log
type Reaper struct {
	cfg       *Config
	sched     *schedule.Scheduler
	transport Transport
	log       *tslog.Log
	stats     stats.Stats

	// timestamps that came before their slot was created
	stash map[uint32]int64
	// lowest sequence id that may still be outstanding
	cursor uint32
}

// NewReaper returns Reaper
func NewReaper(cfg *Config, sched *schedule.Scheduler, transport Transport, l *tslog.Log, st stats.Stats) *Reaper {
	return &Reaper{
		cfg:       cfg,
		sched:     sched,
		transport: transport,
		log:       l,
		stats:     st,
		stash:     map[uint32]int64{},
		cursor:    1,
	}
}

// sequence finds which frame the error queue message belongs to
func (r *Reaper) sequence(msg *timestamp.ErrQueueMessage) (uint32, bool) {
	if h, err := DecodeFrame(msg.Data); err == nil {
		return h.SeqID, true
	}
	// launch time uniquely identifies the cycle
	if msg.Err.TXTimeDrop() {
		if n, ok := r.sched.Index(r.cfg.EdgeOf(msg.Err.TXTime())); ok {
			return n + 1, true
		}
	}
	return 0, false
}

// fill stores a transmit timestamp of the kind the session asked the kernel for
func (r *Reaper) fill(seq uint32, ns int64) {
	fill := r.log.FillKernel
	if r.cfg.Timestamping == timestamp.HW {
		fill = r.log.FillHardware
	}
	switch res := fill(seq, ns); res {
	case tslog.FillOK:
		r.stats.Inc(stats.Timestamped)
		delete(r.stash, seq)
	case tslog.FillNotCreated:
		r.stash[seq] = ns
	case tslog.FillDuplicate:
		r.stats.Inc(stats.Duplicate)
		delete(r.stash, seq)
		log.Warningf("seq %d: discarding duplicate transmit timestamp %d", seq, ns)
	default:
		r.stats.Inc(stats.Undecodable)
		log.Warningf("seq %d: timestamp fill %s", seq, res)
	}
}

func (r *Reaper) drop(seq uint32, eerr *timestamp.ExtendedError) {
	switch res := r.log.MarkDropped(seq); res {
	case tslog.FillOK:
		r.stats.Inc(stats.Dropped)
		log.Warningf("seq %d: frame dropped by the kernel: %s", seq, eerr)
	case tslog.FillDuplicate:
		log.Debugf("seq %d: drop already recorded", seq)
	default:
		log.Warningf("seq %d: drop report %s", seq, res)
	}
}

func (r *Reaper) handle(msg *timestamp.ErrQueueMessage) {
	seq, ok := r.sequence(msg)
	if !ok {
		r.stats.Inc(stats.Undecodable)
		log.Warningf("failed to match error queue message of %d bytes (%v) to a frame", len(msg.Data), msg.Err)
		return
	}
	if msg.Err != nil && msg.Err.TXTimeDrop() {
		r.drop(seq, msg.Err)
		return
	}
	ns := msg.Timestamps.Software
	if r.cfg.Timestamping == timestamp.HW {
		ns = msg.Timestamps.Hardware
	}
	if ns == 0 {
		log.Debugf("seq %d: error queue message without %s timestamp: %v", seq, r.cfg.Timestamping, msg.Err)
		return
	}
	r.fill(seq, ns)
}

func (r *Reaper) retryStash() {
	for seq, ns := range r.stash {
		r.fill(seq, ns)
	}
}

// ReapOnce waits for the error queue up to ReapTimeout and processes all available messages
func (r *Reaper) ReapOnce() error {
	r.retryStash()
	ready, err := r.transport.WaitTimestamps(r.cfg.ReapTimeout)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	for {
		msg, err := r.transport.ReadTimestamp()
		if errors.Is(err, timestamp.ErrNoMessage) {
			return nil
		}
		if err != nil {
			return err
		}
		r.handle(msg)
	}
}

// outstanding moves the cursor past finished slots and reports if any sent frame still waits for a timestamp
func (r *Reaper) outstanding() bool {
	last := r.log.MaxSeqID()
	for ; r.cursor <= last; r.cursor++ {
		if r.log.Outstanding(r.cursor) {
			return true
		}
	}
	return false
}

func (r *Reaper) missing() int {
	n := 0
	for seq := r.cursor; seq <= r.log.MaxSeqID(); seq++ {
		if r.log.Outstanding(seq) {
			n++
		}
	}
	return n
}

// Drain keeps reaping until no sent frame waits for a timestamp or DrainTimeout expires
func (r *Reaper) Drain() error {
	deadline := time.Now().Add(r.cfg.DrainTimeout)
	for r.outstanding() {
		if !time.Now().Before(deadline) {
			log.Warningf("%d frames left without transmit timestamp, falling back to software timestamps", r.missing())
			return nil
		}
		if err := r.ReapOnce(); err != nil {
			return err
		}
	}
	r.retryStash()
	if len(r.stash) > 0 {
		log.Warningf("%d transmit timestamps never matched a frame", len(r.stash))
	}
	return nil
}

// Run reaps until done is closed or ctx is cancelled, then drains
func (r *Reaper) Run(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return r.Drain()
		case <-ctx.Done():
			return r.Drain()
		default:
		}
		if err := r.ReapOnce(); err != nil {
			return err
		}
	}
}
