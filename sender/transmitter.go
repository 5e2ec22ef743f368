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
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/schedule"
	"github.com/facebook/isocycle/stats"
	"github.com/facebook/isocycle/tslog"
)

// SyncSource provides the latest synchronization snapshot
type SyncSource interface {
	Latest() ptpmon.SyncSnapshot
}

// Transmitter emits one frame per cycle and records the outcome in the send log
type Transmitter struct {
	cfg       *Config
	sched     *schedule.Scheduler
	clock     schedule.Clock
	transport Transport
	framer    *Framer
	log       *tslog.Log
	sync      SyncSource
	stats     stats.Stats

	failures int
}

// NewTransmitter returns Transmitter. sync may be nil.
func NewTransmitter(cfg *Config, sched *schedule.Scheduler, clock schedule.Clock, transport Transport, framer *Framer, l *tslog.Log, sync SyncSource, st stats.Stats) *Transmitter {
	return &Transmitter{
		cfg:       cfg,
		sched:     sched,
		clock:     clock,
		transport: transport,
		framer:    framer,
		log:       l,
		sync:      sync,
		stats:     st,
	}
}

func (t *Transmitter) syncState() ptpmon.SyncSnapshot {
	if t.sync == nil {
		return ptpmon.SyncSnapshot{}
	}
	s := t.sync.Latest()
	t.stats.Set(stats.LocalOffsetNS, s.Local.OffsetNS)
	t.stats.Set(stats.RemoteOffsetNS, s.Remote.OffsetNS)
	t.stats.Set(stats.SysOffsetNS, s.Sys.OffsetNS)
	if !t.cfg.OmitSync && !s.Synchronized(t.cfg.SyncThreshold.Nanoseconds()) {
		t.stats.Inc(stats.Unsynchronized)
	}
	return s
}

// skip records a cycle whose wake instant has passed
func (t *Transmitter) skip(seq uint32, edge int64) error {
	log.Warningf("seq %d: missed wake instant by more than %v, skipping", seq, t.cfg.Slack)
	if err := t.log.Create(seq, edge, t.syncState()); err != nil {
		return fmt.Errorf("creating record %d: %w", seq, err)
	}
	t.stats.Inc(stats.Skipped)
	return t.log.Complete(seq, 0, tslog.OutcomeSkipped)
}

// Transmit sends frame for seq and returns software timestamp taken right after the send call
func (t *Transmitter) Transmit(seq uint32, edge int64) (int64, error) {
	err := t.transport.Send(t.framer.Frame(seq, edge), t.cfg.LaunchTime(edge))
	return t.clock.Now(), err
}

// cycle runs a single on-schedule cycle
func (t *Transmitter) cycle(seq uint32, edge int64) error {
	if err := t.log.Create(seq, edge, t.syncState()); err != nil {
		return fmt.Errorf("creating record %d: %w", seq, err)
	}
	sw, err := t.Transmit(seq, edge)
	if err != nil {
		t.failures++
		t.stats.Inc(stats.Failed)
		log.Warningf("seq %d: transmit failed: %v", seq, err)
		if cerr := t.log.Complete(seq, sw, tslog.OutcomeFailed); cerr != nil {
			return cerr
		}
		if t.failures >= t.cfg.MaxConsecutiveFailures {
			return fmt.Errorf("%d consecutive transmit failures, last one: %w", t.failures, err)
		}
		return nil
	}
	t.failures = 0
	t.stats.Inc(stats.Sent)
	return t.log.Complete(seq, sw, tslog.OutcomeSent)
}

// setupThread applies cpumask and scheduling policy to the calling thread
func setupThread(cfg *Config) error {
	if set := cfg.CPUSet(); set != nil {
		if err := unix.SchedSetaffinity(0, set); err != nil {
			return fmt.Errorf("setting cpumask %#x: %w", cfg.CPUMask, err)
		}
		log.Infof("transmit thread bound to cpumask %#x", cfg.CPUMask)
	}
	policy := cfg.SchedPolicy()
	if policy == unix.SCHED_NORMAL {
		return nil
	}
	attr := &unix.SchedAttr{Policy: uint32(policy), Priority: uint32(cfg.SchedPriority)}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return fmt.Errorf("setting scheduling policy %d priority %d: %w", policy, cfg.SchedPriority, err)
	}
	log.Infof("transmit thread scheduling policy %d priority %d", policy, cfg.SchedPriority)
	return nil
}

// Run drives the schedule until all cycles are done or ctx is cancelled.
// Cancellation is a normal stop and returns nil. The calling goroutine is
// locked to its thread, which gets cpumask and scheduling policy applied.
// A tuned thread stays locked and is discarded when the goroutine exits.
func (t *Transmitter) Run(ctx context.Context) error {
	runtime.LockOSThread()
	if t.cfg.CPUSet() == nil && t.cfg.SchedPolicy() == unix.SCHED_NORMAL {
		defer runtime.UnlockOSThread()
	}
	if err := setupThread(t.cfg); err != nil {
		return err
	}
	slack := t.cfg.Slack.Nanoseconds()
	for n := range t.sched.Cycles() {
		if ctx.Err() != nil {
			log.Infof("transmitter stopped after %d cycles", n)
			return nil
		}
		seq := n + 1
		edge := t.sched.Edge(n)
		t.stats.Inc(stats.Iterations)
		if t.sched.Late(n, t.clock.Now(), slack) {
			if err := t.skip(seq, edge); err != nil {
				return err
			}
			continue
		}
		if err := t.clock.SleepUntil(ctx, t.sched.Instant(n)); err != nil {
			if ctx.Err() != nil {
				log.Infof("transmitter stopped after %d cycles", n)
				return nil
			}
			return err
		}
		if err := t.cycle(seq, edge); err != nil {
			return err
		}
	}
	log.Infof("transmitter done, %d cycles", t.sched.Cycles())
	return nil
}
