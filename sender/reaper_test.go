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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/stats"
	"github.com/facebook/isocycle/timestamp"
	"github.com/facebook/isocycle/tslog"
)

// txtime drop as reported by the kernel: SO_EE_ORIGIN_TXTIME, SO_EE_CODE_TXTIME_MISSED
func txtimeDrop(launchNS int64) *timestamp.ExtendedError {
	return &timestamp.ExtendedError{
		Origin: 6,
		Code:   2,
		Info:   uint32(uint64(launchNS) >> 32),
		Data:   uint32(launchNS),
	}
}

type reaperFixture struct {
	cfg    *Config
	tr     *MockTransport
	log    *tslog.Log
	stats  *stats.JSONStats
	reaper *Reaper
	framer *Framer
}

func newReaperFixture(t *testing.T) *reaperFixture {
	ctrl := gomock.NewController(t)
	c := testConfig(t)
	c.BaseTime = testBase
	c.DrainTimeout = 50 * time.Millisecond
	sched := c.Scheduler()
	f, err := NewFramer(c, nil)
	require.NoError(t, err)
	fx := &reaperFixture{
		cfg:    c,
		tr:     NewMockTransport(ctrl),
		log:    tslog.NewLog(int(sched.Cycles())),
		stats:  stats.NewJSONStats("sender."),
		framer: f,
	}
	fx.reaper = NewReaper(c, sched, fx.tr, fx.log, fx.stats)
	return fx
}

// sent creates and completes a slot the way the transmitter does
func (fx *reaperFixture) sent(t *testing.T, seq uint32) {
	edge := fx.reaper.sched.Edge(seq - 1)
	require.NoError(t, fx.log.Create(seq, edge, ptpmon.SyncSnapshot{}))
	require.NoError(t, fx.log.Complete(seq, edge+10, tslog.OutcomeSent))
}

// looped returns error queue message for seq with a transmit timestamp
func (fx *reaperFixture) looped(seq uint32, ts timestamp.Timestamps) *timestamp.ErrQueueMessage {
	frame := fx.framer.Frame(seq, fx.reaper.sched.Edge(seq-1))
	return &timestamp.ErrQueueMessage{
		Data:       append([]byte{}, frame...),
		Timestamps: ts,
		Err:        &timestamp.ExtendedError{Errno: uint32(42), Origin: 4},
	}
}

func (fx *reaperFixture) expectMessages(msgs ...*timestamp.ErrQueueMessage) {
	prev := fx.tr.EXPECT().WaitTimestamps(fx.cfg.ReapTimeout).Return(true, nil)
	for _, m := range msgs {
		prev = fx.tr.EXPECT().ReadTimestamp().Return(m, nil).After(prev)
	}
	fx.tr.EXPECT().ReadTimestamp().Return(nil, timestamp.ErrNoMessage).After(prev)
}

func TestReaperOutOfOrder(t *testing.T) {
	fx := newReaperFixture(t)
	for seq := uint32(1); seq <= 3; seq++ {
		fx.sent(t, seq)
	}
	fx.expectMessages(
		fx.looped(3, timestamp.Timestamps{Hardware: 3003}),
		fx.looped(1, timestamp.Timestamps{Hardware: 1001}),
		fx.looped(2, timestamp.Timestamps{Hardware: 2002, Software: 2000}),
	)
	require.NoError(t, fx.reaper.ReapOnce())

	for seq, want := range map[uint32]int64{1: 1001, 2: 2002, 3: 3003} {
		r, ok := fx.log.Lookup(seq)
		require.True(t, ok)
		require.Equal(t, tslog.OutcomeCompleted, r.Outcome)
		require.Equal(t, want, r.HardwareNS)
		require.Equal(t, tslog.ProvenanceHardware, r.Provenance())
	}
	require.Equal(t, int64(3), fx.stats.Load(stats.Timestamped))
}

func TestReaperSoftwareTimestamp(t *testing.T) {
	fx := newReaperFixture(t)
	fx.cfg.Timestamping = timestamp.SW
	fx.sent(t, 1)
	fx.expectMessages(fx.looped(1, timestamp.Timestamps{Software: 777}))
	require.NoError(t, fx.reaper.ReapOnce())
	r, _ := fx.log.Lookup(1)
	require.Equal(t, tslog.OutcomeCompleted, r.Outcome)
	require.False(t, r.HasHardware())
	require.Equal(t, int64(0), r.HardwareNS)
	require.Equal(t, int64(777), r.KernelNS)
	require.Equal(t, tslog.ProvenanceKernel, r.Provenance())
	require.Equal(t, int64(777), r.Timestamp())
	require.Equal(t, int64(1), fx.stats.Load(stats.Timestamped))
}

func TestReaperHardwareModeIgnoresSoftwareTimestamp(t *testing.T) {
	fx := newReaperFixture(t)
	fx.sent(t, 1)
	fx.expectMessages(fx.looped(1, timestamp.Timestamps{Software: 777}))
	require.NoError(t, fx.reaper.ReapOnce())
	r, _ := fx.log.Lookup(1)
	require.Equal(t, tslog.OutcomeSent, r.Outcome)
	require.Zero(t, r.Flags)
	require.True(t, fx.log.Outstanding(1))
	require.Equal(t, int64(0), fx.stats.Load(stats.Timestamped))
}

func TestReaperTimestampBeforeSlot(t *testing.T) {
	fx := newReaperFixture(t)
	fx.expectMessages(fx.looped(2, timestamp.Timestamps{Hardware: 2002}))
	require.NoError(t, fx.reaper.ReapOnce())
	require.Len(t, fx.reaper.stash, 1)
	_, ok := fx.log.Lookup(2)
	require.False(t, ok)

	fx.sent(t, 1)
	fx.sent(t, 2)
	fx.tr.EXPECT().WaitTimestamps(fx.cfg.ReapTimeout).Return(false, nil)
	require.NoError(t, fx.reaper.ReapOnce())
	require.Empty(t, fx.reaper.stash)
	r, _ := fx.log.Lookup(2)
	require.Equal(t, int64(2002), r.HardwareNS)
	require.Equal(t, tslog.OutcomeCompleted, r.Outcome)
}

func TestReaperDuplicate(t *testing.T) {
	fx := newReaperFixture(t)
	fx.sent(t, 1)
	fx.expectMessages(
		fx.looped(1, timestamp.Timestamps{Hardware: 1001}),
		fx.looped(1, timestamp.Timestamps{Hardware: 9999}),
	)
	require.NoError(t, fx.reaper.ReapOnce())
	r, _ := fx.log.Lookup(1)
	require.Equal(t, int64(1001), r.HardwareNS)
	require.Equal(t, int64(1), fx.stats.Load(stats.Duplicate))
	require.Equal(t, int64(1), fx.stats.Load(stats.Timestamped))
}

func TestReaperDropped(t *testing.T) {
	fx := newReaperFixture(t)
	fx.cfg.TxTime = true
	fx.sent(t, 1)
	fx.sent(t, 2)

	m := fx.looped(1, timestamp.Timestamps{})
	m.Err = txtimeDrop(fx.reaper.sched.Edge(0))
	// payload is unusable, the launch time identifies the frame
	garbled := &timestamp.ErrQueueMessage{Data: []byte{1, 2, 3}, Err: txtimeDrop(fx.reaper.sched.Edge(1))}
	fx.expectMessages(m, garbled)
	require.NoError(t, fx.reaper.ReapOnce())

	for _, seq := range []uint32{1, 2} {
		r, _ := fx.log.Lookup(seq)
		require.Equal(t, tslog.OutcomeDropped, r.Outcome)
		require.False(t, fx.log.Outstanding(seq))
	}
	require.Equal(t, int64(2), fx.stats.Load(stats.Dropped))
}

func TestReaperUndecodable(t *testing.T) {
	fx := newReaperFixture(t)
	fx.sent(t, 1)
	fx.expectMessages(&timestamp.ErrQueueMessage{Data: make([]byte, 64), Timestamps: timestamp.Timestamps{Hardware: 5}})
	require.NoError(t, fx.reaper.ReapOnce())
	require.True(t, fx.log.Outstanding(1))
	require.Equal(t, int64(1), fx.stats.Load(stats.Undecodable))
}

func TestReaperReadError(t *testing.T) {
	fx := newReaperFixture(t)
	readErr := errors.New("bad file descriptor")
	gomock.InOrder(
		fx.tr.EXPECT().WaitTimestamps(gomock.Any()).Return(true, nil),
		fx.tr.EXPECT().ReadTimestamp().Return(nil, readErr),
	)
	require.ErrorIs(t, fx.reaper.ReapOnce(), readErr)
}

func TestReaperDrainCollectsLateTimestamps(t *testing.T) {
	fx := newReaperFixture(t)
	fx.sent(t, 1)
	fx.sent(t, 2)
	done := make(chan struct{})
	close(done)
	gomock.InOrder(
		fx.tr.EXPECT().WaitTimestamps(gomock.Any()).Return(false, nil),
		fx.tr.EXPECT().WaitTimestamps(gomock.Any()).Return(true, nil),
		fx.tr.EXPECT().ReadTimestamp().Return(fx.looped(2, timestamp.Timestamps{Hardware: 2002}), nil),
		fx.tr.EXPECT().ReadTimestamp().Return(fx.looped(1, timestamp.Timestamps{Hardware: 1001}), nil),
		fx.tr.EXPECT().ReadTimestamp().Return(nil, timestamp.ErrNoMessage),
	)
	require.NoError(t, fx.reaper.Run(context.Background(), done))
	for _, r := range fx.log.Records() {
		require.Equal(t, tslog.OutcomeCompleted, r.Outcome)
	}
}

func TestReaperDrainTimeout(t *testing.T) {
	fx := newReaperFixture(t)
	fx.sent(t, 1)
	fx.sent(t, 2)
	first := true
	fx.tr.EXPECT().WaitTimestamps(gomock.Any()).AnyTimes().DoAndReturn(func(d time.Duration) (bool, error) {
		if first {
			first = false
			return true, nil
		}
		time.Sleep(d)
		return false, nil
	})
	gomock.InOrder(
		fx.tr.EXPECT().ReadTimestamp().Return(fx.looped(1, timestamp.Timestamps{Hardware: 1001}), nil),
		fx.tr.EXPECT().ReadTimestamp().Return(nil, timestamp.ErrNoMessage),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, fx.reaper.Run(ctx, nil))
	require.GreaterOrEqual(t, time.Since(start), fx.cfg.DrainTimeout)

	r, _ := fx.log.Lookup(1)
	require.Equal(t, tslog.OutcomeCompleted, r.Outcome)
	// degrades to software timestamp
	r, _ = fx.log.Lookup(2)
	require.Equal(t, tslog.OutcomeSent, r.Outcome)
	require.Equal(t, tslog.ProvenanceSoftware, r.Provenance())
	require.Equal(t, r.SoftwareNS, r.Timestamp())
}

func TestReaperRunUntilDone(t *testing.T) {
	fx := newReaperFixture(t)
	done := make(chan struct{})
	waits := 0
	fx.tr.EXPECT().WaitTimestamps(gomock.Any()).MinTimes(3).DoAndReturn(func(time.Duration) (bool, error) {
		waits++
		if waits == 3 {
			close(done)
		}
		return false, nil
	})
	require.NoError(t, fx.reaper.Run(context.Background(), done))
}
