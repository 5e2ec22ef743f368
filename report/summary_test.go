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

package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/isocycle/ptpmon"
	"github.com/facebook/isocycle/tslog"
)

func summarize(t *testing.T, meta tslog.Metadata, opts Options, send, rcv *tslog.Log) *Summary {
	c, err := Correlate(send, rcv, meta.PacketCount, 0, 0)
	require.NoError(t, err)
	r, err := NewReporter(meta, opts)
	require.NoError(t, err)
	s, err := r.Summarize(c)
	require.NoError(t, err)
	return s
}

func TestTracker(t *testing.T) {
	tr := NewTracker[int64]()
	require.Equal(t, Stat{}, tr.Stat())
	for _, v := range []int64{4, 2, 6} {
		tr.Add(v)
	}
	s := tr.Stat()
	require.Equal(t, 3, s.Count)
	require.Equal(t, 2.0, s.Min)
	require.Equal(t, 6.0, s.Max)
	require.InDelta(t, 4.0, s.Mean, 1e-9)
	require.InDelta(t, 2.0, s.Stddev, 1e-9)
}

func TestSummaryIdenticalValues(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 10, SyncThresholdNS: 100}
	send := buildLog(t, 10, seqRange(1, 10), sendRecord)
	rcv := buildLog(t, 10, seqRange(1, 10), fixedDelay(2500))

	s := summarize(t, meta, Options{}, send, rcv)
	require.False(t, s.NoData())
	require.Equal(t, 10, s.Pairs)
	require.Equal(t, 10, s.Included)
	require.Equal(t, Stat{Count: 10, Min: 2500, Max: 2500, Mean: 2500}, s.PathDelay)
	require.Equal(t, 500.0, s.ScheduleDeviation.Mean)
	require.Zero(t, s.ScheduleDeviation.Stddev)
}

func TestSummaryUnsynchronized(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 10, SyncThresholdNS: 100}
	send := buildLog(t, 10, seqRange(1, 10), func(seq uint32) tslog.Record {
		r := sendRecord(seq)
		r.Sync = unsynced
		return r
	})
	rcv := buildLog(t, 10, seqRange(1, 10), fixedDelay(2500))

	s := summarize(t, meta, Options{}, send, rcv)
	require.True(t, s.NoData())
	require.Equal(t, 0, s.Included)
	require.Equal(t, 10, s.Unsynchronized)
	require.Equal(t, 0, s.PathDelay.Count)

	meta.Mode = tslog.ModeOmitSync
	s = summarize(t, meta, Options{}, send, rcv)
	require.Equal(t, 10, s.Included)
	require.Equal(t, 0, s.Unsynchronized)
}

func TestSummaryNoData(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 3}
	send := buildLog(t, 3, seqRange(1, 3), sendRecord)

	s := summarize(t, meta, Options{}, send, nil)
	require.True(t, s.NoData())
	require.Equal(t, 3, s.Gaps)
	require.Equal(t, 3, s.SendOnly)
	require.Equal(t, Stat{}, s.PathDelay)

	var b bytes.Buffer
	require.NoError(t, PrintSummary(&b, s, meta))
	require.Contains(t, b.String(), "no data")
	require.Contains(t, b.String(), "3 frames lost")
}

func TestSummaryOutcomesAndFilter(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 6, Mode: tslog.ModeGated, WindowSizeNS: 600}
	send := buildLog(t, 6, seqRange(1, 6), func(seq uint32) tslog.Record {
		r := sendRecord(seq)
		switch seq {
		case 2:
			r.Outcome = tslog.OutcomeSkipped
			r.Flags = 0
		case 3:
			r.Outcome = tslog.OutcomeDropped
		case 6:
			r.HardwareNS = r.ScheduledNS + 700
		}
		return r
	})
	rcv := buildLog(t, 6, []uint32{1, 4, 5, 6}, func(seq uint32) tslog.Record {
		r := rcvRecord(seq, int64(seq)*1000)
		if seq == 5 {
			r.Flags = 0
		}
		return r
	})

	s := summarize(t, meta, Options{Where: "path_delay < 6000"}, send, rcv)
	require.Equal(t, 4, s.Pairs)
	require.Equal(t, 2, s.Gaps)
	require.Equal(t, 1, s.Skipped)
	require.Equal(t, 1, s.Dropped)
	// seq 5 has path delay 7000 from its software rx timestamp
	require.Equal(t, 1, s.Filtered)
	require.Equal(t, 3, s.Included)
	require.Equal(t, 1, s.OutOfWindow)
	require.Equal(t, 0, s.SoftwareOnly)
	require.Equal(t, 1000.0, s.PathDelay.Min)
}

func TestReporterOptions(t *testing.T) {
	_, err := NewReporter(tslog.Metadata{}, Options{Template: "%d %d", Fields: "seqid"})
	require.ErrorIs(t, err, ErrVerbCount)
	_, err = NewReporter(tslog.Metadata{}, Options{Where: "bogus == 1"})
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestPrintPackets(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 5, SyncThresholdNS: 100}
	send := buildLog(t, 5, seqRange(1, 5), func(seq uint32) tslog.Record {
		r := sendRecord(seq)
		if seq == 2 {
			r.Sync = unsynced
		}
		return r
	})
	rcv := buildLog(t, 5, seqRange(1, 4), fixedDelay(1000))
	c, err := Correlate(send, rcv, 5, 0, 0)
	require.NoError(t, err)

	r, err := NewReporter(meta, Options{Template: `%d %d%s\n`, Fields: "seqid,path_delay,unsync_mark", Where: "seqid != 3"})
	require.NoError(t, err)
	var b bytes.Buffer
	n, err := r.PrintPackets(&b, c)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "1 1000\n2 1000 [unsynchronized]\n4 1000\nseqid 5 gap: send only, completed\n", b.String())
}

func TestPrintPacketsGaps(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 6}
	send := buildLog(t, 6, []uint32{1, 2, 3, 5, 6}, func(seq uint32) tslog.Record {
		r := sendRecord(seq)
		if seq == 6 {
			r.Outcome = tslog.OutcomeSkipped
		}
		return r
	})
	rcv := buildLog(t, 6, []uint32{1, 2, 4}, fixedDelay(1000))
	c, err := Correlate(send, rcv, 6, 0, 0)
	require.NoError(t, err)
	require.Len(t, c.Gaps, 4)

	r, err := NewReporter(meta, Options{Template: `%d\n`, Fields: "seqid"})
	require.NoError(t, err)
	var b bytes.Buffer
	n, err := r.PrintPackets(&b, c)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	want := "1\n2\n" +
		"seqid 3 gap: send only, completed\n" +
		"seqid 4 gap: receive only\n" +
		"seqid 5 gap: send only, completed\n" +
		"seqid 6 gap: send only, skipped\n"
	require.Equal(t, want, b.String())
}

func TestPrintPacketsTrailingGap(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 5}
	send := buildLog(t, 5, seqRange(1, 5), sendRecord)
	rcv := buildLog(t, 5, seqRange(1, 4), fixedDelay(1000))
	c, err := Correlate(send, rcv, 5, 0, 0)
	require.NoError(t, err)

	r, err := NewReporter(meta, Options{})
	require.NoError(t, err)
	var b bytes.Buffer
	n, err := r.PrintPackets(&b, c)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	lines := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	require.Equal(t, "seqid 5 gap: send only, completed", lines[4])
}

func TestPrintJSON(t *testing.T) {
	s := &Summary{Start: 1, Stop: 2, Pairs: 2, Included: 2, PathDelay: Stat{Count: 2, Min: 1, Max: 3, Mean: 2, Stddev: 1.4142}}
	var b bytes.Buffer
	require.NoError(t, PrintJSON(&b, s))

	got := map[string]any{}
	require.NoError(t, json.Unmarshal(b.Bytes(), &got))
	require.Equal(t, false, got["no_data"])
	require.Equal(t, 2.0, got["included"])
	require.Equal(t, 3.0, got["path_delay_ns"].(map[string]any)["max"])
}

// kernelRecord turns a record into one timestamped by the kernel only
func kernelRecord(r tslog.Record) tslog.Record {
	r.KernelNS = r.HardwareNS
	r.HardwareNS = 0
	r.Flags = tslog.FlagKernel
	return r
}

func TestSummaryKernelTimestamps(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 5, SyncThresholdNS: 100}
	send := buildLog(t, 5, seqRange(1, 5), func(seq uint32) tslog.Record {
		return kernelRecord(sendRecord(seq))
	})
	rcv := buildLog(t, 5, seqRange(1, 5), func(seq uint32) tslog.Record {
		return kernelRecord(rcvRecord(seq, 1500))
	})
	c, err := Correlate(send, rcv, 5, 0, 0)
	require.NoError(t, err)

	m := Compute(c.Pairs[0], meta)
	require.Equal(t, int64(1500), m.PathDelayNS)
	require.Equal(t, int64(500), m.ScheduleDeviationNS)
	require.True(t, m.SoftwareOnly())
	require.Equal(t, tslog.ProvenanceKernel, m.Send.Provenance())

	s := summarize(t, meta, Options{}, send, rcv)
	require.Equal(t, 5, s.Included)
	require.Equal(t, 5, s.SoftwareOnly)
	require.Equal(t, Stat{Count: 5, Min: 1500, Max: 1500, Mean: 1500}, s.PathDelay)

	r, err := NewReporter(meta, Options{Template: `%s %s %d %d\n`, Fields: "tx_src,rx_src,tx_hw,tx_kernel", Where: "seqid == 1"})
	require.NoError(t, err)
	var b bytes.Buffer
	n, err := r.PrintPackets(&b, c)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "kernel kernel 0 1000000500\n", b.String())
}

func TestSummarySysOffset(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 4, SyncThresholdNS: 100}
	send := buildLog(t, 4, seqRange(1, 4), func(seq uint32) tslog.Record {
		r := sendRecord(seq)
		r.Sync.Sys = ptpmon.ClockSnapshot{OffsetNS: 50, Flags: ptpmon.FlagMonitored}
		switch seq {
		case 2:
			r.Sync.Sys.OffsetNS = -150
		case 3:
			r.Sync.Sys = ptpmon.UnknownClock
		}
		return r
	})
	rcv := buildLog(t, 4, seqRange(1, 4), func(seq uint32) tslog.Record {
		r := rcvRecord(seq, 1000)
		if seq == 4 {
			r.Sync.Sys = ptpmon.ClockSnapshot{OffsetNS: 101, Flags: ptpmon.FlagMonitored}
		}
		return r
	})

	s := summarize(t, meta, Options{}, send, rcv)
	require.Equal(t, 1, s.Included)
	require.Equal(t, 3, s.Unsynchronized)

	r, err := NewReporter(meta, Options{Template: `%d %d\n`, Fields: "sys_offset,rx_sys_offset", Where: "seqid == 4"})
	require.NoError(t, err)
	c, err := Correlate(send, rcv, 4, 0, 0)
	require.NoError(t, err)
	var b bytes.Buffer
	_, err = r.PrintPackets(&b, c)
	require.NoError(t, err)
	require.Equal(t, "50 101\n", b.String())
}

func TestSummaryOmitRemoteSync(t *testing.T) {
	meta := tslog.Metadata{PacketCount: 3, SyncThresholdNS: 100}
	send := buildLog(t, 3, seqRange(1, 3), func(seq uint32) tslog.Record {
		r := sendRecord(seq)
		switch seq {
		case 2:
			r.Sync.Remote = ptpmon.UnknownPort
		case 3:
			r.Sync.Local = unsynced.Local
		}
		return r
	})
	rcv := buildLog(t, 3, seqRange(1, 3), func(seq uint32) tslog.Record {
		r := rcvRecord(seq, 1000)
		r.Sync = unsynced
		return r
	})

	s := summarize(t, meta, Options{}, send, rcv)
	require.Equal(t, 3, s.Unsynchronized)

	meta.Mode = tslog.ModeOmitRemoteSync
	s = summarize(t, meta, Options{}, send, rcv)
	require.Equal(t, 2, s.Included)
	// the sender's own port still counts
	require.Equal(t, 1, s.Unsynchronized)
}
