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

package tslog

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/isocycle/ptpmon"
)

var testMeta = Metadata{
	PacketCount:     3,
	FrameSize:       128,
	BaseTimeNS:      1000000000,
	AdvanceTimeNS:   50000,
	CycleTimeNS:     1000000,
	WindowSizeNS:    100000,
	SyncThresholdNS: 100,
	Mode:            ModeTxTime | ModeHardwareTimestamps,
}

func testLogs(t *testing.T) (*Log, *Log) {
	send := NewLog(3)
	sync := ptpmon.SyncSnapshot{
		Local:  ptpmon.PortSnapshot{State: ptpmon.PortStateSlave, OffsetNS: -12, Flags: ptpmon.FlagMonitored},
		Remote: ptpmon.UnknownPort,
	}
	require.NoError(t, send.Create(1, 1000, sync))
	require.NoError(t, send.Complete(1, 1010, OutcomeSent))
	require.Equal(t, FillOK, send.FillHardware(1, 1001))
	require.NoError(t, send.Create(2, 2000, sync))
	require.NoError(t, send.Complete(2, 2010, OutcomeSent))
	require.NoError(t, send.Create(3, 3000, ptpmon.SyncSnapshot{}))
	require.NoError(t, send.Complete(3, 0, OutcomeSkipped))

	rcv := NewLog(3)
	require.NoError(t, rcv.Append(Record{SeqID: 1, Outcome: OutcomeReceived, SoftwareNS: 1500, HardwareNS: 1400, Flags: FlagHardware}))
	require.NoError(t, rcv.Append(Record{SeqID: 2, Outcome: OutcomeReceived, SoftwareNS: 2500}))
	return send, rcv
}

func TestRecordEncoding(t *testing.T) {
	r := Record{
		SeqID:       7,
		Outcome:     OutcomeCompleted,
		Flags:       FlagHardware,
		ScheduledNS: -1,
		SoftwareNS:  2,
		HardwareNS:  3,
		Sync: ptpmon.SyncSnapshot{
			Local:  ptpmon.PortSnapshot{State: ptpmon.PortStateMaster, OffsetNS: 4, Flags: ptpmon.FlagMonitored},
			Remote: ptpmon.PortSnapshot{State: 0, OffsetNS: -5, Flags: ptpmon.FlagMonitored | ptpmon.FlagUnknown},
		},
	}
	var b [RecordSize]byte
	encodeRecord(b[:], &r)
	require.Equal(t, []byte{0, 0, 0, 7, uint8(OutcomeCompleted), 0x1 | 0x1<<1 | 0x3<<3, 6, 0}, b[:8])
	got, err := decodeRecord(b[:])
	require.NoError(t, err)
	require.Equal(t, r, got)

	_, err = decodeRecord(b[:10])
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestRecordEncodingKernelAndSys(t *testing.T) {
	r := Record{
		SeqID:      9,
		Outcome:    OutcomeCompleted,
		Flags:      FlagKernel,
		SoftwareNS: 20,
		KernelNS:   15,
		Sync: ptpmon.SyncSnapshot{
			Sys: ptpmon.ClockSnapshot{OffsetNS: -250, Flags: ptpmon.FlagMonitored},
		},
	}
	var b [RecordSize]byte
	encodeRecord(b[:], &r)
	require.Equal(t, uint8(1<<5|0x1<<6), b[5])
	got, err := decodeRecord(b[:])
	require.NoError(t, err)
	require.Equal(t, r, got)
	require.Equal(t, ProvenanceKernel, got.Provenance())
	require.False(t, got.HasHardware())
}

// rawLog builds a log file from the header, metadata and the given frames
func rawLog(t *testing.T, meta Metadata, frames ...[]byte) []byte {
	path := filepath.Join(t.TempDir(), "raw.log")
	w, err := NewWriter(path, meta)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, f := range frames {
		data = append(data, f...)
	}
	return data
}

func recordFrame(side Side, r Record) []byte {
	b := make([]byte, frameHdrLen+RecordSize)
	b[0] = uint8(side)
	binary.BigEndian.PutUint32(b[1:], RecordSize)
	encodeRecord(b[frameHdrLen:], &r)
	return b
}

func TestLoadCorruptRecords(t *testing.T) {
	good := recordFrame(SideSend, Record{SeqID: 1, Outcome: OutcomeSent})

	tests := []struct {
		name  string
		frame []byte
		want  string
	}{
		{
			name:  "huge sequence id",
			frame: recordFrame(SideSend, Record{SeqID: 0xfffffff0, Outcome: OutcomeSent}),
			want:  "sequence id 4294967280 beyond 3",
		},
		{
			name:  "zero sequence id",
			frame: recordFrame(SideReceive, Record{SeqID: 0, Outcome: OutcomeReceived}),
			want:  "receive record with sequence id 0",
		},
		{
			name:  "record of wrong size",
			frame: []byte{uint8(SideSend), 0, 0, 0, 10, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			want:  "send record of 10 bytes",
		},
		{
			name:  "huge record length",
			frame: []byte{uint8(SideSend), 0xff, 0xff, 0xff, 0xf0},
			want:  "send record of 4294967280 bytes",
		},
		{
			name:  "huge unknown frame",
			frame: []byte{42, 0x7f, 0xff, 0xff, 0xff},
			want:  "frame type 42 of 2147483647 bytes",
		},
		{
			name:  "huge metadata frame",
			frame: []byte{tagMeta, 0x10, 0, 0, 0},
			want:  "frame type 1 of 268435456 bytes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := rawLog(t, testMeta, good, tt.frame)
			_, err := Read(bytes.NewReader(data))
			require.ErrorIs(t, err, ErrBadFrame)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.log")
	w, err := NewWriter(path, testMeta)
	require.NoError(t, err)
	require.NoError(t, w.Append(SideSend, &Record{SeqID: 0xfffffff0, Outcome: OutcomeSent}))
	require.NoError(t, w.Close())

	_, err = Load(path)
	require.ErrorIs(t, err, ErrBadFrame)
	require.ErrorContains(t, err, path)
}

func TestLoadSequenceBeyondDamagedCount(t *testing.T) {
	meta := testMeta
	meta.PacketCount = 0
	// count is damaged, but records are consistent with how many there are
	data := rawLog(t, meta,
		recordFrame(SideSend, Record{SeqID: 2, Outcome: OutcomeSent}),
		recordFrame(SideSend, Record{SeqID: 1, Outcome: OutcomeSent}),
	)
	f, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 2, f.Send.Len())
	require.Equal(t, uint32(2), f.Send.MaxSeqID())
}

func TestPersistLoad(t *testing.T) {
	send, rcv := testLogs(t)
	path := filepath.Join(t.TempDir(), "session.log")
	require.NoError(t, Persist(path, testMeta, send, rcv))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, testMeta, f.Meta)
	require.Equal(t, send.Records(), f.Send.Records())
	require.Equal(t, rcv.Records(), f.Receive.Records())

	r, ok := f.Send.Lookup(2)
	require.True(t, ok)
	require.False(t, r.HasHardware())
	require.Equal(t, OutcomeSent, r.Outcome)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPersistSendOnly(t *testing.T) {
	send, _ := testLogs(t)
	path := filepath.Join(t.TempDir(), "send.log")
	require.NoError(t, Persist(path, testMeta, send, nil))
	f, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, f.Receive)
	require.Equal(t, 3, f.Send.Len())
}

func TestLoadTruncated(t *testing.T) {
	send, _ := testLogs(t)
	path := filepath.Join(t.TempDir(), "session.log")
	require.NoError(t, Persist(path, testMeta, send, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// cut in the middle of the last record
	f, err := Read(bytes.NewReader(data[:len(data)-10]))
	require.NoError(t, err)
	require.Equal(t, 2, f.Send.Len())

	// cut in the middle of a frame header
	f, err = Read(bytes.NewReader(data[:len(data)-RecordSize-2]))
	require.NoError(t, err)
	require.Equal(t, 2, f.Send.Len())
}

func TestLoadErrors(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("ISO")))
	require.ErrorIs(t, err, ErrBadHeader)

	_, err = Read(bytes.NewReader([]byte("NOPE\x00\x01\x00\x00")))
	require.ErrorIs(t, err, ErrBadHeader)

	_, err = Read(bytes.NewReader([]byte("ISOC\x00\x09\x00\x00")))
	require.ErrorContains(t, err, "unsupported log version 9")

	_, err = Read(bytes.NewReader([]byte("ISOC\x00\x01\x00\x00")))
	require.ErrorContains(t, err, "no metadata")

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestWriterStreaming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcv.log")
	w, err := NewWriter(path, testMeta)
	require.NoError(t, err)
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, w.Append(SideReceive, &Record{SeqID: seq, Outcome: OutcomeReceived, SoftwareNS: int64(seq)}))
	}
	require.Equal(t, 3, w.Count())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, w.Close())

	f, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, f.Send)
	require.Equal(t, 3, f.Receive.Len())
}
