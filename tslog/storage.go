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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/isocycle/ptpmon"
)

// file layout: header, metadata frame, record frames.
// frame: [1 byte tag][4 bytes length][length bytes payload], big endian.
const (
	fileMagic   = "ISOC"
	fileVersion = uint16(2)
	headerLen   = 8
	frameHdrLen = 5
	// RecordSize is the size of an encoded record
	RecordSize = 64
	// maxFrameLen bounds frames of unknown type and metadata
	maxFrameLen = 4096
)

// Side tells which log a record belongs to
type Side uint8

// frame tags
const (
	tagMeta     uint8 = 1
	SideSend    Side  = 2
	SideReceive Side  = 3
)

func (s Side) String() string {
	if s == SideReceive {
		return "receive"
	}
	return "send"
}

// errors returned by Read
var (
	ErrBadHeader = errors.New("not a timestamp log")
	ErrBadFrame  = errors.New("corrupt frame")
)

// File is a loaded log file
type File struct {
	Meta    Metadata
	Send    *Log
	Receive *Log
}

// record flag bits on disk, sync snapshot flags are packed next to FlagHardware
const (
	localFlagsShift  = 1
	remoteFlagsShift = 3
	diskFlagKernel   = 1 << 5
	sysFlagsShift    = 6
	snapshotFlagMask = 0x3
)

func encodeRecord(b []byte, r *Record) {
	flags := uint8(r.Flags & FlagHardware)
	if r.HasKernel() {
		flags |= diskFlagKernel
	}
	flags |= (uint8(r.Sync.Local.Flags) & snapshotFlagMask) << localFlagsShift
	flags |= (uint8(r.Sync.Remote.Flags) & snapshotFlagMask) << remoteFlagsShift
	flags |= (uint8(r.Sync.Sys.Flags) & snapshotFlagMask) << sysFlagsShift
	binary.BigEndian.PutUint32(b[0:], r.SeqID)
	b[4] = uint8(r.Outcome)
	b[5] = flags
	b[6] = uint8(r.Sync.Local.State)
	b[7] = uint8(r.Sync.Remote.State)
	binary.BigEndian.PutUint64(b[8:], uint64(r.ScheduledNS))
	binary.BigEndian.PutUint64(b[16:], uint64(r.SoftwareNS))
	binary.BigEndian.PutUint64(b[24:], uint64(r.HardwareNS))
	binary.BigEndian.PutUint64(b[32:], uint64(r.Sync.Local.OffsetNS))
	binary.BigEndian.PutUint64(b[40:], uint64(r.Sync.Remote.OffsetNS))
	binary.BigEndian.PutUint64(b[48:], uint64(r.KernelNS))
	binary.BigEndian.PutUint64(b[56:], uint64(r.Sync.Sys.OffsetNS))
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) != RecordSize {
		return Record{}, fmt.Errorf("%w: record of %d bytes, expected %d", ErrBadFrame, len(b), RecordSize)
	}
	flags := b[5]
	r := Record{
		SeqID:       binary.BigEndian.Uint32(b[0:]),
		Outcome:     Outcome(b[4]),
		Flags:       Flags(flags) & FlagHardware,
		ScheduledNS: int64(binary.BigEndian.Uint64(b[8:])),
		SoftwareNS:  int64(binary.BigEndian.Uint64(b[16:])),
		HardwareNS:  int64(binary.BigEndian.Uint64(b[24:])),
		KernelNS:    int64(binary.BigEndian.Uint64(b[48:])),
		Sync: ptpmon.SyncSnapshot{
			Local: ptpmon.PortSnapshot{
				State:    ptpmon.PortState(b[6]),
				OffsetNS: int64(binary.BigEndian.Uint64(b[32:])),
				Flags:    ptpmon.SnapshotFlags((flags >> localFlagsShift) & snapshotFlagMask),
			},
			Remote: ptpmon.PortSnapshot{
				State:    ptpmon.PortState(b[7]),
				OffsetNS: int64(binary.BigEndian.Uint64(b[40:])),
				Flags:    ptpmon.SnapshotFlags((flags >> remoteFlagsShift) & snapshotFlagMask),
			},
			Sys: ptpmon.ClockSnapshot{
				OffsetNS: int64(binary.BigEndian.Uint64(b[56:])),
				Flags:    ptpmon.SnapshotFlags((flags >> sysFlagsShift) & snapshotFlagMask),
			},
		},
	}
	if flags&diskFlagKernel != 0 {
		r.Flags |= FlagKernel
	}
	return r, nil
}

// Writer streams records into a log file. Data becomes visible under the
// final name only on Close.
type Writer struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	count  int
}

// NewWriter creates a temporary file next to path and writes header and metadata to it
func NewWriter(path string, meta Metadata) (*Writer, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	w := &Writer{path: path, file: f, writer: bufio.NewWriterSize(f, 1<<16)}

	var hdr [headerLen]byte
	copy(hdr[:], fileMagic)
	binary.BigEndian.PutUint16(hdr[4:], fileVersion)
	if _, err := w.writer.Write(hdr[:]); err != nil {
		w.abort()
		return nil, err
	}
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, &meta); err != nil {
		w.abort()
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := w.frame(tagMeta, b.Bytes()); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (w *Writer) frame(tag uint8, payload []byte) error {
	var hdr [frameHdrLen]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.writer.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.writer.Write(payload)
	return err
}

// Append writes a record of the given side
func (w *Writer) Append(side Side, r *Record) error {
	var b [RecordSize]byte
	encodeRecord(b[:], r)
	if err := w.frame(uint8(side), b[:]); err != nil {
		return fmt.Errorf("writing record %d: %w", r.SeqID, err)
	}
	w.count++
	return nil
}

// Count returns number of records written
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) abort() {
	w.file.Close()
	os.Remove(w.file.Name())
}

// Close flushes and syncs data and moves the file to its final name
func (w *Writer) Close() error {
	if err := w.writer.Flush(); err != nil {
		w.abort()
		return fmt.Errorf("flushing %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return err
	}
	if err := os.Chmod(w.file.Name(), 0644); err != nil {
		log.Warningf("setting permissions on %s: %v", w.path, err)
	}
	if err := os.Rename(w.file.Name(), w.path); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("renaming to %s: %w", w.path, err)
	}
	log.Debugf("wrote %d records to %s", w.count, w.path)
	return nil
}

// Persist writes both logs to path. Either log can be nil.
func Persist(path string, meta Metadata, send, receive *Log) error {
	w, err := NewWriter(path, meta)
	if err != nil {
		return err
	}
	for _, l := range []struct {
		side Side
		log  *Log
	}{{SideSend, send}, {SideReceive, receive}} {
		if l.log == nil {
			continue
		}
		for _, r := range l.log.Records() {
			if err := w.Append(l.side, &r); err != nil {
				w.abort()
				return err
			}
		}
	}
	return w.Close()
}

// Load reads log file. A truncated trailing frame is dropped.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	res, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return res, nil
}

// Read decodes log from reader
func Read(r io.Reader) (*File, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if string(hdr[:4]) != fileMagic {
		return nil, ErrBadHeader
	}
	if v := binary.BigEndian.Uint16(hdr[4:]); v != fileVersion {
		return nil, fmt.Errorf("unsupported log version %d", v)
	}

	res := &File{}
	var pending []Record
	var sides []Side
	haveMeta := false
	for {
		var fh [frameHdrLen]byte
		if _, err := io.ReadFull(r, fh[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warning("truncated frame header at the end of log, ignoring")
				break
			}
			return nil, err
		}
		tag := fh[0]
		size := binary.BigEndian.Uint32(fh[1:])
		switch {
		case (tag == uint8(SideSend) || tag == uint8(SideReceive)) && size != RecordSize:
			return nil, fmt.Errorf("%w: %s record of %d bytes, expected %d", ErrBadFrame, Side(tag), size, RecordSize)
		case size > maxFrameLen:
			return nil, fmt.Errorf("%w: frame type %d of %d bytes", ErrBadFrame, tag, size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warning("truncated frame at the end of log, ignoring")
				break
			}
			return nil, err
		}
		switch tag {
		case tagMeta:
			if err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &res.Meta); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
			haveMeta = true
		case uint8(SideSend), uint8(SideReceive):
			rec, err := decodeRecord(payload)
			if err != nil {
				return nil, err
			}
			if rec.SeqID == 0 {
				return nil, fmt.Errorf("%w: %s record with sequence id 0", ErrBadFrame, Side(tag))
			}
			pending = append(pending, rec)
			sides = append(sides, Side(tag))
		default:
			log.Warningf("skipping unknown frame type %d", tag)
		}
	}
	if !haveMeta {
		return nil, errors.New("log has no metadata")
	}

	// sequence ids never exceed the packet count, unless the count itself is damaged
	limit := max(res.Meta.PacketCount, uint32(len(pending)))
	capacity := 0
	for i, r := range pending {
		if r.SeqID > limit {
			return nil, fmt.Errorf("%w: %s record with sequence id %d beyond %d", ErrBadFrame, sides[i], r.SeqID, limit)
		}
		capacity = max(capacity, int(r.SeqID))
	}
	for i, rec := range pending {
		l := &res.Send
		if sides[i] == SideReceive {
			l = &res.Receive
		}
		if *l == nil {
			*l = NewLog(capacity)
		}
		if err := (*l).Append(rec); err != nil {
			return nil, fmt.Errorf("%s record %d: %w", sides[i], rec.SeqID, err)
		}
	}
	return res, nil
}
