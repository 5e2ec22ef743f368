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

/*
Package report correlates send and receive timestamp logs and derives per
packet metrics and summary statistics from them.
*/
package report

import (
	"errors"
	"fmt"

	"github.com/facebook/isocycle/tslog"
)

// ErrOutOfRange is returned for index ranges the logs can't satisfy
var ErrOutOfRange = errors.New("index range out of range")

// GapKind tells which side misses a record
type GapKind uint8

// Gap kinds
const (
	GapSendOnly GapKind = iota
	GapReceiveOnly
	GapBoth
)

func (g GapKind) String() string {
	switch g {
	case GapSendOnly:
		return "send only"
	case GapReceiveOnly:
		return "receive only"
	case GapBoth:
		return "missing"
	}
	return "unknown"
}

// Pair is a send and a receive record with the same sequence id
type Pair struct {
	Send    tslog.Record
	Receive tslog.Record
}

// Gap is a sequence id in range without a pair
type Gap struct {
	SeqID uint32
	Kind  GapKind
	// record present on the other side, if any
	Record tslog.Record
}

func (g Gap) String() string {
	if g.Kind == GapSendOnly {
		return fmt.Sprintf("seqid %d gap: %s, %s", g.SeqID, g.Kind, g.Record.Outcome)
	}
	return fmt.Sprintf("seqid %d gap: %s", g.SeqID, g.Kind)
}

// Correlation is the result of zipping two logs over an index range
type Correlation struct {
	Start uint32
	Stop  uint32
	Pairs []Pair
	Gaps  []Gap
}

func maxSeqID(l *tslog.Log) uint32 {
	if l == nil {
		return 0
	}
	return l.MaxSeqID()
}

func lookup(l *tslog.Log, seq uint32) (tslog.Record, bool) {
	if l == nil {
		return tslog.Record{}, false
	}
	return l.Lookup(seq)
}

// Correlate pairs records of send and rcv by sequence id over the inclusive
// range [start, stop]. Zero start means 1, zero stop means packetCount.
// Either log may be nil.
func Correlate(send, rcv *tslog.Log, packetCount, start, stop uint32) (*Correlation, error) {
	if start == 0 {
		start = 1
	}
	if stop == 0 {
		stop = packetCount
	}
	if start > stop {
		return nil, fmt.Errorf("%w: start %d is after stop %d", ErrOutOfRange, start, stop)
	}
	if last := max(maxSeqID(send), maxSeqID(rcv)); stop > last {
		return nil, fmt.Errorf("%w: stop %d is beyond the last sequence id %d", ErrOutOfRange, stop, last)
	}
	c := &Correlation{Start: start, Stop: stop}
	for seq := start; seq <= stop; seq++ {
		s, sok := lookup(send, seq)
		r, rok := lookup(rcv, seq)
		switch {
		case sok && rok:
			c.Pairs = append(c.Pairs, Pair{Send: s, Receive: r})
		case sok:
			c.Gaps = append(c.Gaps, Gap{SeqID: seq, Kind: GapSendOnly, Record: s})
		case rok:
			c.Gaps = append(c.Gaps, Gap{SeqID: seq, Kind: GapReceiveOnly, Record: r})
		default:
			c.Gaps = append(c.Gaps, Gap{SeqID: seq, Kind: GapBoth})
		}
	}
	return c, nil
}
