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
	"fmt"
	"io"
	"math"

	"github.com/eclesh/welford"
	"golang.org/x/exp/constraints"

	"github.com/facebook/isocycle/tslog"
)

type number interface {
	constraints.Integer | constraints.Float
}

// Tracker accumulates count, extremes and running mean/stddev
type Tracker[T number] struct {
	n        int
	min, max T
	w        *welford.Stats
}

// NewTracker returns empty tracker
func NewTracker[T number]() *Tracker[T] {
	return &Tracker[T]{w: welford.New()}
}

// Add adds a value
func (t *Tracker[T]) Add(v T) {
	if t.n == 0 || v < t.min {
		t.min = v
	}
	if t.n == 0 || v > t.max {
		t.max = v
	}
	t.n++
	t.w.Add(float64(v))
}

// Stat returns the accumulated statistics
func (t *Tracker[T]) Stat() Stat {
	s := Stat{Count: t.n}
	if t.n == 0 {
		return s
	}
	s.Min = float64(t.min)
	s.Max = float64(t.max)
	s.Mean = t.w.Mean()
	if t.n > 1 {
		s.Stddev = t.w.Stddev()
	}
	if math.IsNaN(s.Stddev) {
		s.Stddev = 0
	}
	return s
}

// Stat is a summary of one metric
type Stat struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
}

// Summary is an aggregate over a correlated range
type Summary struct {
	Start uint32 `json:"start"`
	Stop  uint32 `json:"stop"`

	// pairs found in both logs
	Pairs int `json:"pairs"`
	// pairs which made it into the statistics
	Included int `json:"included"`
	// pairs excluded because either end was not synchronized
	Unsynchronized int `json:"unsynchronized"`
	// pairs excluded by the filter expression
	Filtered int `json:"filtered"`
	// sequence ids missing on at least one side
	Gaps         int `json:"gaps"`
	SendOnly     int `json:"send_only"`
	ReceiveOnly  int `json:"receive_only"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Dropped      int `json:"dropped"`
	SoftwareOnly int `json:"software_only"`
	OutOfWindow  int `json:"out_of_window"`

	PathDelay         Stat `json:"path_delay_ns"`
	ScheduleDeviation Stat `json:"schedule_deviation_ns"`
}

// NoData reports if nothing was included in the statistics
func (s *Summary) NoData() bool {
	return s.Included == 0
}

// Reporter turns a correlation into per packet lines or a summary
type Reporter struct {
	meta      tslog.Metadata
	formatter *Formatter
	filter    *Filter
}

// Options control what gets reported
type Options struct {
	Template string
	Fields   string
	Where    string
}

// NewReporter validates the template and the filter before anything is printed
func NewReporter(meta tslog.Metadata, opts Options) (*Reporter, error) {
	r := &Reporter{meta: meta}
	if opts.Template == "" {
		opts.Template = DefaultTemplate
		if opts.Fields == "" {
			opts.Fields = DefaultFields
		}
	}
	f, err := NewFormatter(opts.Template, opts.Fields)
	if err != nil {
		return nil, fmt.Errorf("bad printf format: %w", err)
	}
	r.formatter = f
	if r.filter, err = NewFilter(opts.Where); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reporter) countOutcome(s *Summary, o tslog.Outcome) {
	switch o {
	case tslog.OutcomeSkipped:
		s.Skipped++
	case tslog.OutcomeFailed:
		s.Failed++
	case tslog.OutcomeDropped:
		s.Dropped++
	}
}

// Summarize aggregates all pairs of c
func (r *Reporter) Summarize(c *Correlation) (*Summary, error) {
	s := &Summary{Start: c.Start, Stop: c.Stop, Pairs: len(c.Pairs), Gaps: len(c.Gaps)}
	pathDelay := NewTracker[int64]()
	schedDev := NewTracker[int64]()
	gated := r.meta.Mode.Has(tslog.ModeGated)
	for _, g := range c.Gaps {
		switch g.Kind {
		case GapSendOnly:
			s.SendOnly++
			r.countOutcome(s, g.Record.Outcome)
		case GapReceiveOnly:
			s.ReceiveOnly++
		}
	}
	for _, p := range c.Pairs {
		r.countOutcome(s, p.Send.Outcome)
		m := Compute(p, r.meta)
		if !m.Synchronized {
			s.Unsynchronized++
			continue
		}
		ok, err := r.filter.Match(&m)
		if err != nil {
			return nil, fmt.Errorf("seqid %d: %w", p.Send.SeqID, err)
		}
		if !ok {
			s.Filtered++
			continue
		}
		s.Included++
		pathDelay.Add(m.PathDelayNS)
		schedDev.Add(m.ScheduleDeviationNS)
		if m.SoftwareOnly() {
			s.SoftwareOnly++
		}
		if gated && !m.InWindow {
			s.OutOfWindow++
		}
	}
	s.PathDelay = pathDelay.Stat()
	s.ScheduleDeviation = schedDev.Stat()
	return s, nil
}

// PrintPackets writes one line per pair passing the filter and one line per
// gap, in sequence order. Filters don't apply to gaps. Returns number of pair
// lines written.
func (r *Reporter) PrintPackets(w io.Writer, c *Correlation) (int, error) {
	n := 0
	gaps := c.Gaps
	flushGaps := func(before uint32) error {
		for len(gaps) > 0 && gaps[0].SeqID < before {
			if _, err := fmt.Fprintln(w, gaps[0].String()); err != nil {
				return err
			}
			gaps = gaps[1:]
		}
		return nil
	}
	for _, p := range c.Pairs {
		if err := flushGaps(p.Send.SeqID); err != nil {
			return n, err
		}
		m := Compute(p, r.meta)
		ok, err := r.filter.Match(&m)
		if err != nil {
			return n, fmt.Errorf("seqid %d: %w", p.Send.SeqID, err)
		}
		if !ok {
			continue
		}
		if err := r.formatter.Fprint(w, &m); err != nil {
			return n, err
		}
		n++
	}
	return n, flushGaps(c.Stop + 1)
}
