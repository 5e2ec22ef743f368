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
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/isocycle/ptpmon"
)

// default per packet output
const (
	DefaultTemplate = `seqid %d tx %d (%s) rx %d (%s) path delay %d sched dev %d%s\n`
	DefaultFields   = "seqid,tx,tx_src,rx,rx_src,path_delay,sched_dev,unsync_mark"
)

// template validation errors
var (
	ErrUnknownField = errors.New("unknown field")
	ErrVerbCount    = errors.New("number of verbs does not match number of fields")
	ErrBadVerb      = errors.New("unsupported verb")
)

const unsyncMark = " [unsynchronized]"

// field is a value that can be printed or filtered on
type field struct {
	help  string
	value func(m *Metrics) any
}

var fields = map[string]field{
	"seqid":     {"sequence id", func(m *Metrics) any { return m.Send.SeqID }},
	"scheduled": {"schedule edge, ns", func(m *Metrics) any { return m.Send.ScheduledNS }},
	"outcome":   {"send outcome", func(m *Metrics) any { return m.Send.Outcome.String() }},

	"tx":        {"send timestamp, hardware preferred, ns", func(m *Metrics) any { return m.Send.Timestamp() }},
	"tx_sw":     {"send software timestamp, ns", func(m *Metrics) any { return m.Send.SoftwareNS }},
	"tx_hw":     {"send hardware timestamp, 0 if absent, ns", func(m *Metrics) any { return m.Send.HardwareNS }},
	"tx_kernel": {"send kernel software timestamp, 0 if absent, ns", func(m *Metrics) any { return m.Send.KernelNS }},
	"tx_src":    {"send timestamp provenance, hw, kernel or sw", func(m *Metrics) any { return m.Send.Provenance() }},

	"rx":        {"receive timestamp, hardware preferred, ns", func(m *Metrics) any { return m.Receive.Timestamp() }},
	"rx_sw":     {"receive software timestamp, ns", func(m *Metrics) any { return m.Receive.SoftwareNS }},
	"rx_hw":     {"receive hardware timestamp, 0 if absent, ns", func(m *Metrics) any { return m.Receive.HardwareNS }},
	"rx_kernel": {"receive kernel software timestamp, 0 if absent, ns", func(m *Metrics) any { return m.Receive.KernelNS }},
	"rx_src":    {"receive timestamp provenance, hw, kernel or sw", func(m *Metrics) any { return m.Receive.Provenance() }},

	"path_delay": {"rx - tx, ns", func(m *Metrics) any { return m.PathDelayNS }},
	"sched_dev":  {"tx - scheduled, ns", func(m *Metrics) any { return m.ScheduleDeviationNS }},
	"sync":       {"both ends synchronized", func(m *Metrics) any { return m.Synchronized }},
	"in_window":  {"sent inside the gate window", func(m *Metrics) any { return m.InWindow }},
	"unsync_mark": {"marker printed for unsynchronized packets", func(m *Metrics) any {
		if m.Synchronized {
			return ""
		}
		return unsyncMark
	}},

	"local_state":     {"sender local port state", func(m *Metrics) any { return portState(m.Send.Sync.Local) }},
	"local_offset":    {"sender local offset from master, ns", func(m *Metrics) any { return m.Send.Sync.Local.OffsetNS }},
	"remote_state":    {"sender remote port state", func(m *Metrics) any { return portState(m.Send.Sync.Remote) }},
	"remote_offset":   {"sender remote offset from master, ns", func(m *Metrics) any { return m.Send.Sync.Remote.OffsetNS }},
	"rx_local_state":  {"receiver local port state", func(m *Metrics) any { return portState(m.Receive.Sync.Local) }},
	"rx_local_offset": {"receiver local offset from master, ns", func(m *Metrics) any { return m.Receive.Sync.Local.OffsetNS }},
	"sys_offset":      {"sender system clock minus PHC, TAI, ns", func(m *Metrics) any { return m.Send.Sync.Sys.OffsetNS }},
	"rx_sys_offset":   {"receiver system clock minus PHC, TAI, ns", func(m *Metrics) any { return m.Receive.Sync.Sys.OffsetNS }},
}

func portState(p ptpmon.PortSnapshot) string {
	if !p.Monitored() || p.Unknown() {
		return p.String()
	}
	return p.State.String()
}

// FieldNames returns names of all fields, sorted
func FieldNames() []string {
	names := maps.Keys(fields)
	slices.Sort(names)
	return names
}

// FieldHelp returns description of a field
func FieldHelp(name string) string {
	return fields[name].help
}

func parseFields(selectors string) ([]field, error) {
	res := []field{}
	for _, name := range strings.Split(selectors, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := fields[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownField, name)
		}
		res = append(res, f)
	}
	return res, nil
}

// countVerbs counts fmt verbs consuming an argument
func countVerbs(format string) (int, error) {
	n := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		i++
		if i < len(format) && format[i] == '%' {
			continue
		}
		for i < len(format) && strings.IndexByte("+-# 0123456789.", format[i]) >= 0 {
			i++
		}
		if i >= len(format) {
			return 0, fmt.Errorf("%w: incomplete verb at the end", ErrBadVerb)
		}
		if format[i] == '*' || format[i] == '[' {
			return 0, fmt.Errorf("%w %%%c", ErrBadVerb, format[i])
		}
		n++
	}
	return n, nil
}

// Formatter prints one line per packet
type Formatter struct {
	format string
	fields []field
	args   []any
}

// NewFormatter decodes escapes in template and checks it against the field selectors
func NewFormatter(template, selectors string) (*Formatter, error) {
	decoded, err := DecodeEscapes([]byte(template))
	if err != nil {
		return nil, err
	}
	fs, err := parseFields(selectors)
	if err != nil {
		return nil, err
	}
	verbs, err := countVerbs(string(decoded))
	if err != nil {
		return nil, err
	}
	if verbs != len(fs) {
		return nil, fmt.Errorf("%w: %d verbs, %d fields", ErrVerbCount, verbs, len(fs))
	}
	return &Formatter{format: string(decoded), fields: fs, args: make([]any, len(fs))}, nil
}

// Format returns formatted line for m
func (f *Formatter) Format(m *Metrics) string {
	for i, fl := range f.fields {
		f.args[i] = fl.value(m)
	}
	return fmt.Sprintf(f.format, f.args...)
}

// Fprint writes formatted line for m to w
func (f *Formatter) Fprint(w io.Writer, m *Metrics) error {
	_, err := io.WriteString(w, f.Format(m))
	return err
}
