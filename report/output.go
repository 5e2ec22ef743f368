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
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/facebook/isocycle/tslog"
)

func statRow(name string, s Stat) []string {
	if s.Count == 0 {
		return []string{name, "0", "-", "-", "-", "-"}
	}
	return []string{
		name,
		fmt.Sprintf("%d", s.Count),
		fmt.Sprintf("%.0f", s.Min),
		fmt.Sprintf("%.0f", s.Max),
		fmt.Sprintf("%.3f", s.Mean),
		fmt.Sprintf("%.3f", s.Stddev),
	}
}

// Warnings returns human readable problems found in s
func Warnings(s *Summary, meta tslog.Metadata) []string {
	res := []string{}
	if s.NoData() {
		res = append(res, color.RedString("no data: none of %d pairs in [%d, %d] were included", s.Pairs, s.Start, s.Stop))
	}
	if s.Unsynchronized > 0 {
		res = append(res, color.YellowString("%d pairs excluded as unsynchronized", s.Unsynchronized))
	}
	if s.SoftwareOnly > 0 {
		res = append(res, color.YellowString("%d pairs used software timestamps", s.SoftwareOnly))
	}
	if lost := s.Gaps - s.Skipped - s.Failed - s.Dropped; lost > 0 {
		res = append(res, color.YellowString("%d frames lost", lost))
	}
	if meta.Mode.Has(tslog.ModeGated) && s.OutOfWindow > 0 {
		res = append(res, color.RedString("%d frames sent outside of the %dns window", s.OutOfWindow, meta.WindowSizeNS))
	}
	return res
}

// PrintSummary writes summary tables and warnings to w
func PrintSummary(w io.Writer, s *Summary, meta tslog.Metadata) error {
	fmt.Fprintf(w, "range [%d, %d] of %d packets, cycle %dns, mode %s\n", s.Start, s.Stop, meta.PacketCount, meta.CycleTimeNS, meta.Mode)

	table := tablewriter.NewWriter(w)
	table.Header("metric", "count", "min(ns)", "max(ns)", "mean(ns)", "stddev(ns)")
	for _, row := range [][]string{
		statRow("path delay", s.PathDelay),
		statRow("sched deviation", s.ScheduleDeviation),
	} {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	counts := tablewriter.NewWriter(w)
	counts.Header("pairs", "included", "unsync", "filtered", "gaps", "send only", "rcv only", "skipped", "failed", "dropped", "sw only", "out of window")
	err := counts.Append([]string{
		fmt.Sprintf("%d", s.Pairs),
		fmt.Sprintf("%d", s.Included),
		fmt.Sprintf("%d", s.Unsynchronized),
		fmt.Sprintf("%d", s.Filtered),
		fmt.Sprintf("%d", s.Gaps),
		fmt.Sprintf("%d", s.SendOnly),
		fmt.Sprintf("%d", s.ReceiveOnly),
		fmt.Sprintf("%d", s.Skipped),
		fmt.Sprintf("%d", s.Failed),
		fmt.Sprintf("%d", s.Dropped),
		fmt.Sprintf("%d", s.SoftwareOnly),
		fmt.Sprintf("%d", s.OutOfWindow),
	})
	if err != nil {
		return err
	}
	if err := counts.Render(); err != nil {
		return err
	}

	for _, warning := range Warnings(s, meta) {
		if _, err := fmt.Fprintln(w, warning); err != nil {
			return err
		}
	}
	return nil
}

// PrintJSON writes summary as json
func PrintJSON(w io.Writer, s *Summary) error {
	out := struct {
		*Summary
		NoData bool `json:"no_data"`
	}{s, s.NoData()}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
