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

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/facebook/isocycle/report"
	"github.com/facebook/isocycle/sender"
	"github.com/facebook/isocycle/tslog"
)

var (
	reportInputFlag      string
	reportRcvInputFlag   string
	reportSummaryFlag    bool
	reportJSONFlag       bool
	reportStartFlag      uint32
	reportStopFlag       uint32
	reportFormatFlag     string
	reportArgsFlag       string
	reportWhereFlag      string
	reportListFieldsFlag bool
)

func init() {
	RootCmd.AddCommand(reportCmd)
	f := reportCmd.Flags()
	f.StringVarP(&reportInputFlag, "input", "F", sender.DefaultOutput, "log file with send records, may also hold receive records")
	f.StringVarP(&reportRcvInputFlag, "rcv-input", "R", "", "separate log file with receive records")
	f.BoolVarP(&reportSummaryFlag, "summary", "m", false, "print summary instead of per packet lines")
	f.BoolVarP(&reportJSONFlag, "json", "j", false, "print summary as JSON")
	f.Uint32VarP(&reportStartFlag, "start", "s", 0, "first sequence id to report, 0 means the first one")
	f.Uint32VarP(&reportStopFlag, "stop", "S", 0, "last sequence id to report, 0 means the last one")
	f.StringVarP(&reportFormatFlag, "printf-format", "f", "", "printf-style per packet template, escapes like \\n are decoded")
	f.StringVarP(&reportArgsFlag, "printf-args", "a", "", "comma separated fields for the template verbs")
	f.StringVarP(&reportWhereFlag, "where", "w", "", "only consider packets matching this expression, e.g. \"path_delay > 50000\"")
	f.BoolVar(&reportListFieldsFlag, "list-fields", false, "list fields usable in templates and expressions")
}

func listFields() error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("field", "description")
	for _, name := range report.FieldNames() {
		if err := table.Append([]string{name, report.FieldHelp(name)}); err != nil {
			return err
		}
	}
	return table.Render()
}

// loadLogs returns metadata of the send side and both logs
func loadLogs(input, rcvInput string) (tslog.Metadata, *tslog.Log, *tslog.Log, error) {
	f, err := tslog.Load(input)
	if err != nil {
		return tslog.Metadata{}, nil, nil, err
	}
	if f.Send == nil {
		return tslog.Metadata{}, nil, nil, fmt.Errorf("%s has no send records", input)
	}
	rcv := f.Receive
	if rcvInput != "" {
		r, err := tslog.Load(rcvInput)
		if err != nil {
			return tslog.Metadata{}, nil, nil, err
		}
		if r.Receive == nil {
			return tslog.Metadata{}, nil, nil, fmt.Errorf("%s has no receive records", rcvInput)
		}
		if rcv != nil {
			log.Warningf("ignoring receive records of %s in favor of %s", input, rcvInput)
		}
		rcv = r.Receive
	}
	if rcv == nil {
		log.Warningf("no receive records, every packet will be a gap")
	}
	return f.Meta, f.Send, rcv, nil
}

func reportRun() error {
	color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))
	if reportListFieldsFlag {
		return listFields()
	}
	if reportFormatFlag == "" && reportArgsFlag != "" {
		return errors.New("--printf-args requires --printf-format")
	}
	meta, send, rcv, err := loadLogs(reportInputFlag, reportRcvInputFlag)
	if err != nil {
		return err
	}
	log.Debugf("session: %+v", meta)
	r, err := report.NewReporter(meta, report.Options{
		Template: reportFormatFlag,
		Fields:   reportArgsFlag,
		Where:    reportWhereFlag,
	})
	if err != nil {
		return err
	}
	c, err := report.Correlate(send, rcv, meta.PacketCount, reportStartFlag, reportStopFlag)
	if err != nil {
		return err
	}
	if !reportSummaryFlag && !reportJSONFlag {
		n, err := r.PrintPackets(os.Stdout, c)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println(color.RedString("no data"))
		}
		return nil
	}
	s, err := r.Summarize(c)
	if err != nil {
		return err
	}
	if reportJSONFlag {
		return report.PrintJSON(os.Stdout, s)
	}
	return report.PrintSummary(os.Stdout, s, meta)
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Correlate send and receive logs and print per packet metrics or a summary",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := reportRun(); err != nil {
			log.Fatal(err)
		}
	},
}
