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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/facebook/isocycle/stats"
)

// RootCmd is a main entry point
var RootCmd = &cobra.Command{
	Use:   "isocycle",
	Short: "Measure latency of time-triggered traffic between two TSN endpoints",
}

// flags
var rootVerboseFlag bool

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs to be called by any subcommand.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the main entry point for CLI interface
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// changedFlags returns names of flags explicitly set on the command line
func changedFlags(cmd *cobra.Command) map[string]bool {
	set := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		set[f.Name] = true
	})
	return set
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMonitoring serves counters and keeps their snapshot fresh until ctx is done
func startMonitoring(ctx context.Context, st *stats.JSONStats, port int) {
	if port <= 0 {
		return
	}
	go st.Start(port)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.Snapshot()
			}
		}
	}()
}
