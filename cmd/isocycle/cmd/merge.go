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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/isocycle/tslog"
)

var mergeOutputFlag string

func init() {
	RootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVarP(&mergeOutputFlag, "output", "F", "isocycle-merged.dat", "merged output file")
}

// mergeRun combines send side of sendPath with receive side of rcvPath
func mergeRun(sendPath, rcvPath, output string) error {
	s, err := tslog.Load(sendPath)
	if err != nil {
		return err
	}
	if s.Send == nil {
		return fmt.Errorf("%s has no send records", sendPath)
	}
	r, err := tslog.Load(rcvPath)
	if err != nil {
		return err
	}
	if r.Receive == nil {
		return errors.New(rcvPath + " has no receive records")
	}
	if err := tslog.Persist(output, s.Meta, s.Send, r.Receive); err != nil {
		return err
	}
	log.Infof("merged %d send and %d receive records into %s", s.Send.Len(), r.Receive.Len(), output)
	return nil
}

var mergeCmd = &cobra.Command{
	Use:   "merge <send log> <receive log>",
	Short: "Combine send and receive logs into one file",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := mergeRun(args[0], args[1], mergeOutputFlag); err != nil {
			log.Fatal(err)
		}
	},
}
