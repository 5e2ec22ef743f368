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
Package stats implements statistics collection and reporting.
It is used by sender and receiver sessions to report live counters, such as
number of frames sent and timestamps collected.
*/
package stats

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Counter identifies a session counter
type Counter int

// Counters
const (
	Iterations Counter = iota
	Sent
	Timestamped
	Skipped
	Failed
	Dropped
	Received
	Undecodable
	Duplicate
	Unsynchronized
	LocalOffsetNS
	RemoteOffsetNS
	SysOffsetNS
)

var counterToString = map[Counter]string{
	Iterations:     "iterations",
	Sent:           "sent",
	Timestamped:    "timestamped",
	Skipped:        "skipped",
	Failed:         "failed",
	Dropped:        "dropped",
	Received:       "received",
	Undecodable:    "undecodable",
	Duplicate:      "duplicate_timestamps",
	Unsynchronized: "unsynchronized",
	LocalOffsetNS:  "sync.local.offset_ns",
	RemoteOffsetNS: "sync.remote.offset_ns",
	SysOffsetNS:    "sync.sys.offset_ns",
}

func (c Counter) String() string {
	if s, ok := counterToString[c]; ok {
		return s
	}
	return fmt.Sprintf("counter_%d", int(c))
}

// AllCounters returns all known counters ordered by name
func AllCounters() []Counter {
	all := maps.Keys(counterToString)
	slices.SortFunc(all, func(a, b Counter) bool { return a.String() < b.String() })
	return all
}

// Stats is a metric collection interface
type Stats interface {
	// Start starts a stat reporter
	// Use this for passive reporters
	Start(monitoringport int)

	// Snapshot the values so they can be reported atomically
	Snapshot()

	// Reset atomically sets all the counters to 0
	Reset()

	// Inc atomically adds 1 to the counter
	Inc(c Counter)

	// Add atomically adds v to the counter
	Add(c Counter, v int64)

	// Set atomically sets the value of the counter
	Set(c Counter, v int64)

	// Load returns the current value of the counter
	Load(c Counter) int64
}

// syncMapInt64 sync map of counters
type syncMapInt64 struct {
	sync.Mutex
	m map[Counter]int64
}

// init initializes the underlying map
func (s *syncMapInt64) init() {
	s.m = make(map[Counter]int64)
}

// keys returns slice of keys of the underlying map
func (s *syncMapInt64) keys() []Counter {
	s.Lock()
	defer s.Unlock()
	return maps.Keys(s.m)
}

// load gets the value by the key
func (s *syncMapInt64) load(key Counter) int64 {
	s.Lock()
	defer s.Unlock()
	return s.m[key]
}

// add increments the counter for the given key
func (s *syncMapInt64) add(key Counter, v int64) {
	s.Lock()
	s.m[key] += v
	s.Unlock()
}

// store saves the value with the key
func (s *syncMapInt64) store(key Counter, value int64) {
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

// copy all key-values between maps
func (s *syncMapInt64) copy(dst *syncMapInt64) {
	for _, t := range s.keys() {
		dst.store(t, s.load(t))
	}
}

// reset stats to 0
func (s *syncMapInt64) reset() {
	s.Lock()
	for t := range s.m {
		s.m[t] = 0
	}
	s.Unlock()
}

// toMap converts counters to a map, prefixing names
func (s *syncMapInt64) toMap(prefix string) map[string]int64 {
	res := map[string]int64{}
	for _, c := range s.keys() {
		res[prefix+c.String()] = s.load(c)
	}
	return res
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
