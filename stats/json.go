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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	prefix   string
	counters syncMapInt64
	report   syncMapInt64
	registry *prometheus.Registry
}

// NewJSONStats returns a new JSONStats, reported names are prefixed with prefix
func NewJSONStats(prefix string) *JSONStats {
	s := &JSONStats{prefix: prefix, registry: prometheus.NewRegistry()}
	s.counters.init()
	s.report.init()
	for _, c := range AllCounters() {
		s.counters.store(c, 0)
	}
	return s
}

// Handler returns http handler serving JSON on / and prometheus metrics on /metrics
func (s *JSONStats) Handler() http.Handler {
	for _, c := range AllCounters() {
		name := s.prefix + c.String()
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: flattenKey(name),
			Help: name,
		}, func() float64 { return float64(s.report.load(c)) })
		if err := s.registry.Register(g); err != nil {
			log.Debugf("failed to register metric %s: %v", name, err)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	))
	return mux
}

// Start runs http server
func (s *JSONStats) Start(monitoringport int) {
	addr := fmt.Sprintf(":%d", monitoringport)
	log.Infof("Starting http json server on %s", addr)
	if err := http.ListenAndServe(addr, s.Handler()); err != nil {
		log.Errorf("Failed to start listener: %v", err)
	}
}

// Snapshot the values so they can be reported atomically
func (s *JSONStats) Snapshot() {
	s.counters.copy(&s.report)
}

// Report returns last snapshot as a map
func (s *JSONStats) Report() map[string]int64 {
	return s.report.toMap(s.prefix)
}

// handleRequest is a handler used for all http monitoring requests
func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.Report())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Reset atomically sets all the counters to 0
func (s *JSONStats) Reset() {
	s.counters.reset()
}

// Inc atomically adds 1 to the counter
func (s *JSONStats) Inc(c Counter) {
	s.counters.add(c, 1)
}

// Add atomically adds v to the counter
func (s *JSONStats) Add(c Counter, v int64) {
	s.counters.add(c, v)
}

// Set atomically sets the value of the counter
func (s *JSONStats) Set(c Counter, v int64) {
	s.counters.store(c, v)
}

// Load returns the current value of the counter
func (s *JSONStats) Load(c Counter) int64 {
	return s.counters.load(c)
}
