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
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterString(t *testing.T) {
	require.Equal(t, "sent", Sent.String())
	require.Equal(t, "counter_42", Counter(42).String())
	all := AllCounters()
	require.Len(t, all, len(counterToString))
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].String(), all[i].String())
	}
}

func TestFlattenKey(t *testing.T) {
	require.Equal(t, "isocycle_sender_sync_local_offset_ns", flattenKey("isocycle.sender.sync.local.offset_ns"))
	require.Equal(t, "a_b_c_d_e", flattenKey("a b-c=d/e"))
}

func TestJSONStatsCounters(t *testing.T) {
	stats := NewJSONStats("sender.")
	stats.Inc(Sent)
	stats.Inc(Sent)
	stats.Add(Skipped, 3)
	stats.Set(LocalOffsetNS, -42)
	require.Equal(t, int64(2), stats.Load(Sent))
	require.Equal(t, int64(3), stats.Load(Skipped))
	require.Equal(t, int64(-42), stats.Load(LocalOffsetNS))

	// report is only updated on snapshot
	require.Equal(t, int64(0), stats.Report()["sender.sent"])
	stats.Snapshot()
	require.Equal(t, int64(2), stats.Report()["sender.sent"])

	stats.Reset()
	require.Equal(t, int64(0), stats.Load(Sent))
	require.Equal(t, int64(2), stats.Report()["sender.sent"])
}

func TestJSONStatsServe(t *testing.T) {
	stats := NewJSONStats("sender.")
	stats.Add(Timestamped, 7)
	stats.Snapshot()
	srv := httptest.NewServer(stats.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var got map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, int64(7), got["sender.timestamped"])
	require.Contains(t, got, "sender.dropped")

	mresp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "sender_timestamped 7"), string(body))
}
