package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyRecorderPercentiles(t *testing.T) {
	r := NewLatencyRecorder(100)
	for i := 1; i <= 100; i++ {
		r.Record("ingest.process", time.Duration(i)*time.Millisecond)
	}
	r.Record("", time.Second)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	s := snap["ingest.process"]
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, 50.0, s.P50)
	assert.Equal(t, 95.0, s.P95)
	assert.Equal(t, 99.0, s.P99)
	assert.Equal(t, 100.0, s.Max)
}

func TestLatencyRecorderWindowWraps(t *testing.T) {
	r := NewLatencyRecorder(4)
	r.Record("x", 500*time.Millisecond)
	for i := 0; i < 4; i++ {
		r.Record("x", time.Millisecond)
	}
	r.Record("x", -time.Second)

	s := r.Snapshot()["x"]
	// 500ms 已被挤出窗口，但 Max 和 Count 是累计值
	assert.Equal(t, uint64(6), s.Count)
	assert.Equal(t, 1.0, s.P99)
	assert.Equal(t, 500.0, s.Max)
}

func TestStatsLatencyAndCounters(t *testing.T) {
	st := NewStats()
	st.RecordAPICall("HandleStats")
	st.RecordOutcome("Admitted")
	st.RecordLatency(LatencyIngestWait, 2*time.Millisecond)

	assert.Equal(t, uint64(1), st.GetAPICallStats()["HandleStats"])
	assert.Equal(t, uint64(1), st.GetOutcomeStats()["Admitted"])
	assert.Equal(t, uint64(1), st.GetLatencyStats()[LatencyIngestWait].Count)

	var nilStats *Stats
	nilStats.RecordLatency(LatencyIngestWait, time.Millisecond)
	assert.Empty(t, nilStats.GetLatencyStats())
}

func TestNewChannelStatUsage(t *testing.T) {
	assert.Equal(t, 0.25, NewChannelStat("c", "m", 16, 64).Usage)
	assert.Zero(t, NewChannelStat("c", "m", 0, 0).Usage)
}
