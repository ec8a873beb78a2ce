package loadstats

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(ds)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"relay_active_rooms 3", "relay_active_rooms", 3, true},
		{`relay_events_total{event="ping",outcome="ok"} 12`, "relay_events_total", 12, true},
		{"relay_online_identities 7 1700000000000", "relay_online_identities", 7, true},
		{`broken{label="x" 1`, "", 0, false},
		{"lonely", "", 0, false},
		{"relay_active_rooms NaNish", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.name, name, tt.line)
		assert.Equal(t, tt.value, value, tt.line)
	}
}

func TestParseSnapshotSumsLabels(t *testing.T) {
	body := strings.Join([]string{
		"# HELP relay_events_total Total number of inbound events processed",
		"# TYPE relay_events_total counter",
		`relay_events_total{event="message:send",outcome="ok"} 10`,
		`relay_events_total{event="ping",outcome="ok"} 5`,
		"relay_connections_total 4",
		"relay_dispatch_latency_seconds_sum 0.5",
		"relay_dispatch_latency_seconds_count 100",
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 15.0, snap.events)
	assert.Equal(t, 4.0, snap.connections)
	assert.Equal(t, 100.0, snap.dispatchCount)
}

func TestScraperReport(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, "relay_connections_total %d\n", calls*10)
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Relay Metrics (Prometheus)")
	assert.Contains(t, out, "Connections")
	assert.Contains(t, out, "avg: N/A")
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddSent()
	c.AddFanout(time.Millisecond)
	c.AddError()

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "Fan-out Latency")
}
