package loadstats

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rtchat/internal/metrics"
)

func TestCollector_Summary(t *testing.T) {
	c := NewCollector()
	for i := 100; i >= 1; i-- {
		c.Add("typing", time.Duration(i)*time.Millisecond)
	}

	s, ok := c.Summary("typing")
	require.True(t, ok)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)

	_, ok = c.Summary("call")
	assert.False(t, ok)
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	c.AddConnect(3 * time.Millisecond)
	c.AddConnect(5 * time.Millisecond)
	c.AddError()

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "--- connect latency ---")
	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
}

func TestScraper_Fetch(t *testing.T) {
	metrics.ConnectionsTotal.Set(7)
	metrics.EventsTotal.WithLabelValues("typing_start", "handled").Add(2)
	metrics.EventsTotal.WithLabelValues("add_reaction", "handled").Add(3)
	metrics.EventLatency.WithLabelValues("typing_start").Observe(0.25)

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	s := NewScraper(srv.URL, time.Hour)
	snap, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.0, snap.Connections)
	assert.GreaterOrEqual(t, snap.Events, 5.0)
	assert.GreaterOrEqual(t, snap.LatencyCount, 1.0)
	assert.GreaterOrEqual(t, snap.LatencySum, 0.25)
}

func TestScraper_StartStop(t *testing.T) {
	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	s := NewScraper(srv.URL, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, len(s.Snapshots()), 2)

	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "Server Metrics (Prometheus)")
}

func TestScraper_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewScraper(srv.URL, time.Second).Fetch(context.Background())
	assert.Error(t, err)

	s := NewScraper(srv.URL, time.Second)
	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "no data collected")
}
