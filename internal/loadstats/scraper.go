package loadstats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Gateway metric families tracked by the scraper.
const (
	metricConnections  = "rtchat_connections_total"
	metricOnline       = "rtchat_online_users"
	metricEvents       = "rtchat_events_total"
	metricEventLatency = "rtchat_event_latency_seconds"
	metricRelayed      = "rtchat_signaling_relayed_total"
)

// Snapshot holds the tracked gateway metrics at one point in time. Labelled
// families are summed over their label values.
type Snapshot struct {
	At           time.Time
	Connections  float64
	Online       float64
	Events       float64
	Relayed      float64
	LatencySum   float64
	LatencyCount float64
}

// Scraper periodically fetches the gateway's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot right away and then one per interval until Stop.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops the background scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns a copy of the recorded snapshots.
func (s *Scraper) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.snapshots...)
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.Fetch(ctx)
	if err != nil {
		// The gateway may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// Fetch scrapes the endpoint once.
func (s *Scraper) Fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("loadstats: scrape %s: %s", s.url, resp.Status)
	}

	snap := Snapshot{At: time.Now()}
	dec := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	for {
		var mf dto.MetricFamily
		if err := dec.Decode(&mf); err != nil {
			if errors.Is(err, io.EOF) {
				return snap, nil
			}
			return Snapshot{}, fmt.Errorf("loadstats: decode: %w", err)
		}
		switch mf.GetName() {
		case metricConnections:
			snap.Connections = sum(&mf)
		case metricOnline:
			snap.Online = sum(&mf)
		case metricEvents:
			snap.Events = sum(&mf)
		case metricRelayed:
			snap.Relayed = sum(&mf)
		case metricEventLatency:
			for _, m := range mf.GetMetric() {
				snap.LatencySum += m.GetHistogram().GetSampleSum()
				snap.LatencyCount += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
}

// sum adds up the values of a counter or gauge family.
func sum(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			total += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			total += m.GetGauge().GetValue()
		case dto.MetricType_UNTYPED:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

// Report writes initial, final, delta and peak for every tracked metric.
func (s *Scraper) Report(w io.Writer) {
	snaps := s.Snapshots()
	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.At.Sub(first.At).Round(time.Second))

	rows := []struct {
		label string
		get   func(Snapshot) float64
	}{
		{"Connections", func(s Snapshot) float64 { return s.Connections }},
		{"Online Users", func(s Snapshot) float64 { return s.Online }},
		{"Events", func(s Snapshot) float64 { return s.Events }},
		{"Relayed", func(s Snapshot) float64 { return s.Relayed }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		peak := math.Inf(-1)
		for _, s := range snaps {
			peak = math.Max(peak, r.get(s))
		}
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.get(first), r.get(last), r.get(last)-r.get(first), peak)
	}

	fmt.Fprintln(w)
	if n := last.LatencyCount - first.LatencyCount; n > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n",
			"Event Latency", (last.LatencySum-first.LatencySum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Event Latency")
	}
}
