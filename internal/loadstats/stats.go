// Package loadstats collects client-side latency samples during a load run
// and prints a summary with percentile distributions.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Summary is the percentile distribution of one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Collector aggregates samples from many client goroutines.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{series: make(map[string][]time.Duration), startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// the collector's.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an identified connection and its handshake latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
	c.Add("connect", d)
}

// Add records one latency sample in the named series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary returns the distribution of a series; ok is false when it has no
// samples.
func (c *Collector) Summary(series string) (Summary, bool) {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[series]...)
	c.mu.Unlock()
	if len(samples) == 0 {
		return Summary{}, false
	}
	return summarize(samples), true
}

// Report writes the summary of every series, followed by the scraper's
// report when one is attached.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	conns, errs := c.connections, c.errors
	order := append([]string(nil), c.order...)
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", conns)
	fmt.Fprintf(w, "Errors:       %d\n", errs)
	if conns > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(errs)/float64(conns)*100)
	}

	for _, name := range order {
		s, ok := c.Summary(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n--- %s latency ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}

	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}

func summarize(d []time.Duration) Summary {
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	n := len(d)

	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: d[n/2],
		P95: d[int(math.Ceil(float64(n)*0.95))-1],
		P99: d[int(math.Ceil(float64(n)*0.99))-1],
		Max: d[n-1],
	}
}
