package lim

import (
	"context"
	"sync"
	"time"

	"sockpaste/metrics"
	"sockpaste/svc/util"
)

const (
	windowBuckets  = 5
	minSamples     = 10
	failureRatePct = 5.0
)

// AnomalyDetector tracks server-side ingest failures (storage and id
// allocation) over a sliding window of one-minute buckets. Client mistakes
// such as oversized or empty uploads are not failures.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	degraded     bool
	onAnomaly    func(rate float64)
}
type bucket struct {
	requests int64
	failures int64
}

func NewAnomalyDetector(onAnomaly func(rate float64)) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, windowBuckets),
		onAnomaly: onAnomaly,
	}
}

// Run advances the window every interval until ctx ends.
func (d *AnomalyDetector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.AdvanceWindow()
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *AnomalyDetector) Record(failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
	if failed {
		d.window[d.currentIndex].failures++
	}
}

// Degraded reports whether the last evaluated window crossed the threshold.
func (d *AnomalyDetector) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var total, failed int64
	for _, b := range d.window {
		total += b.requests
		failed += b.failures
	}
	var rate float64
	if total > 0 {
		rate = float64(failed) / float64(total) * 100.0
	}
	metrics.RecentFailureRatePercent.Set(rate)
	d.degraded = total > minSamples && rate > failureRatePct
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	degraded, cb := d.degraded, d.onAnomaly
	d.mu.Unlock()

	if degraded {
		util.Warn().
			Float64("failure_rate", rate).
			Int64("total", total).
			Int64("failed", failed).
			Msg("high ingest failure rate")
		if cb != nil {
			cb(rate)
		}
	}
}
