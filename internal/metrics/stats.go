// Package metrics accumulates inference throughput and accuracy.
package metrics

import (
	"sync"
	"time"
)

// Window accumulates timing and accuracy across several batches.
type Window struct {
	samples int
	correct int
	data    time.Duration
	compute time.Duration
	steps   int
}

// Record adds one batch: its size, how long it took to assemble and to run,
// and how many of its predictions were correct.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, correct int) {
	w.samples += batchSize
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.steps++
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Images: w.samples}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Images       int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	Accuracy     float64
}

// Latency is a concurrency-safe running summary of request latencies.
type Latency struct {
	mu    sync.Mutex
	count int
	total time.Duration
	max   time.Duration
}

// Observe records one request duration.
func (l *Latency) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	l.total += d
	if d > l.max {
		l.max = d
	}
}

// LatencyStats is a point-in-time view of a Latency.
type LatencyStats struct {
	Count  int     `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// Stats returns the current summary without resetting it.
func (l *Latency) Stats() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := LatencyStats{Count: l.count, MaxMS: float64(l.max) / float64(time.Millisecond)}
	if l.count > 0 {
		s.MeanMS = float64(l.total) / float64(l.count) / float64(time.Millisecond)
	}
	return s
}
