package common

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats tracks throughput and latency for one benchmark phase, such as
// storing or fetching every blob once.
type Stats struct {
	name string

	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time

	requests   int64
	bytes      int64
	errors     int64
	mismatches int64

	// HDR histogram for latency tracking (in microseconds)
	// Range: 1 microsecond to 60 seconds, 3 significant figures
	latencyHist *hdrhistogram.Histogram
}

// NewStats creates a new Stats instance for the named phase.
func NewStats(name string) *Stats {
	return &Stats{
		name:        name,
		latencyHist: hdrhistogram.New(1, 60000000, 3),
	}
}

// Name returns the phase name.
func (s *Stats) Name() string {
	return s.name
}

// Start begins the timing period.
func (s *Stats) Start() {
	s.startTime = time.Now()
}

// Stop ends the timing period.
func (s *Stats) Stop() {
	s.endTime = time.Now()
}

// RecordSuccess records a completed request that moved the given number of
// blob bytes.
func (s *Stats) RecordSuccess(bytes int, latency time.Duration) {
	atomic.AddInt64(&s.requests, 1)
	atomic.AddInt64(&s.bytes, int64(bytes))
	s.mu.Lock()
	s.latencyHist.RecordValue(latency.Microseconds())
	s.mu.Unlock()
}

// RecordError increments the error counter.
func (s *Stats) RecordError() {
	atomic.AddInt64(&s.errors, 1)
}

// RecordMismatch counts a fetched blob that differs from what was stored.
func (s *Stats) RecordMismatch() {
	atomic.AddInt64(&s.mismatches, 1)
}

// Duration returns the phase duration.
func (s *Stats) Duration() time.Duration {
	return s.endTime.Sub(s.startTime)
}

// Requests returns the number of successful requests.
func (s *Stats) Requests() int64 {
	return atomic.LoadInt64(&s.requests)
}

// Bytes returns the total blob bytes moved by successful requests.
func (s *Stats) Bytes() int64 {
	return atomic.LoadInt64(&s.bytes)
}

// Errors returns the total error count.
func (s *Stats) Errors() int64 {
	return atomic.LoadInt64(&s.errors)
}

// Mismatches returns the number of fetched blobs that failed verification.
func (s *Stats) Mismatches() int64 {
	return atomic.LoadInt64(&s.mismatches)
}

// RequestsPerSecond calculates the request throughput.
func (s *Stats) RequestsPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.Requests()) / duration
}

// BytesPerSecond calculates the byte throughput.
func (s *Stats) BytesPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.Bytes()) / duration
}

// MBPerSecond calculates the MB/s throughput.
func (s *Stats) MBPerSecond() float64 {
	return s.BytesPerSecond() / 1024 / 1024
}

// LatencyPercentile returns the latency at a given percentile.
func (s *Stats) LatencyPercentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.ValueAtQuantile(p)) * time.Microsecond
}

// LatencyMean returns the mean latency.
func (s *Stats) LatencyMean() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Mean()) * time.Microsecond
}

// LatencyMin returns the minimum latency recorded.
func (s *Stats) LatencyMin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Min()) * time.Microsecond
}

// LatencyMax returns the maximum latency recorded.
func (s *Stats) LatencyMax() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Max()) * time.Microsecond
}

// LatencyCount returns the number of latency samples recorded.
func (s *Stats) LatencyCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyHist.TotalCount()
}
