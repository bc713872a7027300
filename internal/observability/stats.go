package observability

import (
	"sort"
	"sync"
	"time"
)

// InvocationSample is one finished invocation as shown on the dashboard.
type InvocationSample struct {
	Function        string    `json:"function"`
	FileID          int       `json:"file"`
	Status          string    `json:"status"`
	ElapsedMs       int64     `json:"elapsed_ms"`
	PeakMemoryDelta int64     `json:"peak_memory_delta"`
	Timestamp       time.Time `json:"timestamp"`
}

// Summary computes aggregate statistics over a set of values.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Dashboard is the aggregate view of recent invocations.
type Dashboard struct {
	Total      int                `json:"total"`
	ByStatus   map[string]int     `json:"by_status"`
	ElapsedMs  Summary            `json:"elapsed_ms"`
	PeakMemory Summary            `json:"peak_memory_delta"`
	Recent     []InvocationSample `json:"recent"`
}

// Stats keeps the most recent invocations in a ring buffer.
type Stats struct {
	mu      sync.RWMutex
	samples []InvocationSample
	maxSize int
}

// NewStats creates a Stats window holding at most maxSize samples.
func NewStats(maxSize int) *Stats {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Stats{samples: make([]InvocationSample, 0, maxSize), maxSize: maxSize}
}

// Record adds a sample, dropping the oldest when full.
func (s *Stats) Record(sample InvocationSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) >= s.maxSize {
		copy(s.samples, s.samples[1:])
		s.samples[len(s.samples)-1] = sample
		return
	}
	s.samples = append(s.samples, sample)
}

// Len returns the number of samples held.
func (s *Stats) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Dashboard summarizes samples recorded after since (all if zero). Recent
// holds up to recent samples, newest first.
func (s *Stats) Dashboard(since time.Time, recent int) Dashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := Dashboard{ByStatus: map[string]int{}, Recent: []InvocationSample{}}
	var elapsed, memory []float64
	for i := len(s.samples) - 1; i >= 0; i-- {
		smp := s.samples[i]
		if !since.IsZero() && smp.Timestamp.Before(since) {
			continue
		}
		d.Total++
		d.ByStatus[smp.Status]++
		elapsed = append(elapsed, float64(smp.ElapsedMs))
		memory = append(memory, float64(smp.PeakMemoryDelta))
		if len(d.Recent) < recent {
			d.Recent = append(d.Recent, smp)
		}
	}
	d.ElapsedMs = summarize(elapsed)
	d.PeakMemory = summarize(memory)
	return d
}

func summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sort.Float64s(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return Summary{
		Count: len(values),
		Sum:   sum,
		Mean:  sum / float64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

// percentile computes the p-th percentile from sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
