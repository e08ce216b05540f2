package master

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram bounds in microseconds: 1µs to 1h at 3 significant figures.
const (
	histMin     = 1
	histMax     = int64(time.Hour / time.Microsecond)
	histSigFigs = 3
)

// LatencySummary summarizes the dispatch round trips of one task type.
// Durations are in milliseconds.
type LatencySummary struct {
	TaskType string  `json:"task_type"`
	Count    int64   `json:"count"`
	Failures int64   `json:"failures"`
	Min      float64 `json:"min_ms"`
	Mean     float64 `json:"mean_ms"`
	P50      float64 `json:"p50_ms"`
	P95      float64 `json:"p95_ms"`
	P99      float64 `json:"p99_ms"`
	Max      float64 `json:"max_ms"`
}

type typeStats struct {
	hist     *hdrhistogram.Histogram
	failures int64
}

// Stats records per-task-type dispatch latency.
type Stats struct {
	byType map[string]*typeStats
	mu     sync.Mutex
}

// NewStats creates empty stats.
func NewStats() *Stats {
	return &Stats{byType: make(map[string]*typeStats)}
}

// Record adds one dispatch round trip. Failed round trips count towards the
// latency too.
func (s *Stats) Record(taskType string, d time.Duration, failed bool) {
	us := d.Microseconds()
	if us < histMin {
		us = histMin
	}
	if us > histMax {
		us = histMax
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.byType[taskType]
	if !ok {
		ts = &typeStats{hist: hdrhistogram.New(histMin, histMax, histSigFigs)}
		s.byType[taskType] = ts
	}
	_ = ts.hist.RecordValue(us)
	if failed {
		ts.failures++
	}
}

// Snapshot returns one summary per task type, sorted by task type.
func (s *Stats) Snapshot() []LatencySummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LatencySummary, 0, len(s.byType))
	for name, ts := range s.byType {
		h := ts.hist
		out = append(out, LatencySummary{
			TaskType: name,
			Count:    h.TotalCount(),
			Failures: ts.failures,
			Min:      toMillis(float64(h.Min())),
			Mean:     toMillis(h.Mean()),
			P50:      toMillis(float64(h.ValueAtQuantile(50))),
			P95:      toMillis(float64(h.ValueAtQuantile(95))),
			P99:      toMillis(float64(h.ValueAtQuantile(99))),
			Max:      toMillis(float64(h.Max())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out
}

func toMillis(us float64) float64 {
	return us / 1000
}
