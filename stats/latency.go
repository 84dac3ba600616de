package stats

import (
	"slices"
	"sync"
	"time"
)

// DefaultLatencyWindow 每个指标保留的最近样本数
const DefaultLatencyWindow = 1024

// LatencySummary 一个指标最近窗口内的分位数，单位毫秒
type LatencySummary struct {
	Count uint64  `json:"count"` // 累计样本数，不受窗口限制
	P50   float64 `json:"p50Ms"`
	P95   float64 `json:"p95Ms"`
	P99   float64 `json:"p99Ms"`
	Max   float64 `json:"maxMs"`
}

// latencyWindow 环形窗口
type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
	count   uint64
	max     time.Duration
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.count++
	if d > w.max {
		w.max = d
	}
}

func (w *latencyWindow) sorted() []time.Duration {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	out := slices.Clone(w.samples[:n])
	slices.Sort(out)
	return out
}

// LatencyRecorder 按名字记录耗时，例如入池任务的排队时间和处理时间
type LatencyRecorder struct {
	mu      sync.Mutex
	window  int
	metrics map[string]*latencyWindow
}

func NewLatencyRecorder(window int) *LatencyRecorder {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &LatencyRecorder{
		window:  window,
		metrics: make(map[string]*latencyWindow),
	}
}

// Record 负数按 0 记
func (r *LatencyRecorder) Record(name string, d time.Duration) {
	if r == nil || name == "" {
		return
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.metrics[name]
	if !ok {
		w = &latencyWindow{samples: make([]time.Duration, r.window)}
		r.metrics[name] = w
	}
	w.add(d)
}

// Snapshot 各指标当前的分位数；没有样本的指标不出现
func (r *LatencyRecorder) Snapshot() map[string]LatencySummary {
	if r == nil {
		return map[string]LatencySummary{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LatencySummary, len(r.metrics))
	for name, w := range r.metrics {
		values := w.sorted()
		if len(values) == 0 {
			continue
		}
		out[name] = LatencySummary{
			Count: w.count,
			P50:   millis(percentile(values, 0.50)),
			P95:   millis(percentile(values, 0.95)),
			P99:   millis(percentile(values, 0.99)),
			Max:   millis(w.max),
		}
	}
	return out
}

// percentile 取下标 floor((n-1)*p)，sorted 不能为空
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
