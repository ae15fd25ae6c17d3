package metrics

import (
	"sort"
	"sync"
	"time"
)

// HistogramBucket counts observations at or below Le seconds.
type HistogramBucket struct {
	Le    float64
	Count int64
}

type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

// RequestBuckets fit whole HTTP requests including both stores.
var RequestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// GateBuckets fit the gatekeeper's checks, which must finish well under 50ms.
var GateBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

func NewHistogram(name string) *Histogram {
	return NewHistogramWithBuckets(name, RequestBuckets)
}

func NewHistogramWithBuckets(name string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	buckets := make([]HistogramBucket, len(sorted))
	for i, le := range sorted {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	if sec < 0 {
		sec = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
}

// Percentile estimates p (0..1) as the smallest bucket bound covering it.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return percentile(h.buckets, h.count, p)
}

func percentile(buckets []HistogramBucket, count int64, p float64) float64 {
	if count == 0 || len(buckets) == 0 {
		return 0
	}
	target := int64(p * float64(count))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.buckets))
	copy(buckets, h.buckets)
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     percentile(buckets, h.count, 0.50),
		P95:     percentile(buckets, h.count, 0.95),
		P99:     percentile(buckets, h.count, 0.99),
	}
}

// HistogramRegistry lazily creates named histograms sharing one bucket set.
type HistogramRegistry struct {
	mu         sync.RWMutex
	bounds     []float64
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return NewHistogramRegistryWithBuckets(RequestBuckets)
}

func NewHistogramRegistryWithBuckets(bounds []float64) *HistogramRegistry {
	return &HistogramRegistry{bounds: bounds, histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogramWithBuckets(name, r.bounds)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram ordered by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	names := SortedKeys(r.histograms)
	hs := make([]*Histogram, len(names))
	for i, n := range names {
		hs[i] = r.histograms[n]
	}
	r.mu.RUnlock()
	out := make([]HistogramSnapshot, len(hs))
	for i, h := range hs {
		out[i] = h.Snapshot()
	}
	return out
}
