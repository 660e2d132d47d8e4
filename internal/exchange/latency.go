package exchange

import (
	"sort"
	"sync"
	"time"
)

const (
	latencyWindowSize = 1000
	// Samples outside [0, 60s] are clock skew or replay, not latency.
	maxLatencySample = 60 * time.Second
)

// LatencyStats summarizes the receive-time minus server-time window.
type LatencyStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// LatencyWindow is a bounded ring of message latency samples.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func NewLatencyWindow() *LatencyWindow {
	return &LatencyWindow{samples: make([]time.Duration, latencyWindowSize)}
}

// Observe records receivedAt minus serverTime. Out-of-range samples are
// discarded.
func (w *LatencyWindow) Observe(serverTime, receivedAt time.Time) {
	if serverTime.IsZero() {
		return
	}
	d := receivedAt.Sub(serverTime)
	if d < 0 || d > maxLatencySample {
		return
	}
	w.mu.Lock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Stats computes summary statistics over the current window.
func (w *LatencyWindow) Stats() LatencyStats {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	buf := make([]time.Duration, n)
	copy(buf, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })

	var sum time.Duration
	for _, d := range buf {
		sum += d
	}
	pct := func(p float64) time.Duration {
		i := int(p * float64(n-1))
		return buf[i]
	}
	return LatencyStats{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
		Min:   buf[0],
		Max:   buf[n-1],
	}
}
