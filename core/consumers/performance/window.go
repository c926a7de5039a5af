package performance

import (
	"math"
	"slices"
	"time"
)

// window holds the most recent samples of one tenant and stage.
type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// percentile uses the nearest-rank method.
func (w *window) percentile(p float64) time.Duration {
	n := w.len()
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	rank := int(math.Ceil(p / 100 * float64(n)))
	return sorted[min(max(rank, 1), n)-1]
}
