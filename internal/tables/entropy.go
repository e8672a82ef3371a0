package tables

import (
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// minStdDev below which a window is treated as having no spread.
const minStdDev = 1e-9

// entropyWindow holds the entropy samples of the last window. Samples
// expire on their own; the janitor removes them every prune interval.
type entropyWindow struct {
	samples *cache.Cache
	seq     atomic.Uint64
}

func newEntropyWindow(window, prune time.Duration) *entropyWindow {
	return &entropyWindow{samples: cache.New(window, prune)}
}

func (w *entropyWindow) record(v float64) {
	w.samples.SetDefault(strconv.FormatUint(w.seq.Add(1), 36), v)
}

// zscore rates v against the samples in the window. ok is false while the
// window has fewer than two samples or no spread.
func (w *entropyWindow) zscore(v float64) (z, mean float64, ok bool) {
	items := w.samples.Items()
	n := float64(len(items))
	if n < 2 {
		return 0, 0, false
	}

	var sum float64
	for _, it := range items {
		sum += it.Object.(float64)
	}
	mean = sum / n

	var squares float64
	for _, it := range items {
		d := it.Object.(float64) - mean
		squares += d * d
	}
	stddev := math.Sqrt(squares / n)
	if stddev < minStdDev {
		return 0, mean, false
	}
	return (v - mean) / stddev, mean, true
}

func (w *entropyWindow) len() int {
	return w.samples.ItemCount()
}
