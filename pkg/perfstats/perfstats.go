// Package perfstats is a single place where we record the performance of the
// batch feeder's hot operations, so that it's easy to compare decode and
// augmentation cost across hardware and datasets.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
)

type PerfStats struct {
	DecodeNanosecondsPerImage    atomic.Uint64
	TransformNanosecondsPerImage atomic.Uint64
	FillNanosecondsPerBatch      atomic.Uint64
}

var Stats = PerfStats{}

// Update folds a new sample into an exponential moving average.
func Update(stat *atomic.Uint64, value int64) {
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

func (s *PerfStats) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "decode: %.3f ms/image, transform: %.3f ms/image, fill: %.3f ms/batch",
		float64(s.DecodeNanosecondsPerImage.Load())/1e6,
		float64(s.TransformNanosecondsPerImage.Load())/1e6,
		float64(s.FillNanosecondsPerBatch.Load())/1e6)
	return b.String()
}
