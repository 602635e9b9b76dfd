// Package metrics provides the small opencensus-backed instrumentation
// surface (counters, millisecond timers) that the sync orchestrator and
// interpreter job use to report activity, plus a prometheus exporter to
// serve them. Grounded on the teacher's top-level metrics/counter.go
// (Int64Counter over go.opencensus.io/stats+view) and on
// internal/pkg/metrics/timer_test.go, whose corresponding production
// timer.go was not part of the retrieved source but whose API (NewTimerMs,
// Start/Stop around a view-backed Float64Timer) this package reconstructs.
package metrics

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var log = logging.Logger("metrics")

// Int64Counter wraps an opencensus int64 measure used as a monotonic
// counter.
type Int64Counter struct {
	measureCt *stats.Int64Measure
	view      *view.View
}

// NewInt64Counter creates a new Int64Counter with dimensionless units.
// Registering two counters under the same name panics, matching the
// teacher's behavior (a developer error caught at init time).
func NewInt64Counter(name, desc string) *Int64Counter {
	log.Infof("registering int64 counter: %s - %s", name, desc)
	iMeasure := stats.Int64(name, desc, stats.UnitDimensionless)
	iView := &view.View{
		Name:        name,
		Measure:     iMeasure,
		Description: desc,
		Aggregation: view.Sum(),
	}
	if err := view.Register(iView); err != nil {
		panic(err)
	}

	return &Int64Counter{measureCt: iMeasure, view: iView}
}

// Inc increments the counter by v.
func (c *Int64Counter) Inc(ctx context.Context, v int64) {
	stats.Record(ctx, c.measureCt.M(v))
}
