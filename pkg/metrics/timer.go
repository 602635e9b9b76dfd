package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// Float64Timer measures durations, in milliseconds, of named operations
// via an opencensus distribution view.
type Float64Timer struct {
	measure *stats.Float64Measure
	view    *view.View
}

// Stopwatch tracks one in-flight measurement started by Float64Timer.Start.
type Stopwatch struct {
	timer *Float64Timer
	start time.Time
}

// NewTimerMs registers a new millisecond timer under name. Registering two
// timers under the same name panics, the same developer-error guard
// NewInt64Counter uses.
func NewTimerMs(name, desc string) *Float64Timer {
	log.Infof("registering timer: %s - %s", name, desc)
	measure := stats.Float64(name, desc, stats.UnitMilliseconds)
	v := &view.View{
		Name:        name,
		Measure:     measure,
		Description: desc,
		Aggregation: view.Distribution(0, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	}
	if err := view.Register(v); err != nil {
		panic(err)
	}
	return &Float64Timer{measure: measure, view: v}
}

// Start begins timing an operation.
func (t *Float64Timer) Start(ctx context.Context) *Stopwatch {
	return &Stopwatch{timer: t, start: time.Now()}
}

// Stop records the elapsed time since Start as a measurement in
// milliseconds.
func (s *Stopwatch) Stop(ctx context.Context) {
	elapsedMs := float64(time.Since(s.start)) / float64(time.Millisecond)
	stats.Record(ctx, s.timer.measure.M(elapsedMs))
}
