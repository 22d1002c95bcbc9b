package sim

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/metrics"
)

// Summary aggregates the results of a batch.
type Summary struct {
	Runs         int
	BusOffs      int
	NoPattern    int
	Failed       int
	BusOffRate   float64
	MeanAttempts float64 // over runs that reached bus-off
}

// Batch repeats a scenario across a worker pool. Every run gets its own
// engine and nodes; run i is seeded with Scenario.Seed+i so results do not
// depend on scheduling.
type Batch struct {
	Scenario Scenario
	Pool     []can.Frame
	Logger   *slog.Logger
	// Observers returns extra engine observers for run i (may be nil).
	Observers func(run int) []bus.Observer
	// OnResult is called from worker goroutines; it must be safe for concurrent use.
	OnResult func(RunResult, error)
}

// Run executes Scenario.Runs runs and returns results ordered by run number.
// It stops early when ctx is cancelled.
func (b *Batch) Run(ctx context.Context) ([]RunResult, Summary, error) {
	if err := b.Scenario.Validate(); err != nil {
		return nil, Summary{}, err
	}
	logger := b.Logger
	if logger == nil {
		logger = logging.L()
	}
	n := b.Scenario.Runs
	results := make([]RunResult, n)
	errs := make([]error, n)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(b.Scenario.Workers, n) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := b.one(ctx, i+1, logger)
				results[i], errs[i] = res, err
				if err == nil {
					metrics.IncRun(res.BusOff)
				}
				if b.OnResult != nil {
					b.OnResult(res, err)
				}
			}
		}()
	}
	done := 0
feed:
	for i := range n {
		select {
		case jobs <- i:
			done++
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	results = results[:done]
	sum := Summarize(results, errs[:done])
	logger.Info("batch_complete", "runs", sum.Runs, "bus_offs", sum.BusOffs, "no_pattern", sum.NoPattern,
		"failed", sum.Failed, "bus_off_rate", sum.BusOffRate, "mean_attempts", sum.MeanAttempts)
	return results, sum, ctx.Err()
}

func (b *Batch) one(ctx context.Context, run int, logger *slog.Logger) (RunResult, error) {
	opts := []DriverOption{WithRunLogger(logger)}
	if b.Observers != nil {
		for _, o := range b.Observers(run) {
			opts = append(opts, WithEngineOptions(bus.WithObserver(o)))
		}
	}
	d, err := NewDriver(b.Scenario, run, b.Pool, b.Scenario.Seed+int64(run), opts...)
	if err != nil {
		return RunResult{Run: run}, err
	}
	return d.Run(ctx)
}

// Summarize aggregates results; errs is parallel to results and may be nil.
func Summarize(results []RunResult, errs []error) Summary {
	s := Summary{Runs: len(results)}
	attempts := 0
	for i, r := range results {
		if i < len(errs) && errs[i] != nil {
			s.Failed++
			continue
		}
		switch {
		case !r.Pattern:
			s.NoPattern++
		case r.BusOff:
			s.BusOffs++
			attempts += r.Attempts
		}
	}
	if s.Runs > 0 {
		s.BusOffRate = float64(s.BusOffs) / float64(s.Runs)
	}
	if s.BusOffs > 0 {
		s.MeanAttempts = float64(attempts) / float64(s.BusOffs)
	}
	return s
}
