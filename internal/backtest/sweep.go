package backtest

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// RunOutcome pairs one sweep request with its result or error. Outcomes
// keep the request order regardless of which worker ran them.
type RunOutcome struct {
	Request types.RunRequest
	Result  types.BacktestResult
	Err     error
}

// Sweep runs the requests across a bounded worker pool. Each individual
// run stays sequential and deterministic; only distinct requests execute
// in parallel. Cancellation is honored between runs: an in-flight run
// always finishes and persists, runs not yet started report ctx.Err().
func (s *Service) Sweep(ctx context.Context, reqs []types.RunRequest, workers int) []RunOutcome {
	outcomes := make([]RunOutcome, len(reqs))
	if len(reqs) == 0 {
		return outcomes
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(reqs) {
		workers = len(reqs)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				// A started run must complete even if the sweep is
				// cancelled mid-flight.
				res, err := s.Run(context.WithoutCancel(ctx), reqs[i])
				outcomes[i] = RunOutcome{Request: reqs[i], Result: res, Err: err}
			}
		}()
	}

	dispatched := 0
feed:
	for i := range reqs {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case indexes <- i:
			dispatched++
		}
	}
	close(indexes)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		for i := dispatched; i < len(reqs); i++ {
			outcomes[i] = RunOutcome{Request: reqs[i], Err: err}
			s.metrics.runs.WithLabelValues("skipped").Inc()
		}
		s.logger.Warn("sweep cancelled",
			zap.Int("dispatched", dispatched),
			zap.Int("skipped", len(reqs)-dispatched),
		)
	}
	return outcomes
}
