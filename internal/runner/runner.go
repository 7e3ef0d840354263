// Package runner drives pipeline stages as repeated, time-boxed passes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/news-queue-crawler/internal/metrics"
	"github.com/JakeFAU/news-queue-crawler/internal/news"
)

// ErrStageBusy reports that a pass of the stage is already running.
var ErrStageBusy = errors.New("stage pass already running")

// PassFunc performs one unit of stage work. It must stop when ctx is done.
type PassFunc func(ctx context.Context) (news.Outcome, error)

// Stage describes how a pass is repeated.
type Stage struct {
	Name string
	Pass PassFunc
	// Slot groups stages whose passes must not overlap; empty means Name.
	Slot string
	// Timeout bounds a single pass; zero means no bound.
	Timeout time.Duration
	// Interval is the pause after a pass that did not fail.
	Interval time.Duration
	// ErrorBackoff is the pause after a failed or timed-out pass.
	ErrorBackoff time.Duration
	// MaxPasses stops the loop after that many passes; zero loops until canceled.
	MaxPasses int
	// MaxConsecutiveTimeouts aborts the loop after that many timeouts in a row; zero never aborts.
	MaxConsecutiveTimeouts int
	// StopOnNoWork ends the loop on the first pass that found nothing to do.
	StopOnNoWork bool
}

// Summary counts pass results of one Run.
type Summary struct {
	Stage     string
	Passes    int
	Succeeded int
	NoWork    int
	Failed    int
	TimedOut  int
}

// Runner executes stages.
type Runner struct {
	ids    news.IDGenerator
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New builds a Runner. ids may be nil, in which case passes carry no run id.
func New(ids news.IDGenerator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		ids:    ids,
		logger: logger.Named("runner"),
		sleep:  sleepCtx,
		slots:  make(map[string]chan struct{}),
	}
}

// slot returns the semaphore that keeps passes of one stage slot from overlapping.
func (r *Runner) slot(stage Stage) chan struct{} {
	key := stage.Slot
	if key == "" {
		key = stage.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.slots[key] = ch
	}
	return ch
}

// TryRunPass runs one pass like RunPass but returns ErrStageBusy instead of
// waiting when another pass of the same slot is in flight.
func (r *Runner) TryRunPass(ctx context.Context, stage Stage, n int) (news.Outcome, error) {
	slot := r.slot(stage)
	select {
	case slot <- struct{}{}:
	default:
		return "", fmt.Errorf("%s: %w", stage.Name, ErrStageBusy)
	}
	defer func() { <-slot }()
	return r.runPass(ctx, stage, n)
}

// RunPass executes one pass of stage under its timeout. It waits for any
// other pass of the same slot to finish first. A pass cut short by the
// timeout returns an error wrapping news.ErrPassTimeout.
func (r *Runner) RunPass(ctx context.Context, stage Stage, n int) (news.Outcome, error) {
	slot := r.slot(stage)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-slot }()
	return r.runPass(ctx, stage, n)
}

func (r *Runner) runPass(ctx context.Context, stage Stage, n int) (news.Outcome, error) {
	logger := r.logger.With(zap.String("stage", stage.Name), zap.Int("pass", n))
	if r.ids != nil {
		if id, err := r.ids.NewID(); err == nil {
			logger = logger.With(zap.String("run_id", id))
		}
	}

	passCtx, cancel := ctx, context.CancelFunc(func() {})
	if stage.Timeout > 0 {
		passCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
	}
	defer cancel()

	start := time.Now()
	outcome, err := stage.Pass(passCtx)
	elapsed := time.Since(start)
	timedOut := err != nil && ctx.Err() == nil && errors.Is(passCtx.Err(), context.DeadlineExceeded)
	metrics.ObservePass(stage.Name, elapsed, timedOut)

	switch {
	case timedOut:
		metrics.ObserveStage(stage.Name, "timeout")
		logger.Warn("pass timed out", zap.Duration("timeout", stage.Timeout), zap.Error(err))
		return outcome, fmt.Errorf("%s pass %d after %s: %w", stage.Name, n, stage.Timeout, errors.Join(news.ErrPassTimeout, err))
	case err != nil:
		metrics.ObserveStage(stage.Name, "error")
		logger.Error("pass failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return outcome, err
	}
	metrics.ObserveStage(stage.Name, string(outcome))
	logger.Debug("pass finished", zap.String("outcome", string(outcome)), zap.Duration("elapsed", elapsed))
	return outcome, nil
}

// Run repeats passes of stage until ctx is canceled or a stop condition is
// met. Failed passes are logged and retried after the back-off; only running
// out of consecutive timeouts ends the loop with an error.
func (r *Runner) Run(ctx context.Context, stage Stage) (Summary, error) {
	if stage.Pass == nil {
		return Summary{}, fmt.Errorf("stage %q has no pass", stage.Name)
	}
	summary := Summary{Stage: stage.Name}
	consecutiveTimeouts := 0
	for n := 1; stage.MaxPasses == 0 || n <= stage.MaxPasses; n++ {
		if ctx.Err() != nil {
			break
		}
		summary.Passes++
		outcome, err := r.RunPass(ctx, stage, n)
		pause := stage.Interval
		switch {
		case errors.Is(err, news.ErrPassTimeout):
			summary.TimedOut++
			consecutiveTimeouts++
			if stage.MaxConsecutiveTimeouts > 0 && consecutiveTimeouts >= stage.MaxConsecutiveTimeouts {
				return summary, fmt.Errorf("%s: %d consecutive timeouts: %w", stage.Name, consecutiveTimeouts, news.ErrPassTimeout)
			}
			pause = stage.ErrorBackoff
		case err != nil:
			if ctx.Err() != nil {
				return summary, nil
			}
			summary.Failed++
			consecutiveTimeouts = 0
			pause = stage.ErrorBackoff
		case outcome == news.OutcomeNoWork:
			summary.NoWork++
			consecutiveTimeouts = 0
			if stage.StopOnNoWork {
				return summary, nil
			}
		default:
			summary.Succeeded++
			consecutiveTimeouts = 0
		}
		if stage.MaxPasses > 0 && n == stage.MaxPasses {
			break
		}
		if err := r.sleep(ctx, pause); err != nil {
			break
		}
	}
	r.logger.Info("stage stopped",
		zap.String("stage", summary.Stage),
		zap.Int("passes", summary.Passes),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("no_work", summary.NoWork),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut),
	)
	return summary, nil
}

// RunAll runs every stage concurrently, one loop each, until ctx is canceled
// or a stage aborts. An aborting stage cancels the others.
func (r *Runner) RunAll(ctx context.Context, stages ...Stage) ([]Summary, error) {
	summaries := make([]Summary, len(stages))
	g, gctx := errgroup.WithContext(ctx)
	for i, stage := range stages {
		g.Go(func() error {
			s, err := r.Run(gctx, stage)
			summaries[i] = s
			return err
		})
	}
	return summaries, g.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
