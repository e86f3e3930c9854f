// Package sweep drives scheduled communication attempts. A sweep claims due
// pending attempts one at a time with an optimistic status update, hands
// each to the dispatcher and isolates per-attempt failures so one broken
// send never stalls the batch.
package sweep

import (
	"context"
	"log"
	"time"

	"cadence/internal/config"
	"cadence/internal/dispatch"
	"cadence/internal/repo"
)

const (
	defaultBatchSize    = 10
	defaultInterval     = 60 * time.Second
	defaultStaleRelease = 15 * time.Minute
)

type Sweeper struct {
	Repo       repo.Repo
	Dispatcher dispatch.Dispatcher
	Config     *config.Config
	Now        func() time.Time
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sweeper) batchSize() int {
	if n := s.Config.Communications.Sweep.BatchSize; n > 0 {
		return n
	}
	return defaultBatchSize
}

func (s Sweeper) interval() time.Duration {
	if n := s.Config.Communications.Sweep.IntervalSeconds; n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultInterval
}

func (s Sweeper) staleAfter() time.Duration {
	if n := s.Config.Communications.Sweep.StaleMinutes; n > 0 {
		return time.Duration(n) * time.Minute
	}
	return defaultStaleRelease
}

// Result summarizes one sweep pass.
type Result struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Released  int `json:"released"`
}

// RunOnce releases abandoned claims, then processes up to one batch of due
// attempts in scheduled order. Dispatch errors are logged and counted, not
// returned, so the remaining attempts in the batch still run.
func (s Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := s.now().UTC()

	cutoff := now.Add(-s.staleAfter()).Format(time.RFC3339)
	released, err := s.Repo.ReleaseStaleAttempts(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Released = int(released)
	if released > 0 {
		log.Printf("sweep: released %d stale attempts", released)
	}

	nowStr := now.Format(time.RFC3339)
	due, err := s.Repo.DueAttempts(ctx, nowStr, s.batchSize())
	if err != nil {
		return res, err
	}
	for _, attempt := range due {
		claimed, err := s.Repo.ClaimAttempt(ctx, attempt.ID, nowStr)
		if err != nil {
			return res, err
		}
		if !claimed {
			continue
		}
		res.Claimed++
		if err := s.Dispatcher.Dispatch(ctx, attempt); err != nil {
			log.Printf("sweep: dispatch attempt %s failed: %v", attempt.ID, err)
			res.Failed++
			continue
		}
		settled, err := s.Repo.GetAttempt(ctx, attempt.ID)
		if err == nil && settled.AttemptStatus == "failed" {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	return res, nil
}

// Run loops RunOnce on the configured interval until the context ends.
func (s Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("sweep: pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
