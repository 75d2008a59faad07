// Package scheduler owns the periodic trigger of rollout evaluation. The
// tick target must be idempotent and safe to invoke re-entrantly; the
// state machine guarantees that through conditional status transitions, so
// the scheduler itself stays a plain interval loop.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type EvaluationTarget interface {
	EvaluateRunningRollouts(ctx context.Context, maxBatch uint64) error
}

type Scheduler struct {
	interval time.Duration
	maxBatch uint64
	target   EvaluationTarget
}

func New(interval time.Duration, maxBatch uint64, target EvaluationTarget) *Scheduler {
	return &Scheduler{
		interval: interval,
		maxBatch: maxBatch,
		target:   target,
	}
}

// Run ticks until the context is done. A failed tick is only logged: the
// evaluation is resumable by construction, the next tick picks up whatever
// this one left unfinished.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.target.EvaluateRunningRollouts(ctx, s.maxBatch)
			if err != nil {
				log.Error().Err(err).Msg("rollout evaluation tick failed")
			}
		}
	}
}
