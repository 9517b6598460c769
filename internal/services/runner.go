package services

import (
	"context"
	"sync"
	"time"

	"swapline/agent/internal/models"
	"swapline/agent/internal/stores"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Stepper advances one transfer by a single state action. Satisfied by
// *Orchestrator.
type Stepper interface {
	Step(ctx context.Context, key string) (*models.TransferRecord, error)
}

type RunnerConfig struct {
	Interval      time.Duration
	MaxConcurrent int64
}

// Runner drives every live transfer through the Stepper on a fixed scan
// cadence. Records whose next attempt lies in the future are skipped, so
// a waiting transfer costs no goroutine between polls.
type Runner struct {
	store    stores.TransferStore
	stepper  Stepper
	logger   *zerolog.Logger
	sem      *semaphore.Weighted
	interval time.Duration
}

func NewRunner(store stores.TransferStore, stepper Stepper, logger *zerolog.Logger, cfg RunnerConfig) *Runner {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Runner{
		store:    store,
		stepper:  stepper,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		interval: cfg.Interval,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// tick steps every due record, at most MaxConcurrent at a time, and
// returns once the pass has drained.
func (r *Runner) tick(ctx context.Context) error {
	now := time.Now()
	var due []string
	err := r.store.Scan(ctx, func(rec *models.TransferRecord) error {
		if rec.State.Terminal() || now.Before(rec.NextAttemptAt) {
			return nil
		}
		due = append(due, rec.Key)
		return nil
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, key := range due {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			if _, err := r.stepper.Step(ctx, key); err != nil {
				// A lost CAS race or a store hiccup; the next scan retries.
				r.logger.Error().Str("key", key).Err(err).Msg("transfer step not applied")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
