package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"virtual-staging/internal/config"
	"virtual-staging/internal/models"
	"virtual-staging/internal/queue"
	"virtual-staging/internal/telemetry"
)

const (
	timeoutReason  = "generation timed out"
	staleSweepSize = 100
)

// Reconciler is the part of the staging service the worker drives.
type Reconciler interface {
	Refresh(ctx context.Context, id string) (models.StagingJob, error)
	Expire(ctx context.Context, id, reason string) (bool, error)
	ExpireStale(ctx context.Context, cutoff time.Time, limit int, reason string) ([]string, error)
}

// Processor reconciles asynchronous jobs whose webhook has not arrived. Each
// scheduled check queries the vendor once; jobs still processing are
// rescheduled with backoff until they exceed the stale timeout.
type Processor struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	reconciler Reconciler
	logger     zerolog.Logger
	now        func() time.Time
	lastSweep  time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, r Reconciler, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		queue:      q,
		reconciler: r,
		logger:     logger,
		now:        time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		handled, err := p.Step(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("reconcile step failed")
		}
		if !handled {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// housekeeping moves due checks onto the ready list, reclaims expired leases
// and periodically fails jobs that were never scheduled for reconciliation.
func (p *Processor) housekeeping(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn().Err(err).Msg("promote scheduled checks")
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.logger.Warn().Err(err).Msg("requeue expired leases")
	} else if len(reclaimed) > 0 {
		p.logger.Info().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.ReconcileDepth.Set(float64(depth))
	}
	if inflight, err := p.queue.InFlightDepth(ctx); err == nil {
		telemetry.ReconcileInFlight.Set(float64(inflight))
	}

	if now.Sub(p.lastSweep) < p.cfg.StaleJobTimeout/10 {
		return
	}
	p.lastSweep = now
	expired, err := p.reconciler.ExpireStale(ctx, now.Add(-p.cfg.StaleJobTimeout), staleSweepSize, timeoutReason)
	if err != nil {
		p.logger.Warn().Err(err).Msg("stale job sweep")
	}
	if len(expired) > 0 {
		p.logger.Info().Strs("job_ids", expired).Msg("expired stale jobs")
	}
}

// Step leases one check and handles it. It reports whether a check was leased.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	log := p.logger.With().Str("job_id", jobID).Logger()

	job, err := p.reconciler.Refresh(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		return true, p.queue.Ack(ctx, jobID, true)
	}
	if err != nil {
		// Leave the lease in place; it expires and the check is retried.
		log.Warn().Err(err).Msg("refresh failed")
		return true, nil
	}
	if job.Status != models.StatusProcessing {
		log.Debug().Str("status", string(job.Status)).Msg("job settled")
		return true, p.queue.Ack(ctx, jobID, true)
	}

	if p.now().Sub(job.CreatedAt) >= p.cfg.StaleJobTimeout {
		applied, err := p.reconciler.Expire(ctx, jobID, timeoutReason)
		if err != nil {
			log.Warn().Err(err).Msg("expire failed")
			return true, nil
		}
		if applied {
			log.Info().Dur("age", p.now().Sub(job.CreatedAt)).Msg("job timed out")
			_ = p.queue.DLQPush(ctx, jobID)
		}
		return true, p.queue.Ack(ctx, jobID, true)
	}

	attempts, err := p.queue.Attempts(ctx, jobID)
	if err != nil {
		return true, err
	}
	attempts++
	next := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if err := p.queue.Ack(ctx, jobID, false); err != nil {
		return true, err
	}
	if err := p.queue.Schedule(ctx, jobID, attempts, next); err != nil {
		return true, err
	}
	log.Debug().Int("attempt", attempts).Time("next_check", next).Msg("job still processing")
	return true, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
