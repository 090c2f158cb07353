package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const reconcilerLockKey = "inventory:reservation-reconciler"

// Expirer releases a single overdue reservation
type Expirer interface {
	Expire(ctx context.Context, id string) (*models.Reservation, error)
}

// Locker is an optional cross-instance mutex. It only saves duplicate work;
// the conditional status transition already prevents double release.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// ReconcileResult summarises one reconciler cycle
type ReconcileResult struct {
	Expired int
	Skipped int
	Failed  int
	Locked  bool
}

// Reconciler expires ACTIVE reservations whose deadline has passed. A
// reservation can outlive expiresAt by at most one interval plus run time.
type Reconciler struct {
	repo      store.Repository
	expirer   Expirer
	locker    Locker
	interval  time.Duration
	batchSize int
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciler creates a new expiry reconciler. locker may be nil.
func NewReconciler(repo store.Repository, expirer Expirer, locker Locker, interval time.Duration, batchSize int, logger *zap.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		repo:      repo,
		expirer:   expirer,
		locker:    locker,
		interval:  interval,
		batchSize: batchSize,
		cron:      newScheduler(logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Start schedules RunOnce every interval until Stop is called
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reservation reconciler",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize))

	err := scheduleEvery(r.cron, ctx, r.interval, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Reconciler run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	r.logger.Info("Stopping reservation reconciler")
	<-r.cron.Stop().Done()
}

// RunOnce expires every overdue reservation. Each reservation is handled
// independently; failures are left ACTIVE and retried on the next cycle.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.RunOnce")
	defer span.End()

	var result ReconcileResult

	if r.locker != nil {
		token, err := r.locker.AcquireLock(ctx, reconcilerLockKey, r.lockTTL())
		if err != nil {
			r.logger.Warn("Reconciler lock unavailable, running unlocked", zap.Error(err))
		} else if token == "" {
			result.Locked = true
			util.ReconcilerRunsTotal.WithLabelValues("skipped").Inc()
			return result, nil
		} else {
			defer func() {
				if err := r.locker.ReleaseLock(context.WithoutCancel(ctx), reconcilerLockKey, token); err != nil {
					r.logger.Warn("Failed to release reconciler lock", zap.Error(err))
				}
			}()
		}
	}

	// ids that stay ACTIVE after an attempt are listed again; widen the
	// window past them and never retry them within the same cycle
	attempted := make(map[string]bool)
	stuck := 0
	for {
		limit := r.batchSize + stuck
		batch, err := r.repo.ListExpiredReservations(ctx, r.now().UTC(), limit)
		if err != nil {
			util.ReconcilerRunsTotal.WithLabelValues("error").Inc()
			return result, fmt.Errorf("failed to list expired reservations: %w", err)
		}

		fresh := 0
		for _, res := range batch {
			if attempted[res.ID] {
				continue
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			attempted[res.ID] = true
			fresh++

			_, err := r.expirer.Expire(ctx, res.ID)
			switch {
			case err == nil:
				result.Expired++
				util.ReservationsExpiredTotal.Inc()
			case errors.Is(err, models.ErrInvalidState):
				// settled concurrently, or not yet due by the manager's clock
				result.Skipped++
				stuck++
			default:
				result.Failed++
				stuck++
				r.logger.Error("Failed to expire reservation",
					zap.String("reservation_id", res.ID),
					zap.String("order_id", res.OrderID),
					zap.Error(err))
			}
		}

		if fresh == 0 || len(batch) < limit {
			break
		}
	}

	outcome := "ok"
	if result.Failed > 0 {
		outcome = "partial"
	}
	util.ReconcilerRunsTotal.WithLabelValues(outcome).Inc()
	if result.Expired > 0 || result.Failed > 0 {
		r.logger.Info("Reconciler cycle finished",
			zap.Int("expired", result.Expired),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (r *Reconciler) lockTTL() time.Duration {
	if r.interval <= 0 {
		return time.Minute
	}
	return r.interval
}
