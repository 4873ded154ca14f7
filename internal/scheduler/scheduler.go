// Package scheduler drives the time-based billing sweeps: due charges,
// payment retries, cancel-at-period-end expiry, and trial expiration.
// It owns when the orchestrator runs; the orchestrator owns what happens.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	billingdomain "github.com/kartpay/billing/internal/billing/domain"
	"github.com/kartpay/billing/internal/clock"
	"github.com/kartpay/billing/internal/config"
	obsmetrics "github.com/kartpay/billing/internal/observability/metrics"
	subscriptiondomain "github.com/kartpay/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	BillingSvc billingdomain.Service
	Subs       subscriptiondomain.Repository
	BillingCfg *config.BillingConfigHolder
	Clock      clock.Clock
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	billingSvc billingdomain.Service
	subs       subscriptiondomain.Repository
	billingCfg *config.BillingConfigHolder
	clock      clock.Clock
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.BillingSvc == nil || p.Subs == nil || p.BillingCfg == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		billingSvc: p.BillingSvc,
		subs:       p.Subs,
		billingCfg: p.BillingCfg,
		clock:      p.Clock,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out", zap.String("job", name), zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	schedMetrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one pass of every enabled job. Per-record failures are
// joined, never short-circuited: one subscription can never block the
// rest of the batch.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"process_due_subscriptions", s.ProcessDueSubscriptions},
		{"retry_failed_payments", s.RetryFailedPayments},
		{"check_trial_expiration", s.CheckTrialExpiration},
		{"expire_cancelled_subscriptions", s.ExpireCancelledSubscriptions},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		name, run := job.Name, job.Run
		err = errors.Join(err, s.runJob(parent, name, s.cfg.JobTimeout, run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ProcessDueSubscriptions bills every subscription whose next billing
// date has passed, one batch per invocation.
func (s *Scheduler) ProcessDueSubscriptions(ctx context.Context) error {
	now := s.clock.Now()
	batch, err := s.claimBatch(ctx, func(tx *gorm.DB) ([]subscriptiondomain.Subscription, error) {
		return s.subs.FindDue(ctx, tx, now, s.cfg.BatchSize)
	})
	if err != nil {
		return err
	}
	return s.billEach(ctx, "process_due_subscriptions", batch)
}

// RetryFailedPayments re-attempts past_due subscriptions that have not
// exhausted the configured attempt budget.
func (s *Scheduler) RetryFailedPayments(ctx context.Context) error {
	maxAttempts := s.billingCfg.Current().MaxFailedAttempts
	batch, err := s.claimBatch(ctx, func(tx *gorm.DB) ([]subscriptiondomain.Subscription, error) {
		return s.subs.FindPastDue(ctx, tx, maxAttempts, s.cfg.BatchSize)
	})
	if err != nil {
		return err
	}
	return s.billEach(ctx, "retry_failed_payments", batch)
}

// CheckTrialExpiration converts trialing subscriptions past their trial
// end into a first real billing attempt.
func (s *Scheduler) CheckTrialExpiration(ctx context.Context) error {
	now := s.clock.Now()
	batch, err := s.claimBatch(ctx, func(tx *gorm.DB) ([]subscriptiondomain.Subscription, error) {
		return s.subs.FindTrialExpired(ctx, tx, now, s.cfg.BatchSize)
	})
	if err != nil {
		return err
	}
	return s.billEach(ctx, "check_trial_expiration", batch)
}

// ExpireCancelledSubscriptions sweeps cancel-at-period-end subscriptions
// whose period has passed into terminal cancelled.
func (s *Scheduler) ExpireCancelledSubscriptions(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.billingCfg.Current().ExpiryGrace)
	batch, err := s.claimBatch(ctx, func(tx *gorm.DB) ([]subscriptiondomain.Subscription, error) {
		return s.subs.FindCancelSweepable(ctx, tx, cutoff, s.cfg.BatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, sub := range batch {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.billingSvc.FinalizeCancellation(ctx, sub.ID.String()); err != nil {
			if errors.Is(err, billingdomain.ErrBillingInProgress) {
				continue
			}
			jobErr = errors.Join(jobErr, fmt.Errorf("subscription %s: %w", sub.ID.String(), err))
			continue
		}
		processed++
	}
	obsmetrics.Scheduler().AddBatchProcessed("expire_cancelled_subscriptions", processed)
	return jobErr
}

// claimBatch reads candidates in a short transaction so the row locks
// from SKIP LOCKED do not outlive the scan. The billing service
// re-validates every record under its own lock.
func (s *Scheduler) claimBatch(
	ctx context.Context,
	fetch func(tx *gorm.DB) ([]subscriptiondomain.Subscription, error),
) ([]subscriptiondomain.Subscription, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var batch []subscriptiondomain.Subscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		batch, err = fetch(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Scheduler) billEach(ctx context.Context, job string, batch []subscriptiondomain.Subscription) error {
	var jobErr error
	processed := 0
	for _, sub := range batch {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		_, err := s.billingSvc.ProcessBilling(ctx, sub.ID.String())
		if err != nil {
			// Another worker holds the subscription, or its state moved
			// between claim and bill. Both are expected under concurrency.
			if errors.Is(err, billingdomain.ErrBillingInProgress) || errors.Is(err, billingdomain.ErrCannotBill) {
				s.log.Debug("skipped subscription",
					zap.String("job", job),
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err))
				continue
			}
			jobErr = errors.Join(jobErr, fmt.Errorf("subscription %s: %w", sub.ID.String(), err))
			continue
		}
		processed++
	}
	obsmetrics.Scheduler().AddBatchProcessed(job, processed)
	return jobErr
}
