package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// CronRunner drives the sweeps on a gocron schedule. Each job is
// registered with SingletonMode so a slow pass never overlaps the next
// tick of the same job.
type CronRunner struct {
	sched *Scheduler
	cron  *gocron.Scheduler
	log   *zap.Logger
}

func NewCronRunner(sched *Scheduler, log *zap.Logger) *CronRunner {
	return &CronRunner{
		sched: sched,
		cron:  gocron.NewScheduler(time.UTC),
		log:   log.Named("scheduler.cron"),
	}
}

func (r *CronRunner) Start(ctx context.Context) error {
	interval := r.sched.cfg.RunInterval

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"process_due_subscriptions", r.sched.ProcessDueSubscriptions},
		{"retry_failed_payments", r.sched.RetryFailedPayments},
		{"check_trial_expiration", r.sched.CheckTrialExpiration},
		{"expire_cancelled_subscriptions", r.sched.ExpireCancelledSubscriptions},
	}

	for _, job := range jobs {
		if !r.sched.isJobEnabled(job.Name) {
			continue
		}
		name, run := job.Name, job.Run
		_, err := r.cron.Every(interval).SingletonMode().Do(func() {
			if err := r.sched.runJob(context.Background(), name, r.sched.cfg.JobTimeout, run); err != nil {
				r.log.Warn("job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	r.cron.StartAsync()
	return nil
}

func (r *CronRunner) Stop(ctx context.Context) error {
	r.cron.Stop()
	return nil
}
