package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronDriver fires cron tasks in one fixed timezone.
type CronDriver struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewCronDriver registers every cron task of s. Additional periodic jobs
// can be added with Every before Run.
func NewCronDriver(s *Scheduler, loc *time.Location, logger *zap.Logger) (*CronDriver, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &CronDriver{
		cron:   cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		logger: logger,
	}
	for _, t := range s.Tasks().All() {
		if t.Cron == "" {
			continue
		}
		name := t.Name
		if _, err := d.cron.AddFunc(t.Cron, func() {
			runs, err := s.Fire(context.Background(), Trigger{Kind: TriggerCron, Name: name})
			if err != nil {
				d.logger.Error("cron task failed", zap.String("task", name), zap.Error(err))
				return
			}
			d.logger.Info("cron task fired", zap.String("task", name), zap.Int("owners", len(runs)))
		}); err != nil {
			return nil, fmt.Errorf("schedule task %s: %w", name, err)
		}
	}
	return d, nil
}

// Every schedules fn on spec, e.g. "@every 1m" for resuming due workflow gates.
func (d *CronDriver) Every(spec, name string, fn func(ctx context.Context) error) error {
	_, err := d.cron.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil {
			d.logger.Warn("periodic job failed", zap.String("job", name), zap.Error(err))
		}
	})
	return err
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// running jobs to finish.
func (d *CronDriver) Run(ctx context.Context) error {
	d.cron.Start()
	<-ctx.Done()
	<-d.cron.Stop().Done()
	return nil
}
