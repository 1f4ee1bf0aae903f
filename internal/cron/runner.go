package cronrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx == nil {
			job(context.Background())
			return
		}
		job(r.baseCtx)
	})
}

// Every schedules job at a fixed interval. Background sync loops are
// configured with durations, not cron expressions, so this is the main
// entry point.
func (r *Runner) Every(interval time.Duration, job func(context.Context)) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("cron: interval must be positive, got %s", interval)
	}
	return r.Add(fmt.Sprintf("@every %s", interval), job)
}

func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Info("cron started")
	}
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	if r.logger != nil {
		r.logger.Info("cron stopped")
	}
}
