package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/observ"
)

// Runner runs named background jobs on cron specs with seconds precision.
// A job still running when its next tick fires is skipped for that tick.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithLogger(cronLogger{logger.Sugar()})),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under name. An empty spec leaves the job disabled.
func (r *Runner) Add(name, spec string, job func(context.Context) error) (cron.EntryID, error) {
	if spec == "" {
		r.logger.Info("job disabled", zap.String("job", name))
		return 0, nil
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{r.logger.Sugar()})).Then(cron.FuncJob(func() {
		start := time.Now()
		err := job(r.baseCtx)
		labels := map[string]string{"job": name}
		observ.RecordDuration("scheduler_job", time.Since(start), labels)
		if err != nil {
			observ.IncCounter("scheduler_job_errors_total", labels)
			r.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
		}
	}))
	return r.cron.AddJob(spec, wrapped)
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}
