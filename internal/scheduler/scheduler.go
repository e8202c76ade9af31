package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"boardflow/internal/automation"
)

// Ticker evaluates scheduled rules once.
type Ticker interface {
	Tick(ctx context.Context) (automation.TickReport, error)
}

// Runner calls a Ticker on a fixed interval. A tick still running when the
// next one is due is skipped rather than queued.
type Runner struct {
	ticker Ticker
	log    *zap.Logger
	cron   *cron.Cron
	// OnTick, when set, runs after every successful tick.
	OnTick func(automation.TickReport)

	mu  sync.Mutex
	ctx context.Context
}

func New(t Ticker, interval time.Duration, log *zap.Logger) (*Runner, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("tick interval %s is below one second", interval)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{ticker: t, log: log, ctx: context.Background()}
	cl := cronLogger{log.Sugar()}
	r.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := r.cron.AddFunc("@every "+interval.String(), r.run); err != nil {
		return nil, fmt.Errorf("schedule tick: %w", err)
	}
	return r, nil
}

// Start begins ticking in the background. ctx is passed to every tick.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.log.Info("scheduler started")
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("scheduler stopped")
}

func (r *Runner) run() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Warn("scheduler tick failed", zap.Error(err))
	}
}

// RunOnce performs a single tick immediately.
func (r *Runner) RunOnce(ctx context.Context) (automation.TickReport, error) {
	report, err := r.ticker.Tick(ctx)
	if err != nil {
		return report, err
	}
	if report.Fired > 0 {
		r.log.Info("scheduler tick",
			zap.Int("evaluated", report.Evaluated),
			zap.Int("fired", report.Fired),
			zap.Int("executed", report.Executed))
	}
	if r.OnTick != nil {
		r.OnTick(report)
	}
	return report, nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
