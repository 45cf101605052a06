package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Timer runs the auto-release sweep on a cron schedule inside the process.
// It complements the external trigger endpoint; the two may overlap.
type Timer struct {
	engine   *Engine
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	stop     chan struct{}
	running  atomic.Bool
	runs     atomic.Int64
}

// NewTimer creates a timer for schedule, any robfig/cron spec such as
// "@every 6h" or "0 */6 * * *".
func NewTimer(engine *Engine, schedule string, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	log := cronLogger{logger}
	return &Timer{
		engine:   engine,
		schedule: schedule,
		timeout:  10 * time.Minute,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)), cron.WithLogger(log)),
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs returns how many sweeps the timer started.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Start schedules the sweep and blocks until ctx is done or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) error {
	if _, err := t.cron.AddFunc(t.schedule, func() { t.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule auto-release %q: %w", t.schedule, err)
	}
	t.running.Store(true)
	defer t.running.Store(false)

	t.cron.Start()
	t.logger.Info("auto-release timer started", "schedule", t.schedule)

	select {
	case <-ctx.Done():
	case <-t.stop:
	}

	// Wait for an in-flight sweep to finish.
	<-t.cron.Stop().Done()
	t.logger.Info("auto-release timer stopped")
	return nil
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) tick(ctx context.Context) {
	t.runs.Add(1)
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if _, err := t.engine.Sweep(ctx, "timer"); err != nil {
		t.logger.Warn("scheduled auto-release sweep failed", "error", err)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
