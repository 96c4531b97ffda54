package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"wikimetrics/internal/logger"
)

// Trigger runs a scheduler pass on a cron schedule. Passes never overlap: a
// tick that fires while the previous pass is still running is skipped.
type Trigger struct {
	cron *cron.Cron
	log  logger.Logger
}

// NewTrigger parses a standard five-field cron spec.
func (a *App) NewTrigger(ctx context.Context, spec string) (*Trigger, error) {
	cl := cronLogger{log: a.Log.With(logger.String("component", "trigger"))}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	t := &Trigger{cron: c, log: cl.log}
	_, err := c.AddFunc(spec, func() {
		sum, err := a.Engine.RunRecurring(ctx, nil)
		if err != nil {
			t.log.Error("Scheduled pass failed", logger.Error(err))
			return
		}
		t.log.Debug("Scheduled pass done", logger.Int("materialized", sum.Materialized), logger.Int("failed", sum.Failed))
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler cron %q: %w", spec, err)
	}
	return t, nil
}

func (t *Trigger) Start() {
	t.cron.Start()
	t.log.Info("Scheduler trigger started")
}

// Stop waits for a pass in flight to return.
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
	t.log.Info("Scheduler trigger stopped")
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(fields(keysAndValues), logger.Error(err))...)
}

func fields(kv []interface{}) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
