package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deathwatch/pkg/logx"
)

// Jobs schedules named maintenance jobs on cron descriptors ("@every 30m" or
// standard 5/6-field specs). Every job is skip-if-still-running: a slow run
// swallows its next tick instead of stacking.
type Jobs struct {
	log logx.Logger
	c   *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

func NewJobs(log logx.Logger, loc *time.Location) *Jobs {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: log}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Jobs{log: log, c: c}
}

// Add registers fn under spec. An empty or "off" spec disables the job
// without error. Add must be called before Start.
func (j *Jobs) Add(name, spec string, fn func(ctx context.Context)) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "off") {
		j.log.Info("job disabled", logx.String("job", name))
		return nil
	}
	_, err := j.c.AddFunc(spec, func() {
		j.mu.Lock()
		ctx := j.ctx
		j.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		started := time.Now()
		j.log.Debug("job started", logx.String("job", name))
		fn(ctx)
		j.log.Debug("job finished", logx.String("job", name), logx.Duration("took", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("job %s: bad spec %q: %w", name, spec, err)
	}
	j.log.Info("job scheduled", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// Start begins firing jobs; ctx is handed to every job run.
func (j *Jobs) Start(ctx context.Context) {
	j.mu.Lock()
	j.ctx = ctx
	j.mu.Unlock()
	j.c.Start()
}

// Stop waits for in-flight jobs, bounded by ctx.
func (j *Jobs) Stop(ctx context.Context) error {
	done := j.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron's logger; cron chatter stays at debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		fields = append(fields, logx.Any(k, kv[i+1]))
	}
	return fields
}
