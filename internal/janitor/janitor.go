// Package janitor runs periodic maintenance on cron schedules: archive
// sweeps, cache and limiter cleanup, and pruning of finished jobs.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrUnknownTask is returned by RunNow for unregistered names.
var ErrUnknownTask = errors.New("unknown janitor task")

// Task is one unit of maintenance.
type Task func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	fn      Task
	timeout time.Duration
	mu      sync.Mutex
}

// Janitor owns a cron scheduler and its named tasks.
type Janitor struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*entry
}

// New builds a Janitor. Specs accept five cron fields or descriptors such as
// "@every 5m".
func New(logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("janitor")
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		parser: parser,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*entry),
	}
}

// Register schedules fn under name. A zero timeout leaves runs unbounded.
func (j *Janitor) Register(name, spec string, timeout time.Duration, fn Task) error {
	if name == "" || fn == nil {
		return errors.New("janitor task needs a name and a function")
	}
	if _, err := j.parser.Parse(spec); err != nil {
		return fmt.Errorf("task %s: parse schedule %q: %w", name, spec, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.tasks[name]; dup {
		return fmt.Errorf("task %s already registered", name)
	}
	e := &entry{name: name, spec: spec, fn: fn, timeout: timeout}
	if _, err := j.cron.AddFunc(spec, func() { j.run(j.ctx, e, false) }); err != nil {
		return fmt.Errorf("task %s: schedule: %w", name, err)
	}
	j.tasks[name] = e
	j.logger.Info("task registered", zap.String("task", name), zap.String("schedule", spec))
	return nil
}

// Tasks returns the registered task names, sorted.
func (j *Janitor) Tasks() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.tasks))
	for n := range j.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start begins running tasks on their schedules.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the scheduler, cancels running tasks and waits for them to
// return or for ctx to end.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	j.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor stop: %w", ctx.Err())
	}
}

// RunNow runs one task synchronously and returns its error. It waits for a
// scheduled run of the same task to finish first.
func (j *Janitor) RunNow(ctx context.Context, name string) error {
	j.mu.Lock()
	e, ok := j.tasks[name]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	return j.run(ctx, e, true)
}

func (j *Janitor) run(ctx context.Context, e *entry, wait bool) error {
	if wait {
		e.mu.Lock()
	} else if !e.mu.TryLock() {
		j.logger.Debug("task still running, skipping", zap.String("task", e.name))
		return nil
	}
	defer e.mu.Unlock()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	err := e.fn(ctx)
	if err != nil {
		j.logger.Error("task failed",
			zap.String("task", e.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return fmt.Errorf("task %s: %w", e.name, err)
	}
	j.logger.Debug("task finished", zap.String("task", e.name), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
