// Package refresh keeps a hub dataset current by rebuilding it on a cron
// schedule. A Built dataset never changes, so each refresh builds a new one
// and hands it to subscribers; a failed rebuild keeps the previous dataset.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hubdata/dataset"
)

// BuildFunc builds a fresh dataset.
type BuildFunc func(ctx context.Context) (*dataset.Dataset, error)

// Subscriber is called with every newly built dataset.
type Subscriber func(ctx context.Context, d *dataset.Dataset) error

type Options struct {
	Schedule string        // cron spec; default "@every 5m"
	Timeout  time.Duration // bound on one rebuild; 0 disables
	Logger   *slog.Logger
}

type Scheduler struct {
	build  BuildFunc
	opts   Options
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.RWMutex
	current *dataset.Dataset
	subs    []Subscriber
	lastErr error
	runs    int
}

func New(build BuildFunc, opts Options) *Scheduler {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "refresh")
	return &Scheduler{
		build:  build,
		opts:   opts,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
	}
}

// Subscribe registers fn for every future dataset.
func (s *Scheduler) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Current returns the latest successfully built dataset, or nil.
func (s *Scheduler) Current() *dataset.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LastError returns the error of the most recent refresh, nil on success.
func (s *Scheduler) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Refresh builds a new dataset now. On success it becomes Current and is
// passed to each subscriber; subscriber errors are logged and joined into
// the result. On failure Current is unchanged.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	d, err := s.build(ctx)
	switch {
	case err != nil:
	case d == nil:
		err = errors.New("build returned no dataset")
	case d.State() != dataset.Built:
		err = fmt.Errorf("build returned a %s dataset", d.State())
	}

	s.mu.Lock()
	s.runs++
	s.lastErr = err
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("refresh failed, keeping previous dataset", "error", err)
		return fmt.Errorf("refresh: %w", err)
	}
	prev := s.current
	s.current = d
	subs := append([]Subscriber(nil), s.subs...)
	s.mu.Unlock()

	log := s.logger.With("build_id", d.ID())
	if prev != nil {
		log = log.With("previous_build_id", prev.ID())
	}
	log.Info("dataset refreshed",
		"files", len(d.Files()),
		"rejected", len(d.Rejections()),
		"duration", time.Since(start),
	)

	var errs []error
	for _, fn := range subs {
		if err := fn(ctx, d); err != nil {
			log.Error("subscriber failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start schedules Refresh and returns; runs stop when ctx is done or Stop
// is called. Overlapping runs are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_ = s.Refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.opts.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("refresh scheduler started", "schedule", s.opts.Schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Runs returns how many refreshes have completed, successful or not.
func (s *Scheduler) Runs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
