// Package cron periodically re-evaluates every jobset, so declared sources
// are picked up without an explicit webhook.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/petrel-ci/petrel/internal/core"
	"github.com/petrel-ci/petrel/internal/handles"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	App      *core.App
	Schedule string        // 5-field cron expression
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30s if zero
}

// Scheduler fires jobset evaluations on a cron schedule.
type Scheduler struct {
	app      *core.App
	schedule cronlib.Schedule
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler from the config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse poll schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		app:      cfg.App,
		schedule: schedule,
		logger:   logger,
		interval: interval,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("poll scheduler started")
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("poll scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	next := s.schedule.Next(time.Now())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = s.schedule.Next(now)
			s.fire(ctx)
		}
	}
}

// fire evaluates every jobset of the first 1000 projects by name, reusing
// evaluations whose locked url is unchanged.
func (s *Scheduler) fire(ctx context.Context) {
	projects, _, err := s.app.Store.ListProjects(ctx, 1000, 0)
	if err != nil {
		s.logger.Error("listing projects for poll failed", "error", err)
		return
	}
	for _, project := range projects {
		jobsets, err := s.app.Store.ListJobsets(ctx, project.ID)
		if err != nil {
			s.logger.Error("listing jobsets for poll failed",
				"project", project.Name, "error", err)
			continue
		}
		for _, jobset := range jobsets {
			handle := handles.Jobset{
				Project: handles.Project{Name: project.Name},
				Name:    jobset.Name,
			}
			eval, err := s.app.EvaluateJobset(ctx, handle, false)
			if err != nil {
				s.logger.Warn("poll evaluation failed", "jobset", handle.String(), "error", err)
				continue
			}
			s.logger.Debug("poll evaluated jobset", "jobset", handle.String(), "evaluation", eval.String())
		}
	}
}
