// Package agent – schedule.go drives the away schedule: cron rules that
// pause or resume auto-replies at configured times, e.g. enable at 18:00 on
// weekdays and disable at 08:00. Uses robfig/cron for expression parsing.
package agent

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule owns the cron entries built from ScheduleConfig.
type Schedule struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSchedule builds the away schedule from config. Returns (nil, nil) when
// no rules are configured. Rules run in the configured timezone, falling
// back to the host timezone.
func NewSchedule(cfg *Config, r *Responder, logger *slog.Logger) (*Schedule, error) {
	rules := cfg.Schedule
	if len(rules.Enable) == 0 && len(rules.Disable) == 0 {
		return nil, nil
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(
			cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
	)
	log := logger.With("component", "schedule")

	for _, spec := range rules.Enable {
		if _, err := c.AddFunc(spec, func() {
			log.Info("schedule rule fired", "action", "enable", "rule", spec)
			r.Resume()
		}); err != nil {
			return nil, fmt.Errorf("invalid enable rule %q: %w", spec, err)
		}
	}
	for _, spec := range rules.Disable {
		if _, err := c.AddFunc(spec, func() {
			log.Info("schedule rule fired", "action", "disable", "rule", spec)
			r.Pause()
		}); err != nil {
			return nil, fmt.Errorf("invalid disable rule %q: %w", spec, err)
		}
	}

	return &Schedule{cron: c, logger: log}, nil
}

// Start begins firing the schedule rules.
func (s *Schedule) Start() {
	s.cron.Start()
	s.logger.Info("away schedule started",
		"entries", len(s.cron.Entries()),
		"timezone", s.cron.Location().String(),
	)
}

// Stop halts the schedule, waiting briefly for a firing rule to finish.
func (s *Schedule) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("schedule stop timed out")
	}
	s.logger.Info("away schedule stopped")
}
