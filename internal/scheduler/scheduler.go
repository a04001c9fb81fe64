// Package scheduler fires the discovery and generation batches at fixed
// local times. A fire that is delivered late, within the misfire grace
// window, still runs; anything later is dropped and the trigger waits for
// its next occurrence.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RunFunc is one batch entry point.
type RunFunc func(ctx context.Context) error

type trigger struct {
	name   string
	hour   int
	minute int
	run    RunFunc
}

// Scheduler owns a set of daily triggers in one timezone.
type Scheduler struct {
	triggers []trigger
	loc      *time.Location
	grace    time.Duration
	log      *logrus.Logger
}

// New builds a scheduler. Times are "HH:MM" in the given timezone; a zero
// grace uses the five-minute default.
func New(timezone string, grace time.Duration, log *logrus.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Scheduler{loc: loc, grace: grace, log: log}, nil
}

// Add registers a daily trigger for each of the given "HH:MM" times.
func (s *Scheduler) Add(name string, times []string, run RunFunc) error {
	for _, t := range times {
		hour, minute, err := parseClock(t)
		if err != nil {
			return fmt.Errorf("trigger %s: %w", name, err)
		}
		s.triggers = append(s.triggers, trigger{name: name, hour: hour, minute: minute, run: run})
	}
	return nil
}

// Run blocks until ctx is cancelled, firing triggers as they come due.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.triggers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	type pending struct {
		trigger trigger
		at      time.Time
	}

	next := make([]pending, len(s.triggers))
	for i, tr := range s.triggers {
		next[i] = pending{trigger: tr, at: s.nextOccurrence(tr, time.Now().In(s.loc))}
		s.log.WithFields(logrus.Fields{
			"trigger": tr.name,
			"at":      next[i].at.Format(time.RFC3339),
		}).Info("trigger scheduled")
	}

	var running sync.WaitGroup
	for {
		// earliest pending fire
		idx := 0
		for i := range next {
			if next[i].at.Before(next[idx].at) {
				idx = i
			}
		}

		timer := time.NewTimer(time.Until(next[idx].at))
		select {
		case <-ctx.Done():
			timer.Stop()
			running.Wait()
			return ctx.Err()
		case <-timer.C:
		}

		tr := next[idx].trigger
		scheduled := next[idx].at
		now := time.Now().In(s.loc)
		s.dispatch(ctx, tr, scheduled, now, &running)
		next[idx].at = s.nextOccurrence(tr, now)
	}
}

// dispatch runs a due trigger on its own goroutine so a long discovery
// does not hold back generation, or push a sibling trigger past the
// grace window. Fires delivered beyond the grace window are dropped.
func (s *Scheduler) dispatch(ctx context.Context, tr trigger, scheduled, now time.Time, running *sync.WaitGroup) {
	if !s.shouldFire(scheduled, now) {
		s.log.WithFields(logrus.Fields{
			"trigger":   tr.name,
			"scheduled": scheduled.Format(time.RFC3339),
			"late_by":   now.Sub(scheduled).String(),
		}).Warn("trigger missed grace window, skipping")
		return
	}

	s.log.WithField("trigger", tr.name).Info("trigger firing")
	running.Add(1)
	go func() {
		defer running.Done()
		if err := tr.run(ctx); err != nil {
			s.log.WithError(err).WithField("trigger", tr.name).Error("trigger run failed")
		}
	}()
}

// nextOccurrence returns the first scheduled time for tr strictly after
// the given instant.
func (s *Scheduler) nextOccurrence(tr trigger, after time.Time) time.Time {
	after = after.In(s.loc)
	at := time.Date(after.Year(), after.Month(), after.Day(), tr.hour, tr.minute, 0, 0, s.loc)
	if !at.After(after) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// shouldFire reports whether a fire delivered at now for the given
// scheduled time is still within the grace window.
func (s *Scheduler) shouldFire(scheduled, now time.Time) bool {
	late := now.Sub(scheduled)
	return late <= s.grace
}

func parseClock(v string) (int, int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q not HH:MM", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q has invalid hour", v)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q has invalid minute", v)
	}
	return hour, minute, nil
}
