package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_condor/internal/config"
)

// TickKind names a scheduled engine tick.
type TickKind string

const (
	TickManagement TickKind = "management"
	TickEntry      TickKind = "entry"
)

// Scheduler fires the management tick once every weekday (Monday through
// Friday) and the entry tick on the configured entry weekdays, both at fixed
// wall-clock times in the exchange time zone. Weekends never fire; exchange
// holidays fire and are skipped by the trading cycle's market clock check.
type Scheduler struct {
	loc         *time.Location
	now         func() time.Time
	logger      *logrus.Logger
	entryDays   map[time.Weekday]bool
	entryHour   int
	entryMinute int
	mgmtHour    int
	mgmtMinute  int
}

// NewScheduler builds a scheduler from the schedule section.
func NewScheduler(cfg *config.Config, now func() time.Time, logger *logrus.Logger) (*Scheduler, error) {
	days, err := cfg.EntryWeekdays()
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scheduler{
		loc:       cfg.Location(),
		now:       now,
		logger:    logger,
		entryDays: make(map[time.Weekday]bool, len(days)),
	}
	for _, d := range days {
		s.entryDays[d] = true
	}
	s.entryHour, s.entryMinute = cfg.EntryClock()
	s.mgmtHour, s.mgmtMinute = cfg.ManagementClock()
	return s, nil
}

// Next returns the first fire time strictly after t and the ticks due then.
// When both ticks share a time, management runs first so exits free risk
// before a new entry is sized.
func (s *Scheduler) Next(t time.Time) (time.Time, []TickKind) {
	t = t.In(s.loc)
	for d := 0; d <= 7; d++ {
		day := time.Date(t.Year(), t.Month(), t.Day()+d, 0, 0, 0, 0, s.loc)
		wd := day.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}

		var at time.Time
		var kinds []TickKind
		consider := func(kind TickKind, hour, minute int) {
			fire := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, s.loc)
			if !fire.After(t) {
				return
			}
			switch {
			case at.IsZero() || fire.Before(at):
				at, kinds = fire, []TickKind{kind}
			case fire.Equal(at):
				kinds = append(kinds, kind)
			}
		}
		consider(TickManagement, s.mgmtHour, s.mgmtMinute)
		if s.entryDays[wd] {
			consider(TickEntry, s.entryHour, s.entryMinute)
		}
		if !at.IsZero() {
			return at, kinds
		}
	}
	return time.Time{}, nil
}

// Run sleeps until each fire time and calls fn with the due ticks. It returns
// when ctx is done.
func (s *Scheduler) Run(ctx context.Context, fn func(ctx context.Context, kinds []TickKind)) error {
	for {
		at, kinds := s.Next(s.now())
		if at.IsZero() {
			return fmt.Errorf("scheduler: no upcoming tick")
		}
		wait := at.Sub(s.now())
		s.logger.WithFields(logrus.Fields{
			"next":  at.Format(time.RFC3339),
			"ticks": kinds,
			"in":    wait.Round(time.Second).String(),
		}).Info("Next scheduled tick")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			fn(ctx, kinds)
		}
	}
}
