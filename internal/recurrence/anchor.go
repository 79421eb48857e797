package recurrence

import (
	"strconv"
	"strings"
	"time"

	"flowmill/internal/domain"
)

// anchorRule covers the hourly/daily/weekly/monthly family: the schedule
// time is a wall-clock anchor (top of hour, local midnight of a day), the
// run time is the anchor instant plus a fixed offset duration. The anchor
// is recomputed in the zone's wall clock for every step, the offset is
// plain instant addition, so a run that crosses a zone offset change lands
// at the post-transition offset while the anchor stays correct.
type anchorRule struct {
	loc    *time.Location
	offset time.Duration

	// after returns the smallest anchor strictly after t, before the
	// largest anchor strictly before t.
	after  func(t time.Time) time.Time
	before func(t time.Time) time.Time
}

func (r *anchorRule) Location() *time.Location { return r.loc }

func (r *anchorRule) occurrence(anchor time.Time) ScheduleTime {
	return At(anchor, anchor.Add(r.offset))
}

func (r *anchorRule) First(now time.Time) ScheduleTime {
	// The current period's run may still be ahead of now even though its
	// anchor is behind, so start from the anchor on or before now and
	// advance until the run time catches up. A run exactly at now counts.
	anchor := r.before(now.In(r.loc).Add(time.Nanosecond))
	for anchor.Add(r.offset).Before(now) {
		anchor = r.after(anchor)
	}
	return r.occurrence(anchor)
}

func (r *anchorRule) Next(lastTime time.Time) ScheduleTime {
	return r.occurrence(r.after(lastTime.In(r.loc)))
}

func (r *anchorRule) Last(currentTime time.Time) ScheduleTime {
	return r.occurrence(r.before(currentTime.In(r.loc)))
}

func newHourly(expr string, loc *time.Location) (Rule, error) {
	offset, err := parseClock(expr, 2)
	if err != nil {
		return nil, err
	}
	return &anchorRule{
		loc:    loc,
		offset: offset,
		after: func(t time.Time) time.Time {
			t = t.In(loc)
			a := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
			if a.After(t) {
				return a
			}
			return a.Add(time.Hour)
		},
		before: func(t time.Time) time.Time {
			t = t.In(loc)
			a := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
			if a.Before(t) {
				return a
			}
			return a.Add(-time.Hour)
		},
	}, nil
}

func midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func newDaily(expr string, loc *time.Location) (Rule, error) {
	offset, err := parseClock(expr, 3)
	if err != nil {
		return nil, err
	}
	return &anchorRule{
		loc:    loc,
		offset: offset,
		after: func(t time.Time) time.Time {
			a := midnight(t, loc)
			if a.After(t) {
				return a
			}
			return midnight(a.AddDate(0, 0, 1).Add(time.Hour), loc)
		},
		before: func(t time.Time) time.Time {
			a := midnight(t, loc)
			if a.Before(t) {
				return a
			}
			return midnight(a.AddDate(0, 0, -1).Add(time.Hour), loc)
		},
	}, nil
}

var weekdays = map[string]time.Weekday{
	"Sun": time.Sunday, "Mon": time.Monday, "Tue": time.Tuesday, "Wed": time.Wednesday,
	"Thu": time.Thursday, "Fri": time.Friday, "Sat": time.Saturday,
}

func newWeekly(expr string, loc *time.Location) (Rule, error) {
	day, clock, ok := strings.Cut(expr, ",")
	if !ok {
		return nil, domain.Configf("weekly expression %q: expected \"Day,HH:MM:SS\"", expr)
	}
	wd, ok := weekdays[day]
	if !ok {
		return nil, domain.Configf("weekly expression %q: unknown weekday %q", expr, day)
	}
	offset, err := parseClock(clock, 3)
	if err != nil {
		return nil, err
	}
	// Navigate day by day; a week is at most 7 midnights away.
	return &anchorRule{
		loc:    loc,
		offset: offset,
		after: func(t time.Time) time.Time {
			a := midnight(t, loc)
			for {
				if a.Weekday() == wd && a.After(t) {
					return a
				}
				a = midnight(a.AddDate(0, 0, 1).Add(time.Hour), loc)
			}
		},
		before: func(t time.Time) time.Time {
			a := midnight(t, loc)
			for {
				if a.Weekday() == wd && a.Before(t) {
					return a
				}
				a = midnight(a.AddDate(0, 0, -1).Add(time.Hour), loc)
			}
		},
	}, nil
}

func newMonthly(expr string, loc *time.Location) (Rule, error) {
	dayStr, clock, ok := strings.Cut(expr, ",")
	if !ok {
		return nil, domain.Configf("monthly expression %q: expected \"D,HH:MM:SS\"", expr)
	}
	day, err := strconv.Atoi(dayStr)
	if err != nil || day < 1 || day > 31 {
		return nil, domain.Configf("monthly expression %q: bad day of month %q", expr, dayStr)
	}
	offset, err := parseClock(clock, 3)
	if err != nil {
		return nil, err
	}
	// monthAnchor reports whether the month actually has the day:
	// time.Date normalizes e.g. Feb 31 into March, which monthly treats as
	// "this month has no such day" and skips. Months without the day are
	// passed over entirely rather than clamped to month end.
	monthAnchor := func(year int, month time.Month) (time.Time, bool) {
		a := time.Date(year, month, day, 0, 0, 0, 0, loc)
		return a, a.Day() == day
	}
	return &anchorRule{
		loc:    loc,
		offset: offset,
		after: func(t time.Time) time.Time {
			t = t.In(loc)
			y, m := t.Year(), t.Month()
			for {
				if a, ok := monthAnchor(y, m); ok && a.After(t) {
					return a
				}
				m++
				if m > time.December {
					m = time.January
					y++
				}
			}
		},
		before: func(t time.Time) time.Time {
			t = t.In(loc)
			y, m := t.Year(), t.Month()
			for {
				if a, ok := monthAnchor(y, m); ok && a.Before(t) {
					return a
				}
				m--
				if m < time.January {
					m = time.December
					y--
				}
			}
		},
	}, nil
}
