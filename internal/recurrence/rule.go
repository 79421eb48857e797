// Package recurrence computes workflow occurrence times. Every rule works
// in its configured time zone's wall clock and converts back to instants,
// which is what keeps hour offsets correct across DST transitions.
package recurrence

import (
	"strconv"
	"strings"
	"time"

	"flowmill/internal/domain"
)

// Never is the sentinel occurrence instant reported when a schedule window
// has no further occurrences.
var Never = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ScheduleTime is one computed firing: Time is the logical session time,
// RunTime the instant the dispatch loop should act. They differ when an
// anchor-plus-offset rule crosses a zone offset change.
type ScheduleTime struct {
	Time    time.Time
	RunTime time.Time
}

func At(t, run time.Time) ScheduleTime { return ScheduleTime{Time: t, RunTime: run} }

func (s ScheduleTime) IsNever() bool { return s.Time.Equal(Never) }

var never = ScheduleTime{Time: Never, RunTime: Never}

// Rule computes occurrences of one recurrence definition.
//
// First returns the earliest occurrence that has not yet fired at now.
// Next returns the occurrence following lastTime, where lastTime is the
// schedule time of the previous occurrence. Last is the strict inverse of
// Next: Next(Last(t).Time).Time == t for every t that is an occurrence.
// Last exists for display and backfill, never to drive dispatch.
type Rule interface {
	First(now time.Time) ScheduleTime
	Next(lastTime time.Time) ScheduleTime
	Last(currentTime time.Time) ScheduleTime
	Location() *time.Location
}

// New builds a Rule from a schedule definition. All validation errors are
// configuration errors surfaced to the publisher of the revision.
func New(def domain.ScheduleDef) (Rule, error) {
	tz := def.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.Configf("unknown timezone %q", tz)
	}

	var rule Rule
	switch def.Type {
	case "cron":
		rule, err = newCron(def.Expression, loc)
	case "hourly":
		rule, err = newHourly(def.Expression, loc)
	case "daily":
		rule, err = newDaily(def.Expression, loc)
	case "weekly":
		rule, err = newWeekly(def.Expression, loc)
	case "monthly":
		rule, err = newMonthly(def.Expression, loc)
	case "minutes_interval":
		rule, err = newInterval(def.Expression, time.Minute, loc)
	case "seconds_interval":
		rule, err = newInterval(def.Expression, time.Second, loc)
	default:
		return nil, domain.Configf("unknown schedule type %q", def.Type)
	}
	if err != nil {
		return nil, err
	}

	if def.StartDate != "" || def.EndDate != "" {
		return newWindow(rule, def.StartDate, def.EndDate, loc)
	}
	return rule, nil
}

// parseClock parses "HH:MM:SS" (or "MM:SS" when parts is 2) into an offset
// duration added to an anchor instant.
func parseClock(s string, parts int) (time.Duration, error) {
	fields := strings.Split(s, ":")
	if len(fields) != parts {
		return 0, domain.Configf("time offset %q: expected %d colon-separated fields", s, parts)
	}
	var d time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}[3-parts:]
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return 0, domain.Configf("time offset %q: bad field %q", s, f)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}
