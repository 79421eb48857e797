package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"flowmill/internal/domain"
)

// cronRule evaluates a five-field cron expression against the rule zone's
// wall clock. Schedule time and run time are always the same instant.
type cronRule struct {
	sched cron.Schedule
	loc   *time.Location
}

func newCron(expr string, loc *time.Location) (Rule, error) {
	// CRON_TZ pins evaluation to the rule zone regardless of the process
	// local zone.
	sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", loc.String(), expr))
	if err != nil {
		return nil, domain.Configf("cron expression %q: %v", expr, err)
	}
	return &cronRule{sched: sched, loc: loc}, nil
}

func (r *cronRule) Location() *time.Location { return r.loc }

func (r *cronRule) First(now time.Time) ScheduleTime {
	// Truncate to seconds; when now sits exactly on a second boundary step
	// back one so that an exact match is included (Next is strictly after
	// its argument).
	truncated := now.Truncate(time.Second)
	if truncated.Equal(now) {
		truncated = truncated.Add(-time.Second)
	}
	return r.Next(truncated)
}

func (r *cronRule) Next(lastTime time.Time) ScheduleTime {
	next := r.sched.Next(lastTime.In(r.loc))
	if next.IsZero() {
		return never
	}
	return At(next, next)
}

func (r *cronRule) Last(currentTime time.Time) ScheduleTime {
	// Estimate the interval from two forward steps, jump behind
	// currentTime, then walk forward until the next step would reach or
	// pass it. The estimate does not have to be exact.
	next := r.sched.Next(currentTime.In(r.loc))
	nextNext := r.sched.Next(next)
	if next.IsZero() || nextNext.IsZero() {
		return never
	}
	estimated := nextNext.Sub(next)

	before := currentTime.Add(-2 * estimated)
	nextOfBefore := r.sched.Next(before)
	for !nextOfBefore.IsZero() && nextOfBefore.Before(currentTime) {
		before = nextOfBefore
		nextOfBefore = r.sched.Next(before)
	}
	return At(before, before)
}
