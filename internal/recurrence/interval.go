package recurrence

import (
	"strconv"
	"time"

	"flowmill/internal/domain"
)

// intervalRule fires on multiples of a fixed interval counted from the
// epoch, shifted by the zone offset so the grid lines up with local
// midnight. Non-divisor intervals round up to the next multiple, never
// down. Schedule time and run time are the same instant.
type intervalRule struct {
	loc     *time.Location
	seconds int64
}

func newInterval(expr string, unit time.Duration, loc *time.Location) (Rule, error) {
	n, err := strconv.Atoi(expr)
	if err != nil || n <= 0 {
		return nil, domain.Configf("interval %q: expected a positive integer", expr)
	}
	return &intervalRule{loc: loc, seconds: int64(n) * int64(unit/time.Second)}, nil
}

func (r *intervalRule) Location() *time.Location { return r.loc }

// local and instant translate between unix seconds and the zone-shifted
// grid the multiples are counted on.
func (r *intervalRule) local(t time.Time) int64 {
	_, off := t.In(r.loc).Zone()
	return t.Unix() + int64(off)
}

func (r *intervalRule) instant(local int64, ref time.Time) time.Time {
	_, off := ref.In(r.loc).Zone()
	return time.Unix(local-int64(off), 0)
}

func (r *intervalRule) at(local int64, ref time.Time) ScheduleTime {
	t := r.instant(local, ref)
	return At(t, t)
}

func (r *intervalRule) First(now time.Time) ScheduleTime {
	// Smallest multiple at or after now.
	sec := r.local(now.Truncate(time.Second))
	if now.Truncate(time.Second).Before(now) {
		sec++
	}
	aligned := (sec + r.seconds - 1) / r.seconds * r.seconds
	return r.at(aligned, now)
}

func (r *intervalRule) Next(lastTime time.Time) ScheduleTime {
	sec := r.local(lastTime) + 1
	aligned := (sec + r.seconds - 1) / r.seconds * r.seconds
	return r.at(aligned, lastTime)
}

func (r *intervalRule) Last(currentTime time.Time) ScheduleTime {
	sec := r.local(currentTime) - 1
	if sec < 0 {
		sec = 0
	}
	aligned := sec / r.seconds * r.seconds
	return r.at(aligned, currentTime)
}
