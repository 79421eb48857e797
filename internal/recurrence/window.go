package recurrence

import (
	"time"

	"flowmill/internal/domain"
)

// windowRule bounds an inner rule to an active date range. The start date
// is inclusive from its local midnight; the end date covers its whole day,
// held internally as an exclusive bound at local midnight of the following
// day. Occurrences past the end report the Never sentinel instead of
// failing.
type windowRule struct {
	inner Rule
	start time.Time // zero when unbounded
	endEx time.Time // exclusive, zero when unbounded
}

func newWindow(inner Rule, startDate, endDate string, loc *time.Location) (Rule, error) {
	w := &windowRule{inner: inner}

	var startMidnight, endMidnight time.Time
	if startDate != "" {
		d, err := time.ParseInLocation("2006-01-02", startDate, loc)
		if err != nil {
			return nil, domain.Configf("start date %q: not a calendar date", startDate)
		}
		startMidnight = d
		w.start = d
	}
	if endDate != "" {
		d, err := time.ParseInLocation("2006-01-02", endDate, loc)
		if err != nil {
			return nil, domain.Configf("end date %q: not a calendar date", endDate)
		}
		endMidnight = d
		w.endEx = midnight(d.AddDate(0, 0, 1).Add(time.Hour), loc)
	}
	// The end date gets +1 day when resolved to the exclusive bound, so an
	// equal pair would still "overlap" by exactly one day in a way nobody
	// intends. Require the start date to be strictly earlier instead.
	if startDate != "" && endDate != "" && !startMidnight.Before(endMidnight) {
		return nil, domain.Configf("start date %s must be before end date %s", startDate, endDate)
	}
	return w, nil
}

func (w *windowRule) Location() *time.Location { return w.inner.Location() }

func (w *windowRule) clamp(st ScheduleTime) ScheduleTime {
	if st.IsNever() {
		return st
	}
	if !w.endEx.IsZero() && !st.Time.Before(w.endEx) {
		return never
	}
	if !w.start.IsZero() && st.Time.Before(w.start) {
		return w.clamp(w.inner.First(w.start))
	}
	return st
}

func (w *windowRule) First(now time.Time) ScheduleTime {
	if !w.start.IsZero() && now.Before(w.start) {
		now = w.start
	}
	return w.clamp(w.inner.First(now))
}

func (w *windowRule) Next(lastTime time.Time) ScheduleTime {
	return w.clamp(w.inner.Next(lastTime))
}

func (w *windowRule) Last(currentTime time.Time) ScheduleTime {
	st := w.inner.Last(currentTime)
	if st.IsNever() {
		return st
	}
	// A previous occurrence outside the window never happened.
	if !w.start.IsZero() && st.Time.Before(w.start) {
		return never
	}
	if !w.endEx.IsZero() && !st.Time.Before(w.endEx) {
		return never
	}
	return st
}
