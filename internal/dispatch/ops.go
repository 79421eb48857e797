package dispatch

import (
	"context"
	"time"

	"flowmill/internal/domain"
	"flowmill/internal/recurrence"
	"flowmill/internal/store"
)

// SkipToTime moves a schedule's next occurrence to the first occurrence at
// or after t. Skipping backward (to a time not after the current next
// schedule time) is a conflict. With dryRun the resulting schedule is
// computed and returned without persisting.
func (l *Loop) SkipToTime(ctx context.Context, id int64, t time.Time, runTime *time.Time, dryRun bool) (domain.Schedule, error) {
	var updated domain.Schedule
	err := l.store.LockScheduleByID(ctx, id, func(ctl *store.ScheduleControl, sched domain.Schedule) error {
		rule, err := recurrence.New(sched.Def)
		if err != nil {
			return err
		}
		aligned := rule.First(t)
		return l.applySkip(ctx, ctl, sched, aligned, runTime, dryRun, &updated)
	})
	return updated, err
}

// SkipByCount advances count occurrences past the first occurrence at or
// after from.
func (l *Loop) SkipByCount(ctx context.Context, id int64, from time.Time, count int, runTime *time.Time, dryRun bool) (domain.Schedule, error) {
	var updated domain.Schedule
	err := l.store.LockScheduleByID(ctx, id, func(ctl *store.ScheduleControl, sched domain.Schedule) error {
		rule, err := recurrence.New(sched.Def)
		if err != nil {
			return err
		}
		st := rule.First(from)
		for i := 0; i < count && !st.IsNever(); i++ {
			st = rule.Next(st.Time)
		}
		return l.applySkip(ctx, ctl, sched, st, runTime, dryRun, &updated)
	})
	return updated, err
}

func (l *Loop) applySkip(ctx context.Context, ctl *store.ScheduleControl, sched domain.Schedule,
	next recurrence.ScheduleTime, runTime *time.Time, dryRun bool, updated *domain.Schedule) error {
	if !sched.NextScheduleTime.Before(next.Time) {
		return domain.Conflictf("time to skip to is already past (next schedule time is %s)", sched.NextScheduleTime)
	}
	if runTime != nil {
		next = recurrence.At(next.Time, *runTime)
	}
	*updated = sched
	updated.NextScheduleTime = next.Time
	updated.NextRunTime = next.RunTime
	if dryRun {
		return nil
	}
	return ctl.UpdateNextTime(ctx, sched.ID, next)
}

// Backfill submits one attempt per occurrence from the first occurrence at
// or after from up to (exclusive) the schedule's current next schedule
// time, all under the retry attempt name. The batch is all-or-nothing: a
// conflict on any occurrence means nothing was submitted. With count set,
// exactly count occurrences must fit before the next schedule time. Dry
// run returns the attempts that would be submitted.
func (l *Loop) Backfill(ctx context.Context, id int64, from time.Time, attemptName string, count *int, dryRun bool) ([]domain.Attempt, error) {
	if attemptName == "" {
		return nil, domain.Configf("backfill requires an attempt name")
	}
	sched, err := l.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule, err := recurrence.New(sched.Def)
	if err != nil {
		return nil, err
	}

	var instants []time.Time
	remaining := 0
	if count != nil {
		remaining = *count
	}
	st := rule.First(from)
	for !st.IsNever() && st.Time.Before(sched.NextScheduleTime) {
		if count != nil {
			if remaining <= 0 {
				break
			}
			remaining--
		}
		instants = append(instants, st.Time)
		st = rule.Next(st.Time)
	}
	if count != nil && remaining > 0 {
		return nil, domain.Configf("count is %d but only %d occurrences fit before the next schedule time", *count, *count-remaining)
	}

	if dryRun {
		attempts := make([]domain.Attempt, 0, len(instants))
		for _, instant := range instants {
			attempts = append(attempts, domain.Attempt{
				SiteID:      sched.SiteID,
				WorkflowID:  sched.WorkflowID,
				SessionTime: instant,
				RetryName:   attemptName,
			})
		}
		return attempts, nil
	}
	return l.submitter.SubmitAttempts(ctx, sched.SiteID, sched.WorkflowID, instants, attemptName)
}
