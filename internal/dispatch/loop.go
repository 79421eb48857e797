// Package dispatch drives schedules: it finds due schedules under their
// row locks, submits a session attempt for each, and advances the
// recurrence. It also carries the operator-facing skip and backfill
// operations.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"flowmill/internal/domain"
	"flowmill/internal/metrics"
	"flowmill/internal/recurrence"
	"flowmill/internal/store"
)

// Submitter creates attempts of a workflow for session times. It is an
// external collaborator: a conflict from it means an attempt with the same
// identity already exists, not a failure. SubmitAttempts is atomic: a
// conflict on any session time means none of the attempts were created.
type Submitter interface {
	SubmitAttempt(ctx context.Context, siteID, workflowID int64, sessionTime time.Time, retryName string) (domain.Attempt, error)
	SubmitAttempts(ctx context.Context, siteID, workflowID int64, sessionTimes []time.Time, retryName string) ([]domain.Attempt, error)
}

type Loop struct {
	store      *store.Store
	submitter  Submitter
	interval   time.Duration
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewLoop(st *store.Store, sub Submitter, interval time.Duration, log zerolog.Logger) *Loop {
	return &Loop{
		store:      st,
		submitter:  sub,
		interval:   interval,
		retryDelay: time.Hour,
		log:        log,
	}
}

// Run ticks RunOnce until the context is canceled. Uncaught errors are
// logged and scheduling is retried on the next tick.
func (l *Loop) Run(ctx context.Context) {
	t := time.NewTicker(l.interval)
	defer t.Stop()

	l.log.Info().Dur("interval", l.interval).Msg("schedule dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := l.RunOnce(ctx, now); err != nil {
				l.log.Error().Err(err).Msg("dispatch pass failed, will retry")
			}
		}
	}
}

// submitOutcome carries the result of the submission phase to the advance
// phase, which runs under the row lock.
type submitOutcome struct {
	sessionTime time.Time
	rule        recurrence.Rule
	ruleErr     error
	submitErr   error
}

// RunOnce processes every schedule due at now. Attempt submission happens
// before the row locks are taken: the schedules and the queue share one
// database connection, and a transaction must never wait on the queue. A
// crash between submission and advance is healed by attempt dedup, which
// surfaces as a conflict on the next pass. A returned error is the first
// store-level failure of the batch with the rest attached as suppressed;
// failed schedules are not advanced and stay due.
func (l *Loop) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.ListReadySchedules(ctx, now)
	if err != nil {
		return 0, err
	}

	outcomes := make(map[int64]submitOutcome, len(due))
	for _, sched := range due {
		outcomes[sched.ID] = l.submit(ctx, sched)
	}

	return l.store.LockReadySchedules(ctx, now, func(ctx context.Context, ctl *store.ScheduleControl, sched domain.Schedule) error {
		out, ok := outcomes[sched.ID]
		if !ok || !out.sessionTime.Equal(sched.NextScheduleTime) {
			// Became due, or was moved, after the scan; the next tick
			// picks it up.
			return nil
		}
		return l.advance(ctx, ctl, sched, out, now)
	})
}

func (l *Loop) submit(ctx context.Context, sched domain.Schedule) submitOutcome {
	out := submitOutcome{sessionTime: sched.NextScheduleTime}
	out.rule, out.ruleErr = recurrence.New(sched.Def)
	if out.ruleErr != nil {
		return out
	}
	_, out.submitErr = l.submitter.SubmitAttempt(ctx, sched.SiteID, sched.WorkflowID, sched.NextScheduleTime, "")
	return out
}

func (l *Loop) advance(ctx context.Context, ctl *store.ScheduleControl, sched domain.Schedule, out submitOutcome, now time.Time) error {
	if out.ruleErr != nil {
		// Broken definition: nothing to submit until a fixed revision
		// arrives. Hold the occurrence and look again later.
		l.log.Error().Err(out.ruleErr).Int64("schedule_id", sched.ID).Msg("schedule has invalid recurrence, pending")
		metrics.DispatchFailed()
		return ctl.UpdateNextTime(ctx, sched.ID, recurrence.At(sched.NextScheduleTime, now.Add(l.retryDelay)))
	}
	switch {
	case out.submitErr == nil:
		metrics.ScheduleFired()
		next := out.rule.Next(sched.NextScheduleTime)
		l.log.Info().
			Int64("schedule_id", sched.ID).
			Str("workflow", sched.WorkflowName).
			Time("session_time", sched.NextScheduleTime).
			Time("next_run", next.RunTime).
			Msg("attempt submitted")
		return ctl.UpdateNextTimeAndLastSession(ctx, sched.ID, next, sched.NextScheduleTime)
	case domain.IsConflict(out.submitErr):
		// The attempt for this session time already exists; someone else
		// did this. Advance past it.
		l.log.Debug().Int64("schedule_id", sched.ID).Msg("attempt already exists, skipping")
		return ctl.UpdateNextTime(ctx, sched.ID, out.rule.Next(sched.NextScheduleTime))
	default:
		// Submission failed; keep the session time and try again after the
		// retry delay without consuming the occurrence.
		l.log.Error().Err(out.submitErr).Int64("schedule_id", sched.ID).Msg("attempt submission failed, pending")
		metrics.DispatchFailed()
		return ctl.UpdateNextTime(ctx, sched.ID, recurrence.At(sched.NextScheduleTime, now.Add(l.retryDelay)))
	}
}
