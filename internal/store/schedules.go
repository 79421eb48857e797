package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowmill/internal/domain"
	"flowmill/internal/recurrence"
)

const scheduleColumns = `id, site_id, project_id, workflow_id, workflow_name, rule_type, rule_expr, timezone,
 start_date, end_date, next_run_time, next_schedule_time, last_session_time, disabled_at, created_at, updated_at`

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

// ScheduleControl mutates one schedule row from inside its exclusive
// transaction. It is only handed out by LockReadySchedules and
// LockScheduleByID; the mutation is rolled back together with the
// transaction when the caller's action fails.
type ScheduleControl struct{ tx *sql.Tx }

func (c *ScheduleControl) UpdateNextTime(ctx context.Context, id int64, next recurrence.ScheduleTime) error {
	return c.update(ctx, id, next, nil)
}

func (c *ScheduleControl) UpdateNextTimeAndLastSession(ctx context.Context, id int64, next recurrence.ScheduleTime, lastSession time.Time) error {
	return c.update(ctx, id, next, &lastSession)
}

func (c *ScheduleControl) update(ctx context.Context, id int64, next recurrence.ScheduleTime, lastSession *time.Time) error {
	var res sql.Result
	var err error
	if lastSession != nil {
		res, err = c.tx.ExecContext(ctx, `
UPDATE schedules SET next_run_time=?, next_schedule_time=?, last_session_time=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			next.RunTime.Unix(), next.Time.Unix(), lastSession.Unix(), id)
	} else {
		res, err = c.tx.ExecContext(ctx, `
UPDATE schedules SET next_run_time=?, next_schedule_time=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			next.RunTime.Unix(), next.Time.Unix(), id)
	}
	if err != nil {
		return fmt.Errorf("update next schedule time: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("schedule id=%d", id)
	}
	return nil
}

// ScheduleAction runs against a locked schedule row. Returning an error
// rolls the row back, so a failed schedule stays due and is retried on the
// next pass.
type ScheduleAction func(ctx context.Context, ctl *ScheduleControl, sched domain.Schedule) error

// ListReadySchedules returns the enabled schedules whose next run time has
// arrived, in id order, without locking them. Rows can move between this
// scan and a later lock; callers must re-check under the lock.
func (s *Store) ListReadySchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE next_run_time <= ? AND disabled_at IS NULL ORDER BY id`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("select ready schedules: %w", err)
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// LockReadySchedules runs fn for every enabled schedule whose next run time
// has arrived, each inside its own exclusive transaction. fn runs while the
// transaction holds the pool's connection, so it must only mutate through
// the control handle, never issue its own calls on the database. One failing
// schedule does not stop the batch: remaining due schedules are still
// processed and the first failure is returned with later ones attached as
// suppressed. Returns the number of schedules processed.
func (s *Store) LockReadySchedules(ctx context.Context, now time.Time, fn ScheduleAction) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM schedules WHERE next_run_time <= ? AND disabled_at IS NULL ORDER BY id`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("select ready schedules: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	var failures []error
	for _, id := range ids {
		err := s.withScheduleTx(ctx, id, func(ctl *ScheduleControl, sched domain.Schedule) error {
			// Re-checked inside the transaction: another process may have
			// advanced or disabled the row since the id scan.
			if sched.Disabled() || sched.NextRunTime.After(now) {
				return nil
			}
			processed++
			return fn(ctx, ctl, sched)
		})
		if err != nil && !domain.IsNotFound(err) {
			failures = append(failures, err)
		}
	}
	return processed, domain.Collect(failures)
}

// LockScheduleByID locks one schedule row and runs fn with the control
// handle; commit happens only if fn succeeds.
func (s *Store) LockScheduleByID(ctx context.Context, id int64, fn func(ctl *ScheduleControl, sched domain.Schedule) error) error {
	return s.withScheduleTx(ctx, id, fn)
}

func (s *Store) withScheduleTx(ctx context.Context, id int64, fn func(ctl *ScheduleControl, sched domain.Schedule) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	row := tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("schedule id=%d", id)
		}
		return err
	}
	if err := fn(&ScheduleControl{tx: tx}, sched); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.NotFoundf("schedule id=%d", id)
	}
	return sched, err
}

func (s *Store) GetScheduleByWorkflow(ctx context.Context, projectID int64, workflowName string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE project_id=? AND workflow_name=?`, projectID, workflowName)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.NotFoundf("schedule project=%d workflow=%s", projectID, workflowName)
	}
	return sched, err
}

func (s *Store) EnableSchedule(ctx context.Context, id int64) error {
	return s.setDisabled(ctx, id, false)
}

func (s *Store) DisableSchedule(ctx context.Context, id int64) error {
	return s.setDisabled(ctx, id, true)
}

func (s *Store) setDisabled(ctx context.Context, id int64, disabled bool) error {
	var res sql.Result
	var err error
	if disabled {
		res, err = s.db.ExecContext(ctx, `
UPDATE schedules SET disabled_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, time.Now().Unix(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE schedules SET disabled_at=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("schedule id=%d", id)
	}
	return nil
}

// ScheduleSeed is one schedule definition from a new revision together
// with its first occurrence.
type ScheduleSeed struct {
	Def   domain.ScheduleDef
	First recurrence.ScheduleTime
}

// ConflictResolver decides the next occurrence when a new revision
// replaces an existing schedule, instead of blindly overwriting it.
// Concurrent revision publication is expected, not exceptional, which is
// why the merge policy is the caller's.
type ConflictResolver func(old domain.Schedule, seed ScheduleSeed) (recurrence.ScheduleTime, error)

// UpdateSchedules reconciles a project's schedules against a new revision:
// matching workflow names are resolved through the conflict resolver, new
// ones are inserted with their first occurrence, and schedules absent from
// the revision are deleted. The whole reconciliation is one transaction.
func (s *Store) UpdateSchedules(ctx context.Context, siteID, projectID int64, seeds []ScheduleSeed, resolve ConflictResolver) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	existing := map[string]domain.Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return err
		}
		existing[sched.WorkflowName] = sched
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	keep := map[string]bool{}
	for _, seed := range seeds {
		keep[seed.Def.WorkflowName] = true
		old, ok := existing[seed.Def.WorkflowName]
		if !ok {
			_, err := tx.ExecContext(ctx, `
INSERT INTO schedules (site_id, project_id, workflow_id, workflow_name, rule_type, rule_expr, timezone, start_date, end_date, next_run_time, next_schedule_time)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
				siteID, projectID, seed.Def.WorkflowID, seed.Def.WorkflowName, seed.Def.Type, seed.Def.Expression,
				defaultTZ(seed.Def.Timezone), seed.Def.StartDate, seed.Def.EndDate,
				seed.First.RunTime.Unix(), seed.First.Time.Unix())
			if err != nil {
				return fmt.Errorf("insert schedule %s: %w", seed.Def.WorkflowName, err)
			}
			continue
		}
		next := seed.First
		if resolve != nil {
			next, err = resolve(old, seed)
			if err != nil {
				return fmt.Errorf("resolve schedule %s: %w", seed.Def.WorkflowName, err)
			}
		}
		_, err = tx.ExecContext(ctx, `
UPDATE schedules SET workflow_id=?, rule_type=?, rule_expr=?, timezone=?, start_date=?, end_date=?,
 next_run_time=?, next_schedule_time=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			seed.Def.WorkflowID, seed.Def.Type, seed.Def.Expression,
			defaultTZ(seed.Def.Timezone), seed.Def.StartDate, seed.Def.EndDate,
			next.RunTime.Unix(), next.Time.Unix(), old.ID)
		if err != nil {
			return fmt.Errorf("update schedule %s: %w", seed.Def.WorkflowName, err)
		}
	}

	for name, old := range existing {
		if !keep[name] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, old.ID); err != nil {
				return fmt.Errorf("delete schedule %s: %w", name, err)
			}
		}
	}
	return tx.Commit()
}

func defaultTZ(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSchedule(r rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var nextRun, nextSched int64
	var lastSession, disabledAt sql.NullInt64
	err := r.Scan(&s.ID, &s.SiteID, &s.ProjectID, &s.WorkflowID, &s.WorkflowName,
		&s.Def.Type, &s.Def.Expression, &s.Def.Timezone, &s.Def.StartDate, &s.Def.EndDate,
		&nextRun, &nextSched, &lastSession, &disabledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.Def.WorkflowID = s.WorkflowID
	s.Def.WorkflowName = s.WorkflowName
	s.NextRunTime = time.Unix(nextRun, 0)
	s.NextScheduleTime = time.Unix(nextSched, 0)
	if lastSession.Valid {
		t := time.Unix(lastSession.Int64, 0)
		s.LastSessionTime = &t
	}
	if disabledAt.Valid {
		t := time.Unix(disabledAt.Int64, 0)
		s.DisabledAt = &t
	}
	return s, nil
}
