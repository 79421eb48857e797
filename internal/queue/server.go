// Package queue is the lease-based distributed task queue. Many agent
// processes share it through the database; a task is claimed with a
// time-bounded lock, kept alive by heartbeats, and handed to the next
// poller when the lock expires unobserved. Delivery is therefore
// at-least-once and consumers must be idempotent or track the retry count.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flowmill/internal/domain"
	"flowmill/internal/metrics"
)

// Config carries per-site concurrency limits: a site never has more than
// its maximum of concurrently leased tasks, whatever the poll rate.
type Config struct {
	DefaultSiteMaxConcurrency int           `yaml:"default_site_max_concurrency"`
	SiteMaxConcurrency        map[int64]int `yaml:"site_max_concurrency"`
}

func (c Config) siteMax(siteID int64) int {
	if n, ok := c.SiteMaxConcurrency[siteID]; ok {
		return n
	}
	if c.DefaultSiteMaxConcurrency > 0 {
		return c.DefaultSiteMaxConcurrency
	}
	return 16
}

type Server struct {
	db  *sql.DB
	cfg Config
	log zerolog.Logger
}

func NewServer(db *sql.DB, cfg Config, log zerolog.Logger) *Server {
	return &Server{db: db, cfg: cfg, log: log}
}

// Enqueue publishes a unit of work. A second enqueue with the same unique
// name under one site fails with a conflict until the first task is
// deleted; it never overwrites.
func (q *Server) Enqueue(ctx context.Context, siteID, accountID int64, req domain.TaskRequest) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT INTO queued_tasks (site_id, account_id, unique_name, priority, data)
VALUES (?,?,?,?,?)`, siteID, accountID, req.UniqueName, req.Priority, req.Data)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.Conflictf("task %q already queued for site %d", req.UniqueName, siteID)
		}
		return 0, fmt.Errorf("enqueue task %q: %w", req.UniqueName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	metrics.TaskEnqueued()
	return id, nil
}

// EnqueueBatch publishes several tasks in one transaction. A duplicate
// unique name anywhere in the batch rolls the whole batch back and nothing
// is enqueued.
func (q *Server) EnqueueBatch(ctx context.Context, siteID, accountID int64, reqs []domain.TaskRequest) ([]int64, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		res, err := tx.ExecContext(ctx, `
INSERT INTO queued_tasks (site_id, account_id, unique_name, priority, data)
VALUES (?,?,?,?,?)`, siteID, accountID, req.UniqueName, req.Priority, req.Data)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, domain.Conflictf("task %q already queued for site %d", req.UniqueName, siteID)
			}
			return nil, fmt.Errorf("enqueue task %q: %w", req.UniqueName, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for range ids {
		metrics.TaskEnqueued()
	}
	return ids, nil
}

// PollSite leases up to maxCount eligible tasks of one site. Eligible means
// unleased or holding an expired lease; grants respect the site concurrency
// cap and are ordered by priority (lower first) then enqueue order. Returns
// an empty slice immediately when nothing is eligible.
func (q *Server) PollSite(ctx context.Context, siteID int64, agentID string, leaseSeconds int, maxCount int) ([]domain.TaskLock, error) {
	return q.tryLockSite(ctx, siteID, agentID, leaseSeconds, maxCount, RouteAll())
}

// Poll leases up to maxCount tasks across every site whose owning account
// the routing admits.
func (q *Server) Poll(ctx context.Context, agentID string, leaseSeconds int, maxCount int, routing Routing) ([]domain.TaskLock, error) {
	sites, err := q.activeSites(ctx, routing)
	if err != nil {
		return nil, err
	}
	var locks []domain.TaskLock
	for _, siteID := range sites {
		if len(locks) >= maxCount {
			break
		}
		got, err := q.tryLockSite(ctx, siteID, agentID, leaseSeconds, maxCount-len(locks), routing)
		if err != nil {
			return locks, err
		}
		locks = append(locks, got...)
	}
	return locks, nil
}

func (q *Server) activeSites(ctx context.Context, routing Routing) ([]int64, error) {
	now := time.Now().Unix()
	query := `
SELECT DISTINCT site_id FROM queued_tasks
 WHERE (lock_id IS NULL OR lock_expire_at < ?)`
	args := []any{now}
	if pred, predArgs := routing.filterSQL("account_id"); pred != "" {
		query += " AND " + pred
		args = append(args, predArgs...)
	}
	query += " ORDER BY site_id"
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select active sites: %w", err)
	}
	defer rows.Close()
	var sites []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sites = append(sites, id)
	}
	return sites, rows.Err()
}

type candidate struct {
	id         int64
	uniqueName string
	priority   int
	data       []byte
	retryCount int
	expired    bool
}

func (q *Server) tryLockSite(ctx context.Context, siteID int64, agentID string, leaseSeconds, maxCount int, routing Routing) ([]domain.TaskLock, error) {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Cap check and lease assignment share the transaction so a burst of
	// concurrent polls cannot collectively exceed the site cap.
	var leased int
	err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queued_tasks WHERE site_id=? AND lock_id IS NOT NULL AND lock_expire_at >= ?`,
		siteID, now.Unix()).Scan(&leased)
	if err != nil {
		return nil, fmt.Errorf("count leased tasks: %w", err)
	}
	allowed := q.cfg.siteMax(siteID) - leased
	if allowed <= 0 {
		return nil, nil
	}
	if maxCount < allowed {
		allowed = maxCount
	}

	query := `
SELECT id, unique_name, priority, data, retry_count, lock_id IS NOT NULL
 FROM queued_tasks
 WHERE site_id=? AND (lock_id IS NULL OR lock_expire_at < ?)`
	args := []any{siteID, now.Unix()}
	if pred, predArgs := routing.filterSQL("account_id"); pred != "" {
		query += " AND " + pred
		args = append(args, predArgs...)
	}
	query += " ORDER BY priority ASC, id ASC LIMIT ?"
	args = append(args, allowed)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible tasks: %w", err)
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.uniqueName, &c.priority, &c.data, &c.retryCount, &c.expired); err != nil {
			rows.Close()
			return nil, err
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expireAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	locks := make([]domain.TaskLock, 0, len(cands))
	for _, c := range cands {
		lockID := uuid.NewString()
		retry := c.retryCount
		if c.expired {
			// Claiming over a dead lease counts as a redelivery.
			retry++
		}
		_, err := tx.ExecContext(ctx, `
UPDATE queued_tasks SET lock_id=?, lock_agent_id=?, lock_expire_at=?, retry_count=? WHERE id=?`,
			lockID, agentID, expireAt.Unix(), retry, c.id)
		if err != nil {
			return nil, fmt.Errorf("lock task id=%d: %w", c.id, err)
		}
		locks = append(locks, domain.TaskLock{
			LockID:     lockID,
			SiteID:     siteID,
			UniqueName: c.uniqueName,
			Priority:   c.priority,
			Data:       c.data,
			RetryCount: retry,
			ExpireAt:   expireAt,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.TasksLeased(len(locks))
	return locks, nil
}

// Heartbeat extends the leases owned by agentID under siteID. Lock ids
// that do not match (wrong agent, wrong site, expired or deleted) come
// back in the failed list instead of raising; the caller should stop
// working on those and let them be redelivered.
func (q *Server) Heartbeat(ctx context.Context, siteID int64, lockIDs []string, agentID string, extendSeconds int) ([]string, error) {
	now := time.Now()
	expireAt := now.Add(time.Duration(extendSeconds) * time.Second).Unix()
	var failed []string
	for _, lockID := range lockIDs {
		res, err := q.db.ExecContext(ctx, `
UPDATE queued_tasks SET lock_expire_at=?
 WHERE lock_id=? AND lock_agent_id=? AND site_id=? AND lock_expire_at >= ?`,
			expireAt, lockID, agentID, siteID, now.Unix())
		if err != nil {
			return failed, fmt.Errorf("heartbeat lock %s: %w", lockID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			failed = append(failed, lockID)
		}
	}
	return failed, nil
}

// Delete completes a task: the row is removed and its unique name becomes
// reusable. Site mismatch is not-found ("this work item does not exist for
// you"); agent mismatch on the right site is a conflict ("someone else
// owns it").
func (q *Server) Delete(ctx context.Context, siteID int64, lockID, agentID string) error {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `
SELECT id, lock_agent_id FROM queued_tasks WHERE lock_id=? AND site_id=?`, lockID, siteID).Scan(&id, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("lock %s does not exist for site %d", lockID, siteID)
	}
	if err != nil {
		return err
	}
	if !owner.Valid || owner.String != agentID {
		return domain.Conflictf("lock %s is held by another agent", lockID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_tasks WHERE id=?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.TaskCompleted()
	return nil
}

// ExpireLocks returns every lease whose expiry has passed to the eligible
// pool and increments its retry counter. This is the sole redelivery
// mechanism.
func (q *Server) ExpireLocks(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE queued_tasks SET lock_id=NULL, lock_agent_id=NULL, lock_expire_at=NULL, retry_count=retry_count+1
 WHERE lock_expire_at IS NOT NULL AND lock_expire_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("expire locks: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.LocksExpired(int(n))
	return int(n), nil
}

// RunExpirer drives ExpireLocks until the context is canceled.
func (q *Server) RunExpirer(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := q.ExpireLocks(ctx)
			if err != nil {
				q.log.Error().Err(err).Msg("lock expiry failed, will retry")
				continue
			}
			if n > 0 {
				q.log.Warn().Int("count", n).Msg("task locks expired, tasks will be retried")
			}
		}
	}
}

func isUniqueViolation(err error) bool {
	// modernc sqlite reports constraint failures in the error text;
	// matching on it avoids importing the driver's error types everywhere.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
