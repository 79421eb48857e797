// Package agent runs a worker process: a plain poll loop with backoff and
// cancellation, one goroutine per leased task, and a heartbeater that
// keeps each lease alive while the handler runs. An agent that dies simply
// stops heartbeating; its leases expire and the tasks are redelivered.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flowmill/internal/domain"
	"flowmill/internal/queue"
)

// Handler executes one leased task. An error abandons the lease; the task
// will be redelivered after expiry with its retry counter incremented.
type Handler interface {
	Handle(ctx context.Context, task domain.TaskLock) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task domain.TaskLock) error

func (f HandlerFunc) Handle(ctx context.Context, task domain.TaskLock) error {
	return f(ctx, task)
}

type Config struct {
	SiteID       int64
	LeaseSeconds int
	MaxCount     int
	Concurrency  int
	Routing      queue.Routing
	Backoff      Backoff
}

type Agent struct {
	id      string
	queue   *queue.Server
	handler Handler
	cfg     Config
	sem     chan struct{}
	log     zerolog.Logger
}

func New(q *queue.Server, handler Handler, cfg Config, log zerolog.Logger) *Agent {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 8
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	id := uuid.NewString()
	return &Agent{
		id:      id,
		queue:   q,
		handler: handler,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.Concurrency),
		log:     log.With().Str("agent_id", id).Logger(),
	}
}

func (a *Agent) ID() string { return a.id }

// Run polls until the context is canceled. Empty polls back off
// exponentially; any granted lease resets the backoff.
func (a *Agent) Run(ctx context.Context) {
	a.log.Info().Int64("site_id", a.cfg.SiteID).Msg("agent started")
	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		locks, err := a.poll(ctx)
		if err != nil {
			a.log.Error().Err(err).Msg("poll failed")
		}
		if len(locks) == 0 {
			idle++
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.Backoff.Delay(idle)):
			}
			continue
		}
		idle = 0
		for _, lock := range locks {
			a.sem <- struct{}{}
			go func(lock domain.TaskLock) {
				defer func() { <-a.sem }()
				a.runTask(ctx, lock)
			}(lock)
		}
	}
}

func (a *Agent) poll(ctx context.Context) ([]domain.TaskLock, error) {
	if a.cfg.SiteID > 0 {
		return a.queue.PollSite(ctx, a.cfg.SiteID, a.id, a.cfg.LeaseSeconds, a.cfg.MaxCount)
	}
	return a.queue.Poll(ctx, a.id, a.cfg.LeaseSeconds, a.cfg.MaxCount, a.cfg.Routing)
}

func (a *Agent) runTask(ctx context.Context, lock domain.TaskLock) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeat(taskCtx, lock, cancel)
	}()

	log := a.log.With().Str("task", lock.UniqueName).Str("lock_id", lock.LockID).Logger()
	if err := a.handler.Handle(taskCtx, lock); err != nil {
		// Abandon the lease: expiry redelivers with retry_count+1.
		log.Error().Err(err).Int("retry_count", lock.RetryCount).Msg("task failed, lease abandoned")
		cancel()
		<-hbDone
		return
	}
	cancel()
	<-hbDone
	if err := a.queue.Delete(ctx, lock.SiteID, lock.LockID, a.id); err != nil {
		log.Warn().Err(err).Msg("completed task could not be deleted")
		return
	}
	log.Info().Msg("task completed")
}

// heartbeat renews the lease at half its duration until canceled. A failed
// renewal means the lease is lost, so the task context is canceled.
func (a *Agent) heartbeat(ctx context.Context, lock domain.TaskLock, cancel context.CancelFunc) {
	interval := time.Duration(a.cfg.LeaseSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			failed, err := a.queue.Heartbeat(ctx, lock.SiteID, []string{lock.LockID}, a.id, a.cfg.LeaseSeconds)
			if err != nil {
				a.log.Error().Err(err).Str("lock_id", lock.LockID).Msg("heartbeat failed")
				continue
			}
			if len(failed) > 0 {
				a.log.Warn().Str("lock_id", lock.LockID).Msg("lease lost, canceling task")
				cancel()
				return
			}
		}
	}
}
