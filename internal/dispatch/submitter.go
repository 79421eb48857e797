package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowmill/internal/domain"
	"flowmill/internal/queue"
)

// QueueSubmitter materializes attempts as queued tasks. The unique task
// name carries the workflow id and session time, so resubmitting the same
// session surfaces as a conflict from the queue.
type QueueSubmitter struct {
	queue *queue.Server
}

func NewQueueSubmitter(q *queue.Server) *QueueSubmitter {
	return &QueueSubmitter{queue: q}
}

type attemptPayload struct {
	WorkflowID  int64     `json:"workflow_id"`
	SessionTime time.Time `json:"session_time"`
	RetryName   string    `json:"retry_name,omitempty"`
}

func attemptName(workflowID int64, sessionTime time.Time, retryName string) string {
	name := fmt.Sprintf("attempt-%d-%d", workflowID, sessionTime.Unix())
	if retryName != "" {
		name = name + "-" + retryName
	}
	return name
}

func attemptRequest(workflowID int64, sessionTime time.Time, retryName string) (domain.TaskRequest, error) {
	data, err := json.Marshal(attemptPayload{
		WorkflowID:  workflowID,
		SessionTime: sessionTime,
		RetryName:   retryName,
	})
	if err != nil {
		return domain.TaskRequest{}, err
	}
	return domain.TaskRequest{
		UniqueName: attemptName(workflowID, sessionTime, retryName),
		Data:       data,
	}, nil
}

func (s *QueueSubmitter) SubmitAttempt(ctx context.Context, siteID, workflowID int64, sessionTime time.Time, retryName string) (domain.Attempt, error) {
	req, err := attemptRequest(workflowID, sessionTime, retryName)
	if err != nil {
		return domain.Attempt{}, err
	}
	id, err := s.queue.Enqueue(ctx, siteID, siteID, req)
	if err != nil {
		return domain.Attempt{}, err
	}
	return domain.Attempt{
		ID:          id,
		SiteID:      siteID,
		WorkflowID:  workflowID,
		SessionTime: sessionTime,
		RetryName:   retryName,
		CreatedAt:   time.Now(),
	}, nil
}

// SubmitAttempts enqueues one task per session time in a single
// transaction. A name collision on any of them fails the whole batch and
// leaves the queue untouched.
func (s *QueueSubmitter) SubmitAttempts(ctx context.Context, siteID, workflowID int64, sessionTimes []time.Time, retryName string) ([]domain.Attempt, error) {
	reqs := make([]domain.TaskRequest, 0, len(sessionTimes))
	for _, st := range sessionTimes {
		req, err := attemptRequest(workflowID, st, retryName)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	ids, err := s.queue.EnqueueBatch(ctx, siteID, siteID, reqs)
	if err != nil {
		return nil, err
	}
	attempts := make([]domain.Attempt, 0, len(ids))
	for i, id := range ids {
		attempts = append(attempts, domain.Attempt{
			ID:          id,
			SiteID:      siteID,
			WorkflowID:  workflowID,
			SessionTime: sessionTimes[i],
			RetryName:   retryName,
			CreatedAt:   time.Now(),
		})
	}
	return attempts, nil
}
