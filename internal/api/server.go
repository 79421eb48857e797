package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowmill/internal/dispatch"
	"flowmill/internal/domain"
	"flowmill/internal/metrics"
	"flowmill/internal/queue"
	"flowmill/internal/store"
)

type Server struct {
	r     *chi.Mux
	store *store.Store
	queue *queue.Server
	loop  *dispatch.Loop
}

func NewServer(st *store.Store, q *queue.Server, loop *dispatch.Loop) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, store: st, queue: q, loop: loop}

	metrics.Register()
	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Post("/api/schedules/{id}/skip", s.skipSchedule)
	r.Post("/api/schedules/{id}/backfill", s.backfillSchedule)
	r.Post("/api/schedules/{id}/enable", s.enableSchedule)
	r.Post("/api/schedules/{id}/disable", s.disableSchedule)

	r.Post("/api/tasks", s.enqueueTask)
	r.Post("/api/tasks/poll", s.pollTasks)
	r.Post("/api/tasks/heartbeat", s.heartbeatTasks)
	r.Post("/api/tasks/delete", s.deleteTask)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleResp struct {
	ID               int64      `json:"id"`
	SiteID           int64      `json:"site_id"`
	ProjectID        int64      `json:"project_id"`
	WorkflowID       int64      `json:"workflow_id"`
	WorkflowName     string     `json:"workflow_name"`
	RuleType         string     `json:"rule_type"`
	RuleExpression   string     `json:"rule_expression"`
	Timezone         string     `json:"timezone"`
	NextRunTime      time.Time  `json:"next_run_time"`
	NextScheduleTime time.Time  `json:"next_schedule_time"`
	Disabled         bool       `json:"disabled"`
	LastSessionTime  *time.Time `json:"last_session_time,omitempty"`
}

func toScheduleResp(sched domain.Schedule) scheduleResp {
	return scheduleResp{
		ID:               sched.ID,
		SiteID:           sched.SiteID,
		ProjectID:        sched.ProjectID,
		WorkflowID:       sched.WorkflowID,
		WorkflowName:     sched.WorkflowName,
		RuleType:         sched.Def.Type,
		RuleExpression:   sched.Def.Expression,
		Timezone:         sched.Def.Timezone,
		NextRunTime:      sched.NextRunTime,
		NextScheduleTime: sched.NextScheduleTime,
		Disabled:         sched.Disabled(),
		LastSessionTime:  sched.LastSessionTime,
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scheduleResp, 0, len(scheds))
	for _, sched := range scheds {
		out = append(out, toScheduleResp(sched))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResp(sched))
}

type skipReq struct {
	Time     *time.Time `json:"time"`
	FromTime *time.Time `json:"from_time"`
	Count    int        `json:"count"`
	RunTime  *time.Time `json:"run_time"`
	DryRun   bool       `json:"dry_run"`
}

func (s *Server) skipSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req skipReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var sched domain.Schedule
	switch {
	case req.Time != nil:
		sched, err = s.loop.SkipToTime(r.Context(), id, *req.Time, req.RunTime, req.DryRun)
	case req.FromTime != nil && req.Count > 0:
		sched, err = s.loop.SkipByCount(r.Context(), id, *req.FromTime, req.Count, req.RunTime, req.DryRun)
	default:
		http.Error(w, "either time or from_time+count is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResp(sched))
}

type backfillReq struct {
	FromTime    time.Time `json:"from_time"`
	AttemptName string    `json:"attempt_name"`
	Count       *int      `json:"count"`
	DryRun      bool      `json:"dry_run"`
}

type attemptResp struct {
	ID          int64     `json:"id"`
	SiteID      int64     `json:"site_id"`
	WorkflowID  int64     `json:"workflow_id"`
	SessionTime time.Time `json:"session_time"`
	RetryName   string    `json:"retry_name"`
}

func (s *Server) backfillSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req backfillReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	attempts, err := s.loop.Backfill(r.Context(), id, req.FromTime, req.AttemptName, req.Count, req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]attemptResp, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResp{
			ID: a.ID, SiteID: a.SiteID, WorkflowID: a.WorkflowID,
			SessionTime: a.SessionTime, RetryName: a.RetryName,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) enableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) disableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if enabled {
		err = s.store.EnableSchedule(r.Context(), id)
	} else {
		err = s.store.DisableSchedule(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResp(sched))
}

type enqueueReq struct {
	SiteID     int64  `json:"site_id"`
	AccountID  int64  `json:"account_id"`
	UniqueName string `json:"unique_name"`
	Priority   int    `json:"priority"`
	Data       []byte `json:"data"`
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UniqueName == "" {
		http.Error(w, "unique_name is required", http.StatusBadRequest)
		return
	}
	id, err := s.queue.Enqueue(r.Context(), req.SiteID, req.AccountID, domain.TaskRequest{
		UniqueName: req.UniqueName,
		Priority:   req.Priority,
		Data:       req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type pollReq struct {
	SiteID          *int64  `json:"site_id"`
	AgentID         string  `json:"agent_id"`
	LeaseSeconds    int     `json:"lease_seconds"`
	MaxCount        int     `json:"max_count"`
	RoutingMode     string  `json:"routing_mode"` // "", "include" or "exclude"
	RoutingAccounts []int64 `json:"routing_accounts"`
}

type lockResp struct {
	LockID     string    `json:"lock_id"`
	SiteID     int64     `json:"site_id"`
	UniqueName string    `json:"unique_name"`
	Priority   int       `json:"priority"`
	Data       []byte    `json:"data"`
	RetryCount int       `json:"retry_count"`
	ExpireAt   time.Time `json:"expire_at"`
}

func (s *Server) pollTasks(w http.ResponseWriter, r *http.Request) {
	var req pollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = 60
	}
	if req.MaxCount <= 0 {
		req.MaxCount = 1
	}
	var locks []domain.TaskLock
	var err error
	if req.SiteID != nil {
		locks, err = s.queue.PollSite(r.Context(), *req.SiteID, req.AgentID, req.LeaseSeconds, req.MaxCount)
	} else {
		var routing queue.Routing
		switch req.RoutingMode {
		case "":
			routing = queue.RouteAll()
		case "include":
			routing = queue.RouteInclude(req.RoutingAccounts...)
		case "exclude":
			routing = queue.RouteExclude(req.RoutingAccounts...)
		default:
			http.Error(w, "routing_mode must be include or exclude", http.StatusBadRequest)
			return
		}
		locks, err = s.queue.Poll(r.Context(), req.AgentID, req.LeaseSeconds, req.MaxCount, routing)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]lockResp, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockResp{
			LockID: l.LockID, SiteID: l.SiteID, UniqueName: l.UniqueName,
			Priority: l.Priority, Data: l.Data, RetryCount: l.RetryCount, ExpireAt: l.ExpireAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type heartbeatReq struct {
	SiteID       int64    `json:"site_id"`
	AgentID      string   `json:"agent_id"`
	LockIDs      []string `json:"lock_ids"`
	LeaseSeconds int      `json:"lease_seconds"`
}

type heartbeatResp struct {
	Failed []string `json:"failed"`
}

func (s *Server) heartbeatTasks(w http.ResponseWriter, r *http.Request) {
	var req heartbeatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = 60
	}
	failed, err := s.queue.Heartbeat(r.Context(), req.SiteID, req.LockIDs, req.AgentID, req.LeaseSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	if failed == nil {
		failed = []string{}
	}
	writeJSON(w, http.StatusOK, heartbeatResp{Failed: failed})
}

type deleteReq struct {
	SiteID  int64  `json:"site_id"`
	AgentID string `json:"agent_id"`
	LockID  string `json:"lock_id"`
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	var req deleteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.queue.Delete(r.Context(), req.SiteID, req.LockID, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case domain.IsConfig(err):
		code = http.StatusBadRequest
	case domain.IsNotFound(err):
		code = http.StatusNotFound
	case domain.IsConflict(err):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}
