package domain

import "time"

// ScheduleDef describes the recurrence of one workflow, as published with a
// project revision. The expression format depends on Type:
//
//	cron             "00 10 * * *"
//	hourly           "MM:SS" offset past each hour
//	daily            "HH:MM:SS" offset past local midnight
//	weekly           "Mon,HH:MM:SS"
//	monthly          "D,HH:MM:SS"
//	minutes_interval "N"
//	seconds_interval "N"
type ScheduleDef struct {
	WorkflowID   int64
	WorkflowName string
	Type         string
	Expression   string
	Timezone     string
	StartDate    string // optional, "YYYY-MM-DD"
	EndDate      string // optional, "YYYY-MM-DD"
}

// Schedule is one workflow's persisted recurrence state. There is exactly
// one live row per workflow. NextRunTime is when the dispatch loop should
// fire; NextScheduleTime is the logical session time handed to the attempt,
// which can differ from NextRunTime around zone offset changes.
type Schedule struct {
	ID               int64
	SiteID           int64
	ProjectID        int64
	WorkflowID       int64
	WorkflowName     string
	Def              ScheduleDef
	NextRunTime      time.Time
	NextScheduleTime time.Time
	LastSessionTime  *time.Time
	DisabledAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (s Schedule) Disabled() bool { return s.DisabledAt != nil }

// TaskRequest is a unit of work to publish. UniqueName is the dedup key:
// unique among not-yet-deleted tasks of one site.
type TaskRequest struct {
	UniqueName string
	Priority   int // lower value served first
	Data       []byte
}

// TaskLock is the lease handle returned by a successful poll. The agent
// hands LockID back on heartbeat and delete.
type TaskLock struct {
	LockID     string
	SiteID     int64
	UniqueName string
	Priority   int
	Data       []byte
	RetryCount int
	ExpireAt   time.Time
}

// Attempt is one execution instance of a workflow for a session time. The
// attempt body itself is owned by the submission collaborator.
type Attempt struct {
	ID          int64
	SiteID      int64
	WorkflowID  int64
	SessionTime time.Time
	RetryName   string
	CreatedAt   time.Time
}
