package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	schedulesFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmill",
		Name:      "schedules_fired_total",
		Help:      "Schedules dispatched by the schedule loop.",
	})
	dispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmill",
		Name:      "dispatch_failures_total",
		Help:      "Schedule actions that failed and stayed due.",
	})
	tasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmill",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks published to the queue.",
	})
	tasksLeased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmill",
		Name:      "tasks_leased_total",
		Help:      "Task leases granted to agents.",
	})
	tasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmill",
		Name:      "tasks_completed_total",
		Help:      "Tasks deleted after successful completion.",
	})
	locksExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowmill",
		Name:      "locks_expired_total",
		Help:      "Leases returned to the pool by lock expiry.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(schedulesFired, dispatchFailures,
			tasksEnqueued, tasksLeased, tasksCompleted, locksExpired)
	})
}

func ScheduleFired()    { schedulesFired.Inc() }
func DispatchFailed()   { dispatchFailures.Inc() }
func TaskEnqueued()     { tasksEnqueued.Inc() }
func TasksLeased(n int) { tasksLeased.Add(float64(n)) }
func TaskCompleted()    { tasksCompleted.Inc() }
func LocksExpired(n int) {
	if n > 0 {
		locksExpired.Add(float64(n))
	}
}
