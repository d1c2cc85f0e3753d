package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatsRefresh recomputes extended role stats into the Redis cache.
	TaskStatsRefresh = "stats:refresh"
	// TaskAssignmentAudit scans for assignments referencing missing data.
	TaskAssignmentAudit = "authz:audit"
)

// StatsCacheKey holds the cached extended stats JSON.
const StatsCacheKey = "steward:stats:extended"

// NewStatsRefreshTask constructs a stats refresh task.
func NewStatsRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskStatsRefresh, nil)
}

// NewAssignmentAuditTask constructs an assignment audit task.
func NewAssignmentAuditTask() *asynq.Task {
	return asynq.NewTask(TaskAssignmentAudit, nil)
}
