package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steward-auth/steward/internal/authz"
)

// AssignmentAuditJob surfaces inactive accounts that still hold elevated
// roles. Foreign keys prevent true orphans; this is an operator early
// warning, not an enforcement path.
type AssignmentAuditJob struct {
	pool   *pgxpool.Pool
	system authz.SystemRoles
	logger *slog.Logger
}

// NewAssignmentAuditJob constructs the job.
func NewAssignmentAuditJob(pool *pgxpool.Pool, system authz.SystemRoles, logger *slog.Logger) *AssignmentAuditJob {
	return &AssignmentAuditJob{pool: pool, system: system, logger: logger}
}

// Handle processes TaskAssignmentAudit tasks.
func (j *AssignmentAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	elevated := []string{j.system.Owner, j.system.Admin}
	var inactiveElevated int64
	err := j.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN accounts a ON a.id = ur.user_id
		WHERE NOT a.is_active AND r.name = ANY($1)`, elevated).Scan(&inactiveElevated)
	if err != nil {
		return err
	}
	if inactiveElevated > 0 {
		j.logger.Warn("inactive accounts holding elevated roles", slog.Int64("count", inactiveElevated))
	} else {
		j.logger.Info("assignment audit clean")
	}
	return nil
}
