package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/steward-auth/steward/internal/authz"
)

// StatsRefreshJob recomputes extended stats and caches them for dashboards,
// so read-heavy surfaces never hit the aggregate query directly.
type StatsRefreshJob struct {
	service *authz.Service
	cache   *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewStatsRefreshJob constructs the job.
func NewStatsRefreshJob(service *authz.Service, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *StatsRefreshJob {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StatsRefreshJob{service: service, cache: cache, ttl: ttl, logger: logger}
}

// Handle processes TaskStatsRefresh tasks.
func (j *StatsRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	stats, err := j.service.GetExtendedStats(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return asynq.SkipRetry
	}
	if err := j.cache.Set(ctx, StatsCacheKey, payload, j.ttl).Err(); err != nil {
		return err
	}
	j.logger.Info("stats cache refreshed",
		slog.Int64("total_accounts", stats.TotalAccounts),
		slog.Int64("active_accounts", stats.ActiveAccounts))
	return nil
}
