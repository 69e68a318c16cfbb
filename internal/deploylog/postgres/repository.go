package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/models"
	"github.com/Sh00ty/site-dispatcher/internal/pgerror"
)

const (
	resultsTable = "deployment_results"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16, dbName string) (*Repository, error) {
	if dbName == "" {
		dbName = "postgres"
	}
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=%s sslmode=disable pool_max_conns=10",
			user, password, addr, port, dbName,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

func (r *Repository) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}
	log.Info().Msgf("applied %d migrations", len(migrations))
	return nil
}

// SaveResults upserts results by request id. It returns how many leading
// results were saved when it fails part way.
func (r *Repository) SaveResults(ctx context.Context, results []models.DeploymentResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}

	sql := `
	insert into deployment_results (request_id, site_id, service_id, instance_count,
	success, remote_identifier, cost, delay_ms, error_message, completed_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	on conflict (request_id)
	do update set
		site_id = excluded.site_id,
		service_id = excluded.service_id,
		instance_count = excluded.instance_count,
		success = excluded.success,
		remote_identifier = excluded.remote_identifier,
		cost = excluded.cost,
		delay_ms = excluded.delay_ms,
		error_message = excluded.error_message,
		completed_at = excluded.completed_at,
		updated_at = now()
	where deployment_results.completed_at <= excluded.completed_at;
	`
	b := pgx.Batch{}
	for _, result := range results {
		b.Queue(
			sql,
			result.RequestID,
			string(result.SiteID),
			result.Request.ServiceID,
			result.Request.InstanceCount,
			result.Success,
			result.RemoteIdentifier,
			result.Cost,
			result.DelayMs,
			result.ErrorMessage,
			result.CompletedAt,
		)
	}
	batchResult := r.db.SendBatch(ctx, &b)
	defer batchResult.Close()

	for i, result := range results {
		tag, err := batchResult.Exec()
		if err != nil {
			if constraint, ok := pgerror.GetConstraintName(err); ok {
				return i, fmt.Errorf("failed to save result %s: violates %s: %w", result.RequestID, constraint, err)
			}
			return i, fmt.Errorf("failed to save result %s: %w", result.RequestID, err)
		}
		if tag.RowsAffected() == 0 {
			log.Warn().Msgf("result %s not saved, a newer attempt is already stored", result.RequestID)
		}
	}
	return len(results), nil
}

type ResultFilter struct {
	SiteID      models.SiteID
	ServiceID   string
	OnlySuccess bool
	Since       time.Time
	Limit       uint64
}

func buildListQuery(filter ResultFilter) (string, []any, error) {
	query := squirrel.Select(
		"request_id",
		"site_id",
		"service_id",
		"instance_count",
		"success",
		"remote_identifier",
		"cost",
		"delay_ms",
		"error_message",
		"completed_at",
	).From(resultsTable).
		OrderBy("completed_at asc")

	if filter.SiteID != "" {
		query = query.Where(squirrel.Eq{"site_id": string(filter.SiteID)})
	}
	if filter.ServiceID != "" {
		query = query.Where(squirrel.Eq{"service_id": filter.ServiceID})
	}
	if filter.OnlySuccess {
		query = query.Where(squirrel.Eq{"success": true})
	}
	if !filter.Since.IsZero() {
		query = query.Where(squirrel.GtOrEq{"completed_at": filter.Since})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query.PlaceholderFormat(squirrel.Dollar).ToSql()
}

func (r *Repository) ListResults(ctx context.Context, filter ResultFilter) ([]models.DeploymentResult, error) {
	sql, args, err := buildListQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.DeploymentResult, 0, 100)
	for rows.Next() {
		res := models.DeploymentResult{}
		var siteID string
		err = rows.Scan(
			&res.RequestID,
			&siteID,
			&res.Request.ServiceID,
			&res.Request.InstanceCount,
			&res.Success,
			&res.RemoteIdentifier,
			&res.Cost,
			&res.DelayMs,
			&res.ErrorMessage,
			&res.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment result: %w", err)
		}
		res.SiteID = models.SiteID(siteID)
		res.Request.RequestID = res.RequestID
		res.Request.TargetSiteID = res.SiteID
		result = append(result, res)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deployment results: %w", err)
	}
	return result, nil
}
