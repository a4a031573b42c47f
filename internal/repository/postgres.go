package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proxyguard/internal/metrics"
	"proxyguard/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(url string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an existing handle.
func NewPostgresRepositoryFromDB(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) trackDuration(op string, start time.Time) {
	metrics.MetricDBDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) GetRoutePatterns(ctx context.Context) ([]models.RoutePattern, error) {
	defer p.trackDuration("GetRoutePatterns", time.Now())
	var patterns []models.RoutePattern
	err := p.db.SelectContext(ctx, &patterns, `
		SELECT rp.id, rp.path_pattern, rp.group_id, g.group_name, rp.match_order, rp.requires_token
		FROM route_patterns rp
		JOIN endpoint_groups g ON g.id = rp.group_id
		WHERE rp.is_active = TRUE AND rp.path_pattern <> ''
		ORDER BY rp.match_order, rp.id`)
	return patterns, err
}

func (p *PostgresRepository) GetBackendDestinations(ctx context.Context) ([]models.BackendDestination, error) {
	defer p.trackDuration("GetBackendDestinations", time.Now())
	var dests []models.BackendDestination
	err := p.db.SelectContext(ctx, &dests, `
		SELECT d.id, g.group_name, d.address, d.health_check_path
		FROM endpoint_group_destinations gd
		JOIN endpoint_groups g ON g.id = gd.group_id
		JOIN backend_destinations d ON d.id = gd.destination_id
		WHERE d.is_enabled = TRUE
		ORDER BY g.group_name, d.id`)
	return dests, err
}

type tokenGrantRow struct {
	models.APIToken
	PermTokenID sql.NullInt64  `db:"perm_token_id"`
	PermGroupID sql.NullInt64  `db:"perm_group_id"`
	PermGroup   sql.NullString `db:"perm_group_name"`
	PermMethods sql.NullString `db:"perm_methods"`
}

// GetTokenGrant reads a token and its permission row for groupName in one
// statement, so the token checks and the method check see the same data.
func (p *PostgresRepository) GetTokenGrant(ctx context.Context, tokenValue, groupName string) (*models.TokenGrant, error) {
	defer p.trackDuration("GetTokenGrant", time.Now())
	var row tokenGrantRow
	err := p.db.GetContext(ctx, &row, `
		SELECT t.id, t.token_value, t.description, t.owner_name, t.is_enabled, t.does_expire,
		       t.expires_at, t.last_used_at, t.created_at,
		       tp.token_id AS perm_token_id, tp.group_id AS perm_group_id,
		       g.group_name AS perm_group_name, tp.allowed_http_methods AS perm_methods
		FROM api_tokens t
		LEFT JOIN endpoint_groups g ON g.group_name = $2
		LEFT JOIN token_permissions tp ON tp.token_id = t.id AND tp.group_id = g.id
		WHERE t.token_value = $1`, tokenValue, groupName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}

	grant := &models.TokenGrant{Token: row.APIToken}
	if row.PermTokenID.Valid {
		grant.Permission = &models.TokenPermission{
			TokenID:            row.PermTokenID.Int64,
			GroupID:            row.PermGroupID.Int64,
			GroupName:          row.PermGroup.String,
			AllowedHTTPMethods: row.PermMethods.String,
		}
	}
	return grant, nil
}

func (p *PostgresRepository) UpdateTokenLastUsed(ctx context.Context, id int64, at time.Time) error {
	defer p.trackDuration("UpdateTokenLastUsed", time.Now())
	_, err := p.db.ExecContext(ctx, "UPDATE api_tokens SET last_used_at = $1 WHERE id = $2", at, id)
	return err
}

func (p *PostgresRepository) GetBlockEntry(ctx context.Context, ip string) (*models.BlockEntry, error) {
	defer p.trackDuration("GetBlockEntry", time.Now())
	var entry models.BlockEntry
	err := p.db.GetContext(ctx, &entry,
		"SELECT ip_address, reason, blocked_until, created_by, created_at FROM blocked_ips WHERE ip_address = $1", ip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (p *PostgresRepository) UpsertBlockEntry(ctx context.Context, entry models.BlockEntry) error {
	defer p.trackDuration("UpsertBlockEntry", time.Now())
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO blocked_ips (ip_address, reason, blocked_until, created_by, created_at)
		VALUES (:ip_address, :reason, :blocked_until, :created_by, :created_at)
		ON CONFLICT (ip_address) DO UPDATE SET
			reason = EXCLUDED.reason,
			blocked_until = EXCLUDED.blocked_until,
			created_by = EXCLUDED.created_by`, entry)
	return err
}

func (p *PostgresRepository) DeleteBlockEntry(ctx context.Context, ip string) error {
	defer p.trackDuration("DeleteBlockEntry", time.Now())
	res, err := p.db.ExecContext(ctx, "DELETE FROM blocked_ips WHERE ip_address = $1", ip)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) InsertRequestLog(ctx context.Context, rec *models.RequestLog) error {
	defer p.trackDuration("InsertRequestLog", time.Now())
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO request_logs (
			request_id, timestamp_utc, client_ip, http_method, request_path, query_string,
			request_headers, request_body_preview, request_size_bytes, token_id_used, was_token_valid,
			endpoint_group, backend_target_url, response_status_code, response_headers,
			response_body_preview, response_size_bytes, duration_ms, proxy_processing_error,
			user_agent, geo_country, geo_city
		) VALUES (
			:request_id, :timestamp_utc, :client_ip, :http_method, :request_path, :query_string,
			:request_headers, :request_body_preview, :request_size_bytes, :token_id_used, :was_token_valid,
			:endpoint_group, :backend_target_url, :response_status_code, :response_headers,
			:response_body_preview, :response_size_bytes, :duration_ms, :proxy_processing_error,
			:user_agent, :geo_country, :geo_city
		)`, rec)
	return err
}

func (p *PostgresRepository) InsertAuditEvent(ctx context.Context, ev models.AuditEvent) error {
	defer p.trackDuration("InsertAuditEvent", time.Now())
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (timestamp_utc, user_id, entity_type, entity_id, action, old_values, new_values, affected_component, ip_address)
		VALUES (:timestamp_utc, :user_id, :entity_type, :entity_id, :action, :old_values, :new_values, :affected_component, :ip_address)`, ev)
	return err
}

func (p *PostgresRepository) GetAuditEvents(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	defer p.trackDuration("GetAuditEvents", time.Now())
	var events []models.AuditEvent
	err := p.db.SelectContext(ctx, &events, `
		SELECT id, timestamp_utc, user_id, entity_type, entity_id, action, old_values, new_values, affected_component, ip_address
		FROM audit_logs ORDER BY timestamp_utc DESC, id DESC LIMIT $1`, limit)
	return events, err
}

func (p *PostgresRepository) SummaryExists(ctx context.Context, windowStart time.Time) (bool, error) {
	defer p.trackDuration("SummaryExists", time.Now())
	var exists bool
	err := p.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM traffic_summaries WHERE window_start = $1)", windowStart)
	return exists, err
}

// AggregateWindow groups the request log rows of [start, end) by endpoint
// group and method. Rows whose group is not a configured endpoint group
// (fallback classifications) are left out.
func (p *PostgresRepository) AggregateWindow(ctx context.Context, start, end time.Time) ([]models.TrafficBucket, error) {
	defer p.trackDuration("AggregateWindow", time.Now())
	var buckets []models.TrafficBucket
	err := p.db.SelectContext(ctx, &buckets, `
		SELECT g.id AS group_id, g.group_name, rl.http_method,
		       COUNT(*) AS request_count,
		       COUNT(*) FILTER (WHERE rl.response_status_code BETWEEN 400 AND 499) AS error_4xx_count,
		       COUNT(*) FILTER (WHERE rl.response_status_code BETWEEN 500 AND 599) AS error_5xx_count,
		       COALESCE(AVG(rl.duration_ms), 0)::float8 AS avg_duration_ms,
		       COALESCE(SUM(rl.request_size_bytes), 0)::bigint AS total_request_bytes,
		       COALESCE(SUM(rl.response_size_bytes), 0)::bigint AS total_response_bytes,
		       COUNT(DISTINCT NULLIF(rl.client_ip, '')) AS unique_client_ips
		FROM request_logs rl
		JOIN endpoint_groups g ON g.group_name = rl.endpoint_group
		WHERE rl.timestamp_utc >= $1 AND rl.timestamp_utc < $2
		GROUP BY g.id, g.group_name, rl.http_method
		ORDER BY g.id, rl.http_method`, start, end)
	return buckets, err
}

// BucketDurations returns the ascending durations of one bucket of [start, end).
func (p *PostgresRepository) BucketDurations(ctx context.Context, start, end time.Time, groupName, method string) ([]int64, error) {
	defer p.trackDuration("BucketDurations", time.Now())
	var durations []int64
	err := p.db.SelectContext(ctx, &durations, `
		SELECT duration_ms FROM request_logs
		WHERE timestamp_utc >= $1 AND timestamp_utc < $2 AND endpoint_group = $3 AND http_method = $4
		ORDER BY duration_ms`, start, end, groupName, method)
	return durations, err
}

// SaveWindowSummaries writes all rows of one window in a single transaction.
// With replace set, existing rows of the window are deleted first.
func (p *PostgresRepository) SaveWindowSummaries(ctx context.Context, windowStart time.Time, rows []models.TrafficSummary, replace bool) error {
	defer p.trackDuration("SaveWindowSummaries", time.Now())
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM traffic_summaries WHERE window_start = $1", windowStart); err != nil {
			return fmt.Errorf("delete window: %w", err)
		}
	}
	if len(rows) > 0 {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO traffic_summaries (
				window_start, group_id, http_method, request_count, error_4xx_count, error_5xx_count,
				avg_duration_ms, p95_duration_ms, total_request_bytes, total_response_bytes, unique_client_ips
			) VALUES (
				:window_start, :group_id, :http_method, :request_count, :error_4xx_count, :error_5xx_count,
				:avg_duration_ms, :p95_duration_ms, :total_request_bytes, :total_response_bytes, :unique_client_ips
			)`, rows)
		if err != nil {
			return fmt.Errorf("insert summaries: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresRepository) GetWindowSummaries(ctx context.Context, windowStart time.Time) ([]models.TrafficSummary, error) {
	defer p.trackDuration("GetWindowSummaries", time.Now())
	var rows []models.TrafficSummary
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, window_start, group_id, http_method, request_count, error_4xx_count, error_5xx_count,
		       avg_duration_ms::float8 AS avg_duration_ms, p95_duration_ms, total_request_bytes,
		       total_response_bytes, unique_client_ips
		FROM traffic_summaries WHERE window_start = $1
		ORDER BY group_id, http_method`, windowStart)
	return rows, err
}
