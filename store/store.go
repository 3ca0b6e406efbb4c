package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	// Register the pure-Go sqlite driver
	_ "modernc.org/sqlite"

	"github.com/upb/llm-model-router/models"
)

// Store is the embedded persistence layer. Cost records, performance
// records, cached responses, health-check history, rate-limit events, and
// failover events all survive process restart through it. Callers must
// treat store failures as a degraded dependency, never as fatal for the
// request path.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent recording
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for read-side aggregation queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cost_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_timestamp ON cost_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_model_id ON cost_records(model_id)`,

		`CREATE TABLE IF NOT EXISTS performance_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			latency_ms REAL NOT NULL,
			success INTEGER NOT NULL,
			quality_score REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_timestamp ON performance_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_perf_model_id ON performance_records(model_id)`,

		`CREATE TABLE IF NOT EXISTS cached_responses (
			cache_key TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			response_data TEXT NOT NULL,
			cached_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cached_responses(expires_at)`,

		`CREATE TABLE IF NOT EXISTS health_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			state TEXT NOT NULL,
			response_time_ms REAL,
			consecutive_failures INTEGER NOT NULL,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_model_id ON health_checks(model_id)`,

		`CREATE TABLE IF NOT EXISTS rate_limit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ratelimit_model_id ON rate_limit_events(model_id)`,

		`CREATE TABLE IF NOT EXISTS failover_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			original_model TEXT NOT NULL,
			alternative_model TEXT NOT NULL,
			reason TEXT NOT NULL,
			task_id TEXT NOT NULL,
			attempt INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failover_original ON failover_events(original_model)`,
		`CREATE INDEX IF NOT EXISTS idx_failover_timestamp ON failover_events(timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertCostRecord appends one cost record.
func (s *Store) InsertCostRecord(ctx context.Context, r models.CostRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_records
		(timestamp, model_id, provider, agent_type, task_id, input_tokens, output_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixMilli(), r.ModelID, r.Provider, r.AgentType, r.TaskID,
		r.InputTokens, r.OutputTokens, r.Cost)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

// SumCostBetween returns the total recorded cost in [from, to).
func (s *Store) SumCostBetween(ctx context.Context, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost) FROM cost_records
		WHERE timestamp >= ? AND timestamp < ?`,
		from.UnixMilli(), to.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost records: %w", err)
	}
	return total.Float64, nil
}

// SumCostByModel returns the total recorded cost for one model, optionally
// bounded below by since (zero time means all records).
func (s *Store) SumCostByModel(ctx context.Context, modelID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost) FROM cost_records
		WHERE model_id = ? AND timestamp >= ?`,
		modelID, since.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost for model %s: %w", modelID, err)
	}
	return total.Float64, nil
}

// InsertPerformanceRecord appends one performance record.
func (s *Store) InsertPerformanceRecord(ctx context.Context, r models.PerformanceRecord) error {
	var quality interface{}
	if r.QualityScore != nil {
		quality = *r.QualityScore
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_records
		(timestamp, model_id, agent_type, task_id, latency_ms, success, quality_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixMilli(), r.ModelID, r.AgentType, r.TaskID,
		float64(r.Latency)/float64(time.Millisecond), boolToInt(r.Success), quality)
	if err != nil {
		return fmt.Errorf("failed to insert performance record: %w", err)
	}
	return nil
}

// DeletePerformanceBefore trims performance history older than cutoff.
func (s *Store) DeletePerformanceBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM performance_records WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old performance records: %w", err)
	}
	return res.RowsAffected()
}

// UpsertCachedResponse writes one cache entry; the last write for a key stands.
func (s *Store) UpsertCachedResponse(ctx context.Context, key, modelID, responseData string, cachedAt, expiresAt, lastAccess time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cached_responses
		(cache_key, model_id, response_data, cached_at, expires_at, last_accessed, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		key, modelID, responseData, cachedAt.UnixMilli(), expiresAt.UnixMilli(), lastAccess.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert cached response: %w", err)
	}
	return nil
}

// TouchCachedResponse bumps hit count and last-access time for a key.
func (s *Store) TouchCachedResponse(ctx context.Context, key string, lastAccess time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cached_responses
		SET hit_count = hit_count + 1, last_accessed = ?
		WHERE cache_key = ?`,
		lastAccess.UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("failed to touch cached response: %w", err)
	}
	return nil
}

// DeleteCachedResponse removes one cache entry.
func (s *Store) DeleteCachedResponse(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_responses WHERE cache_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete cached response: %w", err)
	}
	return nil
}

// CachedRow is one persisted cache entry used for warm-starting the
// in-memory index.
type CachedRow struct {
	CacheKey     string
	ModelID      string
	ResponseData string
	CachedAt     time.Time
	ExpiresAt    time.Time
	LastAccess   time.Time
	HitCount     int
}

// LoadCachedResponses returns all unexpired cache entries.
func (s *Store) LoadCachedResponses(ctx context.Context, now time.Time) ([]CachedRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_key, model_id, response_data, cached_at, expires_at, last_accessed, hit_count
		FROM cached_responses
		WHERE expires_at > ?
		ORDER BY last_accessed ASC`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to load cached responses: %w", err)
	}
	defer rows.Close()

	var out []CachedRow
	for rows.Next() {
		var r CachedRow
		var cachedAt, expiresAt, lastAccess int64
		if err := rows.Scan(&r.CacheKey, &r.ModelID, &r.ResponseData, &cachedAt, &expiresAt, &lastAccess, &r.HitCount); err != nil {
			return nil, fmt.Errorf("failed to scan cached response: %w", err)
		}
		r.CachedAt = time.UnixMilli(cachedAt)
		r.ExpiresAt = time.UnixMilli(expiresAt)
		r.LastAccess = time.UnixMilli(lastAccess)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertHealthCheck appends one probe result.
func (s *Store) InsertHealthCheck(ctx context.Context, r models.HealthCheckResult) error {
	var respTime interface{}
	if r.ResponseTime > 0 {
		respTime = float64(r.ResponseTime) / float64(time.Millisecond)
	}
	var errMsg interface{}
	if r.Error != "" {
		errMsg = r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks
		(timestamp, model_id, state, response_time_ms, consecutive_failures, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixMilli(), r.ModelID, string(r.State), respTime, r.ConsecutiveFailures, errMsg)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %w", err)
	}
	return nil
}

// InsertRateLimitEvent appends one APPROACHING/LIMITED transition.
func (s *Store) InsertRateLimitEvent(ctx context.Context, e models.RateLimitEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_events (timestamp, model_id, status)
		VALUES (?, ?, ?)`,
		e.Timestamp.UnixMilli(), e.ModelID, string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to insert rate limit event: %w", err)
	}
	return nil
}

// InsertFailoverEvent appends one model substitution.
func (s *Store) InsertFailoverEvent(ctx context.Context, e models.FailoverEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failover_events
		(timestamp, original_model, alternative_model, reason, task_id, attempt)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixMilli(), e.OriginalModel, e.AlternativeModel,
		string(e.Reason), e.TaskID, e.Attempt)
	if err != nil {
		return fmt.Errorf("failed to insert failover event: %w", err)
	}
	return nil
}

// CountFailoverEvents returns how many failovers an original model has
// accrued since the given time.
func (s *Store) CountFailoverEvents(ctx context.Context, originalModel string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM failover_events
		WHERE original_model = ? AND timestamp >= ?`,
		originalModel, since.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failover events: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
