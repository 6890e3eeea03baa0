package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/spellcast/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Casts ---

func (s *LibSQLStore) CreateCast(ctx context.Context, cast *Cast) error {
	def, err := json.Marshal(cast.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	runtimeParams, err := nullableMap(cast.RuntimeParams)
	if err != nil {
		return fmt.Errorf("marshal runtime_params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO casts (id, spell_id, initiator_id, definition, status, current_step_index, runtime_params, cost_usd, failure_reason, output, created_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cast.ID, cast.SpellID, cast.InitiatorID, string(def),
		string(cast.Status), cast.CurrentStepIndex, runtimeParams,
		cast.CostUSD, nullStr(cast.FailureReason), nullRaw(cast.Output),
		timeOrNow(cast.CreatedAt), nullTime(cast.CompletedAt), timeOrNow(cast.UpdatedAt),
	)
	return err
}

const castColumns = `id, spell_id, initiator_id, definition, status, current_step_index, runtime_params, cost_usd, failure_reason, output, created_at, completed_at, updated_at`

func (s *LibSQLStore) GetCast(ctx context.Context, id string) (*Cast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+castColumns+` FROM casts WHERE id = ?`, id)
	cast, err := scanCast(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("cast", id)
	}
	return cast, err
}

func (s *LibSQLStore) ListCasts(ctx context.Context, filter CastFilter) ([]*Cast, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.SpellID != "" {
		where = append(where, "spell_id = ?")
		args = append(args, filter.SpellID)
	}
	if filter.InitiatorID != "" {
		where = append(where, "initiator_id = ?")
		args = append(args, filter.InitiatorID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + castColumns + ` FROM casts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var casts []*Cast
	for rows.Next() {
		cast, err := scanCast(rows)
		if err != nil {
			return nil, err
		}
		casts = append(casts, cast)
	}
	return casts, rows.Err()
}

func (s *LibSQLStore) DeleteCast(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM casts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cast", id)
}

func (s *LibSQLStore) StartCast(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE casts SET status = 'running', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return oneRowAffected(res)
}

func (s *LibSQLStore) AdvanceCast(ctx context.Context, id string, from, to int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE casts SET current_step_index = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND current_step_index = ? AND status = 'running'`,
		to, id, from)
	if err != nil {
		return false, err
	}
	return oneRowAffected(res)
}

func (s *LibSQLStore) FinalizeCast(ctx context.Context, id string, status schema.CastStatus, failureReason string, output json.RawMessage) (bool, error) {
	if !status.Terminal() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition, "finalize to non-terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE casts SET status = ?, failure_reason = ?, output = ?,
		   completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), nullStr(failureReason), nullRaw(output), id)
	if err != nil {
		return false, err
	}
	return oneRowAffected(res)
}

// RecordStepCompletion inserts the (cast, generation) ledger row and, only if
// the insert landed, adds the cost to the cast total. Both statements run in
// one transaction so a crash between them cannot double-count, and a second
// delivery of the same generation observes the existing row and does nothing.
func (s *LibSQLStore) RecordStepCompletion(ctx context.Context, castID, generationID string, cost float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cast_generations (cast_id, generation_id) VALUES (?, ?)`,
		castID, generationID)
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	inserted, err := oneRowAffected(res)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if cost != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE casts SET cost_usd = cost_usd + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			cost, castID); err != nil {
			return false, fmt.Errorf("accrue cost: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit step completion: %w", err)
	}
	return true, nil
}

// --- Generation records ---

func (s *LibSQLStore) CreateGeneration(ctx context.Context, gen *GenerationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (generation_id, cast_id, step_id, tool_id, request_payload, status, response_payload, cost_usd, failure_reason, provider_job_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.GenerationID, gen.CastID, gen.StepID, gen.ToolID,
		nullRaw(gen.RequestPayload), string(gen.Status), nullRaw(gen.ResponsePayload),
		gen.CostUSD, nullStr(gen.FailureReason), nullStr(gen.ProviderJobID),
		timeOrNow(gen.CreatedAt), timeOrNow(gen.UpdatedAt),
	)
	return err
}

const generationColumns = `generation_id, cast_id, step_id, tool_id, request_payload, status, response_payload, cost_usd, failure_reason, provider_job_id, created_at, updated_at`

func (s *LibSQLStore) GetGeneration(ctx context.Context, generationID string) (*GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE generation_id = ?`, generationID)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("generation", generationID)
	}
	return gen, err
}

func (s *LibSQLStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]*GenerationRecord, error) {
	var where []string
	var args []any

	if filter.CastID != "" {
		where = append(where, "cast_id = ?")
		args = append(args, filter.CastID)
	}
	if filter.StepID != nil {
		where = append(where, "step_id = ?")
		args = append(args, *filter.StepID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + generationColumns + ` FROM generations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY step_id ASC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []*GenerationRecord
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, gen)
	}
	return gens, rows.Err()
}

func (s *LibSQLStore) FinalizeGeneration(ctx context.Context, generationID string, status schema.GenerationStatus, output json.RawMessage, cost float64, failureReason string) (bool, error) {
	if !status.Terminal() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition, "finalize generation to non-terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status = ?, response_payload = ?, cost_usd = ?,
		   failure_reason = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE generation_id = ? AND status = 'processing'`,
		string(status), nullRaw(output), cost, nullStr(failureReason), generationID)
	if err != nil {
		return false, err
	}
	return oneRowAffected(res)
}

func (s *LibSQLStore) SetProviderJobID(ctx context.Context, generationID, providerJobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET provider_job_id = ?, updated_at = CURRENT_TIMESTAMP WHERE generation_id = ?`,
		providerJobID, generationID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "generation", generationID)
}

func (s *LibSQLStore) LookupGenerationByJob(ctx context.Context, toolID, providerJobID string) (*GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE tool_id = ? AND provider_job_id = ?`,
		toolID, providerJobID)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("generation for job", toolID+"/"+providerJobID)
	}
	return gen, err
}

// --- Scheduled casts ---

func (s *LibSQLStore) CreateScheduledCast(ctx context.Context, sc *ScheduledCast) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_casts (id, spell_id, cron_expression, runtime_params, initiator_id, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.SpellID, sc.CronExpression, nullRaw(sc.RuntimeParams), sc.InitiatorID,
		sc.Enabled, nullTime(sc.LastRunAt), nullTime(sc.NextRunAt),
		nullStr(sc.LastRunStatus), timeOrNow(sc.CreatedAt),
	)
	return err
}

const scheduledCastColumns = `id, spell_id, cron_expression, runtime_params, initiator_id, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetScheduledCast(ctx context.Context, id string) (*ScheduledCast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduledCastColumns+` FROM scheduled_casts WHERE id = ?`, id)
	sc, err := scanScheduledCast(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_cast", id)
	}
	return sc, err
}

func (s *LibSQLStore) UpdateScheduledCast(ctx context.Context, id string, update ScheduledCastUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_casts SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_cast", id)
}

func (s *LibSQLStore) ListScheduledCasts(ctx context.Context, filter ScheduledCastFilter) ([]*ScheduledCast, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.SpellID != "" {
		where = append(where, "spell_id = ?")
		args = append(args, filter.SpellID)
	}

	query := `SELECT ` + scheduledCastColumns + ` FROM scheduled_casts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scs []*ScheduledCast
	for rows.Next() {
		sc, err := scanScheduledCast(rows)
		if err != nil {
			return nil, err
		}
		scs = append(scs, sc)
	}
	return scs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledCast(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_casts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_cast", id)
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCast(row rowScanner) (*Cast, error) {
	cast := &Cast{}
	var (
		defJSON       string
		runtimeJSON   sql.NullString
		status        string
		failureReason sql.NullString
		output        sql.NullString
		completedAt   sql.NullTime
	)
	err := row.Scan(&cast.ID, &cast.SpellID, &cast.InitiatorID, &defJSON, &status,
		&cast.CurrentStepIndex, &runtimeJSON, &cast.CostUSD, &failureReason, &output,
		&cast.CreatedAt, &completedAt, &cast.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cast.Status = schema.CastStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &cast.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if runtimeJSON.Valid && runtimeJSON.String != "" {
		_ = json.Unmarshal([]byte(runtimeJSON.String), &cast.RuntimeParams)
	}
	cast.FailureReason = failureReason.String
	cast.Output = rawOrNil(output)
	if completedAt.Valid {
		cast.CompletedAt = &completedAt.Time
	}
	return cast, nil
}

func scanGeneration(row rowScanner) (*GenerationRecord, error) {
	gen := &GenerationRecord{}
	var (
		request, response, failureReason, providerJobID sql.NullString
		status                                          string
	)
	err := row.Scan(&gen.GenerationID, &gen.CastID, &gen.StepID, &gen.ToolID,
		&request, &status, &response, &gen.CostUSD, &failureReason, &providerJobID,
		&gen.CreatedAt, &gen.UpdatedAt)
	if err != nil {
		return nil, err
	}
	gen.Status = schema.GenerationStatus(status)
	gen.RequestPayload = rawOrNil(request)
	gen.ResponsePayload = rawOrNil(response)
	gen.FailureReason = failureReason.String
	gen.ProviderJobID = providerJobID.String
	return gen, nil
}

func scanScheduledCast(row rowScanner) (*ScheduledCast, error) {
	sc := &ScheduledCast{}
	var (
		params, lastRunStatus sql.NullString
		lastRunAt, nextRunAt  sql.NullTime
	)
	err := row.Scan(&sc.ID, &sc.SpellID, &sc.CronExpression, &params, &sc.InitiatorID,
		&sc.Enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	sc.RuntimeParams = rawOrNil(params)
	sc.LastRunStatus = lastRunStatus.String
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sc.NextRunAt = &nextRunAt.Time
	}
	return sc, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CastError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableMap(m map[string]map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
