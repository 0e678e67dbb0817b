// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
	"github.com/certa-qa/userpool/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store on SQLite.
//
// SQLite has no SKIP LOCKED; the grant contract is kept by starting every
// transaction in immediate mode (one writer at a time, waiters bounded by
// busy_timeout) and re-checking is_leased in MarkLeased. Contention shows up
// as slower claims, never as a double lease or a deadlock.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (and migrates) the pool database at dbPath.
func NewSqliteStore(dbPath string, opts Options) (*SqliteStore, error) {
	cfg := sqlite.DefaultConfig()
	cfg.TxLock = "immediate"
	if opts.PoolSize > 0 {
		cfg.MaxOpenConns = opts.PoolSize
	}
	if opts.BusyTimeout > 0 {
		cfg.BusyTimeout = opts.BusyTimeout
	}
	db, err := sqlite.Open(dbPath, cfg)
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pool store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS pool_entities (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		email       TEXT NOT NULL UNIQUE,
		password    TEXT NOT NULL,
		role        TEXT NOT NULL,
		tenant      TEXT,
		domain      TEXT,
		tags        TEXT,
		is_leased   INTEGER NOT NULL DEFAULT 0,
		is_healthy  INTEGER NOT NULL DEFAULT 1,
		leased_by   TEXT,
		leased_at_ms   INTEGER,
		created_at_ms  INTEGER NOT NULL,
		updated_at_ms  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_claim ON pool_entities(role, is_leased, is_healthy);
	CREATE INDEX IF NOT EXISTS idx_entities_leased_by ON pool_entities(leased_by);

	CREATE TABLE IF NOT EXISTS executions (
		id             TEXT PRIMARY KEY,
		requested_roles_json TEXT NOT NULL,
		status         TEXT NOT NULL,
		created_at_ms  INTEGER NOT NULL,
		acquired_at_ms  INTEGER,
		completed_at_ms INTEGER
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTxn{tx: tx}, nil
}

type sqliteTxn struct {
	tx *sql.Tx
}

func (t *sqliteTxn) Commit() error   { return t.tx.Commit() }
func (t *sqliteTxn) Rollback() error { return t.tx.Rollback() }

func (t *sqliteTxn) ClaimCandidates(ctx context.Context, role string, count int) ([]int64, error) {
	// Never-leased entities first, then least recently used. The immediate
	// transaction holds the write lock, so the ids stay ours until commit.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM pool_entities
		WHERE role = ? AND is_leased = 0 AND is_healthy = 1
		ORDER BY leased_at_ms IS NOT NULL, leased_at_ms, id
		LIMIT ?`, role, count)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqliteTxn) MarkLeased(ctx context.Context, ids []int64, executionID string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE pool_entities
		SET is_leased = 1, leased_by = ?, leased_at_ms = ?, updated_at_ms = ?
		WHERE id IN (%s) AND is_leased = 0`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+3)
	args = append(args, executionID, now.UnixMilli(), now.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// The is_leased guard is the compare-and-set half of the grant
	// primitive; a mismatch means another writer slipped in.
	if int(affected) != len(ids) {
		return fmt.Errorf("mark leased: claimed %d ids but updated %d rows", len(ids), affected)
	}
	return nil
}

func (t *sqliteTxn) GetEntities(ctx context.Context, ids []int64) ([]*model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM pool_entities WHERE id IN (%s)", entityColumns, placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]*model.Entity, len(ids))
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		byID[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *sqliteTxn) EntitiesByExecution(ctx context.Context, executionID string) ([]*model.Entity, error) {
	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM pool_entities WHERE leased_by = ? ORDER BY id", entityColumns),
		executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqliteTxn) ReleaseByExecution(ctx context.Context, executionID string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pool_entities
		SET is_leased = 0, leased_by = NULL, leased_at_ms = NULL, updated_at_ms = ?
		WHERE leased_by = ?`, time.Now().UTC().UnixMilli(), executionID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (t *sqliteTxn) CreateExecution(ctx context.Context, exec *model.Execution) error {
	rolesJSON, err := json.Marshal(exec.RequestedRoles)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO executions (id, requested_roles_json, status, created_at_ms)
		VALUES (?, ?, ?, ?)`,
		exec.ID, rolesJSON, string(exec.Status), exec.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", model.ErrDuplicateExecution, exec.ID)
		}
		return err
	}
	return nil
}

func (t *sqliteTxn) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, requested_roles_json, status, created_at_ms, acquired_at_ms, completed_at_ms
		FROM executions WHERE id = ?`, id)
	return scanExecution(row, id)
}

func (t *sqliteTxn) UpdateExecutionStatus(ctx context.Context, id string, status model.ExecutionStatus, ts time.Time) error {
	var query string
	switch status {
	case model.ExecutionRunning:
		query = "UPDATE executions SET status = ?, acquired_at_ms = ? WHERE id = ?"
	case model.ExecutionCompleted, model.ExecutionFailed:
		query = "UPDATE executions SET status = ?, completed_at_ms = ? WHERE id = ?"
	default:
		query = "UPDATE executions SET status = ?, created_at_ms = created_at_ms WHERE id = ?"
		res, err := t.tx.ExecContext(ctx, query, string(status), id)
		if err != nil {
			return err
		}
		return checkFound(res, id)
	}
	res, err := t.tx.ExecContext(ctx, query, string(status), ts.UnixMilli(), id)
	if err != nil {
		return err
	}
	return checkFound(res, id)
}

func (t *sqliteTxn) AvailabilityByRole(ctx context.Context) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT role, COUNT(*) FROM pool_entities
		WHERE is_leased = 0 AND is_healthy = 1
		GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, err
		}
		out[role] = count
	}
	return out, rows.Err()
}

// --- Directory CRUD ---

func (s *SqliteStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO pool_entities (email, password, role, tenant, domain, tags, is_leased, is_healthy, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		e.Credentials.Email, e.Credentials.Password, e.Role,
		e.Credentials.Tenant, e.Credentials.Domain, e.Credentials.Tags,
		boolToInt(e.IsHealthy), e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SqliteStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	row := s.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM pool_entities WHERE id = ?", entityColumns), id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
	}
	return e, err
}

func (s *SqliteStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM pool_entities ORDER BY id", entityColumns))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SqliteStore) DeleteEntity(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM pool_entities WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
	}
	return nil
}

func (s *SqliteStore) SetEntityHealth(ctx context.Context, id int64, healthy bool) error {
	res, err := s.DB.ExecContext(ctx,
		"UPDATE pool_entities SET is_healthy = ?, updated_at_ms = ? WHERE id = ?",
		boolToInt(healthy), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", model.ErrEntityNotFound, id)
	}
	return nil
}

// --- Helpers ---

const entityColumns = "id, email, password, role, tenant, domain, tags, is_leased, is_healthy, leased_by, leased_at_ms, created_at_ms, updated_at_ms"

func scanEntity(scanner interface{ Scan(dest ...any) error }) (*model.Entity, error) {
	var e model.Entity
	var tenant, domain, tags, leasedBy sql.NullString
	var leased, healthy int
	var leasedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&e.ID, &e.Credentials.Email, &e.Credentials.Password, &e.Role,
		&tenant, &domain, &tags, &leased, &healthy, &leasedBy, &leasedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Credentials.Tenant = tenant.String
	e.Credentials.Domain = domain.String
	e.Credentials.Tags = tags.String
	e.IsLeased = leased != 0
	e.IsHealthy = healthy != 0
	e.LeasedBy = leasedBy.String
	if leasedAt.Valid {
		e.LeasedAt = time.UnixMilli(leasedAt.Int64).UTC()
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

func scanExecution(row *sql.Row, id string) (*model.Execution, error) {
	var e model.Execution
	var rolesJSON []byte
	var status string
	var createdAt int64
	var acquiredAt, completedAt sql.NullInt64

	err := row.Scan(&e.ID, &rolesJSON, &status, &createdAt, &acquiredAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrExecutionNotFound, id)
		}
		return nil, err
	}
	if err := json.Unmarshal(rolesJSON, &e.RequestedRoles); err != nil {
		return nil, fmt.Errorf("execution %s: corrupt requested_roles: %w", id, err)
	}
	e.Status = model.ExecutionStatus(status)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	if acquiredAt.Valid {
		e.AcquiredAt = time.UnixMilli(acquiredAt.Int64).UTC()
	}
	if completedAt.Valid {
		e.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}
	return &e, nil
}

func checkFound(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", model.ErrExecutionNotFound, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
