package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    tool        TEXT NOT NULL,
    output_type TEXT NOT NULL,
    args        TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    handler_id  TEXT NOT NULL DEFAULT '',
    cost        REAL NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    result      TEXT,
    wait_time   REAL NOT NULL DEFAULT 0,
    run_time    REAL NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const createTaskIndexes = `
CREATE INDEX IF NOT EXISTS tasks_handler_idx ON tasks (handler_id);
CREATE INDEX IF NOT EXISTS tasks_user_idx ON tasks (user_id, created_at)`

const createLedgersTable = `
CREATE TABLE IF NOT EXISTS ledgers (
    user_id              TEXT PRIMARY KEY,
    balance              REAL NOT NULL DEFAULT 0,
    subscription_balance REAL NOT NULL DEFAULT 0
)`

const createLorasTable = `
CREATE TABLE IF NOT EXISTS loras (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    name        TEXT NOT NULL,
    checkpoint  TEXT NOT NULL,
    base_model  TEXT NOT NULL,
    slug        TEXT NOT NULL UNIQUE,
    version     INTEGER NOT NULL,
    thumbnail   TEXT NOT NULL DEFAULT '',
    task_id     TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    UNIQUE (user_id, name, version)
)`

const taskColumns = `id, tool, output_type, args, user_id, handler_id, cost, status,
	error, result, wait_time, run_time, created_at, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, ddl := range []string{createTasksTable, createTaskIndexes, createLedgersTable, createLorasTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	result, err := encodeResult(t.Result)
	if err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Tool, t.OutputType, string(args), t.User, t.Handler, t.Cost, t.Status,
		t.Error, result, t.Performance.WaitTime, t.Performance.RunTime, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskByHandler retrieves the task dispatched under a backend handler reference.
func (s *SQLiteStore) GetTaskByHandler(ctx context.Context, handler string) (*model.Task, error) {
	if handler == "" {
		return nil, fmt.Errorf("empty handler: %w", ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE handler_id = ?`, handler)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task with handler %s: %w", handler, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task by handler: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of a user's tasks ordered by created_at DESC, along
// with the user's total task count. An empty user lists all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, user string, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE ? = '' OR user_id = ?", user, user,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE ? = '' OR user_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, user, user, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// SetTaskHandler records the backend reference of a dispatched task.
func (s *SQLiteStore) SetTaskHandler(ctx context.Context, id, handler string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET handler_id = ?, updated_at = ? WHERE id = ?",
		handler, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set task handler: %w", err)
	}
	return expectRow(result, fmt.Errorf("task %s: %w", id, ErrNotFound))
}

// UpdateTask writes status, error, result and performance. The write only
// applies when the stored status may transition to t.Status; otherwise
// ErrInvalidTransition is returned and the record is left untouched.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	from := sourceStatuses(t.Status)
	if len(from) == 0 {
		return fmt.Errorf("task %s to %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}
	result, err := encodeResult(t.Result)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	query := `UPDATE tasks SET status = ?, error = ?, result = ?, wait_time = ?, run_time = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	params := []any{t.Status, t.Error, result, t.Performance.WaitTime, t.Performance.RunTime, now, t.ID}
	for _, f := range from {
		params = append(params, f)
	}

	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		t.UpdatedAt = now
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", t.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	return fmt.Errorf("task %s from %s to %s: %w", t.ID, status, t.Status, ErrInvalidTransition)
}

// GetTaskStats returns aggregate statistics across all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByTool:   make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	for column, dest := range map[string]map[string]int{
		"status": stats.CountByStatus,
		"tool":   stats.CountByTool,
	} {
		rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", column, err)
			}
			dest[key] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate %s counts: %w", column, err)
		}
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(run_time) FROM tasks WHERE status = ?", model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average run time: %w", err)
	}
	if avg.Valid {
		stats.AvgRunTime = avg.Float64
	}

	return stats, nil
}

// GetLedger returns a user's balances. Unknown users have an empty ledger.
func (s *SQLiteStore) GetLedger(ctx context.Context, user string) (*model.Ledger, error) {
	l := &model.Ledger{User: user}
	err := s.db.QueryRowContext(ctx,
		"SELECT balance, subscription_balance FROM ledgers WHERE user_id = ?", user,
	).Scan(&l.Balance, &l.SubscriptionBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	return l, nil
}

// CreditLedger atomically adds to a user's balances, creating the ledger if needed.
func (s *SQLiteStore) CreditLedger(ctx context.Context, user string, balance, subscription float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledgers (user_id, balance, subscription_balance) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = balance + excluded.balance,
			subscription_balance = subscription_balance + excluded.subscription_balance`,
		user, balance, subscription,
	)
	if err != nil {
		return fmt.Errorf("credit ledger: %w", err)
	}
	return nil
}

// DebitLedger atomically takes amount from a user's ledger, drawing the
// subscription balance first and the remainder from balance. Balance may go
// negative.
func (s *SQLiteStore) DebitLedger(ctx context.Context, user string, amount float64) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO ledgers (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING", user,
	); err != nil {
		return fmt.Errorf("ensure ledger: %w", err)
	}

	// Both right-hand sides read the pre-update subscription_balance.
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledgers SET
			subscription_balance = subscription_balance - MIN(MAX(subscription_balance, 0), ?),
			balance = balance - (? - MIN(MAX(subscription_balance, 0), ?))
		WHERE user_id = ?`,
		amount, amount, amount, user,
	)
	if err != nil {
		return fmt.Errorf("debit ledger: %w", err)
	}
	return nil
}

// CreateLora inserts a bundle, assigning the next version slug for the
// user and bundle name.
func (s *SQLiteStore) CreateLora(ctx context.Context, l *model.Lora) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM loras WHERE user_id = ? AND name = ?", l.User, l.Name,
	).Scan(&version); err != nil {
		return fmt.Errorf("next lora version: %w", err)
	}
	version++
	l.Slug = model.LoraSlug(l.User, l.Name, version)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO loras (id, user_id, name, checkpoint, base_model, slug, version, thumbnail, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.User, l.Name, l.Checkpoint, l.BaseModel, l.Slug, version, l.Thumbnail, l.TaskID, l.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert lora: %w", err)
	}
	return tx.Commit()
}

const loraColumns = "id, user_id, name, checkpoint, base_model, slug, thumbnail, task_id, created_at"

// GetLora retrieves a bundle by ID or slug.
func (s *SQLiteStore) GetLora(ctx context.Context, id string) (*model.Lora, error) {
	l := &model.Lora{}
	err := s.db.QueryRowContext(ctx,
		"SELECT "+loraColumns+" FROM loras WHERE id = ? OR slug = ?", id, id,
	).Scan(&l.ID, &l.User, &l.Name, &l.Checkpoint, &l.BaseModel, &l.Slug, &l.Thumbnail, &l.TaskID, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lora %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lora: %w", err)
	}
	return l, nil
}

// ListLoras returns a user's bundles, newest first.
func (s *SQLiteStore) ListLoras(ctx context.Context, user string) ([]*model.Lora, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+loraColumns+" FROM loras WHERE user_id = ? ORDER BY created_at DESC, version DESC", user)
	if err != nil {
		return nil, fmt.Errorf("list loras: %w", err)
	}
	defer rows.Close()

	var loras []*model.Lora
	for rows.Next() {
		l := &model.Lora{}
		if err := rows.Scan(&l.ID, &l.User, &l.Name, &l.Checkpoint, &l.BaseModel, &l.Slug, &l.Thumbnail, &l.TaskID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lora: %w", err)
		}
		loras = append(loras, l)
	}
	return loras, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var args string
	var result sql.NullString
	if err := row.Scan(
		&t.ID, &t.Tool, &t.OutputType, &args, &t.User, &t.Handler, &t.Cost, &t.Status,
		&t.Error, &result, &t.Performance.WaitTime, &t.Performance.RunTime, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return t, nil
}

func encodeResult(r []model.ResultItem) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// sourceStatuses lists the statuses a task may be in to move to status.
func sourceStatuses(to string) []string {
	var from []string
	for _, s := range []string{model.StatusPending, model.StatusRunning} {
		if model.ValidTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func expectRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
