package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/orchestra-mcp/realtime/src/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS realtime_sessions (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    status TEXT NOT NULL,
    data TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    last_activity_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_realtime_sessions_client ON realtime_sessions(client_id)`,
	`CREATE TABLE IF NOT EXISTS realtime_rate_limits (
    session_id TEXT NOT NULL,
    name TEXT NOT NULL,
    limit_value INTEGER NOT NULL,
    remaining INTEGER NOT NULL,
    reset_seconds DOUBLE PRECISION NOT NULL,
    window_ms BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (session_id, name)
)`,
}

// SQLStore persists sessions and rate limits through database/sql.
// Driver "pgx" targets PostgreSQL, driver "sqlite" an embedded database.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQL opens dsn with driver and creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	switch driver {
	case "pgx", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// One writer avoids SQLITE_BUSY between concurrent connections.
		db.SetMaxOpenConns(1)
	}
	o := applyOptions(opts)
	s := &SQLStore{db: db, driver: driver, now: o.now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) forUpdate() string {
	if s.driver == "pgx" {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) Create(ctx context.Context, sess types.Session) (types.Session, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return types.Session{}, fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO realtime_sessions
		(id, client_id, status, data, created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.ClientID, string(sess.Status), string(data),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli())
	if err != nil {
		return types.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess.Clone(), nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (types.Session, error) {
	return s.getSession(ctx, s.db, id, "")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getSession(ctx context.Context, q queryer, id, suffix string) (types.Session, error) {
	var data string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT data FROM realtime_sessions WHERE id = ?`+suffix), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("select session: %w", err)
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return types.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, u types.SessionUpdate) (types.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.getSession(ctx, tx, id, s.forUpdate())
	if err != nil {
		return types.Session{}, err
	}
	sess = u.Apply(sess, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return types.Session{}, fmt.Errorf("encode session: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE realtime_sessions
		SET status = ?, data = ?, updated_at = ?, last_activity_at = ? WHERE id = ?`),
		string(sess.Status), string(data), sess.UpdatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(), id)
	if err != nil {
		return types.Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Session{}, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

const counterColumns = `name, limit_value, remaining, reset_seconds, window_ms, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCounter(row scanner) (types.RateLimitCounter, error) {
	var (
		c         types.RateLimitCounter
		windowMS  int64
		updatedAt int64
	)
	if err := row.Scan(&c.Name, &c.Limit, &c.Remaining, &c.ResetSeconds, &windowMS, &updatedAt); err != nil {
		return types.RateLimitCounter{}, err
	}
	c.Window = time.Duration(windowMS) * time.Millisecond
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return c, nil
}

func (s *SQLStore) GetCounters(ctx context.Context, id string) ([]types.RateLimitCounter, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+counterColumns+`
		FROM realtime_rate_limits WHERE session_id = ? ORDER BY name`), id)
	if err != nil {
		return nil, fmt.Errorf("select counters: %w", err)
	}
	defer rows.Close()

	var out []types.RateLimitCounter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) putCounter(ctx context.Context, e execer, id string, c types.RateLimitCounter) error {
	_, err := e.ExecContext(ctx, s.rebind(`INSERT INTO realtime_rate_limits
		(session_id, `+counterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, name) DO UPDATE SET
			limit_value = excluded.limit_value,
			remaining = excluded.remaining,
			reset_seconds = excluded.reset_seconds,
			window_ms = excluded.window_ms,
			updated_at = excluded.updated_at`),
		id, c.Name, c.Limit, c.Remaining, c.ResetSeconds, c.Window.Milliseconds(), c.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert counter %s: %w", c.Name, err)
	}
	return nil
}

func (s *SQLStore) PutCounter(ctx context.Context, id string, c types.RateLimitCounter) error {
	return s.putCounter(ctx, s.db, id, c)
}

func (s *SQLStore) Reset(ctx context.Context, id, name string) (types.RateLimitCounter, error) {
	return s.mutateCounter(ctx, id, name, func(c types.RateLimitCounter, now time.Time) types.RateLimitCounter {
		return c.Reset(now)
	})
}

func (s *SQLStore) Decrement(ctx context.Context, id, name string, n int) (types.RateLimitCounter, error) {
	return s.mutateCounter(ctx, id, name, func(c types.RateLimitCounter, now time.Time) types.RateLimitCounter {
		return c.Decrement(n, now)
	})
}

func (s *SQLStore) mutateCounter(ctx context.Context, id, name string, fn func(types.RateLimitCounter, time.Time) types.RateLimitCounter) (types.RateLimitCounter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.RateLimitCounter{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+counterColumns+`
		FROM realtime_rate_limits WHERE session_id = ? AND name = ?`+s.forUpdate()), id, name)
	c, err := scanCounter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RateLimitCounter{}, ErrNotFound
	}
	if err != nil {
		return types.RateLimitCounter{}, fmt.Errorf("select counter: %w", err)
	}
	c = fn(c, s.now())
	// Millisecond storage; keep the returned value identical to what a reload sees.
	c.UpdatedAt = time.UnixMilli(c.UpdatedAt.UnixMilli()).UTC()
	if err := s.putCounter(ctx, tx, id, c); err != nil {
		return types.RateLimitCounter{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.RateLimitCounter{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}
