package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const settingDelay = "delay_minutes"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Tombstones only order writes within one process.
	if _, err := db.Exec(`DELETE FROM monitor_tombstones`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrClosed
	}
	var st State

	rows, err := s.db.QueryContext(ctx,
		`SELECT url, content, added_at, checked_at, changed_at, failures, rev FROM monitors ORDER BY seq`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var (
			e                watch.Entry
			added            string
			checked, changed sql.NullString
		)
		if err := rows.Scan(&e.URL, &e.Content, &added, &checked, &changed, &e.Failures, &e.Rev); err != nil {
			_ = rows.Close()
			return State{}, err
		}
		e.AddedAt = parseTime(added)
		e.CheckedAt = parseTime(checked.String)
		e.ChangedAt = parseTime(changed.String)
		st.Monitors = append(st.Monitors, e)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT endpoint FROM recipients ORDER BY seq`)
	if err != nil {
		return State{}, err
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return State{}, err
		}
		ep, err := watch.ParseEndpoint(raw)
		if err != nil {
			s.log.Warn("skipping malformed recipient row", logx.Err(err))
			continue
		}
		st.Recipients = append(st.Recipients, ep)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return State{}, err
	}

	var v string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingDelay).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return State{}, err
	default:
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			st.DelayMinutes = f
		}
	}
	return st, nil
}

func (s *sqliteStore) PutMonitor(ctx context.Context, e watch.Entry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	// Skipped when a removal or a stored row is at least as new as e.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitors(url, content, added_at, checked_at, changed_at, failures, rev)
		 SELECT ?,?,?,?,?,?,?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM monitor_tombstones t WHERE t.url = ? AND t.rev > 0 AND t.rev >= ?)
		 ON CONFLICT(url) DO UPDATE SET
		   content=excluded.content,
		   checked_at=excluded.checked_at,
		   changed_at=excluded.changed_at,
		   failures=excluded.failures,
		   rev=excluded.rev
		 WHERE monitors.rev = 0 OR excluded.rev > monitors.rev`,
		e.URL, e.Content, formatTime(e.AddedAt), nullTime(e.CheckedAt), nullTime(e.ChangedAt), e.Failures, int64(e.Rev),
		e.URL, int64(e.Rev),
	)
	return err
}

func (s *sqliteStore) DeleteMonitor(ctx context.Context, url string, rev uint64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// A row written by a later re-add survives an older removal.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM monitors WHERE url = ? AND (rev = 0 OR rev < ?)`, url, int64(rev)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO monitor_tombstones(url, rev) VALUES(?,?)
		 ON CONFLICT(url) DO UPDATE SET rev = max(monitor_tombstones.rev, excluded.rev)`,
		url, int64(rev)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PutRecipient(ctx context.Context, e watch.Endpoint) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(endpoint) VALUES(?) ON CONFLICT(endpoint) DO NOTHING`, e.String())
	return err
}

func (s *sqliteStore) PutDelay(ctx context.Context, minutes float64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		settingDelay, watch.FormatMinutes(minutes),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_name, channel_id, command, argument, ok, err, request_id, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.ActorID, nullStr(e.ActorName), nullStr(e.ChannelID),
		e.Command, nullStr(e.Argument), e.OK, nullStr(e.Error), nullStr(e.RequestID), e.DurationMS,
	)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
