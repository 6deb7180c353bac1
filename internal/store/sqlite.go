package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/bus"
)

// SQLite is the durable Store backed by a single database file.
type SQLite struct {
	notifier

	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// OpenSQLite opens or creates the database at dbPath.
func OpenSQLite(dbPath string, hub *bus.Hub, maxBytes int64, logger *zap.Logger) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLite{notifier: newNotifier(hub, maxBytes), db: db, logger: logger.Named("store")}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS activity (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL DEFAULT '',
			company_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_action TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, kind Kind, id string, value []byte) error {
	if err := validKey(kind, id); err != nil {
		return err
	}
	s.mu.Lock()
	ev, err := s.set(ctx, kind, id, value)
	s.mu.Unlock()
	if ev != nil {
		err = s.refuse(ev)
		s.logger.Warn("write refused", zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		return err
	}
	if err != nil {
		return err
	}
	s.changed(kind, id)
	return nil
}

func (s *SQLite) set(ctx context.Context, kind Kind, id string, value []byte) (*bus.CapacityEvent, error) {
	if s.maxBytes > 0 {
		var total, existing int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(value)), 0) FROM records`).Scan(&total); err != nil {
			return nil, fmt.Errorf("measure store: %w", err)
		}
		err := s.db.QueryRowContext(ctx, `SELECT length(value) FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("measure %s/%s: %w", kind, id, err)
		}
		if ev := s.admit(kind, id, total-existing+int64(len(value))); ev != nil {
			return ev, nil
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(kind), id, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("set %s/%s: %w", kind, id, err)
	}
	return nil, nil
}

func (s *SQLite) Delete(ctx context.Context, kind Kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.changed(kind, id)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, kind Kind) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM records WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := s.clear(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.changed(KindClear, "")
	return nil
}

func (s *SQLite) clear(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM records`, `DELETE FROM activity`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
	}
	return nil
}

func (s *SQLite) AppendActivity(ctx context.Context, entry account.AccountStatus) error {
	s.mu.Lock()
	err := s.appendActivity(ctx, entry)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.changed(KindActivity, entry.CompanyID)
	return nil
}

func (s *SQLite) appendActivity(ctx context.Context, entry account.AccountStatus) error {
	at := entry.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity (entry_id, company_id, status, last_action, notes, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CompanyID, string(entry.Status), entry.LastAction, entry.Notes, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM activity WHERE seq NOT IN (SELECT seq FROM activity ORDER BY seq DESC LIMIT ?)`, ActivityLimit)
	if err != nil {
		return fmt.Errorf("trim activity: %w", err)
	}
	return nil
}

func (s *SQLite) Activity(ctx context.Context, limit int) ([]account.AccountStatus, error) {
	if limit <= 0 {
		limit = ActivityLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, company_id, status, last_action, notes, updated_at FROM activity ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []account.AccountStatus
	for rows.Next() {
		var entry account.AccountStatus
		var status, updatedAt string
		if err := rows.Scan(&entry.ID, &entry.CompanyID, &status, &entry.LastAction, &entry.Notes, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry.Status = account.Status(status)
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			entry.UpdatedAt = t
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
