package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"banwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:banwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			source TEXT NOT NULL,
			action TEXT NOT NULL,
			jail TEXT,
			ip TEXT NOT NULL,
			user TEXT,
			raw TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip)`,
		`CREATE TABLE IF NOT EXISTS ban_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			action TEXT NOT NULL,
			jail TEXT NOT NULL,
			ip TEXT NOT NULL,
			reason TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			expires_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ban_audit_ip ON ban_audit(ip)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveEvent(ctx context.Context, ev model.LogEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, source, action, jail, ip, user, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC(),
		string(ev.Source),
		string(ev.Action),
		ev.Jail,
		ev.IP.String(),
		ev.User,
		ev.Raw,
	)
	return err
}

func (s *sqliteStore) SaveBan(ctx context.Context, rec model.BanRecord, action string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ban_audit (ts, action, jail, ip, reason, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nowUTC(),
		action,
		rec.Jail,
		rec.IP,
		string(rec.Reason),
		rec.IssuedAt.UTC(),
		expiresOrNil(rec),
	)
	return err
}
