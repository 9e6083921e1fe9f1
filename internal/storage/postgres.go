package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"banwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/banwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			action TEXT NOT NULL,
			jail TEXT,
			ip TEXT NOT NULL,
			"user" TEXT,
			raw TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip)`,
		`CREATE TABLE IF NOT EXISTS ban_audit (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			action TEXT NOT NULL,
			jail TEXT NOT NULL,
			ip TEXT NOT NULL,
			reason TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
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

func (s *postgresStore) SaveEvent(ctx context.Context, ev model.LogEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, source, action, jail, ip, "user", raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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

func (s *postgresStore) SaveBan(ctx context.Context, rec model.BanRecord, action string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ban_audit (ts, action, jail, ip, reason, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
