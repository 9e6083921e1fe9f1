package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"banwatch/internal/config"
	"banwatch/internal/model"
)

// Store is the optional append-only audit sink. In-memory state stays
// authoritative; rows here are never read back by the engine.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveEvent(ctx context.Context, ev model.LogEvent) error
	SaveBan(ctx context.Context, rec model.BanRecord, action string) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func expiresOrNil(rec model.BanRecord) any {
	if rec.ExpiresAt == nil {
		return nil
	}
	return rec.ExpiresAt.UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
