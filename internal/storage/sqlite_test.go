package storage

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"banwatch/internal/config"
	"banwatch/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDisabledStorageIsNil(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	if err != nil || s != nil {
		t.Fatalf("disabled storage: %v %v", s, err)
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	if _, err := NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"}); err == nil {
		t.Fatalf("expected driver error")
	}
}

func TestSaveEventAndBan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := model.LogEvent{
		Timestamp: time.Now().UTC(),
		Source:    model.SourceAuthLog,
		Action:    model.ActionFailedPassword,
		Jail:      "sshd",
		IP:        netip.MustParseAddr("203.0.113.7"),
		User:      "root",
		Raw:       "Failed password for root from 203.0.113.7",
	}
	if err := s.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("save event: %v", err)
	}

	exp := time.Now().UTC().Add(time.Hour)
	rec := model.BanRecord{
		Jail:      "sshd",
		IP:        "203.0.113.7",
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: &exp,
		Reason:    model.ReasonManual,
	}
	if err := s.SaveBan(ctx, rec, "ban"); err != nil {
		t.Fatalf("save ban: %v", err)
	}
	rec.ExpiresAt = nil
	if err := s.SaveBan(ctx, rec, "unban"); err != nil {
		t.Fatalf("save unban: %v", err)
	}
}
