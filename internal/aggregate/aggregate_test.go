package aggregate

import (
	"net/netip"
	"testing"
	"time"

	"banwatch/internal/model"
)

func event(action model.Action, ip, user string, age time.Duration) model.LogEvent {
	return model.LogEvent{
		Timestamp: time.Now().UTC().Add(-age),
		Source:    model.SourceAuthLog,
		Action:    action,
		Jail:      "sshd",
		IP:        netip.MustParseAddr(ip),
		User:      user,
	}
}

func TestSnapshotTotals(t *testing.T) {
	a := New(time.Hour, 10)
	for i := 0; i < 5; i++ {
		a.Ingest(event(model.ActionFailedPassword, "203.0.113.7", "root", time.Minute))
	}
	a.Ingest(event(model.ActionAccepted, "192.0.2.4", "deploy", time.Minute))
	a.Ingest(event(model.ActionAccepted, "192.0.2.4", "deploy", time.Minute))

	stats := a.Snapshot(time.Hour)
	if stats.TotalFailed != 5 {
		t.Fatalf("total failed: %d", stats.TotalFailed)
	}
	if stats.TotalAccepted != 2 {
		t.Fatalf("total accepted: %d", stats.TotalAccepted)
	}
	if stats.UniqueIPs != 2 {
		t.Fatalf("unique ips: %d", stats.UniqueIPs)
	}
	if stats.FailureKinds["failed_password"] != 5 {
		t.Fatalf("failure kinds: %+v", stats.FailureKinds)
	}
	if len(stats.UsersAccepted) != 1 || stats.UsersAccepted[0].User != "deploy" || stats.UsersAccepted[0].Count != 2 {
		t.Fatalf("users accepted: %+v", stats.UsersAccepted)
	}
	if len(stats.UsersFailed) != 1 || stats.UsersFailed[0].User != "root" {
		t.Fatalf("users failed: %+v", stats.UsersFailed)
	}
}

func TestSnapshotWindowExcludesOldEvents(t *testing.T) {
	a := New(24*time.Hour, 10)
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.7", "root", 2*time.Hour))
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.8", "root", time.Minute))

	stats := a.Snapshot(time.Hour)
	if stats.TotalFailed != 1 || stats.UniqueIPs != 1 {
		t.Fatalf("window filter: failed=%d ips=%d", stats.TotalFailed, stats.UniqueIPs)
	}
	full := a.Snapshot(24 * time.Hour)
	if full.TotalFailed != 2 {
		t.Fatalf("full window: %d", full.TotalFailed)
	}
}

func TestTopIPsRankingAndTieBreak(t *testing.T) {
	a := New(time.Hour, 2)
	for i := 0; i < 3; i++ {
		a.Ingest(event(model.ActionFailedPassword, "203.0.113.1", "root", time.Minute))
	}
	// Two addresses tied at 2; the one seen first ranks first.
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.2", "root", time.Minute))
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.3", "root", time.Minute))
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.2", "root", time.Minute))
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.3", "root", time.Minute))

	stats := a.Snapshot(time.Hour)
	if len(stats.TopIPs) != 2 {
		t.Fatalf("top-n not applied: %+v", stats.TopIPs)
	}
	if stats.TopIPs[0].IP != "203.0.113.1" || stats.TopIPs[0].Count != 3 {
		t.Fatalf("top entry: %+v", stats.TopIPs[0])
	}
	if stats.TopIPs[1].IP != "203.0.113.2" {
		t.Fatalf("tie break: %+v", stats.TopIPs[1])
	}
}

func TestTopIPsCountFailuresOnly(t *testing.T) {
	a := New(time.Hour, 10)
	a.Ingest(event(model.ActionAccepted, "192.0.2.4", "deploy", time.Minute))
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.7", "root", time.Minute))

	stats := a.Snapshot(time.Hour)
	if len(stats.TopIPs) != 1 || stats.TopIPs[0].IP != "203.0.113.7" {
		t.Fatalf("accepted address must not rank: %+v", stats.TopIPs)
	}
}

func TestSweepEvictsAndCounts(t *testing.T) {
	a := New(time.Hour, 10)
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.7", "root", 2*time.Hour))
	a.Ingest(event(model.ActionFailedPassword, "203.0.113.8", "root", time.Minute))
	a.CountSkipped()

	a.Sweep(time.Now().UTC())
	stats := a.Snapshot(time.Hour)
	if stats.TotalFailed != 1 {
		t.Fatalf("expected expired event evicted: %d", stats.TotalFailed)
	}
	ingested, skipped := a.Counts()
	if ingested != 2 || skipped != 1 {
		t.Fatalf("counts: ingested=%d skipped=%d", ingested, skipped)
	}
}

func TestFailureCounts(t *testing.T) {
	a := New(time.Hour, 10)
	for i := 0; i < 4; i++ {
		a.Ingest(event(model.ActionFailedPassword, "203.0.113.7", "root", time.Minute))
	}
	a.Ingest(event(model.ActionAccepted, "203.0.113.7", "root", time.Minute))
	a.Ingest(event(model.ActionInvalidUser, "198.51.100.9", "admin", time.Minute))

	counts := a.FailureCounts(time.Hour)
	if counts["203.0.113.7"] != 4 {
		t.Fatalf("counts: %+v", counts)
	}
	if counts["198.51.100.9"] != 1 {
		t.Fatalf("counts: %+v", counts)
	}
}
