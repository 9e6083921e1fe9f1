package banstate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"banwatch/internal/config"
	"banwatch/internal/fault"
	"banwatch/internal/model"
)

type fakeEnforcer struct {
	mu        sync.Mutex
	jails     map[string]map[string]bool
	params    map[string]string
	calls     []string
	banNoop   bool
	unbanNoop bool
}

func newFakeEnforcer() *fakeEnforcer {
	return &fakeEnforcer{
		jails:  map[string]map[string]bool{"sshd": {}},
		params: map[string]string{"sshd|bantime": "600"},
	}
}

func (f *fakeEnforcer) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEnforcer) Ping(ctx context.Context) bool { return true }

func (f *fakeEnforcer) ListJails(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.jails))
	for name := range f.jails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeEnforcer) Status(ctx context.Context, jail string) (model.JailState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	banned, ok := f.jails[jail]
	if !ok {
		return model.JailState{}, fault.New(fault.NotFound, "jail %q", jail)
	}
	ips := make([]string, 0, len(banned))
	for ip := range banned {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return model.JailState{Name: jail, Enabled: true, BannedIPs: ips, CurrentlyBanned: len(ips)}, nil
}

func (f *fakeEnforcer) BanIP(ctx context.Context, jail, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("banip %s %s", jail, ip)
	if !f.banNoop {
		f.jails[jail][ip] = true
	}
	return nil
}

func (f *fakeEnforcer) UnbanIP(ctx context.Context, jail, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unbanip %s %s", jail, ip)
	if !f.unbanNoop {
		delete(f.jails[jail], ip)
	}
	return nil
}

func (f *fakeEnforcer) GetParam(ctx context.Context, jail, param string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[jail+"|"+param], nil
}

func (f *fakeEnforcer) SetParam(ctx context.Context, jail, param, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set %s %s %s", jail, param, value)
	f.params[jail+"|"+param] = value
	return nil
}

func newTestStore(t *testing.T, f *fakeEnforcer) *Store {
	t.Helper()
	s := New(f, nil, nil)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return s
}

func TestBanPermanentRestoresBantime(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	rec, err := s.Ban(context.Background(), "sshd", "203.0.113.7", BanPermanent, model.ReasonManual)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if rec.ExpiresAt != nil || !rec.Permanent() {
		t.Fatalf("permanent ban must not expire: %+v", rec)
	}
	want := []string{"set sshd bantime -1", "banip sshd 203.0.113.7", "set sshd bantime 600"}
	if strings.Join(f.calls, ";") != strings.Join(want, ";") {
		t.Fatalf("call sequence: %+v", f.calls)
	}
	if f.params["sshd|bantime"] != "600" {
		t.Fatalf("jail default bantime not restored: %q", f.params["sshd|bantime"])
	}
}

func TestBanWithTTL(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	before := time.Now().UTC()
	rec, err := s.Ban(context.Background(), "sshd", "203.0.113.7", 3600, model.ReasonManual)
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if rec.ExpiresAt == nil {
		t.Fatalf("ttl ban must carry expiry")
	}
	if rec.ExpiresAt.Before(before.Add(59*time.Minute)) || rec.ExpiresAt.After(before.Add(61*time.Minute)) {
		t.Fatalf("expiry off: %s", rec.ExpiresAt)
	}
}

func TestBanZeroDurationUnbans(t *testing.T) {
	f := newFakeEnforcer()
	f.jails["sshd"]["203.0.113.7"] = true
	s := newTestStore(t, f)

	if _, err := s.Ban(context.Background(), "sshd", "203.0.113.7", BanNone, model.ReasonManual); err != nil {
		t.Fatalf("zero-duration ban: %v", err)
	}
	if f.jails["sshd"]["203.0.113.7"] {
		t.Fatalf("zero duration must lift the ban")
	}
}

func TestBanIdempotent(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	for i := 0; i < 2; i++ {
		if _, err := s.Ban(context.Background(), "sshd", "203.0.113.7", BanPermanent, model.ReasonManual); err != nil {
			t.Fatalf("ban %d: %v", i, err)
		}
	}
	recs := s.Records()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].ExpiresAt != nil {
		t.Fatalf("record: %+v", recs[0])
	}
}

func TestBanConflictWhileInFlight(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	if !s.acquire("sshd|203.0.113.7") {
		t.Fatalf("acquire failed")
	}
	defer s.release("sshd|203.0.113.7")
	_, err := s.Ban(context.Background(), "sshd", "203.0.113.7", BanPermanent, model.ReasonManual)
	if !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.Ban(context.Background(), "sshd", "198.51.100.9", BanPermanent, model.ReasonManual); err != nil {
		t.Fatalf("other key must not be blocked: %v", err)
	}
}

func TestBanDesyncWhenNotReflected(t *testing.T) {
	f := newFakeEnforcer()
	f.banNoop = true
	s := newTestStore(t, f)

	_, err := s.Ban(context.Background(), "sshd", "203.0.113.7", BanPermanent, model.ReasonManual)
	if !fault.Is(err, fault.Desync) {
		t.Fatalf("expected desync, got %v", err)
	}
	if len(s.Records()) != 0 {
		t.Fatalf("desynced ban must not create a record")
	}
}

func TestUnbanDesyncWhenStillBanned(t *testing.T) {
	f := newFakeEnforcer()
	f.jails["sshd"]["203.0.113.7"] = true
	f.unbanNoop = true
	s := newTestStore(t, f)

	err := s.Unban(context.Background(), "sshd", "203.0.113.7")
	if !fault.Is(err, fault.Desync) {
		t.Fatalf("expected desync, got %v", err)
	}
}

func TestMutationValidation(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	if _, err := s.Ban(context.Background(), "sshd", "203.0.113.7; reboot", BanPermanent, model.ReasonManual); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("injection in ip: %v", err)
	}
	if _, err := s.Ban(context.Background(), "sshd$(id)", "203.0.113.7", BanPermanent, model.ReasonManual); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("injection in jail: %v", err)
	}
	if _, err := s.Ban(context.Background(), "sshd", "203.0.113.7", -2, model.ReasonManual); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("duration below sentinel: %v", err)
	}
	if _, err := s.Ban(context.Background(), "nginx", "203.0.113.7", BanPermanent, model.ReasonManual); !fault.Is(err, fault.NotFound) {
		t.Fatalf("unknown jail: %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("rejected input must never reach the enforcement boundary: %+v", f.calls)
	}
}

func TestMutationsRefusedWhileDown(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)
	s.SetLive(false)

	if _, err := s.Ban(context.Background(), "sshd", "203.0.113.7", BanPermanent, model.ReasonManual); !fault.Is(err, fault.Unavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	jails := s.ListJails()
	if len(jails) != 1 || jails[0].Name != "sshd" {
		t.Fatalf("last-known state must still be served: %+v", jails)
	}
}

func TestSetConfig(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	if err := s.SetConfig(context.Background(), "sshd", "maxretry", "5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfig(context.Background(), "sshd", "action", "drop"); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("immutable param: %v", err)
	}
	if err := s.SetConfig(context.Background(), "sshd", "maxretry", "five"); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("non-numeric value: %v", err)
	}
}

func TestRefreshAdoptsAndDropsRecords(t *testing.T) {
	f := newFakeEnforcer()
	f.jails["sshd"]["203.0.113.7"] = true
	s := newTestStore(t, f)

	recs := s.Records()
	if len(recs) != 1 || recs[0].Reason != model.ReasonThreshold || recs[0].ExpiresAt != nil {
		t.Fatalf("adopted record: %+v", recs)
	}

	// Enforcement dropped the ban on its own; next refresh follows.
	f.mu.Lock()
	delete(f.jails["sshd"], "203.0.113.7")
	f.mu.Unlock()
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(s.Records()) != 0 {
		t.Fatalf("stale record survived refresh")
	}
}

func TestAutoBan(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)
	cfg := config.AutoBanConfig{Enabled: true, Jail: "sshd", MaxRetry: 5, BanTime: 3600}

	counts := map[string]int{
		"203.0.113.7":  7,
		"198.51.100.9": 2,
	}
	if n := s.AutoBan(context.Background(), counts, cfg); n != 1 {
		t.Fatalf("expected one auto ban, got %d", n)
	}
	// Already recorded; a second pass must not re-ban.
	if n := s.AutoBan(context.Background(), counts, cfg); n != 0 {
		t.Fatalf("expected zero on second pass, got %d", n)
	}
	recs := s.Records()
	if len(recs) != 1 || recs[0].IP != "203.0.113.7" || recs[0].Reason != model.ReasonThreshold {
		t.Fatalf("records: %+v", recs)
	}
}

func TestConcurrentSnapshotUpdatesAreNotLost(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		state := model.JailState{Name: fmt.Sprintf("jail-%02d", i), Enabled: true, BannedIPs: []string{}}
		wg.Add(1)
		go func(st model.JailState) {
			defer wg.Done()
			s.updateJail(st)
		}(state)
	}
	wg.Wait()
	// sshd from the initial refresh plus all twenty writers.
	if got := len(s.ListJails()); got != 21 {
		t.Fatalf("lost snapshot updates: %d jails", got)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFakeEnforcer()
	s := newTestStore(t, f)

	if _, err := s.Ban(context.Background(), "sshd", "203.0.113.7", 1, model.ReasonManual); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, err := s.Ban(context.Background(), "sshd", "198.51.100.9", BanPermanent, model.ReasonManual); err != nil {
		t.Fatalf("ban: %v", err)
	}
	s.SweepExpired(time.Now().UTC().Add(time.Minute))
	recs := s.Records()
	if len(recs) != 1 || recs[0].IP != "198.51.100.9" {
		t.Fatalf("sweep: %+v", recs)
	}
}
