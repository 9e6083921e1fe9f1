package banstate

import (
	"context"
	"log/slog"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"banwatch/internal/config"
	"banwatch/internal/fault"
	"banwatch/internal/model"
	"banwatch/internal/storage"
)

// Enforcer is the slice of the enforcement client the store drives.
type Enforcer interface {
	Ping(ctx context.Context) bool
	ListJails(ctx context.Context) ([]string, error)
	Status(ctx context.Context, jail string) (model.JailState, error)
	BanIP(ctx context.Context, jail, ip string) error
	UnbanIP(ctx context.Context, jail, ip string) error
	GetParam(ctx context.Context, jail, param string) (string, error)
	SetParam(ctx context.Context, jail, param, value string) error
}

// Jail names feed subprocess arguments; anything outside this set is
// rejected outright rather than stripped.
var reJailName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var mutableParams = map[string]struct{}{
	"bantime":  {},
	"findtime": {},
	"maxretry": {},
}

const (
	// BanPermanent and BanNone are the duration sentinels shared with
	// the enforcement boundary: -1 never expires, 0 lifts the ban.
	BanPermanent int64 = -1
	BanNone      int64 = 0
)

// Store owns ban records and the jail snapshot. Mutations are
// serialized per (jail, ip); everything the enforcement mechanism
// reports is re-read after each write rather than assumed.
type Store struct {
	client Enforcer
	logger *slog.Logger
	sink   storage.Store

	mu       sync.Mutex
	inflight map[string]struct{}
	records  map[string]model.BanRecord

	jails atomic.Value // map[string]model.JailState
	live  atomic.Bool
}

func New(client Enforcer, sink storage.Store, logger *slog.Logger) *Store {
	s := &Store{
		client:   client,
		logger:   logger,
		sink:     sink,
		inflight: make(map[string]struct{}),
		records:  make(map[string]model.BanRecord),
	}
	s.jails.Store(map[string]model.JailState{})
	s.live.Store(true)
	return s
}

// SetLive is driven by the ping loop. While false, mutations are
// refused and only last-known state is served.
func (s *Store) SetLive(ok bool) {
	prev := s.live.Swap(ok)
	if prev != ok && s.logger != nil {
		if ok {
			s.logger.Info("enforcement reachable, mutations enabled")
		} else {
			s.logger.Warn("enforcement unreachable, refusing mutations")
		}
	}
}

func (s *Store) Live() bool {
	return s.live.Load()
}

func (s *Store) snapshot() map[string]model.JailState {
	if v := s.jails.Load(); v != nil {
		return v.(map[string]model.JailState)
	}
	return map[string]model.JailState{}
}

func (s *Store) ListJails() []model.JailState {
	snap := s.snapshot()
	out := make([]model.JailState, 0, len(snap))
	for _, j := range snap {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) GetJail(name string) (model.JailState, error) {
	if !reJailName.MatchString(name) {
		return model.JailState{}, fault.New(fault.InvalidArgument, "jail name %q", name)
	}
	j, ok := s.snapshot()[name]
	if !ok {
		return model.JailState{}, fault.New(fault.NotFound, "jail %q", name)
	}
	return j, nil
}

// Refresh rebuilds the whole jail snapshot in one shot and reconciles
// ban records with what the enforcement mechanism actually holds.
func (s *Store) Refresh(ctx context.Context) error {
	names, err := s.client.ListJails(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]model.JailState, len(names))
	for _, name := range names {
		state, err := s.client.Status(ctx, name)
		if err != nil {
			state = model.JailState{Name: name, Enabled: false, BannedIPs: []string{}}
		}
		next[name] = state
	}
	s.mu.Lock()
	s.jails.Store(next)
	s.reconcile(next)
	s.mu.Unlock()
	return nil
}

// reconcile adopts bans the enforcement mechanism created on its own
// and drops records for bans that expired underneath us. Caller holds
// s.mu.
func (s *Store) reconcile(snap map[string]model.JailState) {
	now := time.Now().UTC()
	for name, jail := range snap {
		for _, ip := range jail.BannedIPs {
			key := name + "|" + ip
			if _, ok := s.records[key]; !ok {
				s.records[key] = model.BanRecord{
					Jail:     name,
					IP:       ip,
					IssuedAt: now,
					Reason:   model.ReasonThreshold,
				}
			}
		}
	}
	for key, rec := range s.records {
		jail, ok := snap[rec.Jail]
		if !ok {
			continue
		}
		if jail.HasBanned(rec.IP) {
			continue
		}
		if rec.Expired(now) {
			delete(s.records, key)
			continue
		}
		if s.logger != nil {
			s.logger.Warn("ban record missing from enforcement", "jail", rec.Jail, "ip", rec.IP)
		}
		delete(s.records, key)
	}
}

func (s *Store) Records() []model.BanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BanRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Jail != out[j].Jail {
			return out[i].Jail < out[j].Jail
		}
		return out[i].IP < out[j].IP
	})
	return out
}

func (s *Store) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Store) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Store) checkMutation(jail, ip string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, fault.Wrap(fault.InvalidArgument, err, "ip %q", ip)
	}
	if !reJailName.MatchString(jail) {
		return netip.Addr{}, fault.New(fault.InvalidArgument, "jail name %q", jail)
	}
	if _, ok := s.snapshot()[jail]; !ok {
		return netip.Addr{}, fault.New(fault.NotFound, "jail %q", jail)
	}
	if !s.live.Load() {
		return netip.Addr{}, fault.New(fault.Unavailable, "enforcement mechanism is down")
	}
	return addr, nil
}

// Ban bans ip in jail for seconds (-1 permanent, 0 unban-now, positive
// TTL). A second ban for the same key while one is in flight fails
// fast with Conflict. The jail's default bantime is restored after the
// ban so a per-record duration never leaks into future bans.
func (s *Store) Ban(ctx context.Context, jail, ip string, seconds int64, reason model.BanReason) (model.BanRecord, error) {
	if seconds < BanPermanent {
		return model.BanRecord{}, fault.New(fault.InvalidArgument, "duration %d", seconds)
	}
	if seconds == BanNone {
		return model.BanRecord{}, s.Unban(ctx, jail, ip)
	}
	addr, err := s.checkMutation(jail, ip)
	if err != nil {
		return model.BanRecord{}, err
	}
	ip = addr.String()
	key := jail + "|" + ip
	if !s.acquire(key) {
		return model.BanRecord{}, fault.New(fault.Conflict, "mutation in flight for %s in %s", ip, jail)
	}
	defer s.release(key)

	prevBantime, err := s.client.GetParam(ctx, jail, "bantime")
	if err != nil {
		return model.BanRecord{}, err
	}
	if err := s.client.SetParam(ctx, jail, "bantime", strconv.FormatInt(seconds, 10)); err != nil {
		return model.BanRecord{}, err
	}
	banErr := s.client.BanIP(ctx, jail, ip)
	if prevBantime != "" {
		if restoreErr := s.client.SetParam(ctx, jail, "bantime", prevBantime); restoreErr != nil && s.logger != nil {
			s.logger.Warn("failed to restore jail bantime", "jail", jail, "bantime", prevBantime, "err", restoreErr)
		}
	}
	if banErr != nil {
		return model.BanRecord{}, banErr
	}

	state, err := s.client.Status(ctx, jail)
	if err != nil {
		return model.BanRecord{}, fault.Wrap(fault.Desync, err, "ban %s in %s not verifiable", ip, jail)
	}
	if !state.HasBanned(ip) {
		return model.BanRecord{}, fault.New(fault.Desync, "ban %s in %s not reflected by enforcement", ip, jail)
	}
	s.updateJail(state)

	now := time.Now().UTC()
	rec := model.BanRecord{Jail: jail, IP: ip, IssuedAt: now, Reason: reason}
	if seconds > 0 {
		exp := now.Add(time.Duration(seconds) * time.Second)
		rec.ExpiresAt = &exp
	}
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
	if s.sink != nil {
		_ = s.sink.SaveBan(ctx, rec, "ban")
	}
	if s.logger != nil {
		s.logger.Info("banned", "jail", jail, "ip", ip, "seconds", seconds, "reason", reason)
	}
	return rec, nil
}

func (s *Store) Unban(ctx context.Context, jail, ip string) error {
	addr, err := s.checkMutation(jail, ip)
	if err != nil {
		return err
	}
	ip = addr.String()
	key := jail + "|" + ip
	if !s.acquire(key) {
		return fault.New(fault.Conflict, "mutation in flight for %s in %s", ip, jail)
	}
	defer s.release(key)

	if err := s.client.UnbanIP(ctx, jail, ip); err != nil {
		return err
	}
	state, err := s.client.Status(ctx, jail)
	if err != nil {
		return fault.Wrap(fault.Desync, err, "unban %s in %s not verifiable", ip, jail)
	}
	if state.HasBanned(ip) {
		return fault.New(fault.Desync, "unban %s in %s not reflected by enforcement", ip, jail)
	}
	s.updateJail(state)

	s.mu.Lock()
	rec, had := s.records[key]
	delete(s.records, key)
	s.mu.Unlock()
	if had && s.sink != nil {
		_ = s.sink.SaveBan(ctx, rec, "unban")
	}
	if s.logger != nil {
		s.logger.Info("unbanned", "jail", jail, "ip", ip)
	}
	return nil
}

// SetConfig updates one jail tunable, then reads it back; a readback
// mismatch surfaces as Desync instead of trusting the write.
func (s *Store) SetConfig(ctx context.Context, jail, param, value string) error {
	if !reJailName.MatchString(jail) {
		return fault.New(fault.InvalidArgument, "jail name %q", jail)
	}
	if _, ok := mutableParams[param]; !ok {
		return fault.New(fault.InvalidArgument, "parameter %q", param)
	}
	if _, err := strconv.ParseInt(value, 10, 64); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "parameter %s value %q", param, value)
	}
	if _, ok := s.snapshot()[jail]; !ok {
		return fault.New(fault.NotFound, "jail %q", jail)
	}
	if !s.live.Load() {
		return fault.New(fault.Unavailable, "enforcement mechanism is down")
	}
	if err := s.client.SetParam(ctx, jail, param, value); err != nil {
		return err
	}
	got, err := s.client.GetParam(ctx, jail, param)
	if err != nil {
		return fault.Wrap(fault.Desync, err, "set %s.%s not verifiable", jail, param)
	}
	if got != value {
		return fault.New(fault.Desync, "set %s.%s: wrote %q, read back %q", jail, param, value, got)
	}
	return nil
}

// updateJail swaps one jail into the snapshot. s.mu serializes the
// load-copy-store so concurrent writers cannot drop each other's swap.
func (s *Store) updateJail(state model.JailState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snapshot()
	next := make(map[string]model.JailState, len(prev))
	for k, v := range prev {
		next[k] = v
	}
	next[state.Name] = state
	s.jails.Store(next)
}

// AutoBan applies the threshold policy over per-IP failure counts,
// skipping addresses that already hold a record.
func (s *Store) AutoBan(ctx context.Context, counts map[string]int, cfg config.AutoBanConfig) int {
	if !cfg.Enabled {
		return 0
	}
	banned := 0
	for ip, n := range counts {
		if n < cfg.MaxRetry {
			continue
		}
		key := cfg.Jail + "|" + ip
		s.mu.Lock()
		_, exists := s.records[key]
		s.mu.Unlock()
		if exists {
			continue
		}
		if _, err := s.Ban(ctx, cfg.Jail, ip, cfg.BanTime, model.ReasonThreshold); err != nil {
			if s.logger != nil {
				s.logger.Warn("auto-ban failed", "jail", cfg.Jail, "ip", ip, "err", err)
			}
			continue
		}
		banned++
	}
	return banned
}

// SweepExpired drops records whose TTL elapsed; the enforcement
// mechanism unbans them on its own schedule.
func (s *Store) SweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
		}
	}
}
