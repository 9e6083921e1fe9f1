package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"banwatch/internal/model"
)

// Aggregator keeps recent events in an append buffer with head-index
// eviction. Events older than the maximum window are dropped eagerly
// on ingest and by the periodic sweep, so retention is bounded.
type Aggregator struct {
	mu        sync.Mutex
	maxWindow time.Duration
	topN      int
	events    []model.LogEvent
	head      int
	ingested  uint64
	skipped   uint64
}

func New(maxWindow time.Duration, topN int) *Aggregator {
	if maxWindow <= 0 {
		maxWindow = 24 * time.Hour
	}
	if topN <= 0 {
		topN = 10
	}
	return &Aggregator{
		maxWindow: maxWindow,
		topN:      topN,
		events:    make([]model.LogEvent, 0, 256),
	}
}

func (a *Aggregator) Ingest(ev model.LogEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ingested++
	a.events = append(a.events, ev)
	a.evict(time.Now().UTC().Add(-a.maxWindow))
}

// CountSkipped tracks lines the parser dropped, for observability.
func (a *Aggregator) CountSkipped() {
	a.mu.Lock()
	a.skipped++
	a.mu.Unlock()
}

func (a *Aggregator) Counts() (ingested, skipped uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ingested, a.skipped
}

func (a *Aggregator) evict(cutoff time.Time) {
	for a.head < len(a.events) {
		if !a.events[a.head].Timestamp.Before(cutoff) {
			break
		}
		a.head++
	}
	if a.head > 0 && a.head*2 >= len(a.events) {
		a.events = append([]model.LogEvent{}, a.events[a.head:]...)
		a.head = 0
	}
}

// Sweep drops events past the maximum window. Run periodically so
// memory shrinks even when ingest is idle.
func (a *Aggregator) Sweep(now time.Time) {
	a.mu.Lock()
	a.evict(now.Add(-a.maxWindow))
	a.mu.Unlock()
}

func (a *Aggregator) Start(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Sweep(time.Now().UTC())
			case <-ctx.Done():
				if logger != nil {
					logger.Debug("aggregator sweep stopped")
				}
				return
			}
		}
	}()
}

// Snapshot aggregates everything inside window of now. Ranking ties
// are broken by first-seen order so top-N output is deterministic.
func (a *Aggregator) Snapshot(window time.Duration) model.Stats {
	if window <= 0 || window > a.maxWindow {
		window = a.maxWindow
	}
	now := time.Now().UTC()
	cutoff := now.Add(-window)

	a.mu.Lock()
	defer a.mu.Unlock()

	type ipAgg struct {
		count    int
		firstIdx int
		first    time.Time
	}
	byAction := make(map[model.Action]int)
	failKinds := make(map[string]int)
	ips := make(map[string]struct{})
	attackers := make(map[string]*ipAgg)
	usersOK := make(map[string]int)
	usersFail := make(map[string]int)

	idx := 0
	for i := a.head; i < len(a.events); i++ {
		ev := a.events[i]
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		byAction[ev.Action]++
		ips[ev.IP.String()] = struct{}{}
		if ev.Action == model.ActionAccepted && ev.User != "" {
			usersOK[ev.User]++
		}
		if ev.Action.Failed() {
			failKinds[string(ev.Action)]++
			if ev.User != "" {
				usersFail[ev.User]++
			}
			key := ev.IP.String()
			agg, ok := attackers[key]
			if !ok {
				agg = &ipAgg{firstIdx: idx, first: ev.Timestamp}
				attackers[key] = agg
			}
			agg.count++
		}
		idx++
	}

	top := make([]model.IPCount, 0, len(attackers))
	order := make(map[string]int, len(attackers))
	for ip, agg := range attackers {
		top = append(top, model.IPCount{IP: ip, Count: agg.count, FirstSeen: agg.first})
		order[ip] = agg.firstIdx
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return order[top[i].IP] < order[top[j].IP]
	})
	if len(top) > a.topN {
		top = top[:a.topN]
	}

	totalFailed := 0
	for _, action := range []model.Action{model.ActionFailedPassword, model.ActionFailedOther, model.ActionInvalidUser, model.ActionBreakIn} {
		totalFailed += byAction[action]
	}

	return model.Stats{
		WindowSec:     int(window.Seconds()),
		ByAction:      byAction,
		TotalAccepted: byAction[model.ActionAccepted],
		TotalFailed:   totalFailed,
		UniqueIPs:     len(ips),
		TopIPs:        top,
		UsersAccepted: sortedUsers(usersOK),
		UsersFailed:   sortedUsers(usersFail),
		FailureKinds:  failKinds,
	}
}

// FailureCounts returns per-IP failure counts inside window, used by
// the auto-ban policy.
func (a *Aggregator) FailureCounts(window time.Duration) map[string]int {
	if window <= 0 || window > a.maxWindow {
		window = a.maxWindow
	}
	cutoff := time.Now().UTC().Add(-window)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int)
	for i := a.head; i < len(a.events); i++ {
		ev := a.events[i]
		if ev.Timestamp.Before(cutoff) || !ev.Action.Failed() {
			continue
		}
		out[ev.IP.String()]++
	}
	return out
}

func sortedUsers(counts map[string]int) []model.UserCount {
	out := make([]model.UserCount, 0, len(counts))
	for user, n := range counts {
		out = append(out, model.UserCount{User: user, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].User < out[j].User
	})
	return out
}
