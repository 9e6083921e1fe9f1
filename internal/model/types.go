package model

import (
	"net/netip"
	"time"
)

type SourceKind string

const (
	SourceBanLog  SourceKind = "ban-log"
	SourceAuthLog SourceKind = "auth-log"
)

type Action string

const (
	ActionBan            Action = "ban"
	ActionUnban          Action = "unban"
	ActionFound          Action = "found"
	ActionAccepted       Action = "accepted"
	ActionFailedPassword Action = "failed_password"
	ActionFailedOther    Action = "failed_other"
	ActionInvalidUser    Action = "invalid_user"
	ActionBreakIn        Action = "break_in"
	ActionDisconnect     Action = "disconnect"
)

// Failed reports whether the action counts as an authentication failure.
func (a Action) Failed() bool {
	switch a {
	case ActionFailedPassword, ActionFailedOther, ActionInvalidUser, ActionBreakIn:
		return true
	}
	return false
}

// LogEvent is one recognized log occurrence. Immutable once built;
// lines that do not parse produce no event at all.
type LogEvent struct {
	Timestamp time.Time  `json:"timestamp"`
	Source    SourceKind `json:"source"`
	Action    Action     `json:"action"`
	Jail      string     `json:"jail,omitempty"`
	IP        netip.Addr `json:"ip"`
	User      string     `json:"user,omitempty"`
	Raw       string     `json:"raw,omitempty"`
}

// JailState is a whole-snapshot view of one jail, superseded atomically
// on each refresh.
type JailState struct {
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	Filter          string   `json:"filter,omitempty"`
	Actions         []string `json:"actions,omitempty"`
	CurrentlyFailed int      `json:"currently_failed"`
	TotalFailed     int      `json:"total_failed"`
	CurrentlyBanned int      `json:"currently_banned"`
	TotalBanned     int      `json:"total_banned"`
	BannedIPs       []string `json:"banned_ips"`
}

// HasBanned reports whether ip appears in the jail's banned list.
func (j *JailState) HasBanned(ip string) bool {
	for _, b := range j.BannedIPs {
		if b == ip {
			return true
		}
	}
	return false
}

type BanReason string

const (
	ReasonManual    BanReason = "manual"
	ReasonThreshold BanReason = "automatic-threshold"
)

// BanRecord is one active ban. ExpiresAt nil means permanent.
type BanRecord struct {
	Jail      string     `json:"jail"`
	IP        string     `json:"ip"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    BanReason  `json:"reason"`
}

func (b BanRecord) Permanent() bool {
	return b.ExpiresAt == nil
}

func (b BanRecord) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// GeoInfo is a cached geolocation result. Private addresses resolve to
// a fixed local sentinel and provider failures to an unavailable
// sentinel; both are distinguishable via the flags.
type GeoInfo struct {
	IP          string    `json:"ip"`
	Country     string    `json:"country"`
	Region      string    `json:"region"`
	City        string    `json:"city"`
	ISP         string    `json:"isp"`
	Org         string    `json:"org,omitempty"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Timezone    string    `json:"timezone,omitempty"`
	Local       bool      `json:"local,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// IPCount ranks one address by event count. FirstSeen breaks ties so
// top-N output is deterministic.
type IPCount struct {
	IP        string    `json:"ip"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
}

type UserCount struct {
	User  string `json:"user"`
	Count int    `json:"count"`
}

// Stats is an aggregate view over events inside one time window.
type Stats struct {
	WindowSec     int            `json:"window_sec"`
	ByAction      map[Action]int `json:"by_action"`
	TotalAccepted int            `json:"total_accepted"`
	TotalFailed   int            `json:"total_failed"`
	UniqueIPs     int            `json:"unique_ips"`
	TopIPs        []IPCount      `json:"top_ips"`
	UsersAccepted []UserCount    `json:"users_accepted"`
	UsersFailed   []UserCount    `json:"users_failed"`
	FailureKinds  map[string]int `json:"failure_kinds"`
}

// ServerStatus mirrors the enforcement daemon's liveness view.
type ServerStatus struct {
	Running     bool      `json:"running"`
	Version     string    `json:"version,omitempty"`
	TotalJails  int       `json:"total_jails"`
	ActiveJails int       `json:"active_jails"`
	CheckedAt   time.Time `json:"checked_at"`
}
