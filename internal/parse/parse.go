package parse

import (
	"net/netip"
	"regexp"
	"strings"
	"time"

	"banwatch/internal/model"
)

// Pattern families are tried in declaration order and the first match
// wins. The order is part of the contract: auth-log failed_password is
// matched before the generic failure family so the two failure kinds
// stay distinct in downstream statistics.

type family struct {
	action model.Action
	re     *regexp.Regexp
	build  func(m []string) (jail, user, ip string)
}

var banLogFamilies = []family{
	{
		action: model.ActionBan,
		re:     regexp.MustCompile(`\[([\w.-]+)\] (?:Ban|BAN) (\S+)`),
		build:  func(m []string) (string, string, string) { return m[1], "", m[2] },
	},
	{
		action: model.ActionUnban,
		re:     regexp.MustCompile(`\[([\w.-]+)\] (?:Unban|UNBAN) (\S+)`),
		build:  func(m []string) (string, string, string) { return m[1], "", m[2] },
	},
	{
		action: model.ActionFound,
		re:     regexp.MustCompile(`\[([\w.-]+)\] Found (\S+)`),
		build:  func(m []string) (string, string, string) { return m[1], "", m[2] },
	},
}

var authLogFamilies = []family{
	{
		action: model.ActionAccepted,
		re:     regexp.MustCompile(`sshd\[\d+\]: Accepted \w+ for (\S+) from (\S+)`),
		build:  func(m []string) (string, string, string) { return "sshd", m[1], m[2] },
	},
	{
		action: model.ActionFailedPassword,
		re:     regexp.MustCompile(`sshd\[\d+\]: Failed password for (?:invalid user )?(\S+) from (\S+)`),
		build:  func(m []string) (string, string, string) { return "sshd", m[1], m[2] },
	},
	{
		action: model.ActionInvalidUser,
		re:     regexp.MustCompile(`sshd\[\d+\]: Invalid user (\S+) from (\S+)`),
		build:  func(m []string) (string, string, string) { return "sshd", m[1], m[2] },
	},
	{
		action: model.ActionBreakIn,
		re:     regexp.MustCompile(`sshd\[\d+\]: .*POSSIBLE BREAK-IN ATTEMPT.*?from (\S+)`),
		build:  func(m []string) (string, string, string) { return "sshd", "", m[1] },
	},
	{
		action: model.ActionDisconnect,
		re:     regexp.MustCompile(`sshd\[\d+\]: Disconnected from (?:invalid user |authenticating user )?(\S+) (\S+)`),
		build:  func(m []string) (string, string, string) { return "sshd", m[1], m[2] },
	},
	{
		action: model.ActionFailedOther,
		re:     regexp.MustCompile(`sshd\[\d+\]: Failed \w+ for (?:invalid user )?(\S+) from (\S+)`),
		build:  func(m []string) (string, string, string) { return "sshd", m[1], m[2] },
	},
	{
		action: model.ActionFailedOther,
		re:     regexp.MustCompile(`sshd\[\d+\]: .*authentication failure.*rhost=(\S+)(?:\s+user=(\S+))?`),
		build:  func(m []string) (string, string, string) { return "sshd", m[2], m[1] },
	},
}

// Parse turns one raw log line into a typed event. The second return
// is false when no family matched or the line carried an invalid
// address; such lines are skipped, never errors.
func Parse(line string, source model.SourceKind) (model.LogEvent, bool) {
	return ParseAt(line, source, time.Now().UTC())
}

// ParseAt is Parse with an explicit "now", used for syslog timestamps
// that carry no year.
func ParseAt(line string, source model.SourceKind, now time.Time) (model.LogEvent, bool) {
	if strings.TrimSpace(line) == "" {
		return model.LogEvent{}, false
	}
	var families []family
	switch source {
	case model.SourceBanLog:
		families = banLogFamilies
	case model.SourceAuthLog:
		families = authLogFamilies
	default:
		return model.LogEvent{}, false
	}
	ts, ok := extractTimestamp(line, source, now)
	if !ok {
		return model.LogEvent{}, false
	}
	for _, f := range families {
		m := f.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		jail, user, ipStr := f.build(m)
		addr, err := netip.ParseAddr(strings.Trim(ipStr, "[]"))
		if err != nil {
			// A matching family with a malformed address skips the
			// whole line rather than emitting a bad event.
			return model.LogEvent{}, false
		}
		return model.LogEvent{
			Timestamp: ts,
			Source:    source,
			Action:    f.action,
			Jail:      jail,
			IP:        addr,
			User:      user,
			Raw:       line,
		}, true
	}
	return model.LogEvent{}, false
}

// ValidIP reports whether s is a syntactically valid IPv4 or IPv6
// address. Anything else, including strings with shell metacharacters,
// is rejected.
func ValidIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

var (
	reBanLogTS = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}),(\d{3})`)
	reSyslogTS = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}:\d{2}:\d{2})`)
	reISOTS    = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)`)
)

func extractTimestamp(line string, source model.SourceKind, now time.Time) (time.Time, bool) {
	if source == model.SourceBanLog {
		m := reBanLogTS.FindStringSubmatch(line)
		if m == nil {
			return time.Time{}, false
		}
		t, err := time.Parse("2006-01-02 15:04:05.000", m[1]+"."+m[2])
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	if m := reISOTS.FindStringSubmatch(line); m != nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999-0700", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, m[1]); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	if m := reSyslogTS.FindStringSubmatch(line); m != nil {
		return syslogTime(m[1], m[2], m[3], now)
	}
	return time.Time{}, false
}

// syslogTime resolves the year-less syslog form against now: the
// current year, unless that would place the event in the future, in
// which case the line belongs to the previous year.
func syslogTime(mon, day, clock string, now time.Time) (time.Time, bool) {
	t, err := time.Parse("Jan 2 15:04:05", mon+" "+day+" "+clock)
	if err != nil {
		return time.Time{}, false
	}
	resolved := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	if resolved.After(now.Add(24 * time.Hour)) {
		resolved = resolved.AddDate(-1, 0, 0)
	}
	return resolved, true
}
