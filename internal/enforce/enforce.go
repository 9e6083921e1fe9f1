package enforce

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"banwatch/internal/fault"
	"banwatch/internal/model"
)

// Runner executes one enforcement CLI invocation and returns its
// text output. The real runner shells out to fail2ban-client; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

type execRunner struct {
	clientPath string
	timeout    time.Duration
}

func NewRunner(clientPath string, timeout time.Duration) Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &execRunner{clientPath: clientPath, timeout: timeout}
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.clientPath, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fault.New(fault.Timeout, "%s %s exceeded %s", r.clientPath, strings.Join(args, " "), r.timeout)
	}
	if err != nil {
		return string(out), fault.Wrap(fault.Unavailable, err, "%s %s", r.clientPath, strings.Join(args, " "))
	}
	return string(out), nil
}

// Client wraps the enforcement CLI boundary: ping/status/mutations,
// with free-form text responses parsed by field-label matching.
type Client struct {
	runner Runner
	logger *slog.Logger
}

func NewClient(runner Runner, logger *slog.Logger) *Client {
	return &Client{runner: runner, logger: logger}
}

func (c *Client) Ping(ctx context.Context) bool {
	out, err := c.runner.Run(ctx, "ping")
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("enforcement ping failed", "err", err)
		}
		return false
	}
	return strings.Contains(strings.ToLower(out), "pong")
}

func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) ListJails(ctx context.Context) ([]string, error) {
	out, err := c.runner.Run(ctx, "status")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Jail list:") {
			continue
		}
		part := strings.TrimSpace(strings.SplitN(line, "Jail list:", 2)[1])
		if part == "" {
			return nil, nil
		}
		var jails []string
		for _, j := range strings.Split(part, ",") {
			if j = strings.TrimSpace(j); j != "" {
				jails = append(jails, j)
			}
		}
		return jails, nil
	}
	return nil, nil
}

var reFirstInt = regexp.MustCompile(`\d+`)

// Status parses one jail's status output. Unknown labels are ignored
// and absent fields stay zero, so wording drift in the CLI output is
// not fatal.
func (c *Client) Status(ctx context.Context, jail string) (model.JailState, error) {
	out, err := c.runner.Run(ctx, "status", jail)
	if err != nil {
		return model.JailState{Name: jail}, err
	}
	state := model.JailState{Name: jail, Enabled: true, BannedIPs: []string{}}
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(strings.TrimLeft(raw, "|`- \t"))
		switch {
		case strings.HasPrefix(line, "Filter:"):
			state.Filter = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "Currently failed:"):
			state.CurrentlyFailed = firstInt(line)
		case strings.HasPrefix(line, "Total failed:"):
			state.TotalFailed = firstInt(line)
		case strings.HasPrefix(line, "Currently banned:"):
			state.CurrentlyBanned = firstInt(line)
		case strings.HasPrefix(line, "Total banned:"):
			state.TotalBanned = firstInt(line)
		case strings.HasPrefix(line, "File list:") && state.Filter == "":
			state.Filter = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "Actions:"):
			state.Actions = splitList(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "Banned IP list:"):
			part := strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			if part != "" {
				state.BannedIPs = strings.Fields(part)
			}
		}
	}
	if len(state.BannedIPs) > 0 {
		state.CurrentlyBanned = len(state.BannedIPs)
	}
	return state, nil
}

func (c *Client) BanIP(ctx context.Context, jail, ip string) error {
	_, err := c.runner.Run(ctx, "set", jail, "banip", ip)
	return err
}

func (c *Client) UnbanIP(ctx context.Context, jail, ip string) error {
	_, err := c.runner.Run(ctx, "set", jail, "unbanip", ip)
	return err
}

func (c *Client) GetParam(ctx context.Context, jail, param string) (string, error) {
	out, err := c.runner.Run(ctx, "get", jail, param)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) SetParam(ctx context.Context, jail, param, value string) error {
	_, err := c.runner.Run(ctx, "set", jail, param, value)
	return err
}

func (c *Client) Reload(ctx context.Context, jail string) error {
	_, err := c.runner.Run(ctx, "reload", jail)
	return err
}

func (c *Client) StartJail(ctx context.Context, jail string) error {
	_, err := c.runner.Run(ctx, "start", jail)
	return err
}

func (c *Client) StopJail(ctx context.Context, jail string) error {
	_, err := c.runner.Run(ctx, "stop", jail)
	return err
}

// JailConfig queries the common tunables of one jail. Parameters the
// CLI refuses to report are left out rather than failing the call.
func (c *Client) JailConfig(ctx context.Context, jail string) (map[string]string, error) {
	params := []string{"bantime", "findtime", "maxretry", "logpath", "backend"}
	out := make(map[string]string, len(params))
	for _, p := range params {
		v, err := c.GetParam(ctx, jail, p)
		if err != nil {
			if fault.Is(err, fault.Timeout) {
				return out, err
			}
			continue
		}
		out[p] = v
	}
	return out, nil
}

// ServerStatus assembles the daemon-level liveness view.
func (c *Client) ServerStatus(ctx context.Context) model.ServerStatus {
	status := model.ServerStatus{CheckedAt: time.Now().UTC()}
	status.Running = c.Ping(ctx)
	if !status.Running {
		return status
	}
	if v, err := c.Version(ctx); err == nil {
		status.Version = v
	}
	jails, err := c.ListJails(ctx)
	if err != nil {
		return status
	}
	status.TotalJails = len(jails)
	for _, j := range jails {
		if st, err := c.Status(ctx, j); err == nil && st.Enabled {
			status.ActiveJails++
		}
	}
	return status
}

func firstInt(line string) int {
	m := reFirstInt.FindString(line)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
