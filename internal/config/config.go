package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Tail        TailConfig        `json:"tail" yaml:"tail"`
	Kafka       KafkaConfig       `json:"kafka" yaml:"kafka"`
	Aggregate   AggregateConfig   `json:"aggregate" yaml:"aggregate"`
	Enforcement EnforcementConfig `json:"enforcement" yaml:"enforcement"`
	Geo         GeoConfig         `json:"geo" yaml:"geo"`
	AutoBan     AutoBanConfig     `json:"auto_ban" yaml:"auto_ban"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
}

// TailedFile binds one log file to the source kind its lines are
// parsed as.
type TailedFile struct {
	Path   string `json:"path" yaml:"path"`
	Source string `json:"source" yaml:"source"`
}

type TailConfig struct {
	Files           []TailedFile  `json:"files" yaml:"files"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxLines        int           `json:"max_lines" yaml:"max_lines"`
	MaxBacklogBytes int64         `json:"max_backlog_bytes" yaml:"max_backlog_bytes"`
	MaxLineBytes    int           `json:"max_line_bytes" yaml:"max_line_bytes"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
	Source  string   `json:"source" yaml:"source"`
}

type AggregateConfig struct {
	MaxWindow     time.Duration `json:"max_window" yaml:"max_window"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	TopN          int           `json:"top_n" yaml:"top_n"`
}

type EnforcementConfig struct {
	ClientPath      string        `json:"client_path" yaml:"client_path"`
	CommandTimeout  time.Duration `json:"command_timeout" yaml:"command_timeout"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	PingInterval    time.Duration `json:"ping_interval" yaml:"ping_interval"`
}

type GeoConfig struct {
	Endpoint      string        `json:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	SuccessTTL    time.Duration `json:"success_ttl" yaml:"success_ttl"`
	FailureTTL    time.Duration `json:"failure_ttl" yaml:"failure_ttl"`
	MaxConcurrent int64         `json:"max_concurrent" yaml:"max_concurrent"`
	MaxCacheSize  int           `json:"max_cache_size" yaml:"max_cache_size"`
}

type AutoBanConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Jail     string        `json:"jail" yaml:"jail"`
	MaxRetry int           `json:"max_retry" yaml:"max_retry"`
	FindTime time.Duration `json:"find_time" yaml:"find_time"`
	BanTime  int64         `json:"ban_time" yaml:"ban_time"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Tail: TailConfig{
			Files: []TailedFile{
				{Path: "/var/log/fail2ban.log", Source: "ban-log"},
				{Path: "/var/log/auth.log", Source: "auth-log"},
			},
			PollInterval:    2 * time.Second,
			MaxLines:        500,
			MaxBacklogBytes: 1 << 20,
			MaxLineBytes:    64 * 1024,
		},
		Kafka: KafkaConfig{Enabled: false, Source: "auth-log"},
		Aggregate: AggregateConfig{
			MaxWindow:     24 * time.Hour,
			SweepInterval: time.Minute,
			TopN:          10,
		},
		Enforcement: EnforcementConfig{
			ClientPath:      "/usr/bin/fail2ban-client",
			CommandTimeout:  10 * time.Second,
			RefreshInterval: 30 * time.Second,
			PingInterval:    15 * time.Second,
		},
		Geo: GeoConfig{
			Endpoint:      "http://ip-api.com/json",
			Timeout:       5 * time.Second,
			SuccessTTL:    time.Hour,
			FailureTTL:    5 * time.Minute,
			MaxConcurrent: 3,
			MaxCacheSize:  10000,
		},
		AutoBan: AutoBanConfig{
			Enabled:  false,
			Jail:     "sshd",
			MaxRetry: 5,
			FindTime: 10 * time.Minute,
			BanTime:  3600,
		},
		API:     APIConfig{Enabled: true, Addr: ":8082"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:banwatch.db?_pragma=busy_timeout(5000)"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Tail.PollInterval <= 0 {
		cfg.Tail.PollInterval = def.Tail.PollInterval
	}
	if cfg.Tail.MaxLines <= 0 {
		cfg.Tail.MaxLines = def.Tail.MaxLines
	}
	if cfg.Tail.MaxBacklogBytes <= 0 {
		cfg.Tail.MaxBacklogBytes = def.Tail.MaxBacklogBytes
	}
	if cfg.Tail.MaxLineBytes <= 0 {
		cfg.Tail.MaxLineBytes = def.Tail.MaxLineBytes
	}
	if cfg.Kafka.Source == "" {
		cfg.Kafka.Source = def.Kafka.Source
	}
	if cfg.Aggregate.MaxWindow <= 0 {
		cfg.Aggregate.MaxWindow = def.Aggregate.MaxWindow
	}
	if cfg.Aggregate.SweepInterval <= 0 {
		cfg.Aggregate.SweepInterval = def.Aggregate.SweepInterval
	}
	if cfg.Aggregate.TopN <= 0 {
		cfg.Aggregate.TopN = def.Aggregate.TopN
	}
	if cfg.Enforcement.ClientPath == "" {
		cfg.Enforcement.ClientPath = def.Enforcement.ClientPath
	}
	if cfg.Enforcement.CommandTimeout <= 0 {
		cfg.Enforcement.CommandTimeout = def.Enforcement.CommandTimeout
	}
	if cfg.Enforcement.RefreshInterval <= 0 {
		cfg.Enforcement.RefreshInterval = def.Enforcement.RefreshInterval
	}
	if cfg.Enforcement.PingInterval <= 0 {
		cfg.Enforcement.PingInterval = def.Enforcement.PingInterval
	}
	if cfg.Geo.Endpoint == "" {
		cfg.Geo.Endpoint = def.Geo.Endpoint
	}
	if cfg.Geo.Timeout <= 0 {
		cfg.Geo.Timeout = def.Geo.Timeout
	}
	if cfg.Geo.SuccessTTL <= 0 {
		cfg.Geo.SuccessTTL = def.Geo.SuccessTTL
	}
	if cfg.Geo.FailureTTL <= 0 {
		cfg.Geo.FailureTTL = def.Geo.FailureTTL
	}
	if cfg.Geo.MaxConcurrent <= 0 {
		cfg.Geo.MaxConcurrent = def.Geo.MaxConcurrent
	}
	if cfg.Geo.MaxCacheSize <= 0 {
		cfg.Geo.MaxCacheSize = def.Geo.MaxCacheSize
	}
	if cfg.AutoBan.Jail == "" {
		cfg.AutoBan.Jail = def.AutoBan.Jail
	}
	if cfg.AutoBan.MaxRetry <= 0 {
		cfg.AutoBan.MaxRetry = def.AutoBan.MaxRetry
	}
	if cfg.AutoBan.FindTime <= 0 {
		cfg.AutoBan.FindTime = def.AutoBan.FindTime
	}
	if cfg.AutoBan.BanTime == 0 {
		cfg.AutoBan.BanTime = def.AutoBan.BanTime
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	for _, tf := range cfg.Tail.Files {
		if tf.Path == "" {
			return errors.New("tail.files entries require a path")
		}
		if tf.Source != "ban-log" && tf.Source != "auth-log" {
			return fmt.Errorf("tail.files source must be ban-log or auth-log, got %q", tf.Source)
		}
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" || cfg.Kafka.GroupID == "" {
			return errors.New("kafka requires brokers, topic, group_id")
		}
		if cfg.Kafka.Source != "ban-log" && cfg.Kafka.Source != "auth-log" {
			return fmt.Errorf("kafka.source must be ban-log or auth-log, got %q", cfg.Kafka.Source)
		}
	}
	if cfg.Enforcement.ClientPath == "" {
		return errors.New("enforcement.client_path required")
	}
	if cfg.AutoBan.Enabled && cfg.AutoBan.BanTime < -1 {
		return fmt.Errorf("auto_ban.ban_time must be -1, 0 or positive seconds, got %d", cfg.AutoBan.BanTime)
	}
	if cfg.Geo.FailureTTL > cfg.Geo.SuccessTTL {
		return errors.New("geo.failure_ttl must not exceed geo.success_ttl")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
