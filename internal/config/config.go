package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/NowakAdmin/SerialLink/internal/frame"
	"github.com/NowakAdmin/SerialLink/internal/link"
	"github.com/NowakAdmin/SerialLink/internal/locator"
)

type BackoffConfig struct {
	InitialMs  int     `json:"initial_ms"`
	Multiplier float64 `json:"multiplier"`
	MaxMs      int     `json:"max_ms"`
	Jitter     bool    `json:"jitter"`
}

type LinkConfig struct {
	// Ports are always probed, even when enumeration does not list them.
	Ports    []string `json:"ports,omitempty"`
	BaudRate int      `json:"baud_rate"`

	Probes               []string `json:"probes"`
	Markers              []string `json:"markers"`
	HardwareIDs          []string `json:"hardware_ids"`
	DescriptionKeywords  []string `json:"description_keywords"`
	ManufacturerKeywords []string `json:"manufacturer_keywords"`
	MinScore             int      `json:"min_score"`
	RequireHandshake     bool     `json:"require_handshake"`
	AutoConnect          bool     `json:"auto_connect"`

	SettleMs           int `json:"settle_ms"`
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`
	ReadTimeoutMs      int `json:"read_timeout_ms"`
	TickMs             int `json:"tick_ms"`
	WatchdogMs         int `json:"watchdog_ms"`
	WatchdogCeilingMs  int `json:"watchdog_ceiling_ms"`
	TeardownMs         int `json:"teardown_ms"`

	Backoff          BackoffConfig `json:"backoff"`
	MaxAttempts      int           `json:"max_attempts"`
	IdleRetrySeconds int           `json:"idle_retry_seconds"`

	WriteTimeoutMs   int    `json:"write_timeout_ms"`
	CommandSpacingMs int    `json:"command_spacing_ms"`
	CommandDelimiter string `json:"command_delimiter"`

	Sentinels    []string `json:"sentinels"`
	MaxLineBytes int      `json:"max_line_bytes"`
}

type UplinkConfig struct {
	Enabled          bool   `json:"enabled"`
	WebSocketURL     string `json:"websocket_url"`
	Token            string `json:"token"`
	DeviceName       string `json:"device_name,omitempty"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

type Config struct {
	Link        LinkConfig   `json:"link"`
	Uplink      UplinkConfig `json:"uplink"`
	LogLevel    string       `json:"log_level"`
	MetricsAddr string       `json:"metrics_addr"`
}

func Default() *Config {
	lc := link.DefaultConfig()
	loc := locator.DefaultConfig()

	return &Config{
		Link: LinkConfig{
			BaudRate:             lc.BaudRate,
			Probes:               loc.Probes,
			Markers:              loc.Markers,
			HardwareIDs:          loc.VIDPIDs,
			DescriptionKeywords:  loc.DescriptionKeywords,
			ManufacturerKeywords: loc.ManufacturerKeywords,
			MinScore:             loc.MinScore,
			RequireHandshake:     lc.RequireHandshake,
			AutoConnect:          lc.AutoConnect,
			SettleMs:             int(loc.SettleDelay / time.Millisecond),
			HandshakeTimeoutMs:   int(loc.HandshakeTimeout / time.Millisecond),
			ReadTimeoutMs:        int(lc.ReadTimeout / time.Millisecond),
			TickMs:               int(lc.TickInterval / time.Millisecond),
			WatchdogMs:           int(lc.WatchdogWindow / time.Millisecond),
			WatchdogCeilingMs:    int(lc.WatchdogCeiling / time.Millisecond),
			TeardownMs:           int(lc.TeardownTimeout / time.Millisecond),
			Backoff: BackoffConfig{
				InitialMs:  int(lc.Backoff.Initial / time.Millisecond),
				Multiplier: lc.Backoff.Multiplier,
				MaxMs:      int(lc.Backoff.Max / time.Millisecond),
				Jitter:     lc.Backoff.Jitter,
			},
			MaxAttempts:      lc.MaxAttempts,
			IdleRetrySeconds: int(lc.IdleRetryInterval / time.Second),
			WriteTimeoutMs:   int(lc.WriteTimeout / time.Millisecond),
			CommandSpacingMs: int(lc.MinCommandSpacing / time.Millisecond),
			CommandDelimiter: lc.CommandDelimiter,
			Sentinels:        frame.DefaultSentinels,
			MaxLineBytes:     frame.DefaultMaxLineBytes,
		},
		Uplink: UplinkConfig{
			Enabled:          false,
			WebSocketURL:     "",
			Token:            "",
			HeartbeatSeconds: 30,
		},
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9464",
	}
}

func LoadOrCreateDefault() (*Config, error) {
	if _, err := os.Stat(Path()); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if errSave := Save(cfg); errSave != nil {
			return nil, errSave
		}
		cfg.ApplyEnv(os.Getenv)
		return cfg, nil
	}

	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)

	return cfg, nil
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path over the defaults, so keys missing from the file keep
// their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.normalize()

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveFile(Path(), cfg)
}

func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) normalize() {
	d := Default()

	if c.Link.BaudRate <= 0 {
		c.Link.BaudRate = d.Link.BaudRate
	}
	if c.Link.HandshakeTimeoutMs <= 0 {
		c.Link.HandshakeTimeoutMs = d.Link.HandshakeTimeoutMs
	}
	if c.Link.TickMs <= 0 {
		c.Link.TickMs = d.Link.TickMs
	}
	if c.Link.WatchdogMs <= 0 {
		c.Link.WatchdogMs = d.Link.WatchdogMs
	}
	if c.Link.WatchdogCeilingMs <= c.Link.WatchdogMs {
		c.Link.WatchdogCeilingMs = 3 * c.Link.WatchdogMs
	}
	if c.Link.CommandDelimiter == "" {
		c.Link.CommandDelimiter = d.Link.CommandDelimiter
	}
	if c.Uplink.HeartbeatSeconds <= 0 {
		c.Uplink.HeartbeatSeconds = d.Uplink.HeartbeatSeconds
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = d.LogLevel
	}
}

// ApplyEnv overrides the port list, baud rate and log level from
// SERIALLINK_PORT, SERIALLINK_BAUD and SERIALLINK_LOG_LEVEL.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if ports := envOr(getenv, "SERIALLINK_PORT", ""); ports != "" {
		c.Link.Ports = nil
		for _, p := range strings.Split(ports, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Link.Ports = append(c.Link.Ports, p)
			}
		}
	}

	if baud, err := strconv.Atoi(envOr(getenv, "SERIALLINK_BAUD", "")); err == nil && baud > 0 {
		c.Link.BaudRate = baud
	}

	c.LogLevel = envOr(getenv, "SERIALLINK_LOG_LEVEL", c.LogLevel)
}

func envOr(getenv func(string) string, key, fallback string) string {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// Supervisor builds the link configuration.
func (c *Config) Supervisor() link.Config {
	l := c.Link
	cfg := link.DefaultConfig()

	cfg.Ports = append([]string(nil), l.Ports...)
	cfg.BaudRate = l.BaudRate
	cfg.SettleDelay = ms(l.SettleMs)
	cfg.ReadTimeout = ms(l.ReadTimeoutMs)
	cfg.TickInterval = ms(l.TickMs)
	cfg.WatchdogWindow = ms(l.WatchdogMs)
	cfg.WatchdogCeiling = ms(l.WatchdogCeilingMs)
	cfg.TeardownTimeout = ms(l.TeardownMs)
	cfg.Backoff = link.Backoff{
		Initial:    ms(l.Backoff.InitialMs),
		Multiplier: l.Backoff.Multiplier,
		Max:        ms(l.Backoff.MaxMs),
		Jitter:     l.Backoff.Jitter,
	}
	cfg.MaxAttempts = l.MaxAttempts
	cfg.IdleRetryInterval = time.Duration(l.IdleRetrySeconds) * time.Second
	cfg.RequireHandshake = l.RequireHandshake
	cfg.AutoConnect = l.AutoConnect
	cfg.WriteTimeout = ms(l.WriteTimeoutMs)
	cfg.MinCommandSpacing = ms(l.CommandSpacingMs)
	cfg.CommandDelimiter = l.CommandDelimiter
	cfg.Sentinels = append([]string(nil), l.Sentinels...)
	cfg.MaxLineBytes = l.MaxLineBytes

	return cfg
}

// Locator builds the port locator configuration.
func (c *Config) Locator() locator.Config {
	l := c.Link
	cfg := locator.DefaultConfig()

	cfg.BaudRate = l.BaudRate
	cfg.SettleDelay = ms(l.SettleMs)
	cfg.HandshakeTimeout = ms(l.HandshakeTimeoutMs)
	cfg.ReadTimeout = ms(l.ReadTimeoutMs)
	cfg.Probes = append([]string(nil), l.Probes...)
	cfg.Markers = append([]string(nil), l.Markers...)
	cfg.VIDPIDs = append([]string(nil), l.HardwareIDs...)
	cfg.DescriptionKeywords = append([]string(nil), l.DescriptionKeywords...)
	cfg.ManufacturerKeywords = append([]string(nil), l.ManufacturerKeywords...)
	cfg.MinScore = l.MinScore

	return cfg
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Dir is the configuration directory. SERIALLINK_CONFIG_DIR overrides the
// platform default.
func Dir() string {
	if dir := strings.TrimSpace(os.Getenv("SERIALLINK_CONFIG_DIR")); dir != "" {
		return dir
	}

	programData := os.Getenv("ProgramData")
	if runtime.GOOS == "windows" {
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return filepath.Join(programData, "SerialLink")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(configDir, "seriallink")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

func Path() string {
	return filepath.Join(Dir(), "config.json")
}
