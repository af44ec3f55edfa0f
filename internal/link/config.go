package link

import (
	"math"
	"math/rand"
	"time"

	"github.com/NowakAdmin/SerialLink/internal/frame"
)

// Backoff is a capped exponential retry delay.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg Backoff, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.Initial
	}
	if cfg.Initial <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

type Config struct {
	// Ports are tried as overrides on every connect in addition to whatever
	// the locator discovers.
	Ports    []string
	BaudRate int

	// SettleDelay is waited after opening the session port; most boards
	// reset when the port opens.
	SettleDelay    time.Duration
	ReadTimeout    time.Duration
	ReadBufferSize int

	TickInterval    time.Duration
	WatchdogWindow  time.Duration
	WatchdogCeiling time.Duration
	TeardownTimeout time.Duration

	Backoff           Backoff
	MaxAttempts       int
	IdleRetryInterval time.Duration

	// RequireHandshake restricts sessions to candidates that answered the
	// locator handshake.
	RequireHandshake bool
	// AutoConnect starts connecting as soon as the supervisor starts.
	AutoConnect bool

	WriteTimeout      time.Duration
	MinCommandSpacing time.Duration
	CommandDelimiter  string

	Sentinels    []string
	MaxLineBytes int
}

func DefaultConfig() Config {
	return Config{
		BaudRate:        115200,
		SettleDelay:     1500 * time.Millisecond,
		ReadTimeout:     100 * time.Millisecond,
		ReadBufferSize:  1024,
		TickInterval:    250 * time.Millisecond,
		WatchdogWindow:  5 * time.Second,
		WatchdogCeiling: 15 * time.Second,
		TeardownTimeout: 2 * time.Second,
		Backoff: Backoff{
			Initial:    time.Second,
			Multiplier: 2,
			Max:        20 * time.Second,
			Jitter:     true,
		},
		MaxAttempts:       5,
		IdleRetryInterval: time.Minute,
		RequireHandshake:  true,
		AutoConnect:       true,
		WriteTimeout:      2 * time.Second,
		MinCommandSpacing: 100 * time.Millisecond,
		CommandDelimiter:  ";",
		Sentinels:         frame.DefaultSentinels,
		MaxLineBytes:      frame.DefaultMaxLineBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = d.BaudRate
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.WatchdogWindow <= 0 {
		c.WatchdogWindow = d.WatchdogWindow
	}
	if c.WatchdogCeiling <= c.WatchdogWindow {
		c.WatchdogCeiling = 3 * c.WatchdogWindow
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = d.Backoff
	}
	if c.IdleRetryInterval <= 0 {
		c.IdleRetryInterval = d.IdleRetryInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MinCommandSpacing < 0 {
		c.MinCommandSpacing = 0
	}
	if c.CommandDelimiter == "" {
		c.CommandDelimiter = d.CommandDelimiter
	}
	if len(c.Sentinels) == 0 {
		c.Sentinels = d.Sentinels
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = d.MaxLineBytes
	}
	return c
}
