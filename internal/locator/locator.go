// Package locator finds the serial port the peripheral is attached to.
//
// Every port on the host is scored on three signals: its USB descriptor, the
// shape of its device path and whether it answers a handshake. Ports that
// reach MinScore come back ranked by descending score.
package locator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/serialport"
)

// Detection method tags.
const (
	MethodHardwareID = "hardware_id"
	MethodOverride   = "config_override"
	MethodNativeUSB  = "acm_port"
	MethodUSBSerial  = "usb_port"
	MethodCOMPort    = "com_port"
	MethodUART       = "uart_port"
	MethodHandshake  = "communication_test"
)

type Descriptor struct {
	VID          string
	PID          string
	Manufacturer string
	Description  string
	SerialNumber string
	IsUSB        bool
}

type Candidate struct {
	Path     string
	Hardware Descriptor
	Score    int
	Methods  []string
}

func (c Candidate) Has(method string) bool {
	for _, m := range c.Methods {
		if m == method {
			return true
		}
	}
	return false
}

type Weights struct {
	Hardware  int
	Override  int
	NativeUSB int
	USBSerial int
	COMPort   int
	UART      int
	Handshake int
}

type Config struct {
	BaudRate         int
	SettleDelay      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration

	// Probes are written one per line during the handshake. An empty
	// string sends a bare newline.
	Probes []string
	// Markers are substrings whose presence in the response confirms the
	// peripheral.
	Markers []string

	VIDPIDs              []string
	DescriptionKeywords  []string
	ManufacturerKeywords []string

	Weights          Weights
	MinScore         int
	ProbeConcurrency int
}

func DefaultConfig() Config {
	return Config{
		BaudRate:         115200,
		SettleDelay:      1500 * time.Millisecond,
		HandshakeTimeout: 3 * time.Second,
		ReadTimeout:      100 * time.Millisecond,
		Probes:           []string{"STATUS", "PING", ""},
		Markers:          []string{"[SEND]", `"sensors":`, "Arduino", "Ready"},
		VIDPIDs:          []string{"2341:0042", "2341:0010", "2341:0043", "1A86:7523", "10C4:EA60", "0403:6001"},
		DescriptionKeywords: []string{
			"Arduino Mega 2560", "Arduino Mega", "Mega 2560", "Arduino",
			"CH340", "CP2102", "FT232",
		},
		ManufacturerKeywords: []string{"Arduino", "QinHeng", "Silicon Labs", "FTDI"},
		Weights: Weights{
			Hardware:  70,
			Override:  40,
			NativeUSB: 50,
			USBSerial: 30,
			COMPort:   20,
			UART:      10,
			Handshake: 80,
		},
		MinScore:         50,
		ProbeConcurrency: 4,
	}
}

type Locator struct {
	cfg       Config
	enumerate serialport.Enumerator
	open      serialport.Opener
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Locator)

func WithEnumerator(e serialport.Enumerator) Option {
	return func(l *Locator) { l.enumerate = e }
}

func WithOpener(o serialport.Opener) Option {
	return func(l *Locator) { l.open = o }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Locator) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locator) { l.metrics = m }
}

func New(cfg Config, opts ...Option) *Locator {
	defaults := DefaultConfig()
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = defaults.BaudRate
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if len(cfg.Probes) == 0 {
		cfg.Probes = []string{""}
	}
	if len(cfg.Markers) == 0 {
		cfg.Markers = defaults.Markers
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = defaults.Weights
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}

	l := &Locator{
		cfg:       cfg,
		enumerate: serialport.Enumerate,
		open:      serialport.Open,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Locator) Config() Config {
	return l.cfg
}

// FindCandidates scans the host, probes every plausible port and returns the
// qualifying ones, best first. overrides are always considered even when
// the enumerator does not report them.
func (l *Locator) FindCandidates(ctx context.Context, overrides ...string) ([]Candidate, error) {
	l.metrics.IncScan()

	details, err := l.enumerate()
	if err != nil {
		if len(overrides) == 0 {
			return nil, fmt.Errorf("enumerate ports: %w", err)
		}
		l.logger.Warn().Err(err).Msg("port enumeration failed, using overrides only")
	}

	candidates := l.collect(details, overrides)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.ProbeConcurrency)
	for _, c := range candidates {
		if c.Score <= 0 {
			continue
		}
		c := c
		g.Go(func() error {
			if err := l.Handshake(gctx, c.Path); err != nil {
				l.logger.Debug().Err(err).Str("port", c.Path).Msg("handshake failed")
				return nil
			}
			c.Score += l.cfg.Weights.Handshake
			c.Methods = append(c.Methods, MethodHandshake)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= l.cfg.MinScore {
			out = append(out, *c)
		}
	}

	Rank(out)

	for _, c := range out {
		l.logger.Info().
			Str("port", c.Path).
			Int("score", c.Score).
			Strs("methods", c.Methods).
			Msg("candidate")
	}

	return out, nil
}

func (l *Locator) collect(details []serialport.Details, overrides []string) []*Candidate {
	byPath := make(map[string]*Candidate)
	var ordered []*Candidate

	for _, d := range details {
		if d.Path == "" {
			continue
		}
		if _, seen := byPath[d.Path]; seen {
			continue
		}
		c := &Candidate{
			Path: d.Path,
			Hardware: Descriptor{
				VID:          d.VID,
				PID:          d.PID,
				Description:  d.Product,
				Manufacturer: d.Manufacturer,
				SerialNumber: d.SerialNumber,
				IsUSB:        d.IsUSB,
			},
		}
		byPath[d.Path] = c
		ordered = append(ordered, c)
	}

	for _, path := range overrides {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		c, ok := byPath[path]
		if !ok {
			c = &Candidate{Path: path}
			byPath[path] = c
			ordered = append(ordered, c)
		}
		if !c.Has(MethodOverride) {
			c.Methods = append(c.Methods, MethodOverride)
		}
	}

	for _, c := range ordered {
		l.preScore(c)
	}

	return ordered
}

func (l *Locator) preScore(c *Candidate) {
	w := l.cfg.Weights
	score := 0
	if c.Has(MethodOverride) {
		score += w.Override
	}

	if l.MatchesHardware(c.Hardware) {
		score += w.Hardware
		c.Methods = append(c.Methods, MethodHardwareID)
	}

	if method, bonus := l.pathScore(c.Path); method != "" {
		score += bonus
		c.Methods = append(c.Methods, method)
	}

	c.Score = score
}

var (
	nativeUSBPath = regexp.MustCompile(`(?i)^/dev/(ttyacm\d+|cu\.usbmodem|tty\.usbmodem)`)
	usbSerialPath = regexp.MustCompile(`(?i)^/dev/(ttyusb\d+|cu\.usbserial|tty\.usbserial|cu\.wchusbserial|tty\.wchusbserial)`)
	comPath       = regexp.MustCompile(`(?i)^(\\\\\.\\)?com\d+$`)
	uartPath      = regexp.MustCompile(`(?i)^/dev/(ttyama\d+|serial\d+|ttys\d+$)`)
)

func (l *Locator) pathScore(path string) (string, int) {
	w := l.cfg.Weights
	switch {
	case nativeUSBPath.MatchString(path):
		return MethodNativeUSB, w.NativeUSB
	case usbSerialPath.MatchString(path):
		return MethodUSBSerial, w.USBSerial
	case comPath.MatchString(path):
		return MethodCOMPort, w.COMPort
	case uartPath.MatchString(path):
		return MethodUART, w.UART
	default:
		return "", 0
	}
}

// MatchesHardware reports whether d identifies a known peripheral by
// VID:PID, description keyword or manufacturer keyword.
func (l *Locator) MatchesHardware(d Descriptor) bool {
	if d.VID != "" && d.PID != "" {
		id := strings.ToUpper(d.VID + ":" + d.PID)
		for _, want := range l.cfg.VIDPIDs {
			if strings.EqualFold(strings.TrimSpace(want), id) {
				return true
			}
		}
	}

	if containsFold(d.Description, l.cfg.DescriptionKeywords) {
		return true
	}

	// Without an OS supplied manufacturer the USB product string is the only
	// place a vendor name shows up.
	vendor := d.Manufacturer
	if vendor == "" {
		vendor = d.Description
	}
	return containsFold(vendor, l.cfg.ManufacturerKeywords)
}

func containsFold(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Rank sorts candidates by descending score, then by path.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Path < candidates[j].Path
	})
}
