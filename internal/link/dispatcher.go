package link

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/linkerr"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/serialport"
)

// Rejection reasons reported in DispatchResult.Reason.
const (
	ReasonNotConnected = "not_connected"
	ReasonEmptyCommand = "empty_command"
	ReasonWriteFailed  = "write_failed"
)

// Command is opaque text; the link never interprets it.
type Command struct {
	Text     string    `json:"text"`
	IssuedAt time.Time `json:"issued_at"`
}

type DispatchResult struct {
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
	Sent     []string  `json:"sent,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

type gate interface {
	writable() *Session
	markWrite(*Session)
	failSession(*Session, error)
}

// Dispatcher is the only writer on a session. Commands are written at most
// once; nothing is queued across disconnects.
type Dispatcher struct {
	gate      gate
	delimiter string
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu sync.Mutex
}

func newDispatcher(g gate, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		gate:      g,
		delimiter: cfg.CommandDelimiter,
		timeout:   cfg.WriteTimeout,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		metrics:   m,
		now:       time.Now,
	}
}

// Split breaks a composite command into its trimmed, non-empty parts.
func Split(text, delimiter string) []string {
	if delimiter == "" {
		delimiter = ";"
	}
	var parts []string
	for _, p := range strings.Split(text, delimiter) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Issue writes text to the live session, one line per sub-command.
func (d *Dispatcher) Issue(text string) DispatchResult {
	cmd := Command{Text: text, IssuedAt: d.now()}
	res := d.issue(cmd)

	outcome := "accepted"
	if !res.Accepted {
		outcome = res.Reason
	}
	d.metrics.ObserveCommand(outcome)

	return res
}

func (d *Dispatcher) issue(cmd Command) DispatchResult {
	res := DispatchResult{IssuedAt: cmd.IssuedAt}

	if d.gate.writable() == nil {
		res.Reason = ReasonNotConnected
		return res
	}

	parts := Split(cmd.Text, d.delimiter)
	if len(parts) == 0 {
		res.Reason = ReasonEmptyCommand
		return res
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, part := range parts {
		sess := d.gate.writable()
		if sess == nil {
			res.Reason = ReasonNotConnected
			return res
		}

		if err := sess.waitTurn(); err != nil {
			res.Reason = ReasonNotConnected
			return res
		}
		if sess = d.gate.writable(); sess == nil {
			res.Reason = ReasonNotConnected
			return res
		}

		if err := sess.write(part+"\n", d.timeout); err != nil {
			if serialport.IsClosed(err) && sess.closed() {
				res.Reason = ReasonNotConnected
				return res
			}
			werr := linkerr.New(linkerr.KindWriteFailed, "write", sess.Port, err)
			d.logger.Warn().Err(werr).Str("command", part).Strs("sent", res.Sent).Msg("command write failed")
			d.gate.failSession(sess, werr)
			res.Reason = ReasonWriteFailed
			return res
		}

		d.gate.markWrite(sess)
		res.Sent = append(res.Sent, part)
		d.logger.Debug().Str("session", sess.ID).Str("command", part).Msg("command sent")
	}

	res.Accepted = true
	return res
}
