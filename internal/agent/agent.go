// Package agent bridges the serial link to a remote websocket endpoint.
//
// It pushes telemetry and state changes upstream and hands incoming command
// text to the link unchanged.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/config"
	"github.com/NowakAdmin/SerialLink/internal/link"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/router"
	"github.com/NowakAdmin/SerialLink/internal/version"
)

const maxBackoff = 20 * time.Second

type IncomingMessage struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OutgoingMessage struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Link is the part of the supervisor the agent talks to.
type Link interface {
	Status() link.Status
	IssueCommand(text string) link.DispatchResult
	Subscribe(fn func(router.Update)) *router.Subscription
	OnStateChange(fn func(link.Transition))
}

type Agent struct {
	cfg     config.UplinkConfig
	link    Link
	logger  zerolog.Logger
	metrics *metrics.Metrics
	agentID string
	dialer  *websocket.Dialer

	updates     chan router.Update
	transitions chan link.Transition

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.UplinkConfig, l Link, logger zerolog.Logger, m *metrics.Metrics) *Agent {
	agentID := strings.TrimSpace(cfg.DeviceName)
	if agentID == "" {
		if host, err := os.Hostname(); err == nil {
			agentID = host
		} else {
			agentID = "seriallink"
		}
	}

	a := &Agent{
		cfg:         cfg,
		link:        l,
		logger:      logger,
		metrics:     m,
		agentID:     agentID,
		dialer:      websocket.DefaultDialer,
		updates:     make(chan router.Update, 32),
		transitions: make(chan link.Transition, 16),
	}

	l.OnStateChange(func(t link.Transition) {
		if !a.running.Load() {
			return
		}
		select {
		case a.transitions <- t:
		default:
		}
	})

	return a
}

func (a *Agent) Start(parent context.Context) error {
	if a.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	sub := a.link.Subscribe(func(u router.Update) {
		select {
		case a.updates <- u:
		default:
			a.logger.Debug().Uint64("seq", u.Frame.Seq).Msg("uplink busy, telemetry dropped")
		}
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer sub.Cancel()
		a.loop(ctx)
	}()

	return nil
}

func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()
	a.running.Store(false)
}

func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

func (a *Agent) loop(ctx context.Context) {
	if strings.TrimSpace(a.cfg.WebSocketURL) == "" {
		a.logger.Warn().Msg("uplink has no websocket_url, use: seriallink configure --uplink-url=...")
		<-ctx.Done()
		return
	}

	backoff := 1 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := a.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("uplink session ended")
		}
		if connected {
			backoff = 1 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// runSession reports whether the dial succeeded, so a session that ran for
// a while resets the backoff.
func (a *Agent) runSession(ctx context.Context) (bool, error) {
	headers := http.Header{}
	if token := strings.TrimSpace(a.cfg.Token); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	headers.Set("X-Agent-ID", a.agentID)

	conn, response, err := a.dialer.DialContext(ctx, a.cfg.WebSocketURL, headers)
	if err != nil {
		if response != nil {
			return false, fmt.Errorf("websocket dial (http %d): %w", response.StatusCode, err)
		}
		return false, err
	}
	defer func() {
		_ = conn.Close()
	}()

	a.logger.Info().Str("url", a.cfg.WebSocketURL).Msg("uplink connected")

	status := a.link.Status()
	if err = a.send(conn, OutgoingMessage{
		Type:   "auth",
		Status: status.State.String(),
		Data: map[string]any{
			"device_name": a.cfg.DeviceName,
			"version":     version.Version,
		},
	}); err != nil {
		return true, err
	}

	heartbeatEvery := time.Duration(a.cfg.HeartbeatSeconds) * time.Second
	if a.cfg.HeartbeatSeconds <= 0 {
		heartbeatEvery = 30 * time.Second
	}

	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer heartbeatTicker.Stop()

	readErrors := make(chan error, 1)
	readMessages := make(chan IncomingMessage, 8)

	go func() {
		for {
			var message IncomingMessage
			if readErr := conn.ReadJSON(&message); readErr != nil {
				readErrors <- readErr
				return
			}

			select {
			case readMessages <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = a.send(conn, OutgoingMessage{Type: "status", Status: "offline"})
			return true, context.Canceled
		case err = <-readErrors:
			return true, err
		case message := <-readMessages:
			a.metrics.ObserveUplinkMessage("in", message.Type)
			if err = a.handleIncoming(conn, message); err != nil {
				return true, err
			}
		case u := <-a.updates:
			if err = a.send(conn, telemetry(u, a.link.Status().State)); err != nil {
				return true, err
			}
		case t := <-a.transitions:
			if err = a.send(conn, OutgoingMessage{
				Type:   "status",
				Status: t.To.String(),
				Data: map[string]any{
					"from":   t.From.String(),
					"reason": t.Reason,
				},
			}); err != nil {
				return true, err
			}
		case <-heartbeatTicker.C:
			if err = a.send(conn, OutgoingMessage{
				Type:   "heartbeat",
				Status: a.link.Status().State.String(),
			}); err != nil {
				return true, err
			}
		}
	}
}

func (a *Agent) handleIncoming(conn *websocket.Conn, message IncomingMessage) error {
	messageType := strings.ToLower(strings.TrimSpace(message.Type))

	switch messageType {
	case "ping":
		return a.send(conn, OutgoingMessage{Type: "pong", JobID: message.JobID})

	case "snapshot":
		st := a.link.Status()
		return a.send(conn, OutgoingMessage{
			Type:   "snapshot",
			JobID:  message.JobID,
			Status: st.State.String(),
			Data:   st,
		})

	case "command":
		text := commandText(message)
		res := a.link.IssueCommand(text)

		out := OutgoingMessage{
			Type:  "command_result",
			JobID: message.JobID,
			Data:  res,
		}
		if res.Accepted {
			out.Status = "completed"
			a.logger.Info().Str("job", message.JobID).Strs("sent", res.Sent).Msg("command dispatched")
		} else {
			out.Status = "failed"
			out.Error = res.Reason
			a.logger.Warn().Str("job", message.JobID).Str("reason", res.Reason).Msg("command rejected")
		}
		return a.send(conn, out)

	default:
		a.logger.Debug().Str("type", message.Type).Msg("ignoring uplink message")
		return nil
	}
}

// commandText takes the command field, or payload.command when the field is
// empty. The text is passed on untouched.
func commandText(message IncomingMessage) string {
	if message.Command != "" {
		return message.Command
	}

	var payload struct {
		Command string `json:"command"`
	}
	if len(message.Payload) > 0 && json.Unmarshal(message.Payload, &payload) == nil {
		return payload.Command
	}

	return ""
}

func telemetry(u router.Update, state link.State) OutgoingMessage {
	return OutgoingMessage{
		Type:   "telemetry",
		Status: state.String(),
		Data: map[string]any{
			"seq":     u.Frame.Seq,
			"payload": u.Frame.Payload,
			"repairs": u.Frame.Repairs,
			"changed": u.Changed,
			"fields":  u.Snapshot.Fields,
		},
	}
}

func (a *Agent) send(conn *websocket.Conn, msg OutgoingMessage) error {
	msg.AgentID = a.agentID
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}

	a.metrics.ObserveUplinkMessage("out", msg.Type)
	return nil
}
