// Package httpapi serves the local operations endpoints: health, metrics
// and link control.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/link"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/snapshot"
	"github.com/NowakAdmin/SerialLink/internal/version"
)

type Link interface {
	Status() link.Status
	Snapshot() snapshot.Snapshot
	Connect(portOverride ...string) error
	Disconnect()
	IssueCommand(text string) link.DispatchResult
}

type Handler struct {
	log     zerolog.Logger
	link    Link
	metrics *metrics.Metrics
}

func NewHandler(log zerolog.Logger, l Link, m *metrics.Metrics) *Handler {
	return &Handler{log: log, link: l, metrics: m}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/v1/link", func(r chi.Router) {
		r.Get("/", h.handleStatus)
		r.Get("/snapshot", h.handleSnapshot)
		r.Post("/connect", h.handleConnect)
		r.Post("/disconnect", h.handleDisconnect)
		r.Post("/commands", h.handleCommand)
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version.Version})
}

// handleReadyz is ready only while commands would be accepted.
func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.link.Status()
	if st.State != link.Connected {
		h.writeError(w, http.StatusServiceUnavailable, "link_not_ready", "link is "+st.State.String(), map[string]any{
			"state":      st.State,
			"last_error": st.LastError,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "state": st.State})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.link.Status())
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	st := h.link.Status()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"state":    st.State,
		"snapshot": st.Snapshot,
	})
}

type connectRequest struct {
	Ports []string `json:"ports"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := decodeJSONStrict(r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid JSON body", map[string]any{"error": err.Error()})
			return
		}
	}

	if err := h.link.Connect(req.Ports...); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "link_unavailable", err.Error(), nil)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"state": h.link.Status().State})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.link.Disconnect()
	h.writeJSON(w, http.StatusOK, map[string]any{"state": h.link.Status().State})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid JSON body", map[string]any{"error": err.Error()})
		return
	}

	res := h.link.IssueCommand(req.Command)

	status := http.StatusOK
	switch res.Reason {
	case "":
	case link.ReasonEmptyCommand:
		status = http.StatusBadRequest
	case link.ReasonNotConnected:
		status = http.StatusConflict
	case link.ReasonWriteFailed:
		status = http.StatusBadGateway
	}

	h.writeJSON(w, status, res)
}
