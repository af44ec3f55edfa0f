// Package router dispatches frames coming off the link.
//
// Payload frames update the snapshot store and then reach every subscriber
// once, in subscription order. Everything else goes to the error handlers.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/frame"
	"github.com/NowakAdmin/SerialLink/internal/linkerr"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/snapshot"
)

// Update is handed to subscribers after a payload frame was merged.
type Update struct {
	Frame    frame.Frame
	Snapshot snapshot.Snapshot
	Changed  int
}

type handler struct {
	id     uint64
	update func(Update)
	event  func(linkerr.Event)
}

type Router struct {
	store   *snapshot.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// route serializes delivery so subscribers observe frames in arrival order.
	route sync.Mutex

	mu       sync.RWMutex
	nextID   uint64
	handlers []handler
}

type Option func(*Router)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(store *snapshot.Store, logger zerolog.Logger, opts ...Option) *Router {
	if store == nil {
		store = snapshot.NewStore()
	}
	r := &Router{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Store() *snapshot.Store {
	return r.store
}

// Subscription removes its handler when cancelled.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func (r *Router) Subscribe(fn func(Update)) *Subscription {
	return r.add(handler{update: fn})
}

func (r *Router) OnError(fn func(linkerr.Event)) *Subscription {
	return r.add(handler{event: fn})
}

func (r *Router) add(h handler) *Subscription {
	r.mu.Lock()
	r.nextID++
	h.id = r.nextID
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()

	id := h.id
	return &Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, existing := range r.handlers {
			if existing.id == id {
				r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
				return
			}
		}
	}}
}

// Route handles a single frame. Callers must route frames in the order the
// framer produced them.
func (r *Router) Route(f frame.Frame) {
	r.route.Lock()
	defer r.route.Unlock()

	r.metrics.ObserveFrame(f.Kind.String(), f.Repairs)

	switch f.Kind {
	case frame.KindPayload:
		snap, changed := r.store.Merge(f.Payload, received(f, r.now))
		if f.Repaired() {
			r.logger.Debug().Uint64("seq", f.Seq).Strs("repairs", f.Repairs).Msg("payload repaired")
		}
		r.publish(Update{Frame: f, Snapshot: snap, Changed: changed})
	case frame.KindParseError:
		r.logger.Warn().Uint64("seq", f.Seq).Str("reason", f.Reason).Str("raw", f.Raw).Msg("unparseable line")
		r.emit(linkerr.Event{
			Kind:    linkerr.KindFrameParse,
			Message: f.Reason,
			Raw:     f.Raw,
			Time:    received(f, r.now),
		})
	default:
		r.logger.Debug().Uint64("seq", f.Seq).Str("text", f.Raw).Msg("device text")
		r.emit(linkerr.Event{
			Kind:    linkerr.KindDeviceText,
			Message: "device text",
			Raw:     f.Raw,
			Time:    received(f, r.now),
		})
	}
}

// Report forwards an event raised outside the frame path to the error
// handlers.
func (r *Router) Report(ev linkerr.Event) {
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	r.emit(ev)
}

func (r *Router) publish(u Update) {
	for _, h := range r.snapshotHandlers() {
		if h.update == nil {
			continue
		}
		if err := safeCall(func() { h.update(u) }); err != nil {
			r.logger.Error().Err(err).Msg("subscriber panicked")
			r.emit(linkerr.Event{Kind: linkerr.KindHandlerPanic, Message: err.Error(), Time: r.now()})
		}
	}
}

func (r *Router) emit(ev linkerr.Event) {
	for _, h := range r.snapshotHandlers() {
		if h.event == nil {
			continue
		}
		if err := safeCall(func() { h.event(ev) }); err != nil {
			r.logger.Error().Err(err).Str("event", ev.Kind.String()).Msg("error handler panicked")
		}
	}
}

func (r *Router) snapshotHandlers() []handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]handler(nil), r.handlers...)
}

func safeCall(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	fn()
	return nil
}

func received(f frame.Frame, now func() time.Time) time.Time {
	if f.Received.IsZero() {
		return now()
	}
	return f.Received
}
