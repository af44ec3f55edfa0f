// Package link keeps one application-level session open to the peripheral.
//
// The Supervisor owns the serial port. It locates the device, opens a
// Session, reads frames into the Router and watches for silence. Every
// connect attempt, teardown and reconnect runs off the tick goroutine so the
// tick never waits on I/O.
package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/frame"
	"github.com/NowakAdmin/SerialLink/internal/linkerr"
	"github.com/NowakAdmin/SerialLink/internal/locator"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/router"
	"github.com/NowakAdmin/SerialLink/internal/serialport"
	"github.com/NowakAdmin/SerialLink/internal/snapshot"
)

var ErrNotRunning = errors.New("supervisor is not running")

// Locator finds ranked candidate ports.
type Locator interface {
	FindCandidates(ctx context.Context, overrides ...string) ([]locator.Candidate, error)
}

type Supervisor struct {
	cfg        Config
	loc        Locator
	open       serialport.Opener
	router     *router.Router
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	ctx           context.Context
	stopping      bool
	state         State
	changed       chan struct{}
	session       *Session
	epoch         uint64
	connecting    bool
	cancelAttempt context.CancelFunc
	autoRetry     bool
	overrides     []string
	attempts      int
	nextAttempt   time.Time
	lastErr       error
	rng           *rand.Rand

	stateHandlers []func(Transition)
	pending       []Transition
	notifyMu      sync.Mutex
}

type Option func(*Supervisor)

func WithOpener(o serialport.Opener) Option {
	return func(s *Supervisor) { s.open = o }
}

func WithRouter(r *router.Router) Option {
	return func(s *Supervisor) { s.router = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func NewSupervisor(cfg Config, loc Locator, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		loc:       loc,
		open:      serialport.Open,
		logger:    zerolog.Nop(),
		now:       time.Now,
		state:     Disconnected,
		changed:   make(chan struct{}),
		overrides: append([]string(nil), cfg.Ports...),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.router == nil {
		s.router = router.New(snapshot.NewStore(), s.logger, router.WithMetrics(s.metrics))
	}
	s.dispatcher = newDispatcher(s, s.cfg, s.logger, s.metrics)

	return s
}

func (s *Supervisor) Start(parent context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.mu.Lock()
	s.ctx = ctx
	s.stopping = false
	s.autoRetry = s.cfg.AutoConnect
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.logger.Info().
		Dur("tick", s.cfg.TickInterval).
		Dur("watchdog", s.cfg.WatchdogWindow).
		Bool("auto_connect", s.cfg.AutoConnect).
		Msg("supervisor started")

	return nil
}

// Stop tears down the session and waits for every goroutine the supervisor
// started.
func (s *Supervisor) Stop() {
	if !s.running.Load() {
		return
	}

	s.mu.Lock()
	s.stopping = true
	s.autoRetry = false
	s.epoch++
	if s.cancelAttempt != nil {
		s.cancelAttempt()
	}
	sess := s.session
	s.session = nil
	s.transition(Disconnected, "supervisor stopped")
	s.mu.Unlock()
	s.flush()

	if sess != nil {
		s.teardown(sess)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()

	s.running.Store(false)
	s.logger.Info().Msg("supervisor stopped")
}

func (s *Supervisor) IsRunning() bool {
	return s.running.Load()
}

// Connect requests a connection, optionally to specific ports, and
// re-enables automatic retry. Any pending retry wait is skipped.
func (s *Supervisor) Connect(portOverride ...string) error {
	s.mu.Lock()
	if s.ctx == nil || s.stopping {
		s.mu.Unlock()
		return ErrNotRunning
	}

	s.autoRetry = true
	if len(portOverride) > 0 {
		s.overrides = append([]string(nil), portOverride...)
	}
	s.attempts = 0
	s.nextAttempt = time.Time{}

	if s.state == Disconnected {
		s.beginConnect("connect requested")
	} else {
		s.logger.Debug().Str("state", s.state.String()).Msg("connect ignored, link already active")
	}
	s.mu.Unlock()
	s.flush()

	return nil
}

// Disconnect closes the session and disables automatic retry until the
// next Connect.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.autoRetry = false
	s.epoch++
	if s.cancelAttempt != nil {
		s.cancelAttempt()
	}
	sess := s.session
	s.session = nil
	s.transition(Disconnected, "disconnect requested")
	s.mu.Unlock()
	s.flush()

	if sess != nil {
		s.teardown(sess)
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Await blocks until the supervisor reaches want or ctx is done.
func (s *Supervisor) Await(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()

		if st == want {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (currently %s): %w", want, st, ctx.Err())
		case <-ch:
		}
	}
}

// Snapshot returns the latest sensor values. Check State to judge whether
// they are fresh.
func (s *Supervisor) Snapshot() snapshot.Snapshot {
	return s.router.Store().Latest()
}

// IssueCommand writes text to the device. A rejection because the link is
// not connected is also reported to the error handlers.
func (s *Supervisor) IssueCommand(text string) DispatchResult {
	res := s.dispatcher.Issue(text)
	if res.Reason == ReasonNotConnected {
		s.router.Report(linkerr.Event{
			Kind:    linkerr.KindNotConnected,
			Message: "command rejected while " + s.State().String(),
			Raw:     text,
			Time:    res.IssuedAt,
		})
	}
	return res
}

func (s *Supervisor) Router() *router.Router {
	return s.router
}

func (s *Supervisor) Subscribe(fn func(router.Update)) *router.Subscription {
	return s.router.Subscribe(fn)
}

func (s *Supervisor) OnError(fn func(linkerr.Event)) *router.Subscription {
	return s.router.OnError(fn)
}

// OnStateChange registers fn for every later transition. Handlers run in
// transition order on the goroutine that made the change and may call back
// into the supervisor.
func (s *Supervisor) OnStateChange(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHandlers = append(s.stateHandlers, fn)
}

func (s *Supervisor) Session() (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return SessionInfo{}, false
	}
	return s.session.info(), true
}

// Status is a point-in-time view of the link.
type Status struct {
	State       State             `json:"state"`
	Session     *SessionInfo      `json:"session,omitempty"`
	Attempts    int               `json:"attempts"`
	NextAttempt time.Time         `json:"next_attempt,omitempty"`
	AutoRetry   bool              `json:"auto_retry"`
	LastError   string            `json:"last_error,omitempty"`
	Snapshot    snapshot.Snapshot `json:"snapshot"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:       s.state,
		Attempts:    s.attempts,
		NextAttempt: s.nextAttempt,
		AutoRetry:   s.autoRetry,
	}
	if s.session != nil {
		info := s.session.info()
		st.Session = &info
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Snapshot = s.Snapshot()
	return st
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick drives retries and the watchdog. It only inspects state and spawns
// work; it never touches the port.
func (s *Supervisor) tick() {
	now := s.now()
	var failure error

	s.mu.Lock()
	switch s.state {
	case Disconnected:
		if s.autoRetry && !s.connecting && !now.Before(s.nextAttempt) {
			s.beginConnect("retry tick")
		}
	case Connected, Degraded:
		sess := s.session
		if sess == nil {
			break
		}
		silence := now.Sub(sess.lastFrame)
		switch {
		case silence > s.cfg.WatchdogCeiling:
			failure = linkerr.New(linkerr.KindReadFailed, "watchdog", sess.Port,
				fmt.Errorf("no data for %s", silence.Round(time.Millisecond)))
			s.failSessionLocked(sess, failure)
		case s.state == Connected && silence > s.cfg.WatchdogWindow:
			s.transition(Degraded, fmt.Sprintf("no data for %s", silence.Round(time.Millisecond)))
		}
	}
	s.mu.Unlock()
	s.flush()

	if failure != nil {
		s.router.Report(linkerr.EventFromError(failure, now))
	}
}

// beginConnect moves to Connecting and starts a locate-and-open attempt on
// its own goroutine. Caller holds s.mu.
func (s *Supervisor) beginConnect(reason string) {
	if s.connecting || s.ctx == nil || s.stopping {
		return
	}
	if !s.transition(Connecting, reason) {
		return
	}

	s.epoch++
	epoch := s.epoch
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelAttempt = cancel
	s.connecting = true
	overrides := append([]string(nil), s.overrides...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.connectWorker(ctx, epoch, overrides)
	}()
}

func (s *Supervisor) connectWorker(ctx context.Context, epoch uint64, overrides []string) {
	sess, err := s.attempt(ctx, overrides)

	s.mu.Lock()
	s.connecting = false
	if epoch != s.epoch || s.state != Connecting {
		s.mu.Unlock()
		if sess != nil {
			sess.close()
			close(sess.readerDone)
		}
		return
	}

	if err != nil {
		s.failAttemptLocked(err)
		s.mu.Unlock()
		s.flush()
		s.router.Report(linkerr.EventFromError(err, s.now()))
		return
	}

	s.establishLocked(sess)
	s.mu.Unlock()
	s.flush()
}

func (s *Supervisor) attempt(ctx context.Context, overrides []string) (*Session, error) {
	candidates, err := s.loc.FindCandidates(ctx, overrides...)
	if err != nil {
		return nil, linkerr.New(linkerr.KindPortNotFound, "locate", "", err)
	}

	usable := candidates[:0:0]
	for _, c := range candidates {
		if s.cfg.RequireHandshake && !c.Has(locator.MethodHandshake) {
			s.logger.Debug().Str("port", c.Path).Int("score", c.Score).Msg("skipping candidate without handshake")
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil, linkerr.New(linkerr.KindPortNotFound, "locate", "", nil)
	}

	var lastErr error
	for _, c := range usable {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		port, err := s.open(c.Path, s.cfg.BaudRate)
		if err != nil {
			s.logger.Warn().Err(err).Str("port", c.Path).Msg("open failed")
			lastErr = linkerr.New(linkerr.KindPortNotFound, "open", c.Path, err)
			continue
		}
		_ = port.SetReadTimeout(s.cfg.ReadTimeout)

		if s.cfg.SettleDelay > 0 {
			timer := time.NewTimer(s.cfg.SettleDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				_ = port.Close()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		// Drop boot noise and stale telemetry queued while the port settled.
		if err := port.ResetInputBuffer(); err != nil {
			s.logger.Debug().Err(err).Str("port", c.Path).Msg("input reset failed")
		}

		framer := frame.New(frame.Options{
			Sentinels:    s.cfg.Sentinels,
			MaxLineBytes: s.cfg.MaxLineBytes,
			Now:          s.now,
		})

		return newSession(c, port, s.cfg.BaudRate, s.cfg.MinCommandSpacing, framer, s.now()), nil
	}

	return nil, lastErr
}

// Caller holds s.mu.
func (s *Supervisor) establishLocked(sess *Session) {
	s.attempts = 0
	s.nextAttempt = time.Time{}
	s.lastErr = nil
	s.session = sess
	sess.lastFrame = s.now()

	s.transition(Connected, "session opened on "+sess.Port)
	s.logger.Info().
		Str("session", sess.ID).
		Str("port", sess.Port).
		Int("baud", sess.BaudRate).
		Int("score", sess.Candidate.Score).
		Strs("methods", sess.Candidate.Methods).
		Msg("session established")

	if !s.goLocked(func() { s.read(sess) }) {
		close(sess.readerDone)
	}
}

// Caller holds s.mu.
func (s *Supervisor) failAttemptLocked(err error) {
	s.lastErr = err
	s.attempts++

	delay := NextBackoffDelay(s.cfg.Backoff, s.attempts, s.rng)
	if s.cfg.MaxAttempts > 0 && s.attempts >= s.cfg.MaxAttempts {
		s.logger.Warn().
			Int("attempts", s.attempts).
			Dur("idle", s.cfg.IdleRetryInterval).
			Msg("attempt ceiling reached, idling before next burst")
		delay = s.cfg.IdleRetryInterval
		s.attempts = 0
	}
	s.nextAttempt = s.now().Add(delay)

	s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("connect attempt failed")
	s.transition(Disconnected, err.Error())
}

// failSession handles a connectivity error on sess. Stale sessions are
// ignored.
func (s *Supervisor) failSession(sess *Session, err error) {
	s.mu.Lock()
	failed := s.failSessionLocked(sess, err)
	s.mu.Unlock()
	s.flush()

	if failed {
		s.router.Report(linkerr.EventFromError(err, s.now()))
	}
}

// Caller holds s.mu.
func (s *Supervisor) failSessionLocked(sess *Session, err error) bool {
	if sess == nil || sess != s.session {
		return false
	}
	if s.state != Connected && s.state != Degraded {
		return false
	}

	s.session = nil
	s.lastErr = err
	s.epoch++
	epoch := s.epoch
	s.logger.Warn().Err(err).Str("session", sess.ID).Msg("session failed")
	s.transition(Reconnecting, err.Error())

	if !s.goLocked(func() { s.reconnect(sess, epoch) }) {
		sess.close()
		s.transition(Disconnected, "supervisor stopping")
	}
	return true
}

func (s *Supervisor) reconnect(sess *Session, epoch uint64) {
	s.teardown(sess)

	s.mu.Lock()
	if epoch == s.epoch && s.state == Reconnecting {
		s.beginConnect("reconnecting after " + sess.Port)
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Supervisor) read(sess *Session) {
	defer close(sess.readerDone)

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if sess.closed() {
			return
		}

		n, err := sess.port.Read(buf)
		if err != nil {
			if sess.closed() {
				return
			}
			op := "read"
			if serialport.IsClosed(err) {
				op = "port closed"
			}
			s.failSession(sess, linkerr.New(linkerr.KindReadFailed, op, sess.Port, err))
			return
		}
		if n == 0 {
			continue
		}

		frames := sess.framer.Feed(buf[:n])
		if len(frames) == 0 {
			continue
		}

		s.markFrame(sess)
		for _, f := range frames {
			s.router.Route(f)
		}
	}
}

func (s *Supervisor) markFrame(sess *Session) {
	s.mu.Lock()
	if sess == s.session {
		sess.lastFrame = s.now()
		if s.state == Degraded {
			s.transition(Connected, "data resumed")
		}
	}
	s.mu.Unlock()
	s.flush()
}

// writable returns the session commands may be written to, or nil unless
// the link is Connected.
func (s *Supervisor) writable() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	return s.session
}

// markWrite records a successful write. It does not feed the watchdog:
// only frames from the device prove the link is alive.
func (s *Supervisor) markWrite(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess == s.session {
		sess.lastWrite = s.now()
	}
}

// teardown closes the port, waits a bounded time for the reader and routes
// whatever partial line the framer still held.
func (s *Supervisor) teardown(sess *Session) {
	sess.close()

	timer := time.NewTimer(s.cfg.TeardownTimeout)
	defer timer.Stop()

	select {
	case <-sess.readerDone:
		for _, f := range sess.framer.Flush() {
			s.router.Route(f)
		}
	case <-timer.C:
		s.logger.Warn().Str("session", sess.ID).Dur("timeout", s.cfg.TeardownTimeout).Msg("reader did not exit in time")
	}

	s.logger.Info().Str("session", sess.ID).Str("port", sess.Port).Msg("session closed")
}

// goLocked starts fn tracked by the wait group unless the supervisor is
// stopping. Caller holds s.mu.
func (s *Supervisor) goLocked(fn func()) bool {
	if s.stopping || s.ctx == nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// transition changes state if the move is legal and queues the change for
// handlers. Caller holds s.mu and must call flush after unlocking.
func (s *Supervisor) transition(to State, reason string) bool {
	from := s.state
	if from == to {
		return false
	}
	if !canTransition(from, to) {
		s.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("illegal transition refused")
		return false
	}

	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})

	s.metrics.ObserveTransition(from.String(), to.String())
	s.logger.Info().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("link state")

	s.pending = append(s.pending, Transition{From: from, To: to, Reason: reason, At: s.now()})
	return true
}

// flush delivers queued transitions. Only one goroutine delivers at a time
// so handlers see transitions in the order they happened; a handler that
// triggers another transition leaves it for the current deliverer.
func (s *Supervisor) flush() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			t := s.pending[0]
			s.pending = s.pending[1:]
			handlers := append([]func(Transition){}, s.stateHandlers...)
			s.mu.Unlock()

			for _, h := range handlers {
				s.callStateHandler(h, t)
			}
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		empty := len(s.pending) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Supervisor) callStateHandler(h func(Transition), t Transition) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Msg("state handler panicked")
		}
	}()
	h(t)
}
