package link

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NowakAdmin/SerialLink/internal/linkerr"
	"github.com/NowakAdmin/SerialLink/internal/locator"
	"github.com/NowakAdmin/SerialLink/internal/router"
	"github.com/NowakAdmin/SerialLink/internal/serialport"
	"github.com/NowakAdmin/SerialLink/internal/serialport/serialporttest"
)

const devicePath = "/dev/ttyACM0"

const telemetryLine = `[SEND] {"t":7,"sensors":{"DHT22_SYSTEM":{"temperature":{"value":24.5,"unit":"C"}}}}` + "\n"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.ReadTimeout = 10 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	cfg.WatchdogWindow = 150 * time.Millisecond
	cfg.WatchdogCeiling = 2 * time.Second
	cfg.TeardownTimeout = 500 * time.Millisecond
	cfg.Backoff = Backoff{Initial: 20 * time.Millisecond, Multiplier: 2, Max: 100 * time.Millisecond}
	cfg.WriteTimeout = 200 * time.Millisecond
	cfg.MinCommandSpacing = 40 * time.Millisecond
	cfg.AutoConnect = false
	return cfg
}

func device() *serialporttest.Port {
	p := serialporttest.New(devicePath)
	p.OnWrite = func(p *serialporttest.Port, data []byte) {
		if strings.Contains(string(data), "STATUS") {
			p.Feed(telemetryLine)
		}
	}
	return p
}

func testLocator(bus *serialporttest.Bus) *locator.Locator {
	cfg := locator.DefaultConfig()
	cfg.SettleDelay = 0
	cfg.HandshakeTimeout = 300 * time.Millisecond
	cfg.ReadTimeout = 10 * time.Millisecond
	cfg.Probes = []string{"STATUS"}

	return locator.New(cfg,
		locator.WithOpener(bus.Open),
		locator.WithEnumerator(func() ([]serialport.Details, error) {
			return []serialport.Details{{Path: devicePath, IsUSB: true, VID: "2341", PID: "0042"}}, nil
		}),
	)
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
	events      []linkerr.Event
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []State{Disconnected}
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

func (r *recorder) kinds() []linkerr.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []linkerr.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// waitStates waits until the recorded states start with want.
func waitStates(t *testing.T, rec *recorder, want ...State) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got := rec.states()
		return len(got) >= len(want) && assert.ObjectsAreEqual(want, got[:len(want)])
	}, 3*time.Second, 5*time.Millisecond, "states %v", want)
}

func newTestSupervisor(t *testing.T, cfg Config, loc Locator, bus *serialporttest.Bus) (*Supervisor, *recorder) {
	t.Helper()

	sup := NewSupervisor(cfg, loc, WithOpener(bus.Open), WithLogger(zerolog.Nop()))
	rec := &recorder{}
	sup.OnStateChange(func(tr Transition) {
		rec.mu.Lock()
		rec.transitions = append(rec.transitions, tr)
		rec.mu.Unlock()
	})
	sup.OnError(func(ev linkerr.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, ev)
		rec.mu.Unlock()
	})

	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)

	return sup, rec
}

func connect(t *testing.T, sup *Supervisor) {
	t.Helper()
	require.NoError(t, sup.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sup.Await(ctx, Connected))
}

func TestConnectDrivesDisconnectedConnectingConnected(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, rec := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	assert.Equal(t, Disconnected, sup.State())

	connect(t, sup)

	waitStates(t, rec, Disconnected, Connecting, Connected)

	info, ok := sup.Session()
	require.True(t, ok)
	assert.Equal(t, devicePath, info.Port)
	assert.NotEmpty(t, info.ID)
	assert.Contains(t, info.Methods, locator.MethodHandshake)
	assert.Equal(t, 1, bus.Port(devicePath).Resets())

	bus.Port(devicePath).Feed(telemetryLine)
	assert.Eventually(t, func() bool {
		_, ok := sup.Snapshot().Get("DHT22_SYSTEM.temperature")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestAutoConnectOnTick(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	cfg.AutoConnect = true
	sup, _ := newTestSupervisor(t, cfg, testLocator(bus), bus)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, sup.Await(ctx, Connected))
}

func TestWatchdogDegradesAndRecovers(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, rec := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	connect(t, sup)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Await(ctx, Degraded))

	res := sup.IssueCommand("R:1")
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonNotConnected, res.Reason)

	bus.Port(devicePath).Feed(telemetryLine)
	require.NoError(t, sup.Await(ctx, Connected))

	waitStates(t, rec, Disconnected, Connecting, Connected, Degraded, Connected)
}

func TestWatchdogCeilingReconnects(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	cfg.WatchdogWindow = 50 * time.Millisecond
	cfg.WatchdogCeiling = 150 * time.Millisecond
	sup, rec := newTestSupervisor(t, cfg, testLocator(bus), bus)
	connect(t, sup)

	assert.Eventually(t, func() bool {
		for _, st := range rec.states() {
			if st == Reconnecting {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.kinds(), linkerr.KindReadFailed)
}

func TestReadFailureReconnects(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, rec := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	connect(t, sup)

	first, _ := sup.Session()
	failing := bus.Port(devicePath)
	failing.SetReadErr(errors.New("device unplugged"))

	assert.Eventually(t, func() bool {
		info, ok := sup.Session()
		return ok && info.ID != first.ID && sup.State() == Connected
	}, 3*time.Second, 5*time.Millisecond)

	assert.True(t, failing.Closed())
	assert.Contains(t, rec.kinds(), linkerr.KindReadFailed)

	waitStates(t, rec, Disconnected, Connecting, Connected, Reconnecting, Connecting, Connected)
}

func TestDisconnectStopsRetrying(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	cfg.AutoConnect = true
	sup, _ := newTestSupervisor(t, cfg, testLocator(bus), bus)
	connect(t, sup)

	port := bus.Port(devicePath)
	sup.Disconnect()

	assert.Equal(t, Disconnected, sup.State())
	assert.True(t, port.Closed())
	_, ok := sup.Session()
	assert.False(t, ok)

	res := sup.IssueCommand("R:1")
	assert.Equal(t, ReasonNotConnected, res.Reason)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Disconnected, sup.State())
	assert.False(t, sup.Status().AutoRetry)

	connect(t, sup)
}

type countingLocator struct {
	calls      atomic.Int32
	candidates []locator.Candidate
	err        error
}

func (l *countingLocator) FindCandidates(context.Context, ...string) ([]locator.Candidate, error) {
	l.calls.Add(1)
	return l.candidates, l.err
}

func TestFailedAttemptsBackOffThenIdle(t *testing.T) {
	bus := serialporttest.NewBus()
	loc := &countingLocator{}

	cfg := testConfig()
	cfg.AutoConnect = true
	cfg.MaxAttempts = 3
	cfg.IdleRetryInterval = time.Hour
	sup, rec := newTestSupervisor(t, cfg, loc, bus)

	assert.Eventually(t, func() bool { return loc.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 3, loc.calls.Load())

	st := sup.Status()
	assert.Equal(t, Disconnected, st.State)
	assert.Zero(t, st.Attempts)
	assert.WithinDuration(t, time.Now().Add(time.Hour), st.NextAttempt, time.Minute)
	assert.Contains(t, st.LastError, linkerr.KindPortNotFound.String())
	assert.Contains(t, rec.kinds(), linkerr.KindPortNotFound)

	require.NoError(t, sup.Connect())
	assert.Eventually(t, func() bool { return loc.calls.Load() == 4 }, time.Second, 5*time.Millisecond)
}

func TestUnconfirmedCandidateIsSkipped(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(serialporttest.New(devicePath))
	loc := &countingLocator{candidates: []locator.Candidate{
		{Path: devicePath, Score: 120, Methods: []string{locator.MethodHardwareID, locator.MethodNativeUSB}},
	}}

	sup, _ := newTestSupervisor(t, testConfig(), loc, bus)
	require.NoError(t, sup.Connect())

	assert.Eventually(t, func() bool {
		return loc.calls.Load() >= 1 && sup.State() == Disconnected
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, bus.Opens())
}

func TestOpenFailureTriesNextCandidate(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.OpenErr["/dev/ttyACM9"] = errors.New("busy")
	bus.Add(device())
	loc := &countingLocator{candidates: []locator.Candidate{
		{Path: "/dev/ttyACM9", Score: 200, Methods: []string{locator.MethodHandshake}},
		{Path: devicePath, Score: 130, Methods: []string{locator.MethodHandshake}},
	}}

	sup, _ := newTestSupervisor(t, testConfig(), loc, bus)
	connect(t, sup)

	info, _ := sup.Session()
	assert.Equal(t, devicePath, info.Port)
}

func TestConnectRequiresStart(t *testing.T) {
	sup := NewSupervisor(testConfig(), &countingLocator{})
	assert.ErrorIs(t, sup.Connect(), ErrNotRunning)
}

func TestStateHandlersMayCallBack(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, rec := newTestSupervisor(t, testConfig(), testLocator(bus), bus)

	sup.OnStateChange(func(tr Transition) {
		if tr.To == Connected {
			sup.Disconnect()
		}
	})

	require.NoError(t, sup.Connect())
	waitStates(t, rec, Disconnected, Connecting, Connected, Disconnected)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, _ := newTestSupervisor(t, testConfig(), testLocator(bus), bus)

	updates := make(chan router.Update, 4)
	sub := sup.Subscribe(func(u router.Update) { updates <- u })
	defer sub.Cancel()

	connect(t, sup)
	bus.Port(devicePath).Feed("[SEND] - {\"t\":8,\"sensors\":{\"SOIL\":{\"moisture\":{\"value\":NaN,\"unit\":\"%\"}}}}\n")

	select {
	case u := <-updates:
		r, ok := u.Snapshot.Get("SOIL.moisture")
		require.True(t, ok)
		assert.Nil(t, r.Value)
		assert.Equal(t, 8.0, r.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := Backoff{Initial: time.Second, Multiplier: 2, Max: 20 * time.Second}

	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 2*time.Second, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 16*time.Second, NextBackoffDelay(cfg, 5, nil))
	assert.Equal(t, 20*time.Second, NextBackoffDelay(cfg, 6, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 3, rng)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 6*time.Second)
	}
}

func TestStateText(t *testing.T) {
	text, err := Degraded.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "degraded", string(text))

	var st State
	require.NoError(t, st.UnmarshalText([]byte("RECONNECTING")))
	assert.Equal(t, Reconnecting, st)
	assert.Error(t, st.UnmarshalText([]byte("sleeping")))

	assert.True(t, canTransition(Degraded, Connected))
	assert.False(t, canTransition(Disconnected, Connected))
	assert.False(t, canTransition(Reconnecting, Connected))
}
