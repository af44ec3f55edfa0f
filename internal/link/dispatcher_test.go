package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NowakAdmin/SerialLink/internal/linkerr"
	"github.com/NowakAdmin/SerialLink/internal/serialport/serialporttest"
)

func TestIssueWhileDisconnectedWritesNothing(t *testing.T) {
	bus := serialporttest.NewBus()
	port := bus.Add(device())

	sup, rec := newTestSupervisor(t, testConfig(), testLocator(bus), bus)

	res := sup.IssueCommand("FEED:50")
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonNotConnected, res.Reason)
	assert.Empty(t, res.Sent)
	assert.False(t, res.IssuedAt.IsZero())
	assert.Empty(t, port.Writes())
	assert.Empty(t, bus.Opens())

	require.Equal(t, []linkerr.Kind{linkerr.KindNotConnected}, rec.kinds())
	rec.mu.Lock()
	assert.Equal(t, "FEED:50", rec.events[0].Raw)
	rec.mu.Unlock()
}

func TestIssueSplitsCompositeWithSpacing(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	sup, _ := newTestSupervisor(t, cfg, testLocator(bus), bus)
	connect(t, sup)
	port := bus.Port(devicePath)

	started := time.Now()
	res := sup.IssueCommand(" R:1 ; ;G:2;B:0:255 ")
	elapsed := time.Since(started)

	require.True(t, res.Accepted, res.Reason)
	assert.Equal(t, []string{"R:1", "G:2", "B:0:255"}, res.Sent)
	assert.Equal(t, []string{"R:1\n", "G:2\n", "B:0:255\n"}, port.Writes())
	assert.Equal(t, 3, port.Drains())
	assert.GreaterOrEqual(t, elapsed, 2*cfg.MinCommandSpacing-time.Millisecond)

	started = time.Now()
	res = sup.IssueCommand("STOP")
	require.True(t, res.Accepted)
	assert.Less(t, time.Since(started), time.Second)
}

func TestIssueKeepsTextOpaque(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, _ := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	connect(t, sup)

	res := sup.IssueCommand(`{"cmd":"led","on":true}`)
	require.True(t, res.Accepted)
	assert.Equal(t, []string{`{"cmd":"led","on":true}` + "\n"}, bus.Port(devicePath).Writes())
}

func TestIssueEmptyCommand(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, _ := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	connect(t, sup)

	for _, text := range []string{"", "   ", ";;", " ; "} {
		res := sup.IssueCommand(text)
		assert.False(t, res.Accepted, text)
		assert.Equal(t, ReasonEmptyCommand, res.Reason, text)
	}
	assert.Empty(t, bus.Port(devicePath).Writes())
}

func TestIssueWriteFailureReconnects(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, rec := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	connect(t, sup)

	port := bus.Port(devicePath)
	res := sup.IssueCommand("A:1")
	require.True(t, res.Accepted)

	port.SetWriteErr(errors.New("i/o error"))
	res = sup.IssueCommand("B:1;C:1")
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonWriteFailed, res.Reason)
	assert.Empty(t, res.Sent)

	res = sup.IssueCommand("D:1")
	assert.Equal(t, ReasonNotConnected, res.Reason)

	waitStates(t, rec, Disconnected, Connecting, Connected, Reconnecting)
	assert.Contains(t, rec.kinds(), linkerr.KindWriteFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sup.Await(ctx, Connected))
	assert.True(t, sup.IssueCommand("E:1").Accepted)
}

func TestIssueBlockedWriteIsBounded(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	sup, _ := newTestSupervisor(t, testConfig(), testLocator(bus), bus)
	connect(t, sup)

	bus.Port(devicePath).WriteDelay = time.Minute

	started := time.Now()
	res := sup.IssueCommand("SLOW")
	assert.Equal(t, ReasonWriteFailed, res.Reason)
	assert.Less(t, time.Since(started), time.Second)
}

func TestWritesUpdateActivityButNotLastFrame(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	cfg.WatchdogWindow = 200 * time.Millisecond
	cfg.MinCommandSpacing = 0
	sup, _ := newTestSupervisor(t, cfg, testLocator(bus), bus)
	connect(t, sup)

	before, _ := sup.Session()
	time.Sleep(20 * time.Millisecond)
	require.True(t, sup.IssueCommand("PING").Accepted)

	after, _ := sup.Session()
	assert.True(t, after.LastActivity.After(before.LastActivity))
	assert.True(t, after.LastWrite.After(before.LastFrame))
	assert.Equal(t, before.LastFrame, after.LastFrame)
}

func TestCommandsDuringSilenceDoNotHoldOffWatchdog(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	cfg.WatchdogWindow = 100 * time.Millisecond
	cfg.WatchdogCeiling = 300 * time.Millisecond
	cfg.MinCommandSpacing = 0
	sup, rec := newTestSupervisor(t, cfg, testLocator(bus), bus)
	connect(t, sup)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sup.IssueCommand("LED:1")
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	waitStates(t, rec, Disconnected, Connecting, Connected, Degraded, Reconnecting)
}

func TestIssueDuringTeardownIsNotConnected(t *testing.T) {
	bus := serialporttest.NewBus()
	bus.Add(device())

	cfg := testConfig()
	cfg.WriteTimeout = 2 * time.Second
	sup, rec := newTestSupervisor(t, cfg, testLocator(bus), bus)
	connect(t, sup)

	bus.Port(devicePath).WriteDelay = time.Minute

	go func() {
		time.Sleep(50 * time.Millisecond)
		sup.Disconnect()
	}()

	started := time.Now()
	res := sup.IssueCommand("SLOW")
	assert.Equal(t, ReasonNotConnected, res.Reason)
	assert.Less(t, time.Since(started), time.Second)
	assert.NotContains(t, rec.kinds(), linkerr.KindWriteFailed)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Split("a;b", ";"))
	assert.Equal(t, []string{"a", "b"}, Split(" a |b| ", "|"))
	assert.Equal(t, []string{"a:1"}, Split("a:1", ""))
	assert.Nil(t, Split(" ; ", ";"))
}
