package tray

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/link"
	"github.com/NowakAdmin/SerialLink/internal/version"
)

// Link is what the tray controls.
type Link interface {
	Connect(portOverride ...string) error
	Disconnect()
	Status() link.Status
	OnStateChange(fn func(link.Transition))
}

// Service is anything started and stopped with the app, like the uplink.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

type App struct {
	link     Link
	services []Service
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	states   chan link.State
}

func New(l Link, logger zerolog.Logger, services ...Service) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		link:     l,
		services: services,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		states:   make(chan link.State, 8),
	}

	l.OnStateChange(func(t link.Transition) {
		select {
		case a.states <- t.To:
		default:
		}
	})

	return a
}

func (a *App) Run() {
	systray.Run(a.onReady, a.onExit)
}

func (a *App) onReady() {
	systray.SetIcon(generateIcon(16, stateColor(link.Disconnected)))
	systray.SetTitle("SerialLink")
	systray.SetTooltip("SerialLink - microcontroller link")

	st := a.link.Status()
	status := systray.AddMenuItem(statusTitle(st), "Link state")
	status.Disable()
	readings := systray.AddMenuItem(readingsTitle(st, time.Now()), "Last sensor update")
	readings.Disable()

	connect := systray.AddMenuItem("Connect", "Locate the device and connect")
	disconnect := systray.AddMenuItem("Disconnect", "Close the link and stop retrying")
	disconnect.Disable()

	versionItem := systray.AddMenuItem("Version: "+version.Version, "SerialLink version")
	versionItem.Disable()

	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Quit SerialLink")

	for _, svc := range a.services {
		if err := svc.Start(a.ctx); err != nil {
			a.logger.Error().Err(err).Msg("service start failed")
		}
	}

	refresh := time.NewTicker(5 * time.Second)

	go func() {
		defer refresh.Stop()

		for {
			select {
			case <-connect.ClickedCh:
				if err := a.link.Connect(); err != nil {
					a.logger.Error().Err(err).Msg("connect failed")
				}

			case <-disconnect.ClickedCh:
				a.link.Disconnect()

			case state := <-a.states:
				st := a.link.Status()
				status.SetTitle(statusTitle(st))
				systray.SetIcon(generateIcon(16, stateColor(state)))
				if state == link.Disconnected && !st.AutoRetry {
					connect.Enable()
					disconnect.Disable()
				} else {
					connect.Disable()
					disconnect.Enable()
				}

			case now := <-refresh.C:
				readings.SetTitle(readingsTitle(a.link.Status(), now))

			case <-quit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (a *App) onExit() {
	for i := len(a.services) - 1; i >= 0; i-- {
		a.services[i].Stop()
	}
	a.link.Disconnect()
	a.cancel()
}

func statusTitle(st link.Status) string {
	if st.Session != nil {
		return fmt.Sprintf("Status: %s (%s)", st.State, st.Session.Port)
	}
	return fmt.Sprintf("Status: %s", st.State)
}

func readingsTitle(st link.Status, now time.Time) string {
	if st.Snapshot.Updated.IsZero() {
		return "No readings yet"
	}
	age := now.Sub(st.Snapshot.Updated).Round(time.Second)
	return fmt.Sprintf("%d fields, updated %s ago", len(st.Snapshot.Fields), age)
}

func stateColor(state link.State) color.RGBA {
	switch state {
	case link.Connected:
		return color.RGBA{0, 128, 128, 255}
	case link.Degraded:
		return color.RGBA{214, 158, 0, 255}
	case link.Connecting, link.Reconnecting:
		return color.RGBA{70, 110, 200, 255}
	default:
		return color.RGBA{150, 150, 150, 255}
	}
}

// generateIcon draws a framed square of the given size in fg on white.
func generateIcon(size int, fg color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	white := color.RGBA{255, 255, 255, 255}
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.SetRGBA(x, y, white)
		}
	}

	margin := size / 6

	for x := 0; x < size; x++ {
		img.SetRGBA(x, margin, fg)
		img.SetRGBA(x, size-margin-1, fg)
	}
	for y := margin; y < size-margin; y++ {
		img.SetRGBA(margin, y, fg)
		img.SetRGBA(size-margin-1, y, fg)
	}

	innerMargin := margin + 1
	for x := innerMargin; x < size-innerMargin; x++ {
		for y := innerMargin + 2; y < size-innerMargin-2; y++ {
			img.SetRGBA(x, y, fg)
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
