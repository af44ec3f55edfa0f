package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/NowakAdmin/SerialLink/internal/agent"
	"github.com/NowakAdmin/SerialLink/internal/autostart"
	"github.com/NowakAdmin/SerialLink/internal/config"
	"github.com/NowakAdmin/SerialLink/internal/httpapi"
	"github.com/NowakAdmin/SerialLink/internal/link"
	"github.com/NowakAdmin/SerialLink/internal/linkerr"
	"github.com/NowakAdmin/SerialLink/internal/locator"
	"github.com/NowakAdmin/SerialLink/internal/logging"
	"github.com/NowakAdmin/SerialLink/internal/metrics"
	"github.com/NowakAdmin/SerialLink/internal/router"
	"github.com/NowakAdmin/SerialLink/internal/tray"
	"github.com/NowakAdmin/SerialLink/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "configure":
			runConfigure()
			return
		case "headless":
			runHeadless()
			return
		case "monitor":
			runMonitor()
			return
		case "scan":
			runScan()
			return
		case "send":
			runSend()
			return
		case "version":
			fmt.Printf("SerialLink %s\n", version.Version)
			return
		}
	}

	runTray()
}

func runConfigure() {
	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fatalf("config: %v", err)
	}

	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	ports := fs.String("ports", strings.Join(cfg.Link.Ports, ","), "Comma separated ports always probed, e.g. /dev/ttyACM0,COM3")
	baud := fs.Int("baud", cfg.Link.BaudRate, "Serial baud rate")
	autoConnect := fs.Bool("auto-connect", cfg.Link.AutoConnect, "Connect as soon as the link starts")
	uplinkURL := fs.String("uplink-url", cfg.Uplink.WebSocketURL, "Websocket URL of the uplink, e.g. wss://example.org/ws")
	token := fs.String("token", cfg.Uplink.Token, "Uplink bearer token")
	deviceName := fs.String("name", cfg.Uplink.DeviceName, "Device name reported upstream")
	uplink := fs.Bool("uplink", cfg.Uplink.Enabled, "Enable the websocket uplink")
	logLevel := fs.String("log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Ops HTTP listen address, empty to disable")
	startAtLogin := fs.String("autostart", "", "on or off: run headless at user login")

	_ = fs.Parse(os.Args[2:])

	cfg.Link.Ports = nil
	for _, p := range strings.Split(*ports, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Link.Ports = append(cfg.Link.Ports, p)
		}
	}
	cfg.Link.BaudRate = *baud
	cfg.Link.AutoConnect = *autoConnect
	cfg.Uplink.WebSocketURL = *uplinkURL
	cfg.Uplink.Token = *token
	cfg.Uplink.DeviceName = *deviceName
	cfg.Uplink.Enabled = *uplink
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr

	if err := config.Save(cfg); err != nil {
		fatalf("save config: %v", err)
	}

	fmt.Printf("Configuration saved: %s\n", config.Path())

	if *startAtLogin != "" {
		exe, err := os.Executable()
		if err != nil {
			fatalf("autostart: %v", err)
		}
		enabled := *startAtLogin == "on"
		if err := autostart.Set(enabled, exe, "headless"); err != nil {
			fatalf("autostart: %v", err)
		}
		fmt.Printf("Autostart: %v\n", enabled)
	}
}

// stack is everything a long-running mode starts.
type stack struct {
	link     *link.Supervisor
	services []tray.Service
}

func buildStack(cfg *config.Config, logger zerolog.Logger) *stack {
	m := metrics.New()

	loc := locator.New(cfg.Locator(),
		locator.WithLogger(logging.Component(logger, "locator")),
		locator.WithMetrics(m),
	)

	sup := link.NewSupervisor(cfg.Supervisor(), loc,
		link.WithLogger(logging.Component(logger, "link")),
		link.WithMetrics(m),
	)

	s := &stack{link: sup}

	if cfg.Uplink.Enabled {
		s.services = append(s.services, agent.New(cfg.Uplink, sup, logging.Component(logger, "uplink"), m))
	}

	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		h := httpapi.NewHandler(logging.Component(logger, "http"), sup, m)
		s.services = append(s.services, httpapi.NewServer(addr, h, logger))
	}

	return s
}

func (s *stack) start(ctx context.Context) error {
	if err := s.link.Start(ctx); err != nil {
		return err
	}
	for _, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *stack) stop() {
	for i := len(s.services) - 1; i >= 0; i-- {
		s.services[i].Stop()
	}
	s.link.Stop()
}

func runHeadless() {
	cfg, logger, closeFn := loadRuntime()
	defer closeFn()

	s := buildStack(cfg, logger)
	s.link.OnError(func(ev linkerr.Event) {
		if !ev.Kind.Recoverable() {
			logger.Warn().Str("kind", ev.Kind.String()).Str("path", ev.Path).Msg(ev.Message)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start failed")
	}
	if !cfg.Link.AutoConnect {
		_ = s.link.Connect()
	}

	<-ctx.Done()
	s.stop()
}

func runMonitor() {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	port := fs.String("port", "", "Port to use instead of scanning")
	raw := fs.Bool("raw", false, "Also print device text and parse errors")
	_ = fs.Parse(os.Args[2:])

	cfg, logger, closeFn := loadRuntime()
	defer closeFn()
	cfg.MetricsAddr = ""
	cfg.Uplink.Enabled = false

	s := buildStack(cfg, logger)
	enc := json.NewEncoder(os.Stdout)

	s.link.Subscribe(func(u router.Update) {
		_ = enc.Encode(map[string]any{
			"seq":     u.Frame.Seq,
			"repairs": u.Frame.Repairs,
			"payload": u.Frame.Payload,
		})
	})
	if *raw {
		s.link.OnError(func(ev linkerr.Event) {
			fmt.Fprintf(os.Stderr, "%s\n", ev)
		})
	}
	s.link.OnStateChange(func(t link.Transition) {
		fmt.Fprintf(os.Stderr, "link %s -> %s (%s)\n", t.From, t.To, t.Reason)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start failed")
	}
	if err := s.link.Connect(portArgs(*port)...); err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}

	<-ctx.Done()
	s.stop()
}

func runScan() {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "Overall scan timeout")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fatalf("config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)

	loc := locator.New(cfg.Locator(), locator.WithLogger(logging.Component(logger, "locator")))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	candidates, err := loc.FindCandidates(ctx, cfg.Link.Ports...)
	if err != nil {
		fatalf("scan: %v", err)
	}
	if len(candidates) == 0 {
		fmt.Println("No qualifying serial port found.")
		os.Exit(2)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSCORE\tVID:PID\tDESCRIPTION\tMETHODS")
	for _, c := range candidates {
		id := ""
		if c.Hardware.VID != "" {
			id = c.Hardware.VID + ":" + c.Hardware.PID
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", c.Path, c.Score, id, c.Hardware.Description, strings.Join(c.Methods, ","))
	}
	_ = w.Flush()
}

func runSend() {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	port := fs.String("port", "", "Port to use instead of scanning")
	wait := fs.Duration("wait", 20*time.Second, "How long to wait for the link")
	_ = fs.Parse(os.Args[2:])

	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fatalf("usage: seriallink send [--port=PATH] COMMAND[;COMMAND...]")
	}

	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fatalf("config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)
	cfg.MetricsAddr = ""
	cfg.Uplink.Enabled = false
	cfg.Link.AutoConnect = false

	s := buildStack(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	if err := s.start(ctx); err != nil {
		fatalf("start: %v", err)
	}
	defer s.stop()

	if err := s.link.Connect(portArgs(*port)...); err != nil {
		fatalf("connect: %v", err)
	}
	if err := s.link.Await(ctx, link.Connected); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			fatalf("device not reachable within %s: %s", *wait, s.link.Status().LastError)
		}
		fatalf("connect: %v", err)
	}

	res := s.link.IssueCommand(text)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if !res.Accepted {
		s.stop()
		os.Exit(1)
	}
}

func runTray() {
	cfg, logger, closeFn := loadRuntime()
	defer closeFn()

	s := buildStack(cfg, logger)

	// The tray must see the first CONNECTING transition of an auto-connect.
	t := tray.New(s.link, logging.Component(logger, "tray"), s.services...)

	if err := s.link.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("start failed")
	}
	defer s.link.Stop()

	t.Run()
}

func loadRuntime() (*config.Config, zerolog.Logger, func()) {
	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fatalf("config: %v", err)
	}

	logger, closeFn, err := logging.NewFile(cfg.LogLevel, config.LogDir())
	if err != nil {
		fatalf("logger: %v", err)
	}

	logger.Info().Str("version", version.Version).Str("config", config.Path()).Msg("starting")

	return cfg, logger, closeFn
}

func portArgs(port string) []string {
	if port = strings.TrimSpace(port); port == "" {
		return nil
	}
	return []string{port}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
