package locator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/NowakAdmin/SerialLink/internal/linkerr"
)

const maxHandshakeBuffer = 4096

// Handshake opens path, waits for the board to settle after the reset the
// open triggers, then writes each probe and scans whatever comes back for a
// marker. The probe handle is always closed before returning. The whole
// exchange is bounded by SettleDelay plus HandshakeTimeout; a port that
// blocks is closed underneath the blocked call when the budget runs out.
func (l *Locator) Handshake(ctx context.Context, path string) error {
	started := l.now()
	err := l.handshake(ctx, path)

	outcome := "ok"
	if err != nil {
		outcome = linkerr.KindOf(err).String()
	}
	l.metrics.ObserveHandshake(outcome, l.now().Sub(started))

	return err
}

func (l *Locator) handshake(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.SettleDelay+l.cfg.HandshakeTimeout)
	defer cancel()

	port, err := l.open(path, l.cfg.BaudRate)
	if err != nil {
		return linkerr.New(linkerr.KindHandshakeTimeout, "open", path, err)
	}

	var closeOnce sync.Once
	closePort := func() {
		closeOnce.Do(func() { _ = port.Close() })
	}
	defer closePort()

	stop := context.AfterFunc(ctx, closePort)
	defer stop()

	_ = port.SetReadTimeout(l.cfg.ReadTimeout)

	if l.cfg.SettleDelay > 0 {
		timer := time.NewTimer(l.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return linkerr.New(linkerr.KindHandshakeTimeout, "settle", path, ctx.Err())
		case <-timer.C:
		}
	}

	perProbe := l.cfg.HandshakeTimeout / time.Duration(len(l.cfg.Probes))
	buf := make([]byte, 256)
	var seen strings.Builder

	for i, probe := range l.cfg.Probes {
		if _, err := port.Write([]byte(probe + "\n")); err != nil {
			return l.ioError(ctx, linkerr.KindWriteFailed, "probe", path, err)
		}
		_ = port.Drain()

		deadline := l.now().Add(perProbe)
		if i == len(l.cfg.Probes)-1 {
			if d, ok := ctx.Deadline(); ok {
				deadline = d
			}
		}

		for l.now().Before(deadline) {
			if ctx.Err() != nil {
				return linkerr.New(linkerr.KindHandshakeTimeout, "handshake", path, ctx.Err())
			}

			n, err := port.Read(buf)
			if err != nil {
				return l.ioError(ctx, linkerr.KindReadFailed, "probe", path, err)
			}
			if n == 0 {
				continue
			}

			seen.Write(buf[:n])
			if marker, ok := findMarker(seen.String(), l.cfg.Markers); ok {
				l.logger.Info().Str("port", path).Str("marker", marker).Msg("handshake confirmed")
				return nil
			}

			if seen.Len() > maxHandshakeBuffer {
				tail := seen.String()[seen.Len()-maxHandshakeBuffer/2:]
				seen.Reset()
				seen.WriteString(tail)
			}
		}
	}

	return linkerr.New(linkerr.KindHandshakeTimeout, "handshake", path, nil)
}

// ioError reports an I/O failure as a timeout when it was caused by the
// budget closing the port.
func (l *Locator) ioError(ctx context.Context, kind linkerr.Kind, op, path string, err error) error {
	if ctx.Err() != nil {
		return linkerr.New(linkerr.KindHandshakeTimeout, op, path, errors.Join(ctx.Err(), err))
	}
	return linkerr.New(kind, op, path, err)
}

func findMarker(text string, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return m, true
		}
	}
	return "", false
}
