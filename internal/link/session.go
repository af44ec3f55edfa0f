package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NowakAdmin/SerialLink/internal/frame"
	"github.com/NowakAdmin/SerialLink/internal/locator"
	"github.com/NowakAdmin/SerialLink/internal/serialport"
)

// Session owns one open port. It is created when a connect attempt
// succeeds and is never reused after teardown.
type Session struct {
	ID        string
	Port      string
	BaudRate  int
	Opened    time.Time
	Candidate locator.Candidate

	port   serialport.Port
	framer *frame.Framer

	// guarded by Supervisor.mu. The watchdog only looks at lastFrame.
	lastFrame time.Time
	lastWrite time.Time

	// pace spaces successive command writes; ctx ends with the session.
	pace   *rate.Limiter
	ctx    context.Context
	cancel context.CancelFunc

	done       chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
}

// SessionInfo is a read-only view of the live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Port         string    `json:"port"`
	BaudRate     int       `json:"baud_rate"`
	Opened       time.Time `json:"opened"`
	LastActivity time.Time `json:"last_activity"`
	LastFrame    time.Time `json:"last_frame"`
	LastWrite    time.Time `json:"last_write,omitempty"`
	Score        int       `json:"score"`
	Methods      []string  `json:"methods,omitempty"`
}

func newSession(c locator.Candidate, port serialport.Port, baud int, spacing time.Duration, framer *frame.Framer, now time.Time) *Session {
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ID:           uuid.NewString(),
		Port:         c.Path,
		BaudRate:     baud,
		Opened:       now,
		Candidate:    c,
		port:         port,
		framer:       framer,
		lastFrame:    now,
		pace:         rate.NewLimiter(limit, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
}

func (s *Session) lastActivity() time.Time {
	if s.lastWrite.After(s.lastFrame) {
		return s.lastWrite
	}
	return s.lastFrame
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		Port:         s.Port,
		BaudRate:     s.BaudRate,
		Opened:       s.Opened,
		LastActivity: s.lastActivity(),
		LastFrame:    s.lastFrame,
		LastWrite:    s.lastWrite,
		Score:        s.Candidate.Score,
		Methods:      append([]string(nil), s.Candidate.Methods...),
	}
}

// close revokes the session and closes the port, which unblocks any read or
// write in flight.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.port.Close()
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitTurn blocks until the next command may be written. It fails once the
// session is closed.
func (s *Session) waitTurn() error {
	if err := s.pace.Wait(s.ctx); err != nil {
		return serialport.ErrClosed
	}
	return nil
}

// write sends line and drains it within timeout. On timeout the write may
// still be pending in the background until the port is closed.
func (s *Session) write(line string, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() {
		if _, err := s.port.Write([]byte(line)); err != nil {
			result <- err
			return
		}
		result <- s.port.Drain()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("write did not complete within %s", timeout)
	case <-s.done:
		return serialport.ErrClosed
	}
}
