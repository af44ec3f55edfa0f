// Package serialporttest provides an in-memory serial port for tests.
package serialporttest

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/NowakAdmin/SerialLink/internal/serialport"
)

// Port is a fake serialport.Port. Bytes pushed with Feed come out of Read;
// everything written is recorded and optionally handed to OnWrite.
type Port struct {
	Path string

	// OnWrite, when set, is called with every write after it is recorded.
	OnWrite func(p *Port, data []byte)
	// WriteErr and ReadErr, when set, are returned by Write and Read.
	WriteErr error
	ReadErr  error
	// WriteDelay makes every write block this long.
	WriteDelay time.Duration

	mu          sync.Mutex
	readTimeout time.Duration
	pending     []byte
	written     bytes.Buffer
	writes      []string
	incoming    chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	drains      int
	resets      int
}

func New(path string) *Port {
	return &Port{
		Path:        path,
		readTimeout: 20 * time.Millisecond,
		incoming:    make(chan []byte, 256),
		closed:      make(chan struct{}),
	}
}

// Feed queues data for Read.
func (p *Port) Feed(data string) {
	select {
	case <-p.closed:
	case p.incoming <- []byte(data):
	}
}

func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if err := p.ReadErr; err != nil {
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.readTimeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.closed:
		return 0, serialport.ErrClosed
	case data := <-p.incoming:
		p.mu.Lock()
		defer p.mu.Unlock()
		n := copy(buf, data)
		p.pending = append(p.pending, data[n:]...)
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

func (p *Port) Write(data []byte) (int, error) {
	if p.WriteDelay > 0 {
		select {
		case <-time.After(p.WriteDelay):
		case <-p.closed:
			return 0, serialport.ErrClosed
		}
	}

	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return 0, serialport.ErrClosed
	}
	if p.WriteErr != nil {
		err := p.WriteErr
		p.mu.Unlock()
		return 0, err
	}
	p.written.Write(data)
	p.writes = append(p.writes, string(data))
	onWrite := p.OnWrite
	p.mu.Unlock()

	if onWrite != nil {
		onWrite(p, data)
	}

	return len(data), nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t <= 0 {
		t = time.Hour
	}
	p.readTimeout = t
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.pending = nil
	for {
		select {
		case <-p.incoming:
		default:
			return nil
		}
	}
}

func (p *Port) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return serialport.ErrClosed
	}
	p.drains++
	return nil
}

func (p *Port) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *Port) Closed() bool {
	return p.isClosed()
}

// Writes returns every write in order.
func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Written returns all written bytes as one string.
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *Port) Drains() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drains
}

// Resets counts ResetInputBuffer calls.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// SetWriteErr changes the error returned by later writes.
func (p *Port) SetWriteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteErr = err
}

// SetReadErr changes the error returned by later reads.
func (p *Port) SetReadErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadErr = err
}

func (p *Port) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Bus hands out fake ports by path and records every open.
type Bus struct {
	mu      sync.Mutex
	ports   map[string]*Port
	opens   []string
	OpenErr map[string]error
	// Factory, when set, builds a fresh port on every open of an unknown
	// path instead of failing.
	Factory func(path string) *Port
}

var ErrNoSuchPort = errors.New("no such port")

func NewBus() *Bus {
	return &Bus{
		ports:   make(map[string]*Port),
		OpenErr: make(map[string]error),
	}
}

// Add registers port under its path.
func (b *Bus) Add(port *Port) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[port.Path] = port
	return port
}

// Open implements serialport.Opener. A closed registered port is replaced
// by a fresh one sharing its OnWrite hook, like a device re-enumerating.
func (b *Bus) Open(path string, _ int) (serialport.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opens = append(b.opens, path)
	if err := b.OpenErr[path]; err != nil {
		return nil, err
	}

	port, ok := b.ports[path]
	if !ok {
		if b.Factory == nil {
			return nil, ErrNoSuchPort
		}
		port = b.Factory(path)
		b.ports[path] = port
		return port, nil
	}

	if port.Closed() {
		fresh := New(path)
		fresh.OnWrite = port.OnWrite
		b.ports[path] = fresh
		port = fresh
	}

	return port, nil
}

// Port returns the current port registered for path.
func (b *Bus) Port(path string) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ports[path]
}

func (b *Bus) Opens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opens...)
}
