// Package serialport wraps go.bug.st/serial behind the small surface the
// locator and the link supervisor need, so both can run against fakes.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open serial handle. Read returns (0, nil) when the read
// timeout expires without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Drain() error
}

// Opener opens path at the given baud rate.
type Opener func(path string, baud int) (Port, error)

// Details describes an enumerated port.
type Details struct {
	Path         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
	// Manufacturer is only known where the OS exposes it (the Windows
	// device registry); elsewhere it is empty.
	Manufacturer string
}

// Enumerator lists the ports present on the host.
type Enumerator func() ([]Details, error)

// Open is the default Opener: 8N1 at baud.
func Open(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return port, nil
}

// Enumerate is the default Enumerator. USB details come from the OS; when
// detailed listing is unavailable it falls back to bare port names.
func Enumerate() ([]Details, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]Details, 0, len(detailed))
		for _, p := range detailed {
			out = append(out, Details{
				Path:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          strings.ToUpper(p.VID),
				PID:          strings.ToUpper(p.PID),
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
				Manufacturer: manufacturer(p.VID, p.PID, p.SerialNumber),
			})
		}
		return out, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, errors.Join(err, listErr)
	}

	out := make([]Details, 0, len(names))
	for _, name := range names {
		out = append(out, Details{Path: name})
	}

	return out, nil
}

// mfgName extracts the display name from a device "Mfg" registry value,
// which may be an indirect string such as "@oem12.inf,%ftdi%;FTDI".
func mfgName(raw string) string {
	if i := strings.LastIndex(raw, ";"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSpace(raw)
}

// IsClosed reports whether err means the handle was closed underneath the
// caller, which is the expected way a torn down session's reader exits.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrClosed) {
		return true
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PortClosed
	}

	return false
}

var ErrClosed = errors.New("serial port closed")
