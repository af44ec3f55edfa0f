// Package frame turns the raw byte stream of a serial link into an ordered
// sequence of frames, one per line.
//
// Structured lines carry a sentinel tag followed by a JSON object. The
// peripheral truncates and corrupts those regularly, so each structured line
// goes through Repair before it is given up on. Every line produces exactly
// one Frame regardless of how the transport chunked the bytes.
package frame

import (
	"bytes"
	"sort"
	"strings"
	"time"
)

type Kind int

const (
	KindPayload Kind = iota
	KindParseError
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindParseError:
		return "parse_error"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Frame is immutable once produced.
type Frame struct {
	Seq      uint64
	Kind     Kind
	Payload  map[string]any
	Raw      string
	Reason   string
	Repairs  []string
	Received time.Time
}

func (f Frame) Repaired() bool {
	return len(f.Repairs) > 0
}

const DefaultMaxLineBytes = 8 * 1024

// DefaultSentinels are the prefixes the firmware puts in front of JSON lines.
var DefaultSentinels = []string{"[SEND] -", "[SEND]"}

type Options struct {
	Sentinels    []string
	MaxLineBytes int
	Now          func() time.Time
}

type Framer struct {
	buf       []byte
	sentinels []string
	maxLine   int
	now       func() time.Time
	seq       uint64
}

func New(opts Options) *Framer {
	sentinels := opts.Sentinels
	if len(sentinels) == 0 {
		sentinels = DefaultSentinels
	}

	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Framer{
		sentinels: sortSentinels(sentinels),
		maxLine:   maxLine,
		now:       now,
	}
}

// Feed appends chunk and returns the frames for every line it completed.
// An incomplete trailing fragment is kept for the next call.
func (f *Framer) Feed(chunk []byte) []Frame {
	f.buf = append(f.buf, chunk...)

	var out []Frame
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			if len(f.buf) > f.maxLine {
				out = append(out, f.cut(f.maxLine, false))
				continue
			}
			break
		}

		if idx > f.maxLine {
			out = append(out, f.cut(f.maxLine, false))
			continue
		}

		out = append(out, f.cut(idx, true))
	}

	if len(f.buf) == 0 {
		f.buf = f.buf[:0]
	}

	return out
}

// Flush emits the retained fragment, if any, as a final line.
func (f *Framer) Flush() []Frame {
	if len(f.buf) == 0 {
		return nil
	}

	line := strings.TrimSuffix(string(f.buf), "\r")
	f.buf = nil

	return []Frame{f.classify(line)}
}

func (f *Framer) Reset() {
	f.buf = nil
}

// Pending is the number of buffered bytes not yet terminated by a newline.
func (f *Framer) Pending() int {
	return len(f.buf)
}

func (f *Framer) cut(n int, terminated bool) Frame {
	line := string(f.buf[:n])
	if terminated {
		f.buf = f.buf[n+1:]
		line = strings.TrimSuffix(line, "\r")
	} else {
		f.buf = f.buf[n:]
	}

	return f.classify(line)
}

func (f *Framer) classify(line string) Frame {
	f.seq++
	out := Frame{
		Seq:      f.seq,
		Raw:      line,
		Received: f.now(),
	}

	trimmed := strings.TrimSpace(line)
	if !IsStructured(trimmed, f.sentinels) {
		out.Kind = KindText
		return out
	}

	payload, repairs, err := Repair(trimmed, f.sentinels)
	out.Repairs = repairs
	if err != nil {
		out.Kind = KindParseError
		out.Reason = err.Error()
		return out
	}

	out.Kind = KindPayload
	out.Payload = payload
	return out
}

// IsStructured reports whether line looks like a JSON object, with or
// without a leading sentinel.
func IsStructured(line string, sentinels []string) bool {
	rest := strings.TrimSpace(stripPrefix(line, sentinels))
	return strings.HasPrefix(rest, "{")
}

func sortSentinels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i]) > len(out[j])
	})

	return out
}
