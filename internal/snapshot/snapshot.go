// Package snapshot keeps the latest known value of every sensor field.
package snapshot

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Reading is one sensor field. Timestamp is the device clock as reported in
// the payload; Received is the host time the line arrived.
type Reading struct {
	Value     any       `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp float64   `json:"timestamp"`
	Received  time.Time `json:"received"`
}

// Snapshot maps "<sensor>.<field>" to its latest Reading. Values returned by
// Store are copies and can be kept or modified freely.
type Snapshot struct {
	Fields  map[string]Reading `json:"fields"`
	Updated time.Time          `json:"updated"`
	Seq     uint64             `json:"seq"`
}

func (s Snapshot) Get(path string) (Reading, bool) {
	r, ok := s.Fields[path]
	return r, ok
}

// Paths lists the field paths in lexical order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Fields))
	for p := range s.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Fields:  make(map[string]Reading, len(s.Fields)),
		Updated: s.Updated,
		Seq:     s.Seq,
	}
	for k, r := range s.Fields {
		r.Value = cloneValue(r.Value)
		out.Fields[k] = r
	}
	return out
}

// Store is safe for concurrent use. Merges are serialized; readers never
// block and always see a whole merge or none of it.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&Snapshot{Fields: map[string]Reading{}})
	return s
}

// Latest returns a deep copy of the current snapshot.
func (s *Store) Latest() Snapshot {
	return s.cur.Load().Clone()
}

// Merge applies the sensors map of payload field by field and returns the
// resulting snapshot with the number of fields written. Fields the payload
// does not mention are kept. A field without its own timestamp takes the
// top-level "t" or "timestamp" of the payload.
//
// Older firmware sends one sensor per line as
// {"name":"BATTERY","value":[{"type":"voltage","value":12.1,"unit":"V"}]};
// each entry lands under "<name>.<type>".
func (s *Store) Merge(payload map[string]any, received time.Time) (Snapshot, int) {
	sensors := sensorsOf(payload)
	if len(sensors) == 0 {
		return s.Latest(), 0
	}

	fallback, _ := number(payload["t"])
	if ts, ok := number(payload["timestamp"]); ok {
		fallback = ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	next := &Snapshot{
		Fields:  make(map[string]Reading, len(prev.Fields)+len(sensors)),
		Updated: prev.Updated,
		Seq:     prev.Seq,
	}
	for k, r := range prev.Fields {
		next.Fields[k] = r
	}

	written := 0
	for name, raw := range sensors {
		fields, ok := raw.(map[string]any)
		if !ok {
			next.Fields[name] = reading(raw, fallback, received)
			written++
			continue
		}
		for field, value := range fields {
			next.Fields[name+"."+field] = reading(value, fallback, received)
			written++
		}
	}

	if written == 0 {
		return prev.Clone(), 0
	}

	next.Seq++
	if received.After(next.Updated) {
		next.Updated = received
	}

	s.cur.Store(next)

	return next.Clone(), written
}

func sensorsOf(payload map[string]any) map[string]any {
	if sensors, ok := payload["sensors"].(map[string]any); ok {
		return sensors
	}

	name, _ := payload["name"].(string)
	entries, _ := payload["value"].([]any)
	if name == "" || len(entries) == 0 {
		return nil
	}

	fields := make(map[string]any, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := entry["type"].(string)
		if kind == "" {
			kind = "value"
		}
		field := map[string]any{"value": entry["value"]}
		if unit, ok := entry["unit"]; ok {
			field["unit"] = unit
		}
		if ts, ok := entry["timestamp"]; ok {
			field["timestamp"] = ts
		}
		fields[kind] = field
	}
	if len(fields) == 0 {
		return nil
	}

	return map[string]any{name: fields}
}

func reading(raw any, fallback float64, received time.Time) Reading {
	r := Reading{Timestamp: fallback, Received: received}

	obj, ok := raw.(map[string]any)
	if !ok {
		r.Value = cloneValue(raw)
		return r
	}

	if _, has := obj["value"]; !has {
		r.Value = cloneValue(obj)
		return r
	}

	r.Value = cloneValue(obj["value"])
	if unit, ok := obj["unit"].(string); ok {
		r.Unit = unit
	}
	if ts, ok := number(obj["timestamp"]); ok {
		r.Timestamp = ts
	}

	return r
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
