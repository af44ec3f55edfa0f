package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Names of the repair steps, in the order they are tried.
const (
	StepNonFinite     = "non_finite"
	StepTrailingComma = "trailing_comma"
	StepBalance       = "balance"
	StepTruncate      = "truncate"
)

var errNotObject = errors.New("payload is not a JSON object")

var nonFiniteTokens = map[string]bool{
	"nan":      true,
	"inf":      true,
	"infinity": true,
	"ovf":      true,
}

type repairStep struct {
	name  string
	apply func(string) string
}

// Repair decodes a structured line into a JSON object. A leading sentinel
// is framing, not a defect: it is removed before anything else and never
// reported. Strict decoding of the body is tried first; only if it fails
// are the repair steps applied one by one, re-decoding after each. The
// names of the steps that changed the text are returned alongside the
// payload. A valid line comes back unchanged with no steps applied.
func Repair(line string, sentinels []string) (map[string]any, []string, error) {
	text := strings.TrimSpace(stripPrefix(strings.TrimSpace(line), sentinels))

	payload, strictErr := decode(text)
	if strictErr == nil {
		return payload, nil, nil
	}

	steps := []repairStep{
		{StepNonFinite, replaceNonFinite},
		{StepTrailingComma, dropTrailingCommas},
	}

	var applied []string
	lastErr := strictErr
	for _, step := range steps {
		next := step.apply(text)
		if next == text {
			continue
		}

		text = next
		applied = append(applied, step.name)
		payload, err := decode(text)
		if err == nil {
			return payload, applied, nil
		}
		lastErr = err
	}

	if balanced := balance(text); balanced != text {
		payload, err := decode(balanced)
		if err == nil {
			return payload, append(applied, StepBalance), nil
		}
		lastErr = err
	}

	if payload, ok := truncateToComplete(text); ok {
		return payload, append(applied, StepTruncate), nil
	}

	return nil, applied, fmt.Errorf("unrepairable line: %w", lastErr)
}

func decode(text string) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errNotObject
	}
	return payload, nil
}

func stripPrefix(s string, sentinels []string) string {
	best := ""
	for _, sentinel := range sentinels {
		if sentinel != "" && strings.HasPrefix(s, sentinel) && len(sentinel) > len(best) {
			best = sentinel
		}
	}
	return strings.TrimPrefix(s, best)
}

func replaceNonFinite(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); {
		c := s[i]

		if inString {
			b.WriteByte(c)
			i++
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			b.WriteByte(c)
			i++
			continue
		}

		if c == '-' || isLetter(c) {
			start := i
			if c == '-' {
				start++
			}
			end := start
			for end < len(s) && isLetter(s[end]) {
				end++
			}

			if end > start && nonFiniteTokens[strings.ToLower(s[start:end])] {
				b.WriteString("null")
				i = end
				continue
			}

			if end <= i {
				end = i + 1
			}
			b.WriteString(s[i:end])
			i = end
			continue
		}

		b.WriteByte(c)
		i++
	}

	return b.String()
}

func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case ',':
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}

		b.WriteByte(c)
	}

	return b.String()
}

// balance appends the closers for every scope still open at the end of s.
func balance(s string) string {
	var stack []byte

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 {
		return s
	}

	return s + closers(stack)
}

type cutPoint struct {
	end     int
	closers string
}

// truncateToComplete drops everything after the last complete nested
// element and closes the scopes that were open at that point.
func truncateToComplete(s string) (map[string]any, bool) {
	cuts := completeCuts(s)
	for i := len(cuts) - 1; i >= 0; i-- {
		candidate := s[:cuts[i].end] + cuts[i].closers
		if payload, err := decode(candidate); err == nil {
			return payload, true
		}
	}
	return nil, false
}

func completeCuts(s string) []cutPoint {
	var (
		stack     []byte
		expectKey []bool
		cuts      []cutPoint
	)

	markValue := func(end int) {
		cuts = append(cuts, cutPoint{end: end, closers: closers(stack)})
	}
	inObject := func() bool {
		return len(stack) > 0 && stack[len(stack)-1] == '}'
	}

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c):
			i++
		case c == '{':
			stack = append(stack, '}')
			expectKey = append(expectKey, true)
			i++
		case c == '[':
			stack = append(stack, ']')
			expectKey = append(expectKey, false)
			i++
		case c == '}' || c == ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return cuts
			}
			stack = stack[:len(stack)-1]
			expectKey = expectKey[:len(expectKey)-1]
			i++
			markValue(i)
		case c == ',':
			if inObject() {
				expectKey[len(expectKey)-1] = true
			}
			i++
		case c == ':':
			if inObject() {
				expectKey[len(expectKey)-1] = false
			}
			i++
		case c == '"':
			end, ok := scanString(s, i)
			if !ok {
				return cuts
			}
			i = end
			if inObject() && expectKey[len(expectKey)-1] {
				expectKey[len(expectKey)-1] = false
				continue
			}
			markValue(i)
		default:
			end := i
			for end < len(s) && !isDelimiter(s[end]) {
				end++
			}
			// A scalar running into the end of input may itself be cut short.
			if end == len(s) {
				return cuts
			}
			i = end
			markValue(i)
		}
	}

	return cuts
}

// scanString returns the offset just past the closing quote of the string
// starting at s[start].
func scanString(s string, start int) (int, bool) {
	escaped := false
	for i := start + 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return i + 1, true
		}
	}
	return 0, false
}

func closers(stack []byte) string {
	if len(stack) == 0 {
		return ""
	}
	out := make([]byte, len(stack))
	for i := range stack {
		out[i] = stack[len(stack)-1-i]
	}
	return string(out)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDelimiter(c byte) bool {
	return c == ',' || c == '}' || c == ']' || c == ':' || isSpace(c)
}
