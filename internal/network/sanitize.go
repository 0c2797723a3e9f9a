package network

import (
	"bytes"
	"fmt"
	"io"
)

// escapedNull is the JSON escape for U+0000, which downstream parsers reject.
var escapedNull = []byte(`\u0000`)

// sanitizer strips escaped null markers from a byte stream before it reaches
// w. Raw bytes are never touched, so compressed and binary payloads pass
// through unchanged. A trailing prefix of escapedNull is held back between
// writes so a marker split across chunks is still removed; Flush writes
// whatever is held.
type sanitizer struct {
	w       io.Writer
	pending []byte
	counts  map[string]int
	order   []string
}

func newSanitizer(w io.Writer) *sanitizer {
	return &sanitizer{w: w, counts: make(map[string]int)}
}

func (s *sanitizer) record(code string) {
	if _, ok := s.counts[code]; !ok {
		s.order = append(s.order, code)
	}
	s.counts[code]++
}

// Write implements io.Writer. The returned count is len(p) on success even
// when bytes were removed.
func (s *sanitizer) Write(p []byte) (int, error) {
	buf := p
	if len(s.pending) > 0 {
		buf = append(s.pending, p...)
		s.pending = nil
	}

	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); {
		j := bytes.IndexByte(buf[i:], '\\')
		if j < 0 {
			out = append(out, buf[i:]...)
			break
		}
		out = append(out, buf[i:i+j]...)
		i += j
		rest := buf[i:]
		if bytes.HasPrefix(rest, escapedNull) {
			s.record(string(escapedNull))
			i += len(escapedNull)
			continue
		}
		if len(rest) < len(escapedNull) && bytes.HasPrefix(escapedNull, rest) {
			s.pending = append([]byte(nil), rest...)
			break
		}
		out = append(out, '\\')
		i++
	}

	if len(out) > 0 {
		if _, err := s.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes any held-back bytes.
func (s *sanitizer) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	_, err := s.w.Write(s.pending)
	s.pending = nil
	return err
}

// Warnings returns one message per distinct code removed, in first-seen order.
func (s *sanitizer) Warnings() []string {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, fmt.Sprintf("removed disallowed control code %s (%d occurrences)", code, s.counts[code]))
	}
	return out
}

// Sanitize copies r to w with escaped null markers removed and returns the warnings.
func Sanitize(w io.Writer, r io.Reader) ([]string, error) {
	s := newSanitizer(w)
	if _, err := io.Copy(s, r); err != nil {
		return nil, err
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return s.Warnings(), nil
}
