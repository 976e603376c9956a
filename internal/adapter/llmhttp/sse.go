// Package llmhttp holds the HTTP plumbing shared by the vendor adapters:
// request dispatch, error decoding, Server-Sent Events parsing, and the
// accumulating chunk stream.
package llmhttp

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	Type string // "event:" field; empty for the default type
	Data string // "data:" lines joined by newlines
}

// SSEScanner reads Server-Sent Events. Events end at a blank line; comment
// lines and unknown fields are skipped.
type SSEScanner struct {
	r   *bufio.Reader
	cur SSEEvent
	err error
}

// NewSSEScanner creates a scanner over r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of input or on a
// read error; Err tells the two apart.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.cur = SSEEvent{}

	var (
		data    []string
		typ     string
		hasData bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if errors.Is(err, io.EOF) && hasData {
				s.cur = SSEEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.cur = SSEEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			typ = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			typ = value
		}

		if err != nil {
			// Final line without a trailing newline.
			s.err = err
			if hasData {
				s.cur = SSEEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *SSEScanner) Event() SSEEvent {
	return s.cur
}

// Err returns the read error that stopped the scanner, or nil at clean EOF.
func (s *SSEScanner) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}
