// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxFrameSize is the maximum allowed size for a single SSE frame (64KB).
const MaxFrameSize = 64 * 1024

// =============================================================================
// EVENT TYPE
// =============================================================================

// Event represents a single server-sent event parsed from a stream.
type Event struct {
	Name  string // from "event:" lines, defaults to "message"
	Data  []byte // from "data:" line(s), joined with newlines
	ID    string // from "id:" lines
	Retry int    // from "retry:" lines, -1 if not set
}

// =============================================================================
// PARSER
// =============================================================================

// Parser reads SSE events from an io.Reader.
type Parser struct {
	reader *bufio.Reader
	done   bool

	// Accumulation state for the frame being built.
	name      string
	dataLines []string
	hasData   bool
	id        string
	retry     int
	size      int
}

// NewParser creates a new SSE parser that reads from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReaderSize(r, 4096),
		retry:  -1,
	}
}

// Next returns the next event from the stream. Returns io.EOF when the
// stream ends; a frame exceeding MaxFrameSize is an error.
func (p *Parser) Next() (Event, error) {
	if p.done {
		return Event{}, io.EOF
	}

	for {
		line, err := p.readLine()
		if err != nil {
			if err == io.EOF {
				p.done = true
				// Dispatch a pending frame before reporting EOF. Servers
				// that drop the connection mid-frame still deliver what
				// was complete.
				if p.hasData {
					evt := p.build()
					p.reset()
					return evt, nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		// A blank line dispatches the accumulated frame.
		if line == "" {
			if !p.hasData {
				continue
			}
			evt := p.build()
			p.reset()
			return evt, nil
		}

		// Comment lines (keep-alives) start with ':'.
		if strings.HasPrefix(line, ":") {
			continue
		}

		p.size += len(line)
		if p.size > MaxFrameSize {
			return Event{}, fmt.Errorf("sse frame too large: %d bytes", p.size)
		}

		field, value := splitField(line)
		p.processField(field, value)
	}
}

// splitField splits an SSE line into field name and value. A single
// leading space in the value is stripped per the EventSource spec.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}

// processField folds a parsed field into the accumulation state.
func (p *Parser) processField(field, value string) {
	switch field {
	case "event":
		p.name = value
	case "data":
		p.dataLines = append(p.dataLines, value)
		p.hasData = true
	case "id":
		p.id = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			p.retry = n
		}
	default:
		// Unknown fields are ignored per the SSE spec.
	}
}

// build constructs an Event from the accumulated state.
func (p *Parser) build() Event {
	name := p.name
	if name == "" {
		name = "message"
	}
	return Event{
		Name:  name,
		Data:  []byte(strings.Join(p.dataLines, "\n")),
		ID:    p.id,
		Retry: p.retry,
	}
}

// reset clears the accumulated state for the next frame.
func (p *Parser) reset() {
	p.name = ""
	p.dataLines = nil
	p.hasData = false
	p.id = ""
	p.retry = -1
	p.size = 0
}

// readLine reads one line, stripping CR, LF, or CRLF terminators.
// bufio.Scanner only handles LF and CRLF natively, so a custom reader is
// used to also treat a standalone CR as a terminator.
func (p *Parser) readLine() (string, error) {
	var line strings.Builder
	for {
		b, err := p.reader.ReadByte()
		if err != nil {
			if err == io.EOF && line.Len() > 0 {
				return line.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return line.String(), nil
		case '\r':
			next, err := p.reader.ReadByte()
			if err == nil && next != '\n' {
				_ = p.reader.UnreadByte()
			}
			return line.String(), nil
		default:
			line.WriteByte(b)
		}
	}
}
