package client

import (
	"encoding/json"
	"strings"
)

// Event types emitted by the chat stream.
const (
	EventSession  = "session"
	EventChunk    = "chunk"
	EventComplete = "complete"
	EventError    = "error"
)

// CompleteData is the body of the terminal complete event.
type CompleteData struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
	UserLevel  string `json:"user_level,omitempty"`
}

// Event is one decoded frame from a chat stream. Content on chunk events is
// the cumulative reply text; consumers replace their buffer, they do not
// append.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Data      *CompleteData   `json:"data,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// StreamParser incrementally decodes `data: {json}` lines from a chat
// stream. Transports deliver bytes at arbitrary boundaries, so the parser
// buffers until a full line arrives; a frame split mid-byte decodes to the
// same events as one delivered whole.
type StreamParser struct {
	buf strings.Builder
}

func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes the next transport chunk and returns every event completed
// by it, in order. Blank lines, the [DONE] sentinel, lines without the
// `data: ` prefix, malformed JSON and unknown event types are all skipped.
func (p *StreamParser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)

	buffered := p.buf.String()
	lastNewline := strings.LastIndexByte(buffered, '\n')
	if lastNewline < 0 {
		return nil
	}
	complete := buffered[:lastNewline]
	p.buf.Reset()
	p.buf.WriteString(buffered[lastNewline+1:])

	var events []Event
	for _, line := range strings.Split(complete, "\n") {
		if event, ok := parseLine(line); ok {
			events = append(events, event)
		}
	}
	return events
}

func parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Event{}, false
	}
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return Event{}, false
	}
	if payload == "[DONE]" {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, false
	}
	switch event.Type {
	case EventSession, EventChunk, EventComplete, EventError:
		return event, true
	default:
		return Event{}, false
	}
}
