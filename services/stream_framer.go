package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Stream frame types. One frame per line, `data: ` prefixed, matching SSE
// conventions. chunk frames carry the CUMULATIVE text so far; the client
// replaces, it does not append.
const (
	FrameSession  = "session"
	FrameChunk    = "chunk"
	FrameComplete = "complete"
	FrameError    = "error"
)

// CompletePayload is the body of the terminal complete frame.
type CompletePayload struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
	UserLevel  string `json:"user_level,omitempty"`
}

type streamFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Data      *CompletePayload `json:"data,omitempty"`
	Error     interface{}      `json:"error,omitempty"`
}

// Framer encodes orchestrator progress as typed wire frames. The chat API
// hands the orchestrator a StreamFramer; tests hand it a recorder.
type Framer interface {
	WriteSession(sessionID string) error
	WriteChunk(cumulative string) error
	WriteComplete(payload CompletePayload) error
	WriteError(payload interface{}) error
	WriteDone() error
}

// StreamFramer writes frames to an io.Writer, flushing after every frame
// when the writer supports it so the client sees progress immediately.
type StreamFramer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewStreamFramer creates a framer over w. When w is an http.ResponseWriter
// that supports flushing, each frame is flushed as it is written.
func NewStreamFramer(w io.Writer) *StreamFramer {
	f := &StreamFramer{w: w}
	if flusher, ok := w.(http.Flusher); ok {
		f.flusher = flusher
	}
	return f
}

func (f *StreamFramer) writeFrame(frame streamFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode stream frame: %w", err)
	}
	if _, err := fmt.Fprintf(f.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write stream frame: %w", err)
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}

// WriteSession announces the resolved session id.
func (f *StreamFramer) WriteSession(sessionID string) error {
	return f.writeFrame(streamFrame{Type: FrameSession, SessionID: sessionID})
}

// WriteChunk sends the cumulative reply text accumulated so far.
func (f *StreamFramer) WriteChunk(cumulative string) error {
	return f.writeFrame(streamFrame{Type: FrameChunk, Content: cumulative})
}

// WriteComplete sends the terminal success frame.
func (f *StreamFramer) WriteComplete(payload CompletePayload) error {
	return f.writeFrame(streamFrame{Type: FrameComplete, Data: &payload})
}

// WriteError sends an error frame. payload may be a plain string or a
// structured rejection such as *AdmissionError.
func (f *StreamFramer) WriteError(payload interface{}) error {
	return f.writeFrame(streamFrame{Type: FrameError, Error: payload})
}

// WriteDone emits the stream-end sentinel. It is not JSON on purpose;
// parsers skip it.
func (f *StreamFramer) WriteDone() error {
	if _, err := io.WriteString(f.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("failed to write stream terminator: %w", err)
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}
