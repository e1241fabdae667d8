package schema

import "encoding/json"

// TerminalOutputEvent carries bytes read from a session PTY.
type TerminalOutputEvent struct {
	SessionID SessionID `json:"sessionId"`
	Data      []byte    `json:"data"`
	// Offset is the buffer length before Data was appended.
	Offset int `json:"offset"`
}

// TerminalExitEvent reports that a session shell exited.
type TerminalExitEvent struct {
	SessionID SessionID `json:"sessionId"`
	ExitCode  int       `json:"exitCode"`
	Error     string    `json:"error,omitempty"`
}

// NotificationEvent carries an unsolicited worker message.
type NotificationEvent struct {
	Method  string          `json:"method,omitempty"`
	Message json.RawMessage `json:"message"`
}

// StateChangedEvent reports that a persisted state key was written.
type StateChangedEvent struct {
	Key string `json:"key"`
}
