package stream

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

// Kind categorises an event. The string values double as WebSocket frame
// types.
type Kind string

const (
	KindOutput Kind = "command_output"
	KindError  Kind = "command_error"
	KindEnd    Kind = "command_end"

	// Remote shell lifecycle. They carry the execution id of the ssh
	// command that owns the connection.
	KindRemotePassword Kind = "ssh_pre_exec_password_request"
	KindRemoteStarted  Kind = "ssh_session_started"
	KindForwarded      Kind = "command_forwarded_to_ssh"
	KindRemoteEnded    Kind = "ssh_session_ended"
)

// Tag identifies the stream a line came from.
type Tag string

const (
	Stdout Tag = "stdout"
	Stderr Tag = "stderr"
	// Stdin marks commands forwarded to a remote shell in history.
	Stdin Tag = "stdin"
)

// Outcome is the terminal state of an execution.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

const (
	MessageSuccess = "Command completed successfully."
	MessageFailure = "Command failed."
)

// Line is one line of captured output.
type Line struct {
	Stream Tag    `json:"stream"`
	Text   string `json:"text"`
}

// Completion is the payload of the single end event of an execution.
type Completion struct {
	Success  bool          `json:"success"`
	Outcome  Outcome       `json:"outcome"`
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration_ns"`
	// Directory is the session's working directory after the execution.
	Directory string `json:"directory,omitempty"`
}

// Succeeded builds a successful completion with the standard message.
func Succeeded() *Completion {
	return &Completion{Success: true, Outcome: OutcomeSuccess, Message: MessageSuccess}
}

// Failed builds a failed completion. An empty detail yields the standard
// message.
func Failed(exitCode int, detail string) *Completion {
	msg := MessageFailure
	if detail != "" {
		msg = MessageFailure + " " + detail
	}
	return &Completion{Outcome: OutcomeFailure, ExitCode: exitCode, Message: msg}
}

// Cancelled builds a cancelled completion.
func Cancelled(detail string) *Completion {
	msg := "Command cancelled."
	if detail != "" {
		msg = "Command cancelled: " + detail
	}
	return &Completion{Outcome: OutcomeCancelled, ExitCode: -1, Message: msg}
}

// Event is a single notification delivered to subscribers of a session.
type Event struct {
	Kind        Kind           `json:"type"`
	SessionID   id.SessionID   `json:"session_id"`
	ExecutionID id.ExecutionID `json:"execution_id"`
	Seq         uint64         `json:"seq"`
	Line        string         `json:"line,omitempty"`
	Stream      Tag            `json:"stream,omitempty"`
	Status      *Completion    `json:"status,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// IsTerminal reports whether e is the end event of its execution.
func (e Event) IsTerminal() bool {
	return e.Kind == KindEnd
}
