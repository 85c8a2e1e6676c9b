package session

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

// State is the lifecycle state of an execution.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Execution kinds, used as a metrics label.
const (
	KindShell      = "shell"
	KindBuiltin    = "builtin"
	KindPrivileged = "privileged"
	KindRemote     = "remote"
)

// Info is the public representation of a session.
type Info struct {
	ID          id.SessionID   `json:"id"`
	Label       string         `json:"label,omitempty"`
	Directory   string         `json:"directory"`
	CreatedAt   time.Time      `json:"created_at"`
	InputMode   privilege.Mode `json:"input_mode"`
	Active      *ExecutionInfo `json:"active,omitempty"`
	Remote      *RemoteInfo    `json:"remote,omitempty"`
	Subscribers int            `json:"subscribers"`
	HistorySize int            `json:"history_size"`
}

// RemoteInfo describes the ssh shell a session forwards commands to.
type RemoteInfo struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	Target      string         `json:"target"`
	Directory   string         `json:"directory"`
	ConnectedAt time.Time      `json:"connected_at"`
}

// ExecutionInfo is the public representation of an execution.
type ExecutionInfo struct {
	ID        id.ExecutionID `json:"id"`
	Command   string         `json:"command"`
	Kind      string         `json:"kind"`
	State     State          `json:"state"`
	StartedAt time.Time      `json:"started_at"`
	// Pid is the process id of the running command, zero before spawn.
	Pid int `json:"pid,omitempty"`
}

// HistoryEntry records one finished or running command.
type HistoryEntry struct {
	ExecutionID id.ExecutionID     `json:"execution_id"`
	Command     string             `json:"command"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at,omitempty"`
	Output      []stream.Line      `json:"output"`
	Truncated   bool               `json:"truncated,omitempty"`
	Status      *stream.Completion `json:"status,omitempty"`
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// Directory is the initial working directory. Empty selects home.
	Directory string
	Label     string
}

// Options configures a Store.
type Options struct {
	Shell            string
	Term             string
	FallbackPath     string
	ElevationKeyword string
	GraceWindow      time.Duration
	KillWait         time.Duration
	DrainTimeout     time.Duration
	MaxLineBytes     int
	TTY              bool

	MaxSessions  int
	HistoryLimit int
	OutputLimit  int
	RecallLimit  int

	// QueueLimit bounds each subscriber's backlog. Zero selects the bus
	// default.
	QueueLimit int
	// Home overrides the invoking user's home directory.
	Home string

	// DisableSSH runs ssh command lines as ordinary local commands.
	DisableSSH bool
	// KnownHostsFile records remote host keys. Empty selects
	// ~/.ssh/known_hosts.
	KnownHostsFile string
	SSHTimeout     time.Duration
}

// Recorder receives execution metrics.
type Recorder interface {
	SetSessionsActive(count int)
	RecordExecution(kind, outcome string, duration time.Duration)
	RecordEscalation()
	RecordSuggestion()
	RecordBranchProbe(result string)
}

type nopRecorder struct{}

func (nopRecorder) SetSessionsActive(int)                         {}
func (nopRecorder) RecordExecution(string, string, time.Duration) {}
func (nopRecorder) RecordEscalation()                             {}
func (nopRecorder) RecordSuggestion()                             {}
func (nopRecorder) RecordBranchProbe(string)                      {}
