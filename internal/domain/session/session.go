package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/remote"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/supervisor"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

// Session is one terminal tab: a working directory, a history, and at most
// one active execution. All fields behind mu are owned by the Store.
type Session struct {
	id        id.SessionID
	label     string
	createdAt time.Time
	bus       *stream.Bus
	mediator  *privilege.Mediator

	mu      sync.Mutex
	dir     string
	prevDir string
	env     []string
	history []*HistoryEntry
	recall  []string
	active  *execution
	remote  *remoteState
	closed  bool
}

// execution is the store-side record of one command. Fields are guarded by
// the owning session's mutex.
type execution struct {
	id        id.ExecutionID
	command   string
	kind      string
	startedAt time.Time
	entry     *HistoryEntry

	state           State
	cancelRequested bool
	ended           bool
	capturedDir     string
	handle          *supervisor.Handle

	// Set for KindRemote only.
	target   remote.Target
	shell    *remote.Shell
	stopDial context.CancelFunc
}

func (e *execution) info() *ExecutionInfo {
	info := &ExecutionInfo{
		ID:        e.id,
		Command:   e.command,
		Kind:      e.kind,
		State:     e.state,
		StartedAt: e.startedAt,
	}
	if e.handle != nil {
		info.Pid = e.handle.Pid()
	}
	return info
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:          s.id,
		Label:       s.label,
		Directory:   s.dir,
		CreatedAt:   s.createdAt,
		InputMode:   s.mediator.Mode(),
		Subscribers: s.bus.Subscribers(),
		HistorySize: len(s.history),
	}
	if s.active != nil {
		info.Active = s.active.info()
	}
	if rs := s.remote; rs != nil {
		info.Remote = &RemoteInfo{
			ExecutionID: rs.exec.id,
			Target:      rs.target.String(),
			Directory:   rs.dir,
			ConnectedAt: rs.connectedAt,
		}
	}
	return info
}

// appendHistoryLocked adds an entry, evicting the oldest beyond limit.
func (s *Session) appendHistoryLocked(entry *HistoryEntry, limit int) {
	s.history = append(s.history, entry)
	if over := len(s.history) - limit; over > 0 {
		clear(s.history[:over])
		s.history = s.history[over:]
	}
}

// appendOutputLocked adds a line to entry, evicting the oldest beyond limit.
func appendOutputLocked(entry *HistoryEntry, line stream.Line, limit int) {
	entry.Output = append(entry.Output, line)
	if over := len(entry.Output) - limit; over > 0 {
		entry.Output = entry.Output[over:]
		entry.Truncated = true
	}
}

// pushRecallLocked records a command for arrow-up recall. Consecutive
// duplicates are collapsed.
func (s *Session) pushRecallLocked(command string, limit int) {
	if n := len(s.recall); n > 0 && s.recall[n-1] == command {
		return
	}
	s.recall = append(s.recall, command)
	if over := len(s.recall) - limit; over > 0 {
		s.recall = s.recall[over:]
	}
}

func (s *Session) historyLocked() []HistoryEntry {
	out := make([]HistoryEntry, len(s.history))
	for i, h := range s.history {
		out[i] = *h
		out[i].Output = append([]stream.Line(nil), h.Output...)
		if h.Status != nil {
			status := *h.Status
			out[i].Status = &status
		}
	}
	return out
}

// environ returns the environment for a spawn: the creation snapshot with
// TERM forced and PATH defaulted.
func environ(base []string, term, fallbackPath string) []string {
	env := make([]string, 0, len(base)+2)
	hasPath := false
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "TERM="):
			continue
		case strings.HasPrefix(kv, "PATH="):
			if kv == "PATH=" {
				continue
			}
			hasPath = true
		}
		env = append(env, kv)
	}
	if term != "" {
		env = append(env, "TERM="+term)
	}
	if !hasPath && fallbackPath != "" {
		env = append(env, "PATH="+fallbackPath)
	}
	return env
}
