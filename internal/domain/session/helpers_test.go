package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Home:         t.TempDir(),
		GraceWindow:  50 * time.Millisecond,
		KillWait:     time.Second,
		DrainTimeout: 500 * time.Millisecond,
	}
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	st := NewStore(opts, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(ctx)
	})
	return st
}

func newSession(t *testing.T, st *Store, dir string) (Info, *stream.Subscription) {
	t.Helper()
	info, err := st.CreateSession(CreateOptions{Directory: dir})
	require.NoError(t, err)
	sub, err := st.Subscribe(info.ID)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return info, sub
}

// collect returns the events of one execution up to and including its end
// event.
func collect(t *testing.T, sub *stream.Subscription, execID id.ExecutionID) []stream.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)

	var events []stream.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed before end of %s", execID)
			}
			if ev.ExecutionID != execID {
				continue
			}
			events = append(events, ev)
			if ev.IsTerminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for end of %s", execID)
		}
	}
}

func run(t *testing.T, st *Store, sub *stream.Subscription, sessionID id.SessionID, command string) []stream.Event {
	t.Helper()
	execID, err := st.Run(context.Background(), sessionID, command)
	require.NoError(t, err)
	return collect(t, sub, execID)
}

func lines(events []stream.Event, kind stream.Kind) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev.Line)
		}
	}
	return out
}

func end(events []stream.Event) *stream.Completion {
	return events[len(events)-1].Status
}

type countingRecorder struct {
	mu          sync.Mutex
	active      int
	executions  map[string]int
	escalations int
	suggestions int
}

func (r *countingRecorder) SetSessionsActive(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = count
}

func (r *countingRecorder) RecordExecution(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executions == nil {
		r.executions = make(map[string]int)
	}
	r.executions[kind+"/"+outcome]++
}

func (r *countingRecorder) RecordEscalation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalations++
}

func (r *countingRecorder) RecordSuggestion() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suggestions++
}

func (r *countingRecorder) RecordBranchProbe(string) {}

func (r *countingRecorder) snapshot() (int, map[string]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]int, len(r.executions))
	for k, v := range r.executions {
		copied[k] = v
	}
	return r.active, copied, r.suggestions
}
