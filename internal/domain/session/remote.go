package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/remote"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

// remoteState is an interactive ssh shell attached to a session. While it
// is attached every command except clear is written to the remote shell
// instead of being spawned locally.
type remoteState struct {
	exec        *execution
	target      remote.Target
	marker      string
	dir         string
	connectedAt time.Time
}

// remoteDirUnknown stands in for the remote directory until the shell has
// reported it.
const remoteDirUnknown = "~"

// remoteTarget reports whether command opens an ssh connection the store
// should own. Lines that need a local shell to interpret them are left to
// the ssh binary.
func (st *Store) remoteTarget(command string) (remote.Target, bool) {
	if st.dialer == nil || strings.ContainsAny(command, shellMeta) {
		return remote.Target{}, false
	}
	return remote.ParseCommand(command)
}

// awaitRemoteLocked parks an ssh command until its password is submitted.
func (st *Store) awaitRemoteLocked(s *Session, command string, t remote.Target) (id.ExecutionID, error) {
	if err := s.mediator.Begin(command); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAwaitingSecret, err)
	}
	e := st.newExecutionLocked(s, command, KindRemote)
	e.target = t

	st.publishLocked(s, stream.Event{
		Kind:        stream.KindRemotePassword,
		SessionID:   s.id,
		ExecutionID: e.id,
		Line:        command,
	})
	st.logger.Info("Awaiting ssh password",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()),
		zap.String("target", t.String()))
	return e.id, nil
}

// connectLocked dials e's target in the background. The session lock is
// never held across the handshake.
func (st *Store) connectLocked(s *Session, e *execution, secret *privilege.Secret) {
	ctx, cancel := context.WithCancel(st.ctx)
	e.stopDial = cancel

	st.workers.Add(1)
	go st.connect(ctx, s, e, secret)
}

func (st *Store) connect(ctx context.Context, s *Session, e *execution, secret *privilege.Secret) {
	defer st.workers.Done()
	defer e.stopDial()

	sh, err := st.dialer.Open(ctx, e.target, secret.Bytes())
	secret.Wipe()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ended {
		if sh != nil {
			sh.Close()
		}
		return
	}
	if err != nil {
		st.logger.Warn("SSH connection failed",
			zap.String("session_id", s.id.String()),
			zap.String("execution_id", e.id.String()),
			zap.String("target", e.target.String()),
			zap.Error(err))

		_ = s.mediator.Failed()
		msg := err.Error()
		st.emitLocked(s, e, stream.Stderr, msg)
		// ssh reports its own failures with 255.
		st.finishLocked(s, e, stream.Failed(255, msg))
		return
	}

	e.shell = sh
	e.state = StateStreaming

	var stdout stream.Filter
	if e.target.Interactive() {
		rs := &remoteState{
			exec:        e,
			target:      e.target,
			marker:      cwdMarker(),
			dir:         remoteDirUnknown,
			connectedAt: time.Now(),
		}
		stdout = stream.Marker(rs.marker, func(dir string) {
			if dir != "" {
				rs.dir = dir
			}
		})
		s.remote = rs
		// The prompt is free for forwarded commands.
		s.mediator.Reset()

		st.publishLocked(s, stream.Event{
			Kind:        stream.KindRemoteStarted,
			SessionID:   s.id,
			ExecutionID: e.id,
			Line:        e.target.String(),
		})
		_ = sh.Send(cwdReport(rs.marker))
	} else {
		_ = s.mediator.Started()
	}

	st.logger.Info("SSH session started",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()),
		zap.String("target", e.target.String()),
		zap.Bool("interactive", e.target.Interactive()))

	st.workers.Add(1)
	go st.watchRemote(s, e, sh, stdout)
}

// forwardLocked writes command to the attached shell followed by a report
// of the remote working directory. Output is published under the
// connection's execution.
func (st *Store) forwardLocked(s *Session, rs *remoteState, command string) (id.ExecutionID, error) {
	e := rs.exec
	if err := e.shell.Send(command + "\n" + cwdReport(rs.marker)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}

	appendOutputLocked(e.entry, stream.Line{Stream: stream.Stdin, Text: command}, st.opts.OutputLimit)
	st.publishLocked(s, stream.Event{
		Kind:        stream.KindForwarded,
		SessionID:   s.id,
		ExecutionID: e.id,
		Line:        command,
		Stream:      stream.Stdin,
	})
	return e.id, nil
}

// watchRemote relays a remote shell's output and completes its execution
// once the shell has ended and both streams are drained.
func (st *Store) watchRemote(s *Session, e *execution, sh *remote.Shell, stdout stream.Filter) {
	defer st.workers.Done()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		st.pump(s, e, sh.Stdout(), stream.Stdout, stdout)
	}()
	go func() {
		defer pumps.Done()
		st.pump(s, e, sh.Stderr(), stream.Stderr, nil)
	}()

	status := sh.Wait()
	pumps.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	var c *stream.Completion
	switch {
	case e.cancelRequested:
		c = stream.Cancelled("connection closed")
	case status.Success():
		c = stream.Succeeded()
	default:
		c = stream.Failed(status.Code, status.Describe())
		c.Signal = status.Signal
	}
	st.finishLocked(s, e, c)
}

// detachRemoteLocked forgets the shell owned by e and announces why it
// ended.
func (st *Store) detachRemoteLocked(s *Session, e *execution, reason string) {
	rs := s.remote
	if rs == nil || rs.exec != e {
		return
	}
	s.remote = nil

	st.publishLocked(s, stream.Event{
		Kind:        stream.KindRemoteEnded,
		SessionID:   s.id,
		ExecutionID: e.id,
		Line:        reason,
	})
	st.logger.Info("SSH session ended",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()),
		zap.String("reason", reason))
}
