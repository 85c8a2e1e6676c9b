package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/supervisor"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

// Run accepts command for execution in a session and returns as soon as it
// is accepted. Output and completion are observed through Subscribe.
//
// A command starting with the elevation keyword is not started: the
// session switches to password entry and the returned execution stays
// pending until SubmitSecret or CancelSecret. An ssh command line is parked
// the same way and connects once its password is submitted; while its
// interactive shell is attached, commands are forwarded to it and the
// returned id is that of the connection.
func (st *Store) Run(ctx context.Context, sessionID id.SessionID, command string) (id.ExecutionID, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s, err := st.lookup(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kind, arg := classify(command)
	if rs := s.remote; rs != nil && !s.closed {
		s.pushRecallLocked(command, st.opts.RecallLimit)
		if kind == commandClear {
			return st.clearLocked(s), nil
		}
		return st.forwardLocked(s, rs, command)
	}

	if err := s.admitLocked(); err != nil {
		return "", err
	}
	s.pushRecallLocked(command, st.opts.RecallLimit)

	switch {
	case kind == commandClear:
		return st.clearLocked(s), nil
	case kind == commandCd:
		return st.changeDirLocked(s, command, arg), nil
	case privilege.IsElevated(command, st.opts.ElevationKeyword):
		return st.awaitSecretLocked(s, command)
	}
	if t, ok := st.remoteTarget(command); ok {
		return st.awaitRemoteLocked(s, command, t)
	}

	e := st.newExecutionLocked(s, command, KindShell)
	spec := supervisor.Spec{
		Dir:     s.dir,
		Env:     environ(s.env, st.opts.Term, st.opts.FallbackPath),
		Command: command,
		TTY:     st.opts.TTY,
	}

	var stdout stream.Filter
	if kind == commandCompoundCd {
		marker := cwdMarker()
		spec.Command = withCwdReport(command, marker)
		stdout = stream.Marker(marker, func(dir string) { e.capturedDir = dir })
	}

	st.startLocked(s, e, spec, stdout, nil)
	return e.id, nil
}

// Cancel stops an execution. Cancelling an execution that is not active,
// or cancelling twice, does nothing. If the process outlives the kill wait
// the execution is detached and reported as timed out so the session can
// accept commands again.
func (st *Store) Cancel(sessionID id.SessionID, executionID id.ExecutionID) error {
	s, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e := s.active
	if e == nil || e.id != executionID || e.cancelRequested {
		s.mu.Unlock()
		return nil
	}
	e.cancelRequested = true

	if sh := e.shell; sh != nil {
		s.mu.Unlock()
		st.logger.Info("Closing remote shell",
			zap.String("session_id", sessionID.String()),
			zap.String("execution_id", executionID.String()))
		sh.Close()
		return nil
	}
	if e.handle == nil {
		detail := "password entry cancelled"
		if !s.mediator.Cancel() && e.stopDial != nil {
			detail = "connection cancelled"
			e.stopDial()
		}
		st.finishLocked(s, e, stream.Cancelled(detail))
		s.mu.Unlock()
		return nil
	}
	h := e.handle
	s.mu.Unlock()

	st.logger.Info("Cancelling execution",
		zap.String("session_id", sessionID.String()),
		zap.String("execution_id", executionID.String()),
		zap.Int("pid", h.Pid()))

	h.Terminate()
	go st.enforceKillWait(s, e, h)
	return nil
}

// RunPrivileged runs an elevated command with a secret supplied up front.
// The store takes ownership of secret and zeroes it.
func (st *Store) RunPrivileged(ctx context.Context, sessionID id.SessionID, command string, secret []byte) (id.ExecutionID, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		wipe(secret)
		return "", ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		wipe(secret)
		return "", err
	}

	s, err := st.lookup(sessionID)
	if err != nil {
		wipe(secret)
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admitLocked(); err != nil {
		wipe(secret)
		return "", err
	}
	if !privilege.IsElevated(command, st.opts.ElevationKeyword) {
		command = st.opts.ElevationKeyword + " " + command
	}

	sec, err := s.mediator.SubmitWith(command, secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAwaitingSecret, err)
	}
	s.pushRecallLocked(command, st.opts.RecallLimit)

	e := st.newExecutionLocked(s, command, KindPrivileged)
	st.dispatchLocked(s, e, command, sec)
	return e.id, nil
}

// SecretKey appends one keystroke to the pending password and returns the
// masked echo.
func (st *Store) SecretKey(sessionID id.SessionID, r rune) (string, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return "", err
	}
	mask, err := s.mediator.Keystroke(r)
	if errors.Is(err, privilege.ErrInvalidTransition) {
		return "", ErrNotAwaitingSecret
	}
	return mask, err
}

// SecretBackspace removes the last keystroke of the pending password.
func (st *Store) SecretBackspace(sessionID id.SessionID) (string, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return "", err
	}
	mask, err := s.mediator.Backspace()
	if errors.Is(err, privilege.ErrInvalidTransition) {
		return "", ErrNotAwaitingSecret
	}
	return mask, err
}

// SubmitSecret starts the pending privileged command with the typed
// password, or begins connecting the pending ssh command with it.
func (st *Store) SubmitSecret(ctx context.Context, sessionID id.SessionID) (id.ExecutionID, error) {
	s, err := st.lookup(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	command, secret, err := s.mediator.Submit()
	if err != nil {
		return "", ErrNotAwaitingSecret
	}

	e := s.active
	if e == nil || (e.kind != KindPrivileged && e.kind != KindRemote) || e.handle != nil {
		secret.Wipe()
		s.mediator.Reset()
		return "", ErrExecutionNotFound
	}
	if err := ctx.Err(); err != nil {
		secret.Wipe()
		_ = s.mediator.Failed()
		st.finishLocked(s, e, stream.Cancelled("request abandoned"))
		return "", err
	}

	if e.kind == KindRemote {
		st.connectLocked(s, e, secret)
		return e.id, nil
	}
	st.dispatchLocked(s, e, command, secret)
	return e.id, nil
}

// CancelSecret abandons password entry. The pending execution ends as
// cancelled.
func (st *Store) CancelSecret(sessionID id.SessionID) error {
	s, err := st.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mediator.Cancel() {
		return ErrNotAwaitingSecret
	}
	if e := s.active; e != nil && e.handle == nil {
		e.cancelRequested = true
		st.finishLocked(s, e, stream.Cancelled("password entry cancelled"))
	}
	return nil
}

func (s *Session) admitLocked() error {
	switch {
	case s.closed:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	case s.mediator.Mode() == privilege.ModeAwaitingSecret:
		return ErrAwaitingSecret
	case s.active != nil:
		return fmt.Errorf("%w (%s)", ErrAlreadyRunning, s.active.id)
	}
	return nil
}

func (st *Store) newExecutionLocked(s *Session, command, kind string) *execution {
	now := time.Now()
	e := &execution{
		id:        id.NewExecutionID(),
		command:   command,
		kind:      kind,
		startedAt: now,
		state:     StatePending,
	}
	e.entry = &HistoryEntry{
		ExecutionID: e.id,
		Command:     command,
		StartedAt:   now,
	}
	s.appendHistoryLocked(e.entry, st.opts.HistoryLimit)
	s.active = e
	return e
}

// clearLocked empties the history without touching the supervisor.
func (st *Store) clearLocked(s *Session) id.ExecutionID {
	execID := id.NewExecutionID()
	s.clearHistoryLocked()

	c := stream.Succeeded()
	c.Directory = s.dir
	st.publishLocked(s, stream.Event{
		Kind:        stream.KindEnd,
		SessionID:   s.id,
		ExecutionID: execID,
		Status:      c,
	})
	st.recorder.RecordExecution(KindBuiltin, string(c.Outcome), 0)
	return execID
}

// changeDirLocked runs a bare cd in-process. The new directory is stored
// before the end event is published.
func (st *Store) changeDirLocked(s *Session, command, arg string) id.ExecutionID {
	e := st.newExecutionLocked(s, command, KindBuiltin)

	target, err := changeDirectory(s.dir, s.prevDir, st.home, arg)
	if err != nil {
		msg := cdFailure(arg, err)
		st.emitLocked(s, e, stream.Stderr, msg)
		st.finishLocked(s, e, stream.Failed(1, msg))
		return e.id
	}

	if target != s.dir {
		s.prevDir, s.dir = s.dir, target
	}
	st.finishLocked(s, e, stream.Succeeded())
	return e.id
}

func (st *Store) awaitSecretLocked(s *Session, command string) (id.ExecutionID, error) {
	if err := s.mediator.Begin(command); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAwaitingSecret, err)
	}
	e := st.newExecutionLocked(s, command, KindPrivileged)

	st.logger.Info("Awaiting password",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()))
	return e.id, nil
}

// dispatchLocked hands a privileged command and its secret to the
// supervisor. Privileged commands always use pipes: a terminal would echo
// the secret.
func (st *Store) dispatchLocked(s *Session, e *execution, command string, secret *privilege.Secret) {
	spec := supervisor.Spec{
		Dir:     s.dir,
		Env:     environ(s.env, st.opts.Term, st.opts.FallbackPath),
		Command: privilege.Rewrite(command, st.opts.ElevationKeyword, st.opts.Shell),
		Secret:  secret,
	}
	if st.startLocked(s, e, spec, stream.StripSudoPrompt, stream.StripSudoPrompt) {
		_ = s.mediator.Started()
	}
}

// startLocked spawns the process for e. A spawn failure completes e as a
// failure instead of returning an error.
func (st *Store) startLocked(s *Session, e *execution, spec supervisor.Spec, stdout, stderr stream.Filter) bool {
	h, err := st.supervisor.Spawn(st.ctx, spec)
	if err != nil {
		st.logger.Warn("Spawn failed",
			zap.String("session_id", s.id.String()),
			zap.String("execution_id", e.id.String()),
			zap.Error(err))

		if e.kind == KindPrivileged {
			_ = s.mediator.Failed()
		}
		msg := err.Error()
		st.emitLocked(s, e, stream.Stderr, msg)
		st.finishLocked(s, e, stream.Failed(-1, msg))
		return false
	}

	e.handle = h
	e.state = StateStreaming

	st.logger.Info("Execution started",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()),
		zap.String("command", e.command),
		zap.Int("pid", h.Pid()))

	st.workers.Add(1)
	go st.watch(s, e, h, stdout, stderr)
	return true
}

// watch relays a running process's output and completes the execution
// once it has exited and both streams are drained.
func (st *Store) watch(s *Session, e *execution, h *supervisor.Handle, stdout, stderr stream.Filter) {
	defer st.workers.Done()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		st.pump(s, e, h.Stdout(), stream.Stdout, stdout)
	}()
	go func() {
		defer pumps.Done()
		st.pump(s, e, h.Stderr(), stream.Stderr, stderr)
	}()

	status := h.Wait()
	pumps.Wait()

	if h.Escalated() {
		st.recorder.RecordEscalation()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var c *stream.Completion
	switch {
	case status.Success():
		c = stream.Succeeded()
	case e.cancelRequested:
		detail := "terminated"
		if h.Escalated() {
			detail = "killed after grace window"
		}
		c = stream.Cancelled(detail)
		c.Signal = status.Signal
	default:
		c = stream.Failed(status.Code, status.Describe())
		c.Signal = status.Signal
	}
	st.finishLocked(s, e, c)
}

// pump splits one stream into lines and publishes them in order.
func (st *Store) pump(s *Session, e *execution, chunks <-chan []byte, tag stream.Tag, filter stream.Filter) {
	splitter := stream.NewLineSplitter(st.opts.MaxLineBytes)
	for chunk := range chunks {
		for _, line := range splitter.Write(chunk) {
			st.emit(s, e, tag, line, filter)
		}
	}
	if line, ok := splitter.Flush(); ok {
		st.emit(s, e, tag, line, filter)
	}
}

func (st *Store) emit(s *Session, e *execution, tag stream.Tag, line string, filter stream.Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Nothing follows the end event, including output from a detached
	// process.
	if e.ended {
		return
	}
	if filter != nil {
		var keep bool
		if line, keep = filter(line); !keep {
			return
		}
	}
	st.emitLocked(s, e, tag, line)
}

func (st *Store) emitLocked(s *Session, e *execution, tag stream.Tag, line string) {
	appendOutputLocked(e.entry, stream.Line{Stream: tag, Text: line}, st.opts.OutputLimit)

	kind := stream.KindOutput
	if tag == stream.Stderr {
		kind = stream.KindError
	}
	st.publishLocked(s, stream.Event{
		Kind:        kind,
		SessionID:   s.id,
		ExecutionID: e.id,
		Line:        line,
		Stream:      tag,
	})
}

// finishLocked moves e to its terminal state and publishes the single end
// event. A directory reported by the command is applied first so that the
// new directory is visible to anyone reacting to the event.
func (st *Store) finishLocked(s *Session, e *execution, c *stream.Completion) {
	if e.ended {
		return
	}
	e.ended = true

	if c.Outcome == stream.OutcomeCancelled {
		e.state = StateCancelled
	} else {
		e.state = StateCompleted
	}

	if c.Success && filepath.IsAbs(e.capturedDir) && e.capturedDir != s.dir {
		s.prevDir, s.dir = s.dir, e.capturedDir
	}

	now := time.Now()
	c.Directory = s.dir
	c.Duration = now.Sub(e.startedAt)
	e.entry.FinishedAt = now
	e.entry.Status = c

	if s.active == e {
		s.active = nil
	}
	if e.kind == KindPrivileged || e.kind == KindRemote {
		s.mediator.Reset()
	}
	st.detachRemoteLocked(s, e, c.Message)

	st.publishLocked(s, stream.Event{
		Kind:        stream.KindEnd,
		SessionID:   s.id,
		ExecutionID: e.id,
		Status:      c,
	})
	st.recorder.RecordExecution(e.kind, string(c.Outcome), c.Duration)

	st.logger.Info("Execution finished",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()),
		zap.String("outcome", string(c.Outcome)),
		zap.Int("exit_code", c.ExitCode),
		zap.Duration("duration", c.Duration))
}

func (st *Store) publishLocked(s *Session, ev stream.Event) {
	if err := s.bus.Publish(ev); err != nil && !errors.Is(err, stream.ErrBusClosed) {
		st.logger.Warn("Publish failed", zap.String("session_id", s.id.String()), zap.Error(err))
	}
}

// enforceKillWait detaches e if its process survives Terminate for longer
// than the kill wait.
func (st *Store) enforceKillWait(s *Session, e *execution, h *supervisor.Handle) {
	timer := time.NewTimer(st.opts.KillWait)
	defer timer.Stop()

	select {
	case <-h.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ended {
		return
	}

	st.logger.Warn("Graceful termination timed out, detaching execution",
		zap.String("session_id", s.id.String()),
		zap.String("execution_id", e.id.String()),
		zap.Int("pid", h.Pid()))
	st.finishLocked(s, e, stream.Cancelled("graceful termination timed out"))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
