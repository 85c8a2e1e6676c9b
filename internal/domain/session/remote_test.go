package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/remote/sshtest"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

const sshUser = "tester"

func sshCommand(srv *sshtest.Server, command string) string {
	line := fmt.Sprintf("ssh -p %d %s@%s", srv.Port(), sshUser, srv.Host())
	if command != "" {
		line += " " + command
	}
	return line
}

// waitFor skips events until one of kind arrives for execID.
func waitFor(t *testing.T, sub *stream.Subscription, execID id.ExecutionID, kind stream.Kind) stream.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed waiting for %s", kind)
			}
			if ev.ExecutionID == execID && ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// connectRemote runs an interactive ssh command and submits the password.
func connectRemote(t *testing.T, st *Store, sub *stream.Subscription, info Info, srv *sshtest.Server) id.ExecutionID {
	t.Helper()
	execID, err := st.Run(context.Background(), info.ID, sshCommand(srv, ""))
	require.NoError(t, err)

	ev := waitFor(t, sub, execID, stream.KindRemotePassword)
	assert.Equal(t, sshCommand(srv, ""), ev.Line)

	typeSecret(t, st, info, testPassword)
	submitted, err := st.SubmitSecret(context.Background(), info.ID)
	require.NoError(t, err)
	require.Equal(t, execID, submitted)

	ev = waitFor(t, sub, execID, stream.KindRemoteStarted)
	assert.Contains(t, ev.Line, srv.Host())
	return execID
}

func TestRemoteShellSession(t *testing.T) {
	srv := sshtest.NewServer(t, sshUser, testPassword)
	st := newTestStore(t, testOptions(t))
	local := t.TempDir()
	info, sub := newSession(t, st, local)

	execID, err := st.Run(context.Background(), info.ID, sshCommand(srv, ""))
	require.NoError(t, err)
	waitFor(t, sub, execID, stream.KindRemotePassword)

	mode, err := st.InputMode(info.ID)
	require.NoError(t, err)
	assert.Equal(t, privilege.ModeAwaitingSecret, mode)

	typeSecret(t, st, info, testPassword)
	_, err = st.SubmitSecret(context.Background(), info.ID)
	require.NoError(t, err)
	waitFor(t, sub, execID, stream.KindRemoteStarted)

	mode, err = st.InputMode(info.ID)
	require.NoError(t, err)
	assert.Equal(t, privilege.ModeNormal, mode, "prompt is free while attached")

	forwarded, err := st.Run(context.Background(), info.ID, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, execID, forwarded, "forwarded output belongs to the connection")
	ev := waitFor(t, sub, execID, stream.KindForwarded)
	assert.Equal(t, "echo hello", ev.Line)
	ev = waitFor(t, sub, execID, stream.KindOutput)
	assert.Equal(t, "hello", ev.Line)

	remoteDir := t.TempDir()
	_, err = st.Run(context.Background(), info.ID, "cd "+remoteDir)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		dir, err := st.CurrentDirectory(info.ID)
		return err == nil && dir == remoteDir
	}, 10*time.Second, 20*time.Millisecond)

	got, err := st.Get(info.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Remote)
	assert.Equal(t, execID, got.Remote.ExecutionID)
	assert.Equal(t, remoteDir, got.Remote.Directory)
	assert.Equal(t, local, got.Directory, "local directory untouched")

	suggestions, err := st.Suggest(info.ID, "ec")
	require.NoError(t, err)
	assert.Empty(t, suggestions)

	recall, err := st.Recall(info.ID)
	require.NoError(t, err)
	assert.Contains(t, recall, "echo hello")

	_, err = st.Run(context.Background(), info.ID, "exit")
	require.NoError(t, err)
	ev = waitFor(t, sub, execID, stream.KindRemoteEnded)
	assert.NotEmpty(t, ev.Line)
	c := waitFor(t, sub, execID, stream.KindEnd).Status
	assert.True(t, c.Success)
	assert.Equal(t, local, c.Directory)

	dir, err := st.CurrentDirectory(info.ID)
	require.NoError(t, err)
	assert.Equal(t, local, dir)

	got, err = st.Get(info.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Remote)
	assert.Nil(t, got.Active)

	events := run(t, st, sub, info.ID, "echo local")
	assert.Equal(t, []string{"local"}, lines(events, stream.KindOutput))

	history, err := st.History(info.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Output, stream.Line{Stream: stream.Stdin, Text: "echo hello"})
	assert.Contains(t, history[0].Output, stream.Line{Stream: stream.Stdout, Text: "hello"})
	assertNoSecret(t, st, info, events)
}

func TestRemoteCommand(t *testing.T) {
	srv := sshtest.NewServer(t, sshUser, testPassword)
	st := newTestStore(t, testOptions(t))
	info, sub := newSession(t, st, "")

	execID, err := st.Run(context.Background(), info.ID, sshCommand(srv, "echo hi"))
	require.NoError(t, err)
	typeSecret(t, st, info, testPassword)
	_, err = st.SubmitSecret(context.Background(), info.ID)
	require.NoError(t, err)

	events := collect(t, sub, execID)
	assert.Equal(t, []string{"hi"}, lines(events, stream.KindOutput))
	assert.True(t, end(events).Success)
	assert.Empty(t, lines(events, stream.KindRemoteStarted), "a remote command is not a session")

	execID, err = st.Run(context.Background(), info.ID, sshCommand(srv, "exit 7"))
	require.NoError(t, err)
	typeSecret(t, st, info, testPassword)
	_, err = st.SubmitSecret(context.Background(), info.ID)
	require.NoError(t, err)

	c := end(collect(t, sub, execID))
	assert.False(t, c.Success)
	assert.Equal(t, 7, c.ExitCode)
}

func TestRemoteWrongPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshUser, testPassword)
	st := newTestStore(t, testOptions(t))
	info, sub := newSession(t, st, "")

	execID, err := st.Run(context.Background(), info.ID, sshCommand(srv, ""))
	require.NoError(t, err)
	typeSecret(t, st, info, "wrong")
	_, err = st.SubmitSecret(context.Background(), info.ID)
	require.NoError(t, err)

	events := collect(t, sub, execID)
	c := end(events)
	assert.False(t, c.Success)
	assert.Equal(t, 255, c.ExitCode)
	require.Len(t, lines(events, stream.KindError), 1)
	assert.Contains(t, lines(events, stream.KindError)[0], "permission denied")

	mode, err := st.InputMode(info.ID)
	require.NoError(t, err)
	assert.Equal(t, privilege.ModeNormal, mode)
	assertNoSecret(t, st, info, events)
}

func TestRemoteCancel(t *testing.T) {
	srv := sshtest.NewServer(t, sshUser, testPassword)

	t.Run("during password entry", func(t *testing.T) {
		st := newTestStore(t, testOptions(t))
		info, sub := newSession(t, st, "")

		execID, err := st.Run(context.Background(), info.ID, sshCommand(srv, ""))
		require.NoError(t, err)
		require.NoError(t, st.Cancel(info.ID, execID))

		c := end(collect(t, sub, execID))
		assert.Equal(t, stream.OutcomeCancelled, c.Outcome)
		mode, err := st.InputMode(info.ID)
		require.NoError(t, err)
		assert.Equal(t, privilege.ModeNormal, mode)
	})

	t.Run("attached shell", func(t *testing.T) {
		st := newTestStore(t, testOptions(t))
		info, sub := newSession(t, st, "")
		execID := connectRemote(t, st, sub, info, srv)

		require.NoError(t, st.Cancel(info.ID, execID))
		waitFor(t, sub, execID, stream.KindRemoteEnded)
		c := waitFor(t, sub, execID, stream.KindEnd).Status
		assert.Equal(t, stream.OutcomeCancelled, c.Outcome)

		events := run(t, st, sub, info.ID, "echo back")
		assert.Equal(t, []string{"back"}, lines(events, stream.KindOutput))
	})

	t.Run("clear stays local", func(t *testing.T) {
		st := newTestStore(t, testOptions(t))
		info, sub := newSession(t, st, "")
		execID := connectRemote(t, st, sub, info, srv)

		cleared, err := st.Run(context.Background(), info.ID, "clear")
		require.NoError(t, err)
		assert.NotEqual(t, execID, cleared)

		got, err := st.Get(info.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.Remote)
	})

	t.Run("session closed", func(t *testing.T) {
		st := newTestStore(t, testOptions(t))
		info, sub := newSession(t, st, "")
		execID := connectRemote(t, st, sub, info, srv)

		require.NoError(t, st.CloseSession(info.ID))
		c := end(collect(t, sub, execID))
		assert.Equal(t, stream.OutcomeCancelled, c.Outcome)
	})
}

func TestRemoteConnectionLost(t *testing.T) {
	srv := sshtest.NewServer(t, sshUser, testPassword)
	st := newTestStore(t, testOptions(t))
	info, sub := newSession(t, st, "")
	execID := connectRemote(t, st, sub, info, srv)

	srv.DropConnections()
	ev := waitFor(t, sub, execID, stream.KindRemoteEnded)
	assert.Contains(t, ev.Line, "connection closed")
	c := waitFor(t, sub, execID, stream.KindEnd).Status
	assert.Equal(t, stream.OutcomeFailure, c.Outcome)

	_, err := st.Run(context.Background(), info.ID, "echo local")
	require.NoError(t, err)
}

func TestSSHDisabled(t *testing.T) {
	opts := testOptions(t)
	opts.DisableSSH = true
	st := newTestStore(t, opts)
	info, sub := newSession(t, st, "")

	execID, err := st.Run(context.Background(), info.ID, "ssh -p 1 nobody@127.0.0.1 true")
	require.NoError(t, err)

	mode, err := st.InputMode(info.ID)
	require.NoError(t, err)
	assert.Equal(t, privilege.ModeNormal, mode, "runs as a local command")
	assert.False(t, end(collect(t, sub, execID)).Success)
}
