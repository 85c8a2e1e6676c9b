package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/remote/sshtest"
)

const (
	testUser     = "tester"
	testPassword = "letmein"
)

func newDialer(t *testing.T) (*Dialer, string) {
	t.Helper()
	home := t.TempDir()
	known := filepath.Join(home, "known_hosts")
	return NewDialer(Options{KnownHostsFile: known, Timeout: 5 * time.Second, Home: home}, zap.NewNop()), known
}

func targetFor(srv *sshtest.Server, command string) Target {
	return Target{User: testUser, Host: srv.Host(), Port: srv.Port(), Command: command}
}

// drain reads a stream until it closes.
func drain(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	done := make(chan string, 1)
	go func() { done <- gather(ch) }()
	select {
	case out := <-done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("timed out draining remote output")
		return ""
	}
}

func gather(ch <-chan []byte) string {
	var b strings.Builder
	for chunk := range ch {
		b.Write(chunk)
	}
	return b.String()
}

func TestOpenRunsCommand(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, _ := newDialer(t)

	sh, err := d.Open(context.Background(), targetFor(srv, "echo out; echo err >&2; exit 4"), []byte(testPassword))
	require.NoError(t, err)

	errOut := make(chan string, 1)
	go func() { errOut <- gather(sh.Stderr()) }()
	assert.Equal(t, "out\n", drain(t, sh.Stdout()))
	assert.Equal(t, "err\n", <-errOut)

	status := sh.Wait()
	assert.False(t, status.Success())
	assert.Equal(t, 4, status.Code)
	assert.Equal(t, "exit status 4", status.Describe())
}

func TestOpenInteractiveShell(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, _ := newDialer(t)

	sh, err := d.Open(context.Background(), targetFor(srv, ""), []byte(testPassword))
	require.NoError(t, err)
	go gather(sh.Stderr())

	require.NoError(t, sh.Send("echo first\n"))
	require.NoError(t, sh.Send("echo second\nexit\n"))

	assert.Equal(t, "first\nsecond\n", drain(t, sh.Stdout()))
	assert.True(t, sh.Wait().Success())
	assert.ErrorIs(t, sh.Send("echo late\n"), ErrClosed)
}

func TestCloseEndsShell(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, _ := newDialer(t)

	sh, err := d.Open(context.Background(), targetFor(srv, ""), []byte(testPassword))
	require.NoError(t, err)
	go gather(sh.Stdout())
	go gather(sh.Stderr())

	sh.Close()
	select {
	case <-sh.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("shell did not end after Close")
	}
	assert.False(t, sh.Wait().Success())
}

func TestDroppedConnectionIsLost(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, _ := newDialer(t)

	sh, err := d.Open(context.Background(), targetFor(srv, "sleep 30"), []byte(testPassword))
	require.NoError(t, err)
	go gather(sh.Stdout())
	go gather(sh.Stderr())

	srv.DropConnections()
	status := sh.Wait()
	assert.True(t, status.Lost)
	assert.Equal(t, "connection closed", status.Describe())
}

func TestOpenWrongPassword(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, _ := newDialer(t)

	_, err := d.Open(context.Background(), targetFor(srv, "true"), []byte("nope"))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenNoCredentials(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, _ := newDialer(t)

	_, err := d.Open(context.Background(), targetFor(srv, "true"), nil)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenCancelled(t *testing.T) {
	d, _ := newDialer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Open(ctx, Target{User: testUser, Host: "127.0.0.1", Port: 1}, []byte(testPassword))
	assert.Error(t, err)
}

func TestHostKeys(t *testing.T) {
	srv := sshtest.NewServer(t, testUser, testPassword)
	d, known := newDialer(t)

	sh, err := d.Open(context.Background(), targetFor(srv, "true"), []byte(testPassword))
	require.NoError(t, err)
	sh.Wait()

	data, err := os.ReadFile(known)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "unknown host recorded once")
	assert.Contains(t, lines[0], srv.Host())

	sh, err = d.Open(context.Background(), targetFor(srv, "true"), []byte(testPassword))
	require.NoError(t, err, "recorded key accepted")
	sh.Wait()

	data, err = os.ReadFile(known)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 1, "known host not recorded again")

	addr := srv.Addr()
	srv.Close()
	impostor := sshtest.NewServerOn(t, addr, testUser, testPassword)

	_, err = d.Open(context.Background(), targetFor(impostor, "true"), []byte(testPassword))
	assert.ErrorIs(t, err, ErrHostKeyMismatch)
}
