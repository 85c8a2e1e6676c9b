package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/paths"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store  *session.Store
	router *gin.Engine
	home   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	store := session.NewStore(session.Options{
		Home:         home,
		GraceWindow:  50 * time.Millisecond,
		KillWait:     time.Second,
		DrainTimeout: 500 * time.Millisecond,
		MaxSessions:  2,
	}, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})

	router := gin.New()
	NewHandlers(store, "test", zap.NewNop()).Register(router)
	return &fixture{store: store, router: router, home: home}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, code, body)
	return body["session"].(map[string]any)["id"].(string)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.createSession(t)

	code, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	sub := filepath.Join(f.home, "work")
	require.NoError(t, os.Mkdir(sub, 0o755))

	code, body := f.do(t, http.MethodPost, "/sessions", CreateSessionRequest{Directory: "~/work", Label: "build"})
	require.Equal(t, http.StatusCreated, code, body)
	info := body["session"].(map[string]any)
	sid := info["id"].(string)
	assert.Equal(t, sub, info["directory"])
	assert.Equal(t, "build", info["label"])
	assert.Equal(t, "normal", info["input_mode"])

	code, body = f.do(t, http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = f.do(t, http.MethodGet, "/sessions/"+sid+"/cwd", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, sub, body["directory"])
	assert.Equal(t, "~/work", body["display"])

	code, _ = f.do(t, http.MethodDelete, "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
}

func TestCreateSessionErrors(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/sessions", CreateSessionRequest{Directory: "missing"})
	assert.Equal(t, http.StatusBadRequest, code)

	f.createSession(t)
	f.createSession(t)
	code, body := f.do(t, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "session limit reached")
}

func TestRunAndHistory(t *testing.T) {
	f := newFixture(t)
	sid := f.createSession(t)

	code, body := f.do(t, http.MethodPost, "/sessions/"+sid+"/run", RunRequest{Command: "echo hi"})
	require.Equal(t, http.StatusAccepted, code, body)
	assert.NotEmpty(t, body["execution_id"])
	assert.Equal(t, false, body["awaiting_secret"])

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/sessions/"+sid, nil)
		_, active := body["session"].(map[string]any)["active"]
		return !active
	}, 10*time.Second, 20*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/sessions/"+sid+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, "echo hi", entry["command"])
	assert.Equal(t, true, entry["status"].(map[string]any)["success"])

	code, body = f.do(t, http.MethodGet, "/sessions/"+sid+"/recall", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"echo hi"}, body["commands"])

	code, _ = f.do(t, http.MethodDelete, "/sessions/"+sid+"/history", nil)
	assert.Equal(t, http.StatusOK, code)
	_, body = f.do(t, http.MethodGet, "/sessions/"+sid+"/history", nil)
	assert.Empty(t, body["history"])
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)
	sid := f.createSession(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing command", "/sessions/" + sid + "/run", map[string]string{}, http.StatusBadRequest},
		{"blank command", "/sessions/" + sid + "/run", RunRequest{Command: "   "}, http.StatusBadRequest},
		{"unknown session", "/sessions/nope/run", RunRequest{Command: "true"}, http.StatusNotFound},
		{"malformed session id", "/sessions/no%20pe/run", RunRequest{Command: "true"}, http.StatusBadRequest},
		{"nul in command", "/sessions/" + sid + "/run", RunRequest{Command: "echo \x00"}, http.StatusBadRequest},
		{"malformed execution id", "/sessions/" + sid + "/cancel", CancelRequest{ExecutionID: "../x"}, http.StatusBadRequest},
		{"multi-line secret", "/sessions/" + sid + "/privileged", PrivilegedRequest{Command: "sudo ls", Secret: "a\nb"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestRunWhileBusyAndCancel(t *testing.T) {
	f := newFixture(t)
	sid := f.createSession(t)

	code, body := f.do(t, http.MethodPost, "/sessions/"+sid+"/run", RunRequest{Command: "sleep 5"})
	require.Equal(t, http.StatusAccepted, code)
	eid := body["execution_id"].(string)

	code, _ = f.do(t, http.MethodPost, "/sessions/"+sid+"/run", RunRequest{Command: "true"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, "/sessions/"+sid+"/cancel", CancelRequest{ExecutionID: eid})
	assert.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/sessions/"+sid, nil)
		_, active := body["session"].(map[string]any)["active"]
		return !active
	}, 10*time.Second, 20*time.Millisecond)

	// A second cancel of the finished execution is a no-op.
	code, _ = f.do(t, http.MethodPost, "/sessions/"+sid+"/cancel", CancelRequest{ExecutionID: eid})
	assert.Equal(t, http.StatusOK, code)
}

func TestSecretEntry(t *testing.T) {
	f := newFixture(t)
	sid := f.createSession(t)

	code, body := f.do(t, http.MethodPost, "/sessions/"+sid+"/secret/key", SecretKeyRequest{Key: "x"})
	assert.Equal(t, http.StatusBadRequest, code, "not awaiting a secret")

	code, body = f.do(t, http.MethodPost, "/sessions/"+sid+"/run", RunRequest{Command: "sudo ls"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["awaiting_secret"])

	_, body = f.do(t, http.MethodPost, "/sessions/"+sid+"/secret/key", SecretKeyRequest{Key: "p"})
	assert.Equal(t, "*", body["mask"])
	_, body = f.do(t, http.MethodPost, "/sessions/"+sid+"/secret/key", SecretKeyRequest{Key: "é"})
	assert.Equal(t, "**", body["mask"])
	_, body = f.do(t, http.MethodPost, "/sessions/"+sid+"/secret/key", SecretKeyRequest{Backspace: true})
	assert.Equal(t, "*", body["mask"])

	code, _ = f.do(t, http.MethodPost, "/sessions/"+sid+"/secret/key", SecretKeyRequest{Key: "ab"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/sessions/"+sid+"/run", RunRequest{Command: "ls"})
	assert.Equal(t, http.StatusConflict, code, "awaiting secret")

	code, _ = f.do(t, http.MethodPost, "/sessions/"+sid+"/secret/cancel", nil)
	assert.Equal(t, http.StatusOK, code)

	_, body = f.do(t, http.MethodGet, "/sessions/"+sid, nil)
	assert.Equal(t, "normal", body["session"].(map[string]any)["input_mode"])
}

func TestSuggest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Mkdir(filepath.Join(f.home, "projects"), 0o755))
	sid := f.createSession(t)

	code, body := f.do(t, http.MethodGet, "/sessions/"+sid+"/suggest?input=cd+pro", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"cd projects/"}, body["suggestions"])

	_, body = f.do(t, http.MethodGet, "/sessions/"+sid+"/suggest?input=", nil)
	assert.Equal(t, []any{}, body["suggestions"])
}

func TestHomeAndBranch(t *testing.T) {
	f := newFixture(t)
	sid := f.createSession(t)

	_, body := f.do(t, http.MethodGet, "/home", nil)
	assert.Equal(t, f.home, body["home"])

	code, body := f.do(t, http.MethodGet, "/sessions/"+sid+"/branch", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "", body["branch"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("lookup: %w", session.ErrSessionNotFound), http.StatusNotFound},
		{session.ErrAlreadyRunning, http.StatusConflict},
		{session.ErrAwaitingSecret, http.StatusConflict},
		{session.ErrTooManySessions, http.StatusConflict},
		{fmt.Errorf("forward: %w", session.ErrRemoteUnavailable), http.StatusConflict},
		{session.ErrEmptyCommand, http.StatusBadRequest},
		{session.ErrNotAwaitingSecret, http.StatusBadRequest},
		{fmt.Errorf("create: %w", paths.ErrNotDirectory), http.StatusBadRequest},
		{session.ErrStoreClosed, http.StatusServiceUnavailable},
		{&fs.PathError{Op: "access", Path: "/root", Err: fs.ErrPermission}, http.StatusForbidden},
		{utils.ValidateID("a/b", "session_id", true), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}
