package privilege

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestIsElevated(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"sudo ls", true},
		{"  sudo\tapt update", true},
		{"sudo", false},
		{"sudoedit /etc/hosts", false},
		{"echo sudo ls", false},
		{"ls", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, IsElevated(tt.command, "sudo"))
		})
	}
}

func TestRewrite(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"simple", "sudo ls -la", `sudo -S -p '' /bin/sh -c 'ls -la'`},
		{"pipeline kept whole", "sudo cat /etc/shadow | wc -l", `sudo -S -p '' /bin/sh -c 'cat /etc/shadow | wc -l'`},
		{"single quotes", "sudo echo 'hi there'", `sudo -S -p '' /bin/sh -c 'echo '\''hi there'\'''`},
		{"target user", "sudo -u nobody id", `sudo -S -p '' -u nobody /bin/sh -c 'id'`},
		{"flags and values", "sudo -E -u deploy -g www make install", `sudo -S -p '' -E -u deploy -g www /bin/sh -c 'make install'`},
		{"long option and separator", "sudo --user=web -- ls -l", `sudo -S -p '' --user=web /bin/sh -c 'ls -l'`},
		{"caller prompt replaced", "sudo -S -p pw: whoami", `sudo -S -p '' /bin/sh -c 'whoami'`},
		{"options only", "sudo -v", `sudo -S -p '' -v`},
		{"dash inside command kept", "sudo ls -la /root", `sudo -S -p '' /bin/sh -c 'ls -la /root'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rewrite(tt.command, "sudo", "/bin/sh"))
		})
	}
}

func TestMediatorHappyPath(t *testing.T) {
	m := NewMediator("sudo")
	assert.Equal(t, ModeNormal, m.Mode())
	assert.True(t, m.AcceptsCompletion())

	require.NoError(t, m.Begin("sudo ls"))
	assert.Equal(t, ModeAwaitingSecret, m.Mode())
	assert.False(t, m.AcceptsCompletion())

	pending, ok := m.Pending()
	assert.True(t, ok)
	assert.Equal(t, "sudo ls", pending)

	for _, r := range "pw" {
		_, err := m.Keystroke(r)
		require.NoError(t, err)
	}
	echo, err := m.Keystroke('é')
	require.NoError(t, err)
	assert.Equal(t, "***", echo, "one mask per rune")

	echo, err = m.Backspace()
	require.NoError(t, err)
	assert.Equal(t, "**", echo)

	cmd, secret, err := m.Submit()
	require.NoError(t, err)
	assert.Equal(t, "sudo ls", cmd)
	assert.Equal(t, []byte("pw"), secret.Bytes())
	assert.Equal(t, ModeDispatching, m.Mode())
	assert.Empty(t, m.Mask(), "mediator keeps no copy after submit")

	require.NoError(t, m.Started())
	assert.Equal(t, ModeStreaming, m.Mode())

	m.Reset()
	assert.Equal(t, ModeNormal, m.Mode())
	_, ok = m.Pending()
	assert.False(t, ok)
}

func TestMediatorDispatchFailure(t *testing.T) {
	m := NewMediator("sudo")
	require.NoError(t, m.Begin("sudo true"))
	_, _, err := m.Submit()
	require.NoError(t, err)

	require.NoError(t, m.Failed())
	assert.Equal(t, ModeFailed, m.Mode())

	m.Reset()
	assert.Equal(t, ModeNormal, m.Mode())
}

func TestMediatorCancel(t *testing.T) {
	m := NewMediator("sudo")
	assert.False(t, m.Cancel(), "nothing to cancel")

	require.NoError(t, m.Begin("sudo ls"))
	_, err := m.Keystroke('x')
	require.NoError(t, err)

	assert.True(t, m.Cancel())
	assert.Equal(t, ModeNormal, m.Mode())
	assert.Empty(t, m.Mask())
}

func TestMediatorInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		prep func(m *Mediator)
		act  func(m *Mediator) error
	}{
		{"keystroke in normal", func(*Mediator) {}, func(m *Mediator) error { _, err := m.Keystroke('a'); return err }},
		{"backspace in normal", func(*Mediator) {}, func(m *Mediator) error { _, err := m.Backspace(); return err }},
		{"submit in normal", func(*Mediator) {}, func(m *Mediator) error { _, _, err := m.Submit(); return err }},
		{"started in normal", func(*Mediator) {}, func(m *Mediator) error { return m.Started() }},
		{"begin twice", func(m *Mediator) { _ = m.Begin("sudo a") }, func(m *Mediator) error { return m.Begin("sudo b") }},
		{"started before submit", func(m *Mediator) { _ = m.Begin("sudo a") }, func(m *Mediator) error { return m.Started() }},
		{"direct submit while awaiting", func(m *Mediator) { _ = m.Begin("sudo a") }, func(m *Mediator) error {
			_, err := m.SubmitWith("sudo b", []byte("x"))
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMediator("sudo")
			tt.prep(m)
			assert.ErrorIs(t, tt.act(m), ErrInvalidTransition)
		})
	}
}

func TestMediatorSubmitWith(t *testing.T) {
	m := NewMediator("sudo")
	secret, err := m.SubmitWith("sudo id", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, ModeDispatching, m.Mode())
	assert.Equal(t, 2, secret.Len())

	cmd, ok := m.Pending()
	assert.True(t, ok)
	assert.Equal(t, "sudo id", cmd)
}

func TestSecretWipe(t *testing.T) {
	buf := []byte("hunter2")
	s := NewSecret(buf)
	s.Wipe()

	assert.True(t, s.Wiped())
	assert.Nil(t, s.Bytes())
	assert.Equal(t, make([]byte, 7), buf, "backing array zeroed")
}

func TestSecretNeverRendered(t *testing.T) {
	s := NewSecret([]byte("hunter2"))

	assert.Equal(t, redacted, s.String())
	assert.Equal(t, redacted, fmt.Sprintf("%v", s))
	assert.Equal(t, redacted, fmt.Sprintf("%#v", s))

	out, err := json.Marshal(map[string]any{"secret": s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	core, logs := observer.New(zap.DebugLevel)
	zap.New(core).Info("dispatch", zap.Object("secret", s), zap.Stringer("str", s), zap.Any("any", s))
	require.Equal(t, 1, logs.Len())
	for _, v := range logs.All()[0].ContextMap() {
		assert.NotContains(t, fmt.Sprint(v), "hunter2")
	}
}
