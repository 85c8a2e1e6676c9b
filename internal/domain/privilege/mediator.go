package privilege

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// Mode is the input mode of a session's prompt.
type Mode string

const (
	// ModeNormal: keystrokes are command text.
	ModeNormal Mode = "normal"
	// ModeAwaitingSecret: keystrokes go to the secret buffer and echo masked.
	ModeAwaitingSecret Mode = "awaiting_secret"
	// ModeDispatching: the secret has been handed to the supervisor.
	ModeDispatching Mode = "dispatching"
	// ModeStreaming: the privileged command is running.
	ModeStreaming Mode = "streaming"
	// ModeFailed: dispatch failed before the command could run.
	ModeFailed Mode = "failed"
)

// MaskRune is echoed in place of each secret keystroke.
const MaskRune = '*'

var ErrInvalidTransition = errors.New("invalid input mode transition")

// IsElevated reports whether command begins with keyword followed by
// whitespace.
func IsElevated(command, keyword string) bool {
	command = strings.TrimLeft(command, " \t")
	rest, ok := strings.CutPrefix(command, keyword)
	return ok && len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\t')
}

// Rewrite turns "<keyword> [options] <rest>" into an invocation that reads
// the secret from stdin and hands rest to shell unparsed. Leading options
// stay with keyword; the caller's own prompt and stdin flags are replaced.
func Rewrite(command, keyword, shell string) string {
	command = strings.TrimLeft(command, " \t")
	opts, rest := splitOptions(strings.TrimPrefix(command, keyword))

	var b strings.Builder
	b.WriteString(keyword)
	b.WriteString(" -S -p ''")
	for _, o := range opts {
		b.WriteByte(' ')
		b.WriteString(o)
	}
	if rest == "" {
		return b.String()
	}
	fmt.Fprintf(&b, " %s -c %s", shell, ShellQuote(rest))
	return b.String()
}

// valueOptions take their value from the following word.
var valueOptions = map[string]bool{
	"-u": true, "--user": true,
	"-g": true, "--group": true,
	"-C": true, "--close-from": true,
	"-D": true, "--chdir": true,
	"-r": true, "--role": true,
	"-t": true, "--type": true,
	"-T": true, "--command-timeout": true,
	"-U": true, "--other-user": true,
	"-p": true, "--prompt": true,
}

// splitOptions separates the option words that precede the command in s.
// Words are kept verbatim so the shell still expands them.
func splitOptions(s string) (opts []string, rest string) {
	rest = strings.TrimLeft(s, " \t")
	takeValue := false
	for rest != "" {
		if !takeValue && rest[0] != '-' {
			break
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			end = len(rest)
		}
		word := rest[:end]
		rest = strings.TrimLeft(rest[end:], " \t")

		switch {
		case takeValue:
			takeValue = false
			if last := opts[len(opts)-1]; last == "-p" || last == "--prompt" {
				opts = opts[:len(opts)-1]
				continue
			}
		case word == "--":
			return opts, strings.TrimSpace(rest)
		case word == "-S" || word == "--stdin" || strings.HasPrefix(word, "--prompt="):
			continue
		default:
			takeValue = valueOptions[word]
		}
		opts = append(opts, word)
	}
	return opts, strings.TrimSpace(rest)
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Mediator is the input-mode state machine for one session:
//
//	Normal -> AwaitingSecret -> Dispatching -> Streaming | Failed
//	AwaitingSecret -> Normal            (cancel)
//	Streaming | Failed -> Normal        (reset, when the execution ends)
//
// It is the only holder of the secret buffer until Submit hands it off.
type Mediator struct {
	keyword string

	mu      sync.Mutex
	mode    Mode
	command string
	buf     []byte
}

// NewMediator creates a mediator that recognises keyword as the elevation
// command.
func NewMediator(keyword string) *Mediator {
	return &Mediator{keyword: keyword, mode: ModeNormal}
}

// Keyword returns the elevation keyword.
func (m *Mediator) Keyword() string {
	return m.keyword
}

// Mode returns the current input mode.
func (m *Mediator) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Pending returns the command awaiting a secret, if any.
func (m *Mediator) Pending() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeAwaitingSecret && m.mode != ModeDispatching {
		return "", false
	}
	return m.command, true
}

// Begin enters secret capture for command.
func (m *Mediator) Begin(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeNormal {
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, m.mode)
	}
	m.mode = ModeAwaitingSecret
	m.command = command
	m.buf = m.buf[:0]
	return nil
}

// Keystroke appends r to the secret and returns the masked echo.
func (m *Mediator) Keystroke(r rune) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeAwaitingSecret {
		return "", fmt.Errorf("%w: keystroke in %s", ErrInvalidTransition, m.mode)
	}
	m.buf = utf8.AppendRune(m.buf, r)
	return m.maskLocked(), nil
}

// Backspace removes the last rune of the secret and returns the masked echo.
func (m *Mediator) Backspace() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeAwaitingSecret {
		return "", fmt.Errorf("%w: backspace in %s", ErrInvalidTransition, m.mode)
	}
	if len(m.buf) > 0 {
		_, size := utf8.DecodeLastRune(m.buf)
		wipe(m.buf[len(m.buf)-size:])
		m.buf = m.buf[:len(m.buf)-size]
	}
	return m.maskLocked(), nil
}

// Mask returns the masked echo of the current buffer.
func (m *Mediator) Mask() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maskLocked()
}

func (m *Mediator) maskLocked() string {
	return strings.Repeat(string(MaskRune), utf8.RuneCount(m.buf))
}

// Submit moves AwaitingSecret to Dispatching. Ownership of the buffer moves
// to the returned Secret; the mediator keeps no copy.
func (m *Mediator) Submit() (command string, secret *Secret, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeAwaitingSecret {
		return "", nil, fmt.Errorf("%w: submit in %s", ErrInvalidTransition, m.mode)
	}
	secret = NewSecret(m.buf)
	m.buf = nil
	m.mode = ModeDispatching
	return m.command, secret, nil
}

// SubmitWith is Submit for callers that collected the secret themselves.
// The mediator takes ownership of b.
func (m *Mediator) SubmitWith(command string, b []byte) (*Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeNormal {
		wipe(b)
		return nil, fmt.Errorf("%w: direct submit in %s", ErrInvalidTransition, m.mode)
	}
	m.command = command
	m.mode = ModeDispatching
	return NewSecret(b), nil
}

// Started records that the supervisor accepted the command.
func (m *Mediator) Started() error {
	return m.transition(ModeDispatching, ModeStreaming)
}

// Failed records that dispatch failed.
func (m *Mediator) Failed() error {
	return m.transition(ModeDispatching, ModeFailed)
}

// Cancel discards the secret without dispatch. It reports whether there was
// a capture to cancel.
func (m *Mediator) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeAwaitingSecret {
		return false
	}
	wipe(m.buf)
	m.buf = nil
	m.command = ""
	m.mode = ModeNormal
	return true
}

// Reset returns to Normal after the privileged execution has ended.
func (m *Mediator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	wipe(m.buf)
	m.buf = nil
	m.command = ""
	m.mode = ModeNormal
}

// AcceptsCompletion reports whether autocomplete may run. It is suppressed
// whenever the prompt is not in Normal mode.
func (m *Mediator) AcceptsCompletion() bool {
	return m.Mode() == ModeNormal
}

func (m *Mediator) transition(from, to Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, m.mode)
	}
	m.mode = to
	return nil
}
