package privilege

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Secret holds a captured credential until the supervisor consumes it.
// Every formatting path renders it redacted.
type Secret struct {
	mu  sync.Mutex
	buf []byte
}

// NewSecret takes ownership of b. The caller must not retain it.
func NewSecret(b []byte) *Secret {
	return &Secret{buf: b}
}

// Bytes returns the backing buffer, not a copy.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Len returns the secret length in bytes.
func (s *Secret) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Wipe zeroes the buffer and releases it.
func (s *Secret) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	wipe(s.buf)
	s.buf = nil
}

// Wiped reports whether the secret has been consumed.
func (s *Secret) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf == nil
}

func (s *Secret) String() string   { return redacted }
func (s *Secret) GoString() string { return redacted }

// MarshalJSON keeps secrets out of any JSON encoding.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalText keeps secrets out of text encodings.
func (s *Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// MarshalLogObject keeps secrets out of zap.Object fields.
func (s *Secret) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("secret", redacted)
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
