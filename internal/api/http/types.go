package http

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Directory string `json:"directory"`
	Label     string `json:"label"`
}

// RunRequest is the body of POST /sessions/:id/run.
type RunRequest struct {
	Command string `json:"command" binding:"required"`
}

// CancelRequest is the body of POST /sessions/:id/cancel.
type CancelRequest struct {
	ExecutionID string `json:"execution_id" binding:"required"`
}

// PrivilegedRequest is the body of POST /sessions/:id/privileged.
type PrivilegedRequest struct {
	Command string `json:"command" binding:"required"`
	Secret  string `json:"secret"`
}

// SecretKeyRequest is the body of POST /sessions/:id/secret/key. Exactly
// one of Key or Backspace is expected.
type SecretKeyRequest struct {
	Key       string `json:"key"`
	Backspace bool   `json:"backspace"`
}
