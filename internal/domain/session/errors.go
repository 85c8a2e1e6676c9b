package session

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrTooManySessions   = errors.New("session limit reached")
	ErrEmptyCommand      = errors.New("command is empty")
	ErrAlreadyRunning    = errors.New("a command is already running in this session")
	ErrAwaitingSecret    = errors.New("session is waiting for a password")
	ErrNotAwaitingSecret = errors.New("session is not waiting for a password")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrStoreClosed       = errors.New("session store closed")
	ErrRemoteUnavailable = errors.New("remote shell is not accepting input")
)
