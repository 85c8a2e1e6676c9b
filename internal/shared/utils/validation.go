package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid input")

// String length limits
const (
	MaxIDLength        = 128
	MaxLabelLength     = 256
	MaxCommandLength   = 16 * 1024
	MaxSecretLength    = 1024
	MaxDirectoryLength = 4096
)

// SafeIDPattern allows alphanumeric, hyphens, underscores
var SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%w: %s must be at least %d characters", ErrInvalid, fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%w: %s must not exceed %d characters", ErrInvalid, fieldName, maxLen)
	}

	if !utf8.ValidString(value) || strings.Contains(value, "\x00") {
		return fmt.Errorf("%w: %s contains invalid characters", ErrInvalid, fieldName)
	}

	return nil
}

// ValidateID validates a session or execution ID
func ValidateID(id, fieldName string, required bool) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}

	if id != "" && !SafeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", ErrInvalid, fieldName)
	}

	return nil
}

// ValidateCommand validates a command line. Blank commands are left to the
// session store, which reports them as empty.
func ValidateCommand(command string) error {
	return ValidateString(command, "command", 0, MaxCommandLength, false)
}

// ValidateLabel validates a session label
func ValidateLabel(label string) error {
	if err := ValidateString(label, "label", 0, MaxLabelLength, false); err != nil {
		return err
	}
	if strings.ContainsAny(label, "\r\n") {
		return fmt.Errorf("%w: label must be a single line", ErrInvalid)
	}
	return nil
}

// ValidateDirectory validates a requested working directory
func ValidateDirectory(dir string) error {
	return ValidateString(dir, "directory", 0, MaxDirectoryLength, false)
}

// ValidateSecret validates a password. It is delivered as one line, so a
// line break would truncate it.
func ValidateSecret(secret string) error {
	if len(secret) > MaxSecretLength {
		return fmt.Errorf("%w: secret must not exceed %d bytes", ErrInvalid, MaxSecretLength)
	}
	if strings.ContainsAny(secret, "\x00\r\n") {
		return fmt.Errorf("%w: secret contains invalid characters", ErrInvalid)
	}
	return nil
}
