package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		required bool
		wantErr  bool
	}{
		{"ulid", "01J9ZQ4W3K8T6X2N5M7P0R1S2V", true, false},
		{"prefixed", "sess_01J9ZQ4W3K", true, false},
		{"empty required", "", true, true},
		{"empty optional", "", false, false},
		{"path traversal", "../etc", true, true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "session_id", tt.required)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	assert.NoError(t, ValidateCommand("ls -la | grep go"))
	assert.NoError(t, ValidateCommand("   "), "blank commands are rejected by the store")
	assert.ErrorIs(t, ValidateCommand("echo \x00"), ErrInvalid)
	assert.ErrorIs(t, ValidateCommand(strings.Repeat("x", MaxCommandLength+1)), ErrInvalid)
	assert.ErrorIs(t, ValidateCommand("\xff\xfe"), ErrInvalid)
}

func TestValidateLabel(t *testing.T) {
	assert.NoError(t, ValidateLabel(""))
	assert.NoError(t, ValidateLabel("build server"))
	assert.ErrorIs(t, ValidateLabel("two\nlines"), ErrInvalid)
}

func TestValidateSecret(t *testing.T) {
	assert.NoError(t, ValidateSecret(""))
	assert.NoError(t, ValidateSecret("correct horse battery staple"))
	assert.ErrorIs(t, ValidateSecret("pass\nrm -rf /"), ErrInvalid)
	assert.ErrorIs(t, ValidateSecret(strings.Repeat("p", MaxSecretLength+1)), ErrInvalid)
}

func TestValidateDirectory(t *testing.T) {
	assert.NoError(t, ValidateDirectory("~/src"))
	assert.ErrorIs(t, ValidateDirectory("/tmp/\x00"), ErrInvalid)
}
