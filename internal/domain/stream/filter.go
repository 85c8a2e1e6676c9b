package stream

import (
	"regexp"
	"strings"
)

// Filter inspects a line before publication. It returns the line to publish
// (possibly rewritten) and whether to publish it at all.
type Filter func(line string) (string, bool)

// Chain applies filters in order, stopping at the first that drops the line.
func Chain(filters ...Filter) Filter {
	return func(line string) (string, bool) {
		for _, f := range filters {
			var keep bool
			if line, keep = f(line); !keep {
				return "", false
			}
		}
		return line, true
	}
}

var sudoPrompt = regexp.MustCompile(`\[sudo\] password for [^:]*:\s?|^Password:\s?$`)

// StripSudoPrompt removes password prompts that sudo -S writes to stderr.
// They are transport artifacts of secret delivery, not command output.
func StripSudoPrompt(line string) (string, bool) {
	if !strings.Contains(line, "[sudo]") && !strings.HasPrefix(line, "Password:") {
		return line, true
	}
	stripped := sudoPrompt.ReplaceAllString(line, "")
	if strings.TrimSpace(stripped) == "" {
		return "", false
	}
	return stripped, true
}

// Marker intercepts a line of the form "<token><payload>", hands the payload
// to capture and drops the line. The token must be unguessable so that no
// real output can collide with it.
func Marker(token string, capture func(payload string)) Filter {
	return func(line string) (string, bool) {
		i := strings.Index(line, token)
		if i < 0 {
			return line, true
		}
		capture(line[i+len(token):])
		// Output that lacked a trailing newline shares the marker's line.
		if prefix := line[:i]; prefix != "" {
			return prefix, true
		}
		return "", false
	}
}
