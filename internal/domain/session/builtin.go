package session

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/paths"
)

type commandKind int

const (
	commandShell commandKind = iota
	commandClear
	commandCd
	commandCompoundCd
)

// shellMeta marks a cd argument that only a shell can interpret.
const shellMeta = ";&|`$<>()\n*?[{"

// classify decides how a trimmed command line is executed. For a bare cd it
// also returns the argument.
func classify(command string) (commandKind, string) {
	switch command {
	case "clear", "cls":
		return commandClear, ""
	case "cd":
		return commandCd, ""
	}

	rest, ok := strings.CutPrefix(command, "cd")
	if !ok || (rest[0] != ' ' && rest[0] != '\t') {
		return commandShell, ""
	}
	rest = strings.TrimSpace(rest)
	if strings.ContainsAny(rest, shellMeta) {
		return commandCompoundCd, ""
	}
	return commandCd, rest
}

// changeDirectory resolves a bare cd argument. "-" returns to the previous
// directory.
func changeDirectory(cwd, prev, home, arg string) (string, error) {
	if arg == "-" {
		if prev == "" {
			return "", paths.ErrNotFound
		}
		arg = prev
	}
	return paths.ResolveDir(cwd, home, arg)
}

// cdFailure renders the user-facing message for a failed cd.
func cdFailure(arg string, err error) string {
	switch {
	case errors.Is(err, paths.ErrNotDirectory):
		return "Not a directory: " + arg
	case errors.Is(err, fs.ErrPermission):
		return "Permission denied: " + arg
	case errors.Is(err, paths.ErrNotFound):
		return "Directory not found: " + arg
	}
	return "cd: " + arg + ": " + err.Error()
}

// cwdMarker returns a token that cannot occur in real output.
func cwdMarker() string {
	return "__shelld_cwd_" + id.Default().GenerateString() + "__"
}

// withCwdReport appends a trailer that prints the final working directory
// after marker while preserving the command's exit status.
func withCwdReport(command, marker string) string {
	var b strings.Builder
	b.WriteString(command)
	b.WriteString("\n__shelld_status=$?\n")
	b.WriteString(cwdReport(marker))
	b.WriteString("exit $__shelld_status\n")
	return b.String()
}

// cwdReport is a shell line printing the working directory after marker.
func cwdReport(marker string) string {
	return "printf '%s%s\\n' '" + marker + "' \"$PWD\"\n"
}
