package paths

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound     = errors.New("directory not found")
	ErrNotDirectory = errors.New("not a directory")
)

// Home returns the invoking user's home directory, falling back to $HOME and
// then to the filesystem root.
func Home() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return string(filepath.Separator)
}

// ExpandTilde replaces a leading "~" or "~/" with home. Other forms such as
// "~user" are returned unchanged.
func ExpandTilde(p, home string) string {
	switch {
	case p == "~":
		return home
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(home, p[2:])
	default:
		return p
	}
}

// Join resolves p against cwd without touching the filesystem.
func Join(cwd, home, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "~" || p == "~/" {
		return filepath.Clean(home)
	}
	p = ExpandTilde(p, home)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}

// ResolveDir resolves arg against cwd and checks that the result is an
// existing directory the caller may enter. Denied access is reported as
// fs.ErrPermission.
func ResolveDir(cwd, home, arg string) (string, error) {
	target := Join(cwd, home, unquote(arg))

	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, arg)
		}
		return "", fmt.Errorf("stat %s: %w", target, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, arg)
	}
	if err := unix.Access(target, unix.X_OK); err != nil {
		return "", &fs.PathError{Op: "access", Path: target, Err: err}
	}
	return target, nil
}

// Shorten replaces a home prefix with "~" for display.
func Shorten(p, home string) string {
	if home == "" || home == string(filepath.Separator) {
		return p
	}
	if p == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(p, home+string(filepath.Separator)); ok {
		return "~/" + rest
	}
	return p
}

// unquote strips one layer of matching single or double quotes, so that
// `cd "My Documents"` resolves like a shell would.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
