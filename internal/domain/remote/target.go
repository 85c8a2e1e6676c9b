package remote

import (
	"net"
	"strconv"
	"strings"
)

// Target is the destination of an ssh command line.
type Target struct {
	User     string
	Host     string
	Port     int
	Identity string
	// Command is run instead of an interactive shell when set.
	Command string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String renders the target the way ssh prints it.
func (t Target) String() string {
	s := t.Host
	if t.User != "" {
		s = t.User + "@" + s
	}
	if t.Port != DefaultPort {
		s += ":" + strconv.Itoa(t.Port)
	}
	return s
}

// Interactive reports whether the target opens a persistent shell.
func (t Target) Interactive() bool {
	return t.Command == ""
}

// DefaultPort is the ssh port used when the command line names none.
const DefaultPort = 22

// valueFlags are the ssh options that consume the next word.
const valueFlags = "BbcDEeFIiJLlmOoPpQRSWw"

// ParseCommand recognises "ssh [options] [user@]host [command]". Options
// other than -p, -l, -i and -o Port/User/IdentityFile are accepted and
// ignored. It reports false for anything that is not an ssh invocation with
// a destination.
func ParseCommand(command string) (Target, bool) {
	fields := strings.Fields(command)
	if len(fields) < 2 || fields[0] != "ssh" {
		return Target{}, false
	}

	t := Target{Port: DefaultPort}
	for i := 1; i < len(fields); i++ {
		word := fields[i]
		if word == "--" {
			i++
			if i >= len(fields) {
				return Target{}, false
			}
			return withDestination(t, fields[i], fields[i+1:])
		}
		if !strings.HasPrefix(word, "-") || word == "-" {
			return withDestination(t, word, fields[i+1:])
		}

		flag := word[1]
		if !strings.ContainsRune(valueFlags, rune(flag)) {
			continue
		}
		value := word[2:]
		if value == "" {
			i++
			if i >= len(fields) {
				return Target{}, false
			}
			value = fields[i]
		}
		if !applyOption(&t, flag, value) {
			return Target{}, false
		}
	}
	return Target{}, false
}

func applyOption(t *Target, flag byte, value string) bool {
	switch flag {
	case 'p':
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return false
		}
		t.Port = port
	case 'l':
		t.User = value
	case 'i':
		t.Identity = value
	case 'o':
		key, val, ok := strings.Cut(value, "=")
		if !ok {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "port":
			return applyOption(t, 'p', strings.TrimSpace(val))
		case "user":
			t.User = strings.TrimSpace(val)
		case "identityfile":
			t.Identity = strings.TrimSpace(val)
		}
	}
	return true
}

func withDestination(t Target, dest string, rest []string) (Target, bool) {
	if user, host, ok := strings.Cut(dest, "@"); ok {
		t.User = user
		dest = host
	}
	if dest == "" {
		return Target{}, false
	}
	t.Host = strings.TrimSuffix(strings.TrimPrefix(dest, "["), "]")
	t.Command = strings.Join(rest, " ")
	return t, true
}
