package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a host presents a key different from
// the one recorded for it.
var ErrHostKeyMismatch = errors.New("remote host key changed")

// hostKeys checks host keys against a known_hosts file. Unknown hosts are
// recorded on first contact; hosts whose key changed are rejected.
type hostKeys struct {
	path string
	mu   sync.Mutex
}

// callback returns a HostKeyCallback bound to the current file contents.
func (h *hostKeys) callback() (ssh.HostKeyCallback, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	f.Close()

	check, err := knownhosts.New(h.path)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}

	return func(hostname string, addr net.Addr, key ssh.PublicKey) error {
		err := check(hostname, addr, key)
		var keyErr *knownhosts.KeyError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &keyErr) && len(keyErr.Want) == 0:
			return h.add(hostname, key)
		case errors.As(err, &keyErr):
			return fmt.Errorf("%w for %s", ErrHostKeyMismatch, hostname)
		default:
			return err
		}
	}, nil
}

func (h *hostKeys) add(hostname string, key ssh.PublicKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("known hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("known hosts: %w", err)
	}
	return nil
}
