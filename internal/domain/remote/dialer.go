package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/paths"
)

var (
	// ErrAuthFailed is returned when the server rejects every credential.
	ErrAuthFailed = errors.New("permission denied")
	// ErrClosed is returned when sending to a shell that has ended.
	ErrClosed = errors.New("remote shell closed")
	// ErrBusy is returned when a shell's input queue is full.
	ErrBusy = errors.New("remote shell input queue full")
)

// Options configures a Dialer.
type Options struct {
	// KnownHostsFile records host keys. Empty selects ~/.ssh/known_hosts.
	KnownHostsFile string
	// Timeout bounds the TCP connect and the handshake.
	Timeout time.Duration
	// Home resolves "~" in identity paths.
	Home string
}

// Dialer opens ssh connections.
type Dialer struct {
	opts   Options
	keys   *hostKeys
	logger *zap.Logger
}

// NewDialer creates a dialer.
func NewDialer(opts Options, logger *zap.Logger) *Dialer {
	if opts.Home == "" {
		opts.Home = paths.Home()
	}
	if opts.KnownHostsFile == "" {
		opts.KnownHostsFile = filepath.Join(opts.Home, ".ssh", "known_hosts")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		opts:   opts,
		keys:   &hostKeys{path: paths.ExpandTilde(opts.KnownHostsFile, opts.Home)},
		logger: logger,
	}
}

// Open connects to t and starts its command, or an interactive shell when
// t has none. The password is only read during the handshake; the caller
// may wipe it once Open returns.
func (d *Dialer) Open(ctx context.Context, t Target, password []byte) (*Shell, error) {
	client, err := d.dial(ctx, t, password)
	if err != nil {
		return nil, err
	}
	sh, err := start(client, t.Command, d.logger.With(zap.String("target", t.String())))
	if err != nil {
		client.Close()
		return nil, err
	}
	d.logger.Info("Remote shell opened",
		zap.String("target", t.String()),
		zap.Bool("interactive", t.Interactive()))
	return sh, nil
}

func (d *Dialer) dial(ctx context.Context, t Target, password []byte) (*ssh.Client, error) {
	if t.User == "" {
		t.User = currentUser()
	}
	auth, err := d.authMethods(t, password)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := d.keys.callback()
	if err != nil {
		return nil, err
	}

	addr := t.Addr()
	nd := net.Dialer{Timeout: d.opts.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: connect to %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(d.opts.Timeout))

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.Timeout,
	})
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w (%s@%s)", ErrAuthFailed, t.User, t.Host)
		}
		return nil, fmt.Errorf("ssh: %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// authMethods offers the identity file when one is named, then the password
// both directly and through keyboard-interactive prompts.
func (d *Dialer) authMethods(t Target, password []byte) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if t.Identity != "" {
		pem, err := os.ReadFile(paths.ExpandTilde(t.Identity, d.opts.Home))
		if err != nil {
			return nil, fmt.Errorf("ssh: identity: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && len(password) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, password)
		}
		if err != nil {
			return nil, fmt.Errorf("ssh: identity: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(password) > 0 {
		methods = append(methods,
			ssh.PasswordCallback(func() (string, error) {
				return string(password), nil
			}),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = string(password)
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
