package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/remote"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
)

func newRunCommand(f *flags) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "run [--dir D] -- <command>",
		Short: "Run one command through a private session",
		Long: `Run executes a single command the way the server would, streaming its
output to stdout and stderr. The exit code is 0 on success and the command's
exit code otherwise. Commands starting with the elevation keyword, and ssh
commands, prompt for a password on the terminal. An ssh command must name
the remote command to run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if f.logLevel == "" && !f.dev {
				cfg.Logging.Level = "warn"
			}
			logger := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store := session.NewStore(server.OptionsFromConfig(cfg), nil, nil, logger.Named("session").Logger)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Shell.KillWait+time.Second)
				defer cancel()
				_ = store.Close(closeCtx)
			}()

			code, err := runOnce(ctx, store, cfg, dir, strings.Join(args, " "), readPassword, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory (default: home)")

	return cmd
}

// runOnce executes command in a fresh session and returns its exit code.
// Cancelling ctx cancels the execution; output up to the end event is still
// written.
func runOnce(ctx context.Context, store *session.Store, cfg *config.Config, dir, command string, prompt func() ([]byte, error), stdout, stderr io.Writer) (int, error) {
	info, err := store.CreateSession(session.CreateOptions{Directory: dir, Label: "run"})
	if err != nil {
		return 0, err
	}
	sub, err := store.Subscribe(info.ID)
	if err != nil {
		return 0, err
	}
	defer sub.Close()

	if t, ok := remote.ParseCommand(command); ok && t.Interactive() && cfg.SSH.Enabled {
		return 0, fmt.Errorf("interactive ssh to %s needs a server session; name a remote command", t)
	}

	var execID id.ExecutionID
	if privilege.IsElevated(command, cfg.Shell.ElevationKeyword) {
		secret, err := prompt()
		if err != nil {
			return 0, fmt.Errorf("failed to read password: %w", err)
		}
		execID, err = store.RunPrivileged(ctx, info.ID, command, secret)
		if err != nil {
			return 0, err
		}
	} else {
		execID, err = store.Run(ctx, info.ID, command)
		if err != nil {
			return 0, err
		}
	}

	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				_ = store.Cancel(info.ID, execID)
			}
			ctx = context.Background()
		case ev, ok := <-sub.Events():
			if !ok {
				return 0, errors.New("session closed before the command finished")
			}
			if ev.ExecutionID != execID {
				continue
			}
			switch ev.Kind {
			case stream.KindRemotePassword:
				if err := submitPassword(ctx, store, info.ID, prompt); err != nil {
					_ = store.CancelSecret(info.ID)
					return 0, err
				}
			case stream.KindOutput:
				fmt.Fprintln(stdout, ev.Line)
			case stream.KindError:
				fmt.Fprintln(stderr, ev.Line)
			case stream.KindEnd:
				return exitCode(ev.Status), nil
			}
		}
	}
}

// submitPassword types a prompted password into the session's pending
// secret and submits it.
func submitPassword(ctx context.Context, store *session.Store, sid id.SessionID, prompt func() ([]byte, error)) error {
	secret, err := prompt()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(secret)

	for _, r := range string(secret) {
		if _, err := store.SecretKey(sid, r); err != nil {
			return err
		}
	}
	_, err = store.SubmitSecret(ctx, sid)
	return err
}

func exitCode(c *stream.Completion) int {
	switch {
	case c == nil:
		return 1
	case c.Success:
		return 0
	case c.Outcome == stream.OutcomeCancelled:
		return 130
	case c.ExitCode > 0:
		return c.ExitCode
	default:
		return 1
	}
}

func readPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(fd)
}
