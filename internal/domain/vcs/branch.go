package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/resilience"
)

// Probe results reported to the Recorder.
const (
	ResultBranch   = "branch"
	ResultNone     = "none"
	ResultError    = "error"
	ResultRejected = "rejected"
)

var errNoRepository = errors.New("not a repository")

// Recorder receives one result per probe.
type Recorder interface {
	RecordBranchProbe(result string)
}

// Options configures a Prober.
type Options struct {
	// Git is the git binary. Empty selects "git" from PATH.
	Git              string
	Timeout          time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Prober reads the current branch label of a directory. Repeated timeouts
// or a missing git binary open a circuit breaker so that prompt refreshes
// stop paying for a probe that cannot succeed.
type Prober struct {
	git      string
	timeout  time.Duration
	breaker  *resilience.Breaker
	recorder Recorder
	logger   *zap.Logger
}

// NewProber creates a prober. recorder may be nil.
func NewProber(opts Options, recorder Recorder, logger *zap.Logger) *Prober {
	if opts.Git == "" {
		opts.Git = "git"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Prober{
		git:      opts.Git,
		timeout:  opts.Timeout,
		recorder: recorder,
		logger:   logger,
	}
	p.breaker = resilience.New("vcs-branch", resilience.Settings{
		Threshold: opts.BreakerThreshold,
		Cooldown:  opts.BreakerCooldown,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errNoRepository)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return p
}

// Breaker exposes the probe's circuit breaker.
func (p *Prober) Breaker() *resilience.Breaker {
	return p.breaker
}

// Branch returns the branch checked out in dir. A directory outside any
// repository yields "" and no error. Errors are reserved for probes that
// could not run: timeouts, a missing git binary, or an open breaker.
func (p *Prober) Branch(ctx context.Context, dir string) (string, error) {
	branch, err := resilience.Do(p.breaker, func() (string, error) {
		return p.revParse(ctx, dir)
	})

	switch {
	case err == nil:
		p.record(ResultBranch)
		return branch, nil
	case errors.Is(err, errNoRepository):
		p.record(ResultNone)
		return "", nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		p.record(ResultRejected)
		return "", err
	default:
		p.record(ResultError)
		p.logger.Debug("Branch probe failed", zap.String("dir", dir), zap.Error(err))
		return "", err
	}
}

func (p *Prober) revParse(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.git, "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_OPTIONAL_LOCKS=0")
	cmd.WaitDelay = 100 * time.Millisecond

	out, err := cmd.Output()
	if ctx.Err() != nil {
		return "", fmt.Errorf("git rev-parse: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", errNoRepository
		}
		return "", fmt.Errorf("git rev-parse: %w", err)
	}

	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "", errNoRepository
	}
	return branch, nil
}

func (p *Prober) record(result string) {
	if p.recorder != nil {
		p.recorder.RecordBranchProbe(result)
	}
}
