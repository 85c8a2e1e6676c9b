package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrSpawn         = errors.New("failed to start process")
	ErrSecretOverTTY = errors.New("secrets cannot be delivered over a terminal")
)

const readBufferSize = 4096

// Secret is a credential handed to the child on stdin. Bytes returns the
// backing buffer itself, not a copy; Wipe zeroes it.
type Secret interface {
	Bytes() []byte
	Wipe()
}

// Options configures a Supervisor.
type Options struct {
	Shell        string
	GraceWindow  time.Duration
	DrainTimeout time.Duration
	TTYCols      uint16
	TTYRows      uint16
}

// Spec describes one process to run.
type Spec struct {
	Dir     string
	Env     []string
	Command string
	// Secret, when set, is written to stdin followed by a newline, then wiped.
	Secret Secret
	// TTY runs the command on a pseudo-terminal. Stdout and stderr are
	// merged; Stderr() closes immediately.
	TTY bool
}

// Supervisor spawns shell commands in their own process groups.
type Supervisor struct {
	opts   Options
	logger *zap.Logger
}

// New creates a supervisor.
func New(opts Options, logger *zap.Logger) *Supervisor {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 100 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	if opts.TTYCols == 0 {
		opts.TTYCols = 80
	}
	if opts.TTYRows == 0 {
		opts.TTYRows = 24
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{opts: opts, logger: logger}
}

// Shell returns the interpreter commands are handed to.
func (s *Supervisor) Shell() string {
	return s.opts.Shell
}

// Handle is the supervisor's exclusive grip on one running process.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	logger *zap.Logger

	stdout chan []byte
	stderr chan []byte

	closers []io.Closer
	readers sync.WaitGroup
	abandon chan struct{}

	exited chan struct{}
	done   chan struct{}
	status ExitStatus

	grace     time.Duration
	drain     time.Duration
	termOnce  sync.Once
	escalated atomic.Bool
}

// Spawn starts spec.Command under the configured shell. It returns once the
// process is running; output and exit are observed through the handle.
// Cancelling ctx terminates the process the same way Terminate does.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.TTY && spec.Secret != nil {
		return nil, ErrSecretOverTTY
	}

	cmd := exec.Command(s.opts.Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	h := &Handle{
		cmd:     cmd,
		logger:  s.logger,
		stdout:  make(chan []byte, 64),
		stderr:  make(chan []byte, 64),
		abandon: make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
		grace:   s.opts.GraceWindow,
		drain:   s.opts.DrainTimeout,
	}

	var err error
	if spec.TTY {
		err = h.startTTY(s.opts.TTYCols, s.opts.TTYRows)
	} else {
		err = h.startPipes(spec.Secret)
	}
	if err != nil {
		if spec.Secret != nil {
			spec.Secret.Wipe()
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	h.pid = cmd.Process.Pid
	s.logger.Debug("process started",
		zap.Int("pid", h.pid),
		zap.String("dir", spec.Dir),
		zap.Bool("tty", spec.TTY),
	)

	go h.wait()
	go func() {
		select {
		case <-ctx.Done():
			h.Terminate()
		case <-h.done:
		}
	}()

	return h, nil
}

func (h *Handle) startPipes(secret Secret) error {
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return err
	}

	var inR, inW *os.File
	if secret != nil {
		if inR, inW, err = os.Pipe(); err != nil {
			closeAll(outR, outW, errR, errW)
			return err
		}
		h.cmd.Stdin = inR
	}

	h.cmd.Stdout = outW
	h.cmd.Stderr = errW

	if err := h.cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW, inR, inW)
		return err
	}

	// The child holds its own copies; the parent's write ends must close
	// for EOF to arrive.
	closeAll(outW, errW, inR)

	if secret != nil {
		// A pipe buffer holds far more than any secret, so this cannot block.
		_, _ = inW.Write(secret.Bytes())
		_, _ = inW.Write([]byte{'\n'})
		secret.Wipe()
		_ = inW.Close()
	}

	h.closers = []io.Closer{outR, errR}
	h.readers.Add(2)
	go h.read(outR, h.stdout)
	go h.read(errR, h.stderr)
	return nil
}

func (h *Handle) startTTY(cols, rows uint16) error {
	ptmx, err := pty.StartWithSize(h.cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}

	close(h.stderr)
	h.closers = []io.Closer{ptmx}
	h.readers.Add(1)
	go h.read(ptmx, h.stdout)
	return nil
}

func (h *Handle) read(r io.Reader, out chan<- []byte) {
	defer h.readers.Done()
	defer close(out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-h.abandon:
				return
			}
		}
		if err != nil {
			// EOF for pipes, EIO for a pty whose child has gone.
			return
		}
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.status = statusFromWait(err)
	close(h.exited)

	drained := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(h.drain):
		// A background child still holds the write end. Stop reading so
		// the execution can finish.
		h.logger.Debug("output drain timed out", zap.Int("pid", h.pid))
		close(h.abandon)
		closeAll(h.closers...)
		<-drained
	}
	closeAll(h.closers...)

	h.logger.Debug("process exited",
		zap.Int("pid", h.pid),
		zap.Int("code", h.status.Code),
		zap.String("signal", h.status.Signal),
	)
	close(h.done)
}

// Terminate asks the process group to stop and returns immediately. If the
// group is still alive after the grace window it is killed. Calling it
// again, or after exit, does nothing.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		select {
		case <-h.exited:
			return
		default:
		}

		if err := unix.Kill(-h.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			h.logger.Warn("SIGTERM failed", zap.Int("pid", h.pid), zap.Error(err))
		}

		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()

			select {
			case <-h.exited:
			case <-timer.C:
				h.escalated.Store(true)
				h.logger.Info("escalating to SIGKILL", zap.Int("pid", h.pid))
				if err := unix.Kill(-h.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
					h.logger.Warn("SIGKILL failed", zap.Int("pid", h.pid), zap.Error(err))
				}
			}
		}()
	})
}

// Stdout returns the ordered stdout chunks. Closed at EOF.
func (h *Handle) Stdout() <-chan []byte { return h.stdout }

// Stderr returns the ordered stderr chunks. Closed at EOF.
func (h *Handle) Stderr() <-chan []byte { return h.stderr }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited is closed as soon as the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Pid returns the process ID, which is also the process group ID.
func (h *Handle) Pid() int { return h.pid }

// Escalated reports whether Terminate had to fall back to SIGKILL.
func (h *Handle) Escalated() bool { return h.escalated.Load() }

// Wait blocks until Done and returns the exit status.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	return h.status
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if f, ok := c.(*os.File); ok && f == nil {
			continue
		}
		_ = c.Close()
	}
}
