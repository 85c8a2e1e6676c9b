package remote

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	chunkSize  = 4096
	sendQueue  = 64
	chunkQueue = 16
)

// Status is how a remote command or shell ended.
type Status struct {
	Code   int
	Signal string
	// Lost is set when the connection dropped without an exit status.
	Lost bool
	Err  error
}

// Success reports a zero exit status.
func (s Status) Success() bool {
	return s.Err == nil && !s.Lost && s.Signal == "" && s.Code == 0
}

// Describe renders the status for a user.
func (s Status) Describe() string {
	switch {
	case s.Lost:
		return "connection closed"
	case s.Signal != "":
		return "killed by signal " + s.Signal
	case s.Err != nil:
		return s.Err.Error()
	case s.Code != 0:
		return fmt.Sprintf("exit status %d", s.Code)
	default:
		return ""
	}
}

// Shell is a running remote command or interactive shell. Output arrives
// on Stdout and Stderr, which close once the remote side is done.
type Shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	logger  *zap.Logger

	stdout chan []byte
	stderr chan []byte
	sends  chan string
	done   chan struct{}

	closeOnce sync.Once
	status    Status
}

func start(client *ssh.Client, command string, logger *zap.Logger) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: open session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh: stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh: stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh: stderr: %w", err)
	}

	if command == "" {
		err = session.Shell()
	} else {
		err = session.Start(command)
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh: start: %w", err)
	}

	sh := &Shell{
		client:  client,
		session: session,
		stdin:   stdin,
		logger:  logger,
		stdout:  make(chan []byte, chunkQueue),
		stderr:  make(chan []byte, chunkQueue),
		sends:   make(chan string, sendQueue),
		done:    make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go sh.relay(stdout, sh.stdout, &readers)
	go sh.relay(stderr, sh.stderr, &readers)
	go sh.writeLoop()

	go func() {
		err := session.Wait()
		readers.Wait()
		sh.status = statusOf(err)
		sh.Close()
		close(sh.done)
	}()

	return sh, nil
}

func statusOf(err error) Status {
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		return Status{}
	case errors.As(err, &exitErr):
		return Status{Code: exitErr.ExitStatus(), Signal: exitErr.Signal()}
	case errors.As(err, &missing):
		return Status{Code: -1, Lost: true}
	case errors.Is(err, io.EOF):
		return Status{Code: -1, Lost: true}
	default:
		return Status{Code: -1, Err: err}
	}
}

func (sh *Shell) relay(r io.Reader, out chan<- []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)

	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (sh *Shell) writeLoop() {
	for {
		select {
		case <-sh.done:
			return
		case line := <-sh.sends:
			if _, err := io.WriteString(sh.stdin, line); err != nil {
				sh.logger.Warn("Remote shell write failed, closing", zap.Error(err))
				sh.Close()
				return
			}
		}
	}
}

// Send queues text for the remote shell's stdin. It never blocks.
func (sh *Shell) Send(text string) error {
	select {
	case <-sh.done:
		return ErrClosed
	default:
	}
	select {
	case sh.sends <- text:
		return nil
	default:
		return ErrBusy
	}
}

// Stdout returns the remote standard output.
func (sh *Shell) Stdout() <-chan []byte { return sh.stdout }

// Stderr returns the remote standard error.
func (sh *Shell) Stderr() <-chan []byte { return sh.stderr }

// Done is closed once the shell has ended and its output is drained.
func (sh *Shell) Done() <-chan struct{} { return sh.done }

// Wait blocks until the shell ends and returns its status.
func (sh *Shell) Wait() Status {
	<-sh.done
	return sh.status
}

// Close tears the connection down. The shell then ends as lost unless it
// had already exited.
func (sh *Shell) Close() {
	sh.closeOnce.Do(func() {
		_ = sh.stdin.Close()
		_ = sh.session.Close()
		_ = sh.client.Close()
	})
}
