// Package sshtest runs a local ssh server whose sessions execute commands
// with /bin/sh, for tests of remote shells.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Server is a password-authenticated ssh server on 127.0.0.1.
type Server struct {
	User     string
	Password string
	HostKey  ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns []net.Conn
}

// NewServer starts a server accepting user/password and stops it when the
// test ends.
func NewServer(t testing.TB, user, password string) *Server {
	t.Helper()
	return NewServerOn(t, "127.0.0.1:0", user, password)
}

// NewServerOn is NewServer on a fixed address, for reusing an address with
// a fresh host key.
func NewServerOn(t testing.TB, addr, user, password string) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	s := &Server{User: user, Password: password, HostKey: signer.PublicKey()}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == s.User && string(pw) == s.Password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	s.config.AddHostKey(signer)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// DropConnections closes every accepted connection without an exit status.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			session(ch, requests)
		}()
	}
	sessions.Wait()
}

func session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		var cmd *exec.Cmd
		switch req.Type {
		case "shell":
			cmd = exec.Command("/bin/sh")
		case "exec":
			if len(req.Payload) < 4 || uint64(len(req.Payload)-4) < uint64(binary.BigEndian.Uint32(req.Payload)) {
				_ = req.Reply(false, nil)
				continue
			}
			n := binary.BigEndian.Uint32(req.Payload)
			cmd = exec.Command("/bin/sh", "-c", string(req.Payload[4:4+n]))
		default:
			_ = req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			continue
		}
		_ = req.Reply(true, nil)

		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.WaitDelay = time.Second
		// A pipe rather than cmd.Stdin = ch: Wait must not block on a client
		// that keeps its stdin open.
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return
		}
		if err := cmd.Start(); err != nil {
			return
		}
		go func() {
			_, _ = io.Copy(stdin, ch)
			stdin.Close()
		}()
		// requests closes with the channel; a vanished client must not leave
		// the command running.
		go func() {
			ssh.DiscardRequests(requests)
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}()

		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = 127
			}
		}
		_ = ch.CloseWrite()
		status := make([]byte, 4)
		binary.BigEndian.PutUint32(status, uint32(code))
		_, _ = ch.SendRequest("exit-status", false, status)
		return
	}
}
