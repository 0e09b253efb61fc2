// Package sshtest runs an in-process SSH server for tests. It executes
// commands with "sh -c" on the local machine and serves the sftp subsystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Password accepted by every Server.
const Password = "secret"

// User accepted by every Server.
const User = "gfac"

// Server is a minimal SSH server bound to a loopback port.
type Server struct {
	Addr string
	// PEM encoded private key accepted for User.
	ClientKey []byte
	HostKey   ssh.PublicKey

	ln       net.Listener
	mu       sync.Mutex
	commands []string
	procs    map[*exec.Cmd]struct{}
	keys     []ssh.PublicKey
	conns    []net.Conn
	wg       sync.WaitGroup
}

// NewServer starts a server and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(clientPriv)
	if err != nil {
		t.Fatal(err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
	}
	conf.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{
		Addr:      ln.Addr().String(),
		ClientKey: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		HostKey:   hostSigner.PublicKey(),
		ln:        ln,
		procs:     map[*exec.Cmd]struct{}{},
	}
	s.Authorize(authorized)
	conf.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if c.User() == User && s.authorized(key) {
			return nil, nil
		}
		return nil, errors.New("unknown key")
	}
	go s.serve(conf)
	t.Cleanup(s.Close)
	return s
}

// Authorize accepts key for User.
func (s *Server) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
}

func (s *Server) authorized(key ssh.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return true
		}
	}
	return false
}

// Commands returns the commands executed so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops the listener and kills running commands.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for cmd := range s.procs {
		killGroup(cmd)
	}
	for _, nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve(conf *ssh.ServerConfig) {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.handleConn(nc, conf)
	}
}

func (s *Server) handleConn(nc net.Conn, conf *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, conf)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, creqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	var cmd *exec.Cmd

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || cmd != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			cmd = s.start(ch, payload.Command)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				srv, err := sftp.NewServer(ch)
				if err == nil {
					srv.Serve()
				}
				ch.Close()
			}()

		case "signal":
			s.kill(cmd)
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(req.Type == "env", nil)
			}
		}
	}

	// The client closed the channel.
	s.kill(cmd)
}

func (s *Server) start(ch ssh.Channel, command string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		io.WriteString(ch.Stderr(), err.Error())
		sendExit(ch, 127)
		ch.Close()
		return nil
	}

	s.mu.Lock()
	s.procs[cmd] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()

		s.mu.Lock()
		delete(s.procs, cmd)
		s.mu.Unlock()

		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if code < 0 {
				// Killed by a signal.
				code = 137
			}
		} else if err != nil {
			code = 1
		}
		sendExit(ch, code)
		ch.Close()
	}()
	return cmd
}

func (s *Server) kill(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[cmd]; ok {
		killGroup(cmd)
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func sendExit(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}
