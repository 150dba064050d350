// Package remote owns the authenticated shell-command channel to a target.
// One session exists per target key at a time; a failed session is never
// resumed, the caller reconnects from scratch.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hostlens/hostlens/internal/target"
	"golang.org/x/crypto/ssh"
)

// State is the connectivity state of a session
type State int

const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultConnectTimeout bounds the time between dialing and the session
// reporting ready.
const DefaultConnectTimeout = 10 * time.Second

// Session is one live authenticated command-execution channel bound to a
// target. Execute calls are serialized; commands never interleave.
type Session struct {
	Target *target.Target

	client     *ssh.Client
	state      State
	failReason string
	stateMu    sync.Mutex

	// cmdMu serializes Execute against the single underlying channel
	cmdMu sync.Mutex

	logger *slog.Logger
}

// Connect dials the target and authenticates within the given ready-timeout.
// A zero timeout selects DefaultConnectTimeout.
func Connect(ctx context.Context, t *target.Target, timeout time.Duration, logger *slog.Logger) (*Session, error) {
	if t.LocalOnly {
		return nil, fmt.Errorf("target %s is local-only and has no remote shell", t.Key())
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	cfg, err := buildClientConfig(t, timeout)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Target: t,
		state:  StateConnecting,
		logger: logger.With("component", "session", "target", t.Key()),
	}

	resultCh := make(chan dialResult, 1)

	go func() {
		addr := t.Address()
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			resultCh <- dialResult{err: &NetworkError{Target: t.Key(), Err: err}}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			resultCh <- dialResult{err: classifyHandshakeError(t.Key(), err)}
			return
		}
		resultCh <- dialResult{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			s.setFailed(res.err.Error())
			return nil, res.err
		}
		s.stateMu.Lock()
		s.client = res.client
		s.state = StateReady
		s.stateMu.Unlock()
		s.logger.Debug("session ready")
		return s, nil
	case <-time.After(timeout):
		err := &TimeoutError{Target: t.Key(), Err: fmt.Errorf("no ready signal within %s", timeout)}
		s.setFailed(err.Error())
		go discardLateDial(resultCh)
		return nil, err
	case <-ctx.Done():
		err := &TimeoutError{Target: t.Key(), Err: ctx.Err()}
		s.setFailed(err.Error())
		go discardLateDial(resultCh)
		return nil, err
	}
}

type dialResult struct {
	client *ssh.Client
	err    error
}

// discardLateDial closes a connection whose handshake completed after the
// caller stopped waiting, so an abandoned dial never leaves a live channel
// behind.
func discardLateDial(resultCh <-chan dialResult) {
	if res := <-resultCh; res.client != nil {
		res.client.Close()
	}
}

// Execute runs one command to completion and returns its captured stdout.
// Data on stderr is logged as a warning unless the exit status is non-zero,
// in which case an ExecError carries the captured stderr text.
func (s *Session) Execute(ctx context.Context, command string) (string, error) {
	if st := s.State(); st != StateReady {
		return "", fmt.Errorf("cannot execute on %s session: %w", st, ErrNotReady)
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	// Re-check under cmdMu: a concurrent command may have failed the
	// session while this call waited for its turn.
	s.stateMu.Lock()
	st := s.state
	client := s.client
	s.stateMu.Unlock()
	if st != StateReady || client == nil {
		return "", fmt.Errorf("cannot execute on %s session: %w", st, ErrNotReady)
	}

	sess, err := client.NewSession()
	if err != nil {
		s.setFailed(err.Error())
		return "", &NetworkError{Target: s.Target.Key(), Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCh := make(chan error, 1)
	go func() {
		runCh <- sess.Run(command)
	}()

	select {
	case err = <-runCh:
	case <-ctx.Done():
		// Closing the channel unblocks the remote command
		sess.Close()
		<-runCh
		return "", fmt.Errorf("command %q cancelled: %w", command, ctx.Err())
	}

	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return "", &ExecError{
				Command:  command,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   strings.TrimSpace(stderr.String()),
				Err:      err,
			}
		}
		// Anything other than a clean exit status means the transport is gone
		s.setFailed(err.Error())
		return "", &NetworkError{Target: s.Target.Key(), Err: err}
	}

	if stderr.Len() > 0 {
		s.logger.Warn("command wrote to stderr",
			"command", command,
			"stderr", strings.TrimSpace(stderr.String()),
		)
	}

	return stdout.String(), nil
}

// Close releases the transport and transitions the session to Closed
func (s *Session) Close() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		if err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// State returns the current connectivity state
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// FailReason returns the recorded reason when the session is Failed
func (s *Session) FailReason() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.failReason
}

func (s *Session) setFailed(reason string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.state = StateFailed
	s.failReason = reason

	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// buildClientConfig assembles auth methods from the target's credential
// descriptor. Password and key file are mutually exclusive by validation.
func buildClientConfig(t *target.Target, timeout time.Duration) (*ssh.ClientConfig, error) {
	if t.Auth == nil {
		return nil, &AuthError{Target: t.Key(), Err: fmt.Errorf("no credentials configured")}
	}

	var authMethods []ssh.AuthMethod

	if t.Auth.Password != "" {
		authMethods = append(authMethods, ssh.Password(t.Auth.Password))
	}

	if t.Auth.KeyFile != "" {
		data, err := os.ReadFile(t.Auth.KeyFile)
		if err != nil {
			return nil, &AuthError{Target: t.Key(), Err: fmt.Errorf("failed to read private key: %w", err)}
		}

		var signer ssh.Signer
		if t.Auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(t.Auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(data)
		}
		if err != nil {
			return nil, &AuthError{Target: t.Key(), Err: fmt.Errorf("failed to parse private key: %w", err)}
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(authMethods) == 0 {
		return nil, &AuthError{Target: t.Key(), Err: fmt.Errorf("no authentication method provided")}
	}

	return &ssh.ClientConfig{
		User:            t.Auth.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// classifyHandshakeError splits handshake failures into auth and network
// domains so callers can report them distinctly.
func classifyHandshakeError(key string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods") ||
		strings.Contains(msg, "permission denied") {
		return &AuthError{Target: key, Err: err}
	}
	return &NetworkError{Target: key, Err: err}
}
