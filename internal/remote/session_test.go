package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hostlens/hostlens/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget() *target.Target {
	return &target.Target{
		Label: "web-01",
		Host:  "127.0.0.1",
		Port:  1,
		Auth:  &target.Auth{Username: "monitor", Password: "secret"},
	}
}

func TestConnectRejectsLocalOnlyTarget(t *testing.T) {
	local := &target.Target{Label: "localhost", LocalOnly: true}
	_, err := Connect(context.Background(), local, time.Second, discardLogger())
	assert.Error(t, err)
}

func TestConnectClosedPortFails(t *testing.T) {
	_, err := Connect(context.Background(), testTarget(), 2*time.Second, discardLogger())
	require.Error(t, err)

	var nerr *NetworkError
	assert.ErrorAs(t, err, &nerr)
}

func TestExecuteOnNonReadySessionFailsFast(t *testing.T) {
	s := &Session{
		Target: testTarget(),
		state:  StateFailed,
		logger: discardLogger(),
	}

	_, err := s.Execute(context.Background(), "true")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestExecuteAfterConcurrentFailure(t *testing.T) {
	s := &Session{
		Target: testTarget(),
		state:  StateReady,
		logger: discardLogger(),
	}

	// Hold the command lock as an in-flight command would, let a second
	// Execute pass the fast state check and queue up behind it.
	s.cmdMu.Lock()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "true")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.setFailed("transport lost")
	s.cmdMu.Unlock()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotReady)
	case <-time.After(2 * time.Second):
		t.Fatal("queued Execute never returned")
	}
	assert.Equal(t, StateFailed, s.State())
}

// startSlowServer accepts one connection, waits, then completes the handshake.
// closed is signalled when that connection is torn down again.
func startSlowServer(t *testing.T, delay time.Duration) (*target.Target, chan struct{}) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(delay)
		serverConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
		if err != nil {
			conn.Close()
			close(closed)
			return
		}
		go ssh.DiscardRequests(reqs)
		go func() {
			for ch := range chans {
				ch.Reject(ssh.Prohibited, "no channels")
			}
		}()
		serverConn.Wait()
		close(closed)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &target.Target{
		Label: "slow",
		Host:  host,
		Port:  port,
		Auth:  &target.Auth{Username: "monitor", Password: "secret"},
	}, closed
}

func TestConnectTimeoutClosesLateHandshake(t *testing.T) {
	tgt, closed := startSlowServer(t, 400*time.Millisecond)

	_, err := Connect(context.Background(), tgt, 100*time.Millisecond, discardLogger())
	require.Error(t, err)

	var terr *TimeoutError
	assert.ErrorAs(t, err, &terr)

	// the handshake finishing after the timeout must not leave a live
	// connection behind
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("late connection was never closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := &Session{
		Target: testTarget(),
		state:  StateReady,
		logger: discardLogger(),
	}

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())
}

func TestClosedSessionStaysClosed(t *testing.T) {
	s := &Session{
		Target: testTarget(),
		state:  StateClosed,
		logger: discardLogger(),
	}

	s.setFailed("late failure")
	assert.Equal(t, StateClosed, s.State())
}

func TestBuildClientConfig(t *testing.T) {
	cfg, err := buildClientConfig(testTarget(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, time.Second, cfg.Timeout)
}

func TestBuildClientConfigNoCredentials(t *testing.T) {
	tgt := testTarget()
	tgt.Auth = nil
	_, err := buildClientConfig(tgt, time.Second)

	var aerr *AuthError
	require.ErrorAs(t, err, &aerr)
}

func TestBuildClientConfigMissingKeyFile(t *testing.T) {
	tgt := testTarget()
	tgt.Auth = &target.Auth{Username: "monitor", KeyFile: "/nonexistent/key"}
	_, err := buildClientConfig(tgt, time.Second)

	var aerr *AuthError
	require.ErrorAs(t, err, &aerr)
}

func TestClassifyHandshakeError(t *testing.T) {
	err := classifyHandshakeError("k", errors.New("ssh: unable to authenticate, attempted methods [password]"))
	var aerr *AuthError
	assert.ErrorAs(t, err, &aerr)

	err = classifyHandshakeError("k", errors.New("connection reset by peer"))
	var nerr *NetworkError
	assert.ErrorAs(t, err, &nerr)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestExecErrorMessage(t *testing.T) {
	err := &ExecError{Command: "vmstat", ExitCode: 127, Stderr: "vmstat: not found"}
	assert.Contains(t, err.Error(), "exit 127")
	assert.Contains(t, err.Error(), "not found")
}
