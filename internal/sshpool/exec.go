package sshpool

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrTimeout is returned by Exec when the command outlives its deadline.
var ErrTimeout = errors.New("sshpool: command timed out")

// ExecResult carries the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a command on the client with a wall-clock deadline. On timeout
// the session is closed (killing the remote command for well-behaved
// servers), ExitCode is -1 and ErrTimeout is returned alongside whatever
// output was captured.
func Exec(client *ssh.Client, command string, timeout time.Duration) (*ExecResult, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		result := &ExecResult{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, err

	case <-timer:
		session.Close()
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
		}, ErrTimeout
	}
}

// IsAuthError reports whether a dial failure was an authentication rejection
// rather than a network problem. The SSH library does not expose a typed
// error for this, so the handshake message is inspected.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}
