package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	gopath "path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ShellOutClient drives the local ssh binary with os/exec. It carries
// no persistent channel: every operation is its own subprocess, so
// Connect only verifies the tooling and reachability.
type ShellOutClient struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	Timeout time.Duration

	// SSHBinary overrides the binary name, for tests.
	SSHBinary string

	binary string
}

var _ Session = (*ShellOutClient)(nil)

func (c *ShellOutClient) baseArgs() []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
		"-o", "LogLevel=ERROR",
	}
	if c.Timeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", int(c.Timeout.Seconds())))
	}
	if c.KeyPath != "" {
		args = append(args, "-i", c.KeyPath)
	}
	if c.Port != 0 {
		args = append(args, "-p", strconv.Itoa(c.Port))
	}
	target := c.Host
	if c.User != "" {
		target = c.User + "@" + c.Host
	}
	return append(args, target)
}

// Connect locates the ssh binary and probes the endpoint with a no-op
// command. A missing binary is fatal; a failed probe is a retryable
// *ConnectionError unless the binary reported an auth rejection.
func (c *ShellOutClient) Connect(ctx context.Context) error {
	name := c.SSHBinary
	if name == "" {
		name = "ssh"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClientUnavailable, err)
	}
	c.binary = bin

	_, stderr, exit, err := c.Run(ctx, "true", c.Timeout)
	if err != nil {
		// No channel exists yet, so a timed-out probe is an unreachable
		// endpoint, not a hung command.
		var timeoutErr *CommandTimeoutError
		if errors.As(err, &timeoutErr) {
			return &ConnectionError{Addr: c.Host, Err: fmt.Errorf("probe timed out after %s", c.Timeout)}
		}
		return err
	}
	if exit != 0 {
		if strings.Contains(stderr, "Permission denied") {
			return &AuthError{User: c.User, Err: errors.New(strings.TrimSpace(stderr))}
		}
		return &ConnectionError{Addr: c.Host, Err: fmt.Errorf("probe exited %d: %s", exit, strings.TrimSpace(stderr))}
	}
	log.Debug().Str("host", c.Host).Str("user", c.User).Msg("ssh binary probe succeeded")
	return nil
}

// Run executes cmd through the ssh binary. The command deadline is
// enforced with a derived context; exceeding it yields a
// *CommandTimeoutError with whatever output was captured.
func (c *ShellOutClient) Run(ctx context.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	if c.binary == "" {
		return "", "", -1, ErrNotConnected
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(c.baseArgs(), cmd)
	proc := exec.CommandContext(runCtx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	// Descendants of a killed ssh can keep the output pipes open; give
	// up on them instead of waiting out their lifetime.
	proc.WaitDelay = time.Second

	err := proc.Run()
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return stdout.String(), stderr.String(), -1, &CommandTimeoutError{
			Command: cmd,
			Timeout: timeout,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("exec ssh: %w", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

// Put streams contents over stdin into `cat` on the remote side,
// creating the parent directory and applying perm in the same shell.
func (c *ShellOutClient) Put(ctx context.Context, path string, contents []byte, perm fs.FileMode) (string, error) {
	if c.binary == "" {
		return "", ErrNotConnected
	}
	if !gopath.IsAbs(path) {
		home, _, exit, err := c.Run(ctx, "pwd", c.Timeout)
		if err != nil || exit != 0 {
			return "", fmt.Errorf("resolve remote cwd: exit %d: %v", exit, err)
		}
		path = gopath.Join(strings.TrimSpace(home), path)
	}

	remote := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(gopath.Dir(path)), shellQuote(path))
	if perm != 0 {
		remote += fmt.Sprintf(" && chmod %o %s", perm&fs.ModePerm, shellQuote(path))
	}
	args := append(c.baseArgs(), remote)
	proc := exec.CommandContext(ctx, c.binary, args...)
	proc.Stdin = bytes.NewReader(contents)
	var stderr bytes.Buffer
	proc.Stderr = &stderr
	proc.WaitDelay = time.Second
	if err := proc.Run(); err != nil {
		return "", fmt.Errorf("put %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return path, nil
}

func (c *ShellOutClient) Delete(ctx context.Context, path string) error {
	_, stderr, exit, err := c.Run(ctx, "rm -f "+shellQuote(path), c.Timeout)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("delete %s: exit %d: %s", path, exit, strings.TrimSpace(stderr))
	}
	return nil
}

// Close is a no-op: there is no persistent channel to tear down.
func (c *ShellOutClient) Close() error { return nil }

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
