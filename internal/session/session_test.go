package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fatal bool
		drop  bool
	}{
		{"auth", &AuthError{User: "root", Err: errors.New("denied")}, true, false},
		{"key format", &KeyFormatError{Err: errors.New("bad armor")}, true, false},
		{"command timeout", &CommandTimeoutError{Command: "sleep 99", Timeout: time.Second}, true, false},
		{"missing client", fmt.Errorf("%w: ssh not in PATH", ErrClientUnavailable), true, false},
		{"connection refused", &ConnectionError{Addr: "10.0.0.1:22", Err: errors.New("connection refused")}, false, false},
		{"not connected", ErrNotConnected, false, true},
		{"channel drop", errors.New("ssh: session not active"), false, true},
		{"reset", errors.New("read tcp: connection reset by peer"), false, true},
		{"plain failure", errors.New("exit status 1"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsFatal(tc.err); got != tc.fatal {
				t.Fatalf("IsFatal(%v) = %v, want %v", tc.err, got, tc.fatal)
			}
			if got := IsChannelDrop(tc.err); got != tc.drop {
				t.Fatalf("IsChannelDrop(%v) = %v, want %v", tc.err, got, tc.drop)
			}
			if got := IsRetryable(tc.err); got == tc.fatal {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, !tc.fatal)
			}
		})
	}
}

func TestWrappedErrorsKeepClass(t *testing.T) {
	err := fmt.Errorf("run task: %w", &CommandTimeoutError{Command: "x", Timeout: time.Second})
	if !IsFatal(err) {
		t.Fatalf("wrapped command timeout should stay fatal")
	}
	if IsChannelDrop(err) {
		t.Fatalf("a command timeout is never a channel drop")
	}
}

// refusingDialer fails every dial the way a closed port does.
type refusingDialer struct{ calls int }

func (d *refusingDialer) Dial(network, addr string) (net.Conn, error) {
	d.calls++
	return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
}

func TestNativeConnectRefusedIsRetryable(t *testing.T) {
	dialer := &refusingDialer{}
	c := &NativeClient{
		Host:     "192.0.2.10",
		Port:     22,
		User:     "root",
		Password: "secret",
		Timeout:  time.Second,
		Dialer:   dialer,
	}
	err := c.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if IsFatal(err) {
		t.Fatalf("refused connections must stay retryable")
	}
	if dialer.calls != 1 {
		t.Fatalf("expected one dial, got %d", dialer.calls)
	}
}

func TestNativeConnectBadKeyIsFatal(t *testing.T) {
	c := &NativeClient{
		Host:    "192.0.2.10",
		User:    "root",
		Key:     []byte("definitely not pem"),
		Timeout: time.Second,
		Dialer:  &refusingDialer{},
	}
	err := c.Connect(context.Background())
	var keyErr *KeyFormatError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected KeyFormatError, got %v", err)
	}
}

func TestNativeConnectNoCredentials(t *testing.T) {
	c := &NativeClient{Host: "192.0.2.10", User: "root"}
	err := c.Connect(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestNativeOpsBeforeConnect(t *testing.T) {
	c := &NativeClient{Host: "192.0.2.10", User: "root", Password: "x"}
	ctx := context.Background()
	if _, _, _, err := c.Run(ctx, "true", 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Run before connect: %v", err)
	}
	if _, err := c.Put(ctx, "f", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Put before connect: %v", err)
	}
	if err := c.Delete(ctx, "f"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Delete before connect: %v", err)
	}
}

func TestNativeCloseIsIdempotent(t *testing.T) {
	c := &NativeClient{Host: "192.0.2.10", User: "root", Password: "x"}
	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestShellOutMissingBinary(t *testing.T) {
	c := &ShellOutClient{Host: "192.0.2.10", User: "root", SSHBinary: "no-such-ssh-binary-xyz"}
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrClientUnavailable) {
		t.Fatalf("expected ErrClientUnavailable, got %v", err)
	}
	if !IsFatal(err) {
		t.Fatalf("missing tooling must be fatal")
	}
}

// stubSSH writes an executable stand-in for the ssh binary.
func stubSSH(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestShellOutConnectProbeTimeoutIsRetryable(t *testing.T) {
	c := &ShellOutClient{
		Host:      "192.0.2.10",
		User:      "root",
		Timeout:   200 * time.Millisecond,
		SSHBinary: stubSSH(t, "sleep 5\n"),
	}
	start := time.Now()
	err := c.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if IsFatal(err) {
		t.Fatalf("a slow endpoint must stay retryable during connect")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("connect took %v, the 200ms deadline was not enforced", elapsed)
	}
}

func TestShellOutRunTimeoutStaysFatal(t *testing.T) {
	// The stub answers the connect probe (last argument "true")
	// instantly and hangs on everything else.
	script := "for a; do last=\"$a\"; done\n[ \"$last\" = true ] && exit 0\nsleep 5\n"
	c := &ShellOutClient{
		Host:      "192.0.2.10",
		User:      "root",
		Timeout:   time.Second,
		SSHBinary: stubSSH(t, script),
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, _, _, err := c.Run(context.Background(), "hang", 200*time.Millisecond)
	var timeoutErr *CommandTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected CommandTimeoutError, got %v", err)
	}
	if !IsFatal(err) {
		t.Fatalf("a hung command on an established channel is fatal")
	}
}

func TestShellOutCloseIsIdempotent(t *testing.T) {
	c := &ShellOutClient{Host: "192.0.2.10"}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("/tmp/a b"); got != "'/tmp/a b'" {
		t.Fatalf("got %s", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("got %s", got)
	}
}
