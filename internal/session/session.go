// Package session provides a uniform remote command/file interface over
// two interchangeable backends: a native SSH client and one that shells
// out to the local ssh binary. Deployment tasks and the deployer are
// backend-agnostic; they only see the Session capability and the error
// classes defined here.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// Session is one addressable, authenticated remote endpoint. Connect
// may be retried by the caller; Close must be called on every exit path
// and is idempotent. A Session is never shared across concurrent
// deployment attempts.
type Session interface {
	Connect(ctx context.Context) error
	// Put writes contents to path on the remote host, creating
	// intermediate directories and resolving relative paths against the
	// remote working directory. Returns the absolute path written.
	Put(ctx context.Context, path string, contents []byte, perm fs.FileMode) (string, error)
	// Run executes cmd in a remote shell. A timeout of zero means no
	// command-level deadline. Exceeding the timeout yields a
	// *CommandTimeoutError, which is never retryable.
	Run(ctx context.Context, cmd string, timeout time.Duration) (stdout, stderr string, exit int, err error)
	Delete(ctx context.Context, path string) error
	Close() error
}

// AuthError reports an authentication failure. Fatal: retrying with the
// same credentials cannot succeed.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: authentication failed for %q: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// KeyFormatError reports unparseable or unsupported key material.
// Fatal for the same reason as AuthError.
type KeyFormatError struct {
	Err error
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("session: unsupported key material: %v", e.Err)
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

// ConnectionError reports a dial-level failure: refused, timed out, or
// a transient socket error. Retryable.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandTimeoutError reports that a dispatched command outlived its
// own deadline. It signals the command hung, not the channel, so it is
// never treated as transient.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("session: command %q timed out after %s", e.Command, e.Timeout)
}

// ErrNotConnected is returned by operations invoked before Connect or
// after the channel dropped.
var ErrNotConnected = errors.New("session: not connected")

// ErrClientUnavailable means no usable backend tooling exists on the
// local host. Fatal.
var ErrClientUnavailable = errors.New("session: no usable ssh client")

// IsFatal reports whether err can never succeed on retry: bad
// credentials, bad key material, a hung command, or missing local
// tooling. Everything else is presumed transient.
func IsFatal(err error) bool {
	var authErr *AuthError
	var keyErr *KeyFormatError
	var cmdErr *CommandTimeoutError
	return errors.As(err, &authErr) ||
		errors.As(err, &keyErr) ||
		errors.As(err, &cmdErr) ||
		errors.Is(err, ErrClientUnavailable)
}

// IsRetryable is the complement of IsFatal for non-nil errors.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}

// IsChannelDrop reports whether err looks like a transient loss of an
// already-established command channel, the one condition worth a
// reconnect-and-rerun at the deployment layer.
func IsChannelDrop(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"session not active",
		"connection lost",
		"broken pipe",
		"connection reset",
		"unexpected EOF",
		"use of closed network connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
