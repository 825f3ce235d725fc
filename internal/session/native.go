package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	gopath "path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// Dialer abstracts the TCP dial so tests can substitute a fake
// transport.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.Dial(network, addr)
}

// NativeClient is the in-process SSH backend built on
// golang.org/x/crypto/ssh with file operations over SFTP.
type NativeClient struct {
	Host       string
	Port       int
	User       string
	Password   string
	Key        []byte // private key material; tried before Password
	KeyPath    string // read at Connect when Key is empty
	Passphrase string
	Timeout    time.Duration
	HostKey    xssh.HostKeyCallback
	Dialer     Dialer

	mu     sync.Mutex
	client *xssh.Client
	ftp    *sftp.Client
	closed bool
}

var _ Session = (*NativeClient)(nil)

func (c *NativeClient) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

func (c *NativeClient) makeConfig() (*xssh.ClientConfig, error) {
	var auth []xssh.AuthMethod
	key := c.Key
	if len(key) == 0 && c.KeyPath != "" {
		data, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, &KeyFormatError{Err: fmt.Errorf("read %s: %w", c.KeyPath, err)}
		}
		key = data
	}
	if len(key) > 0 {
		signer, err := ParsePrivateKey(key, c.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, xssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, xssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, &AuthError{User: c.User, Err: fmt.Errorf("no credentials supplied")}
	}
	hostKey := c.HostKey
	if hostKey == nil {
		hostKey = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

// Connect establishes the SSH transport. Authentication and key-format
// failures come back as their fatal error classes; everything else is a
// *ConnectionError the caller may retry.
func (c *NativeClient) Connect(ctx context.Context) error {
	cfg, err := c.makeConfig()
	if err != nil {
		return err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = NetDialer{Timeout: c.Timeout}
	}

	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		conn, err := dialer.Dial("tcp", c.addr())
		if err != nil {
			ch <- res{err: &ConnectionError{Addr: c.addr(), Err: err}}
			return
		}
		sc, chans, reqs, err := xssh.NewClientConn(conn, c.addr(), cfg)
		if err != nil {
			conn.Close()
			ch <- res{err: classifyHandshake(c.User, c.addr(), err)}
			return
		}
		ch <- res{cli: xssh.NewClient(sc, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		c.mu.Lock()
		c.client = r.cli
		c.closed = false
		c.mu.Unlock()
		log.Debug().Str("addr", c.addr()).Str("user", c.User).Msg("ssh session established")
		return nil
	}
}

// classifyHandshake separates auth rejections from transport failures.
func classifyHandshake(user, addr string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return &AuthError{User: user, Err: err}
	}
	return &ConnectionError{Addr: addr, Err: err}
}

func (c *NativeClient) conn() (*xssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *NativeClient) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	if c.ftp == nil {
		ftp, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, fmt.Errorf("sftp client: %w", err)
		}
		c.ftp = ftp
	}
	return c.ftp, nil
}

// Put writes contents to path, resolving relative paths against the
// SFTP working directory and creating parent directories. Returns the
// absolute path written.
func (c *NativeClient) Put(ctx context.Context, path string, contents []byte, perm fs.FileMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ftp, err := c.sftpClient()
	if err != nil {
		return "", err
	}
	if !gopath.IsAbs(path) {
		wd, err := ftp.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve remote cwd: %w", err)
		}
		path = gopath.Join(wd, path)
	}
	if dir := gopath.Dir(path); dir != "/" && dir != "." {
		if err := ftp.MkdirAll(dir); err != nil {
			return "", fmt.Errorf("mkdir remote %s: %w", dir, err)
		}
	}
	dst, err := ftp.Create(path)
	if err != nil {
		return "", fmt.Errorf("create remote %s: %w", path, err)
	}
	if _, err := io.Copy(dst, bytes.NewReader(contents)); err != nil {
		dst.Close()
		return "", fmt.Errorf("write remote %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close remote %s: %w", path, err)
	}
	if perm != 0 {
		if err := ftp.Chmod(path, perm); err != nil {
			return "", fmt.Errorf("chmod remote %s: %w", path, err)
		}
	}
	return path, nil
}

// Run executes cmd in a remote shell, draining stdout and stderr as the
// command produces them and waiting on a completion channel rather than
// a blocking read. Exceeding timeout returns a *CommandTimeoutError
// carrying the partial output.
func (c *NativeClient) Run(ctx context.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	cli, err := c.conn()
	if err != nil {
		return "", "", -1, err
	}
	sess, err := cli.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer sess.Close()

	var stdout, stderr lockedBuffer
	outPipe, err := sess.StdoutPipe()
	if err != nil {
		return "", "", -1, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := sess.StderrPipe()
	if err != nil {
		return "", "", -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		return "", "", -1, fmt.Errorf("start %q: %w", cmd, err)
	}

	var drain sync.WaitGroup
	drain.Add(2)
	go func() { defer drain.Done(); _, _ = io.Copy(&stdout, outPipe) }()
	go func() { defer drain.Done(); _, _ = io.Copy(&stderr, errPipe) }()

	waitCh := make(chan error, 1)
	go func() {
		drain.Wait()
		waitCh <- sess.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		_ = sess.Signal(xssh.SIGKILL)
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case <-timer:
		_ = sess.Signal(xssh.SIGKILL)
		return stdout.String(), stderr.String(), -1, &CommandTimeoutError{
			Command: cmd,
			Timeout: timeout,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	case err := <-waitCh:
		exit := 0
		if err != nil {
			var exitErr *xssh.ExitError
			if errors.As(err, &exitErr) {
				exit = exitErr.ExitStatus()
			} else {
				return stdout.String(), stderr.String(), -1, fmt.Errorf("wait %q: %w", cmd, err)
			}
		}
		return stdout.String(), stderr.String(), exit, nil
	}
}

func (c *NativeClient) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ftp, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := ftp.Remove(path); err != nil {
		return fmt.Errorf("delete remote %s: %w", path, err)
	}
	return nil
}

// Close tears down the SFTP and SSH transports. Safe to call more than
// once.
func (c *NativeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.client == nil {
		c.closed = true
		return nil
	}
	if c.ftp != nil {
		_ = c.ftp.Close()
		c.ftp = nil
	}
	err := c.client.Close()
	c.client = nil
	c.closed = true
	return err
}

// lockedBuffer is a goroutine-safe bytes.Buffer for the two drain
// loops.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
