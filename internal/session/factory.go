package session

import (
	"os/exec"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Params are the host/port/credential inputs a session is built from.
type Params struct {
	Host       string
	Port       int
	User       string
	Password   string
	Key        []byte
	KeyPath    string
	Passphrase string
	Timeout    time.Duration
	HostKey    xssh.HostKeyCallback
}

// New selects a backend at construction time: the native client when
// credentials can be loaded in-process, otherwise a shell-out to the
// local ssh binary (agent auth, PKCS#11 tokens and the like). The
// choice is fixed for the session's lifetime.
func New(p Params) Session {
	if len(p.Key) > 0 || p.KeyPath != "" || p.Password != "" {
		return &NativeClient{
			Host:       p.Host,
			Port:       p.Port,
			User:       p.User,
			Password:   p.Password,
			Key:        p.Key,
			KeyPath:    p.KeyPath,
			Passphrase: p.Passphrase,
			Timeout:    p.Timeout,
			HostKey:    p.HostKey,
		}
	}
	if _, err := exec.LookPath("ssh"); err == nil {
		return &ShellOutClient{
			Host:    p.Host,
			Port:    p.Port,
			User:    p.User,
			KeyPath: p.KeyPath,
			Timeout: p.Timeout,
		}
	}
	// Last resort: the native client will surface a credential error on
	// Connect, which is clearer than failing here.
	return &NativeClient{
		Host:    p.Host,
		Port:    p.Port,
		User:    p.User,
		Timeout: p.Timeout,
		HostKey: p.HostKey,
	}
}
