// Package deploy is the post-provisioning bootstrap engine: deployment
// tasks run against a remote session, the readiness poller that waits
// for fresh nodes, and the deployer that ties creation, readiness,
// connection and task execution together.
package deploy

import (
	"context"
	"fmt"
	"os"
	gopath "path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3cpo-dev/deploykit/internal/providers"
	"github.com/3cpo-dev/deploykit/internal/session"
)

// Task is one idempotent unit of remote setup work. Run executes it
// against the session and returns the node, which tasks pass through
// unchanged. Result fields on concrete tasks are overwritten on every
// run.
type Task interface {
	Run(ctx context.Context, node *providers.Node, sess session.Session) (*providers.Node, error)
}

// authorizedKeysPath is where SSHKeyDeployment installs key material,
// relative to the connecting user's home directory.
const authorizedKeysPath = ".ssh/authorized_keys"

// SSHKeyDeployment installs a public key for the connecting user.
type SSHKeyDeployment struct {
	Key string
}

func (d *SSHKeyDeployment) Run(ctx context.Context, node *providers.Node, sess session.Session) (*providers.Node, error) {
	key := d.Key
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	if _, err := sess.Put(ctx, authorizedKeysPath, []byte(key), 0600); err != nil {
		return nil, fmt.Errorf("install public key: %w", err)
	}
	return node, nil
}

// ScriptDeployment uploads a script, runs it and records the outcome.
type ScriptDeployment struct {
	Script      string
	Args        []string
	Name        string // remote path; empty picks a random one under /root
	DeleteAfter bool
	Timeout     time.Duration // per-run command deadline, 0 = none

	// Result fields, populated by Run. Re-running overwrites them.
	Stdout     string
	Stderr     string
	ExitStatus int
}

func (d *ScriptDeployment) Run(ctx context.Context, node *providers.Node, sess session.Session) (*providers.Node, error) {
	name := d.Name
	if name == "" {
		name = fmt.Sprintf("/root/deploy_%s.sh", uuid.NewString()[:8])
	}
	path, err := sess.Put(ctx, name, []byte(d.Script), 0755)
	if err != nil {
		return nil, fmt.Errorf("upload script: %w", err)
	}

	cmd := path
	if len(d.Args) > 0 {
		cmd += " " + strings.Join(d.Args, " ")
	}
	stdout, stderr, exit, err := sess.Run(ctx, cmd, d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("run script %s: %w", path, err)
	}
	d.Stdout = stdout
	d.Stderr = stderr
	d.ExitStatus = exit

	if d.DeleteAfter {
		if err := sess.Delete(ctx, path); err != nil {
			return nil, fmt.Errorf("remove script %s: %w", path, err)
		}
	}
	return node, nil
}

// NewScriptFileDeployment reads the script from a local file at
// construction time; the path being unreadable is a construction
// error, not a run error.
func NewScriptFileDeployment(localPath string, args []string) (*ScriptDeployment, error) {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", localPath, err)
	}
	return &ScriptDeployment{Script: string(content), Args: args}, nil
}

// FileDeployment uploads one local file to a remote target.
type FileDeployment struct {
	Source string
	Target string
	Perm   os.FileMode
}

func (d *FileDeployment) Run(ctx context.Context, node *providers.Node, sess session.Session) (*providers.Node, error) {
	content, err := os.ReadFile(d.Source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Source, err)
	}
	target := d.Target
	if target == "" {
		target = gopath.Base(d.Source)
	}
	if _, err := sess.Put(ctx, target, content, d.Perm); err != nil {
		return nil, fmt.Errorf("upload %s: %w", d.Source, err)
	}
	return node, nil
}

// MultiStepDeployment runs child tasks strictly in order against the
// same session, stopping at the first failure. No rollback is
// attempted.
type MultiStepDeployment struct {
	Steps []Task
}

func (d *MultiStepDeployment) Add(step Task) {
	if step != nil {
		d.Steps = append(d.Steps, step)
	}
}

func (d *MultiStepDeployment) Run(ctx context.Context, node *providers.Node, sess session.Session) (*providers.Node, error) {
	for i, step := range d.Steps {
		if _, err := step.Run(ctx, node, sess); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return node, nil
}
