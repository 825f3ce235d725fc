package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/deploykit/internal/providers"
	"github.com/3cpo-dev/deploykit/internal/retry"
	"github.com/3cpo-dev/deploykit/internal/session"
)

// Phase names the stage a deployment failure occurred in.
type Phase string

const (
	PhaseCreating     Phase = "creating"
	PhaseWaitingReady Phase = "waiting_ready"
	PhaseConnecting   Phase = "connecting"
	PhaseRunningTasks Phase = "running_tasks"
	PhaseDone         Phase = "done"
)

// Error is the single failure type the deployer reports from
// readiness-waiting onward. It carries the best-known node so the
// caller can inspect or destroy what was actually created.
type Error struct {
	Node  *providers.Node
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	name := "<none>"
	if e.Node != nil {
		if e.Node.Name != "" {
			name = e.Node.Name
		} else {
			name = e.Node.Key()
		}
	}
	return fmt.Sprintf("deploy %s failed in phase %s: %v", name, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SessionFactory builds a session for the selected address. Overridden
// in tests.
type SessionFactory func(addr string, req Request) session.Session

// Request is one deployment: create the node, wait for it, connect and
// run the task chain.
type Request struct {
	Create providers.CreateRequest
	Tasks  Task

	// Connect parameters
	SSHUser    string
	SSHPort    int
	Password   string
	Key        []byte
	KeyPath    string
	Passphrase string
	HostKey    xssh.HostKeyCallback // nil verifies nothing

	Wait           WaitOptions
	ConnectTimeout time.Duration   // total budget for connect retries
	ConnectDelays  []time.Duration // between connect attempts; last repeats
	SSHTimeout     time.Duration   // per-dial/-command transport timeout
	MaxTaskTries   int             // task chain attempts, reconnecting in between

	// Guard, when set, destroys the node if the process is interrupted
	// between connect and completion. Released on success.
	Guard *Guard
}

func (r *Request) applyDefaults() {
	if r.SSHUser == "" {
		r.SSHUser = "root"
	}
	if r.SSHPort == 0 {
		r.SSHPort = 22
	}
	if r.ConnectTimeout <= 0 {
		r.ConnectTimeout = 10 * time.Minute
	}
	if r.SSHTimeout <= 0 {
		r.SSHTimeout = 15 * time.Second
	}
	if r.MaxTaskTries <= 0 {
		r.MaxTaskTries = 3
	}
	if len(r.ConnectDelays) == 0 {
		r.ConnectDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second}
	}
}

// Deployer composes creation, readiness, connection and task execution
// with uniform failure reporting and guaranteed session cleanup.
type Deployer struct {
	Creator providers.Creator
	Lister  providers.Lister

	// NewSession defaults to session.New with the request's
	// credentials.
	NewSession SessionFactory

	logger *zerolog.Logger
}

func NewDeployer(creator providers.Creator, lister providers.Lister) *Deployer {
	return &Deployer{Creator: creator, Lister: lister}
}

func (d *Deployer) log() *zerolog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return &log.Logger
}

func (d *Deployer) factory() SessionFactory {
	if d.NewSession != nil {
		return d.NewSession
	}
	return func(addr string, req Request) session.Session {
		return session.New(session.Params{
			Host:       addr,
			Port:       req.SSHPort,
			User:       req.SSHUser,
			Password:   req.Password,
			Key:        req.Key,
			KeyPath:    req.KeyPath,
			Passphrase: req.Passphrase,
			Timeout:    req.SSHTimeout,
			HostKey:    req.HostKey,
		})
	}
}

// connectClassifier keeps dial-level trouble retryable while letting
// credential problems escape immediately.
func connectClassifier(err error) retry.Class {
	if session.IsFatal(err) {
		return retry.Fatal
	}
	return retry.Retryable
}

// Deploy runs the full CREATING -> WAITING_READY -> CONNECTING ->
// RUNNING_TASKS -> DONE pipeline. Creation errors propagate raw (no
// node exists yet); every later failure is reported as a *Error
// carrying the created node. The session is closed on every path past
// CONNECTING.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*providers.Node, error) {
	req.applyDefaults()

	// CREATING
	node, err := d.Creator.CreateNode(ctx, req.Create)
	if err != nil {
		return nil, err
	}
	d.log().Info().Str("node", node.Name).Str("id", node.ID).Msg("node created")

	// WAITING_READY
	ready, err := WaitUntilRunning(ctx, d.Lister, []providers.Node{*node}, req.Wait)
	if err != nil {
		return nil, &Error{Node: node, Phase: PhaseWaitingReady, Err: err}
	}
	running := ready[0].Node
	addr := ready[0].Addrs[0]
	node = &running
	d.log().Info().Str("node", node.Name).Str("addr", addr).Msg("node is running")

	// CONNECTING
	if req.Guard != nil {
		req.Guard.Arm(*node)
	}
	sess := d.factory()(addr, req)
	connect := retry.New(retry.Options{
		Timeout:  req.ConnectTimeout,
		Delays:   req.ConnectDelays,
		Classify: connectClassifier,
	})
	if err := connect.Do(ctx, func() error { return sess.Connect(ctx) }); err != nil {
		_ = sess.Close()
		return nil, &Error{Node: node, Phase: PhaseConnecting, Err: err}
	}
	defer sess.Close()

	// RUNNING_TASKS
	if req.Tasks != nil {
		if err := d.runTasks(ctx, node, sess, req, connect); err != nil {
			return nil, &Error{Node: node, Phase: PhaseRunningTasks, Err: err}
		}
	}

	// DONE: refresh the node to pick up server-assigned fields that
	// only appear after boot (generated passwords and the like).
	if refreshed := d.refresh(ctx, node); refreshed != nil {
		node = refreshed
	}
	if req.Guard != nil {
		req.Guard.Release()
	}
	d.log().Info().Str("node", node.Name).Msg("deployment complete")
	return node, nil
}

// runTasks re-runs the whole chain from the start after a transient
// channel drop, reconnecting first, up to MaxTaskTries attempts.
// Command timeouts and other fatal errors are never retried here.
func (d *Deployer) runTasks(ctx context.Context, node *providers.Node, sess session.Session, req Request, connect *retry.Executor) error {
	var lastErr error
	for try := 1; try <= req.MaxTaskTries; try++ {
		_, err := req.Tasks.Run(ctx, node, sess)
		if err == nil {
			return nil
		}
		lastErr = err
		if !session.IsChannelDrop(err) {
			return err
		}
		if try == req.MaxTaskTries {
			break
		}
		d.log().Warn().Err(err).Int("try", try).Msg("session dropped, reconnecting")
		_ = sess.Close()
		if err := connect.Do(ctx, func() error { return sess.Connect(ctx) }); err != nil {
			return fmt.Errorf("reconnect after drop: %w", err)
		}
	}
	return fmt.Errorf("task chain failed after %d tries: %w", req.MaxTaskTries, lastErr)
}

// refresh re-reads the node from the lister; best effort.
func (d *Deployer) refresh(ctx context.Context, node *providers.Node) *providers.Node {
	listed, err := d.Lister.ListNodes(ctx)
	if err != nil {
		d.log().Debug().Err(err).Msg("final node refresh failed, returning last known state")
		return nil
	}
	match, err := matchNode(node.Key(), listed)
	if err != nil || match == nil {
		return nil
	}
	return match
}

// IsDeployError extracts the typed deployment error, if any.
func IsDeployError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
