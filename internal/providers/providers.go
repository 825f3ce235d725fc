// Package providers defines the node model and the collaborator
// interfaces the bootstrap engine consumes. Concrete drivers live in
// subpackages and translate provider APIs into this model.
package providers

import "context"

// State is the lifecycle state a provider reports for a node.
type State int

const (
	StatePending State = iota
	StateRunning
	StateRebooting
	StateTerminated
	StateUnknown
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateRebooting:
		return "rebooting"
	case StateTerminated:
		return "terminated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Node is a provider-managed compute instance. Values are snapshots:
// refreshing a node produces a new value, nothing here mutates one in
// place.
type Node struct {
	ID           string
	UUID         string
	Name         string
	State        State
	PublicAddrs  []string
	PrivateAddrs []string

	SSHUser string
	SSHPort int
	// Password is assigned server-side on some providers and may only
	// appear in listings after first boot.
	Password string
}

// Key is the identity used to match a node across listings: UUID when
// the provider assigns one, ID otherwise.
func (n Node) Key() string {
	if n.UUID != "" {
		return n.UUID
	}
	return n.ID
}

// CreateRequest carries the caller's instance parameters to a driver.
type CreateRequest struct {
	Name     string
	Region   string
	Image    string
	Size     string
	SSHUser  string
	SSHPort  int
	UserData string
	Tags     []string
}

// Creator provisions a single node. Errors are provider-specific and
// treated as opaque by the engine.
type Creator interface {
	CreateNode(ctx context.Context, req CreateRequest) (*Node, error)
}

// Lister returns the full current node set. Safe for concurrent use.
type Lister interface {
	ListNodes(ctx context.Context) ([]Node, error)
}

// Provider is the full driver surface the CLI wires together.
type Provider interface {
	Creator
	Lister
	Name() string
	DestroyNode(ctx context.Context, id string) error
}
