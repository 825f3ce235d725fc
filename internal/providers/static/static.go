// Package static attaches to hosts declared in configuration instead
// of provisioning anything. Useful for re-running bootstrap tasks on
// machines that already exist.
package static

import (
	"context"
	"fmt"

	"github.com/3cpo-dev/deploykit/internal/config"
	prov "github.com/3cpo-dev/deploykit/internal/providers"
)

type Driver struct {
	cfg config.Config
}

func New(cfg config.Config) *Driver { return &Driver{cfg: cfg} }

func (d *Driver) Name() string { return "static" }

// CreateNode attaches to the configured host matching the requested
// name; nothing is provisioned.
func (d *Driver) CreateNode(ctx context.Context, req prov.CreateRequest) (*prov.Node, error) {
	nodes, err := d.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Name == req.Name {
			return &nodes[i], nil
		}
	}
	return nil, fmt.Errorf("static host not configured: %s", req.Name)
}

func (d *Driver) ListNodes(ctx context.Context) ([]prov.Node, error) {
	_ = ctx
	var nodes []prov.Node
	for _, h := range d.cfg.Providers.Static.Hosts {
		port := h.Port
		if port == 0 {
			port = d.cfg.Deploy.SSHPort
		}
		user := h.User
		if user == "" {
			user = d.cfg.Deploy.User
		}
		nodes = append(nodes, prov.Node{
			ID:          fmt.Sprintf("static-%s", h.Name),
			Name:        h.Name,
			State:       prov.StateRunning,
			PublicAddrs: []string{h.IP},
			SSHUser:     user,
			SSHPort:     port,
		})
	}
	return nodes, nil
}

// DestroyNode is a no-op for attached hosts.
func (d *Driver) DestroyNode(ctx context.Context, id string) error {
	_ = ctx
	_ = id
	return nil
}
