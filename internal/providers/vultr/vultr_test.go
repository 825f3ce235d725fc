package vultr

import (
	"context"
	"testing"

	"github.com/3cpo-dev/deploykit/internal/config"
	prov "github.com/3cpo-dev/deploykit/internal/providers"
)

func TestMapState(t *testing.T) {
	cases := []struct {
		status string
		power  string
		want   prov.State
	}{
		{"active", "running", prov.StateRunning},
		{"active", "stopped", prov.StateTerminated},
		{"pending", "", prov.StatePending},
		{"resizing", "running", prov.StateRebooting},
		{"suspended", "", prov.StateError},
		{"whatever", "", prov.StateUnknown},
	}
	for _, tc := range cases {
		got := mapState(instance{Status: tc.status, PowerStatus: tc.power})
		if got != tc.want {
			t.Fatalf("mapState(%s/%s) = %s, want %s", tc.status, tc.power, got, tc.want)
		}
	}
}

func TestToNodeFiltersPlaceholderAddrs(t *testing.T) {
	var cfg config.Config
	cfg.Deploy.User = "deploy"
	cfg.Deploy.SSHPort = 22
	d := New(cfg)

	n := d.toNode(instance{
		ID:              "abc-123",
		Label:           "web-1",
		MainIP:          "0.0.0.0",
		V6MainIP:        "2001:db8::1",
		InternalIP:      "10.1.2.3",
		Status:          "active",
		PowerStatus:     "running",
		DefaultPassword: "s3cret",
	})
	if n.Key() != "abc-123" {
		t.Fatalf("key = %s", n.Key())
	}
	if len(n.PublicAddrs) != 1 || n.PublicAddrs[0] != "2001:db8::1" {
		t.Fatalf("public addrs = %v, want only the v6 address", n.PublicAddrs)
	}
	if len(n.PrivateAddrs) != 1 || n.PrivateAddrs[0] != "10.1.2.3" {
		t.Fatalf("private addrs = %v", n.PrivateAddrs)
	}
	if n.State != prov.StateRunning || n.Password != "s3cret" || n.SSHUser != "deploy" {
		t.Fatalf("node = %+v", n)
	}
}

func TestCreateNodeRequiresToken(t *testing.T) {
	d := New(config.Config{})
	if _, err := d.ListNodes(context.Background()); err == nil {
		t.Fatalf("expected missing token error")
	}
}
