package deploy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deploykit/internal/providers"
)

// AddrFamily selects which address family qualifies a node as ready.
type AddrFamily int

const (
	// IPv4Only accepts IPv4 addresses exclusively.
	IPv4Only AddrFamily = iota
	// PreferIPv4 accepts IPv4 and falls back to IPv6.
	PreferIPv4
)

// Iface selects which address list is inspected.
type Iface int

const (
	PublicAddrs Iface = iota
	PrivateAddrs
)

// WaitOptions tunes WaitUntilRunning.
type WaitOptions struct {
	WaitPeriod time.Duration // sleep between polls
	Timeout    time.Duration
	Family     AddrFamily
	Iface      Iface
}

func (o *WaitOptions) applyDefaults() {
	if o.WaitPeriod <= 0 {
		o.WaitPeriod = 3 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 600 * time.Second
	}
}

// ReadyNode pairs a matched node with the addresses that qualified it.
type ReadyNode struct {
	Node  providers.Node
	Addrs []string
}

// AmbiguousNodeError reports a UUID collision in a listing. The UUID
// space is assumed unique; a collision is a provider bug and is never
// retried.
type AmbiguousNodeError struct {
	UUID string
}

func (e *AmbiguousNodeError) Error() string {
	return fmt.Sprintf("wait: same UUID %q matches multiple nodes", e.UUID)
}

// WaitTimeoutError names the candidates that never became ready.
type WaitTimeoutError struct {
	Timeout time.Duration
	Pending []string
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait: timed out after %s; still not running: %s",
		e.Timeout, strings.Join(e.Pending, ", "))
}

// WaitUntilRunning blocks until every candidate node is listed as
// running with at least one address of the requested family on the
// requested interface. Candidates are matched by UUID when present,
// else by ID. A candidate missing from a listing is tolerated
// (provider eventual consistency); a lister error ends the wait with
// that error. Results preserve the caller's candidate order.
func WaitUntilRunning(ctx context.Context, lister providers.Lister, candidates []providers.Node, opts WaitOptions) ([]ReadyNode, error) {
	opts.applyDefaults()
	deadline := time.Now().Add(opts.Timeout)

	ready := make(map[string]ReadyNode, len(candidates))
	pending := make(map[string]providers.Node, len(candidates))
	for _, c := range candidates {
		pending[c.Key()] = c
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		listed, err := lister.ListNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("wait: list nodes: %w", err)
		}

		for key := range pending {
			match, err := matchNode(key, listed)
			if err != nil {
				return nil, err
			}
			if match == nil {
				// Not listed yet; providers are eventually consistent.
				continue
			}
			if match.State != providers.StateRunning {
				continue
			}
			addrs := selectAddrs(*match, opts.Family, opts.Iface)
			if len(addrs) == 0 {
				continue
			}
			log.Debug().Str("node", match.Name).Strs("addrs", addrs).Msg("node is running")
			ready[key] = ReadyNode{Node: *match, Addrs: addrs}
			delete(pending, key)
		}

		if len(pending) == 0 {
			out := make([]ReadyNode, 0, len(candidates))
			for _, c := range candidates {
				out = append(out, ready[c.Key()])
			}
			return out, nil
		}
		if !time.Now().Before(deadline) {
			return nil, timeoutError(opts.Timeout, pending)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.WaitPeriod):
		}
		// Recheck after sleeping so an expired budget is not spent on
		// one more listing round-trip.
		if !time.Now().Before(deadline) {
			return nil, timeoutError(opts.Timeout, pending)
		}
	}
}

func timeoutError(timeout time.Duration, pending map[string]providers.Node) *WaitTimeoutError {
	names := make([]string, 0, len(pending))
	for _, n := range pending {
		if n.Name != "" {
			names = append(names, n.Name)
		} else {
			names = append(names, n.Key())
		}
	}
	return &WaitTimeoutError{Timeout: timeout, Pending: names}
}

// matchNode finds the listed node with the given identity key. Two
// listed nodes sharing one UUID is fatal.
func matchNode(key string, listed []providers.Node) (*providers.Node, error) {
	var found *providers.Node
	for i := range listed {
		if listed[i].Key() != key {
			continue
		}
		if found != nil {
			return nil, &AmbiguousNodeError{UUID: key}
		}
		found = &listed[i]
	}
	return found, nil
}

// selectAddrs filters the chosen interface's addresses by family,
// preserving provider order. IPv6 only qualifies under PreferIPv4 and
// only when no IPv4 address exists.
func selectAddrs(n providers.Node, family AddrFamily, iface Iface) []string {
	source := n.PublicAddrs
	if iface == PrivateAddrs {
		source = n.PrivateAddrs
	}
	var v4, v6 []string
	for _, a := range source {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	if len(v4) > 0 {
		return v4
	}
	if family == PreferIPv4 {
		return v6
	}
	return nil
}
