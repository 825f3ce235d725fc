package deploy

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deploykit/internal/providers"
)

// Destroyer is the subset of a provider the guard needs.
type Destroyer interface {
	DestroyNode(ctx context.Context, id string) error
}

// Guard destroys a half-deployed node when the process is interrupted
// mid-deployment. It is an explicit handle, not a process-global
// registry: the owner creates it, the deployer arms it once a node
// exists, and Release disarms it on success. Close stops the signal
// watcher.
type Guard struct {
	destroyer Destroyer

	mu    sync.Mutex
	node  *providers.Node
	done  chan struct{}
	once  sync.Once
	sigCh chan os.Signal
}

// NewGuard starts watching for SIGINT/SIGTERM. The guard does nothing
// until Arm is called.
func NewGuard(destroyer Destroyer) *Guard {
	g := &Guard{
		destroyer: destroyer,
		done:      make(chan struct{}),
		sigCh:     make(chan os.Signal, 1),
	}
	signal.Notify(g.sigCh, os.Interrupt, syscall.SIGTERM)
	go g.watch()
	return g
}

func (g *Guard) watch() {
	select {
	case <-g.done:
		return
	case sig := <-g.sigCh:
		g.mu.Lock()
		node := g.node
		g.mu.Unlock()
		if node != nil {
			log.Warn().Str("signal", sig.String()).Str("node", node.Name).Msg("interrupted mid-deployment, destroying node")
			if err := g.destroyer.DestroyNode(context.Background(), node.ID); err != nil {
				log.Error().Err(err).Str("node", node.Name).Msg("cleanup destroy failed")
			}
		}
		os.Exit(1)
	}
}

// Arm records the node to destroy on interrupt. Re-arming replaces the
// node.
func (g *Guard) Arm(node providers.Node) {
	g.mu.Lock()
	g.node = &node
	g.mu.Unlock()
}

// Release disarms the guard; the node survives the process.
func (g *Guard) Release() {
	g.mu.Lock()
	g.node = nil
	g.mu.Unlock()
}

// Armed reports whether a node is currently protected.
func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.node != nil
}

// Close stops the signal watcher. Safe to call more than once.
func (g *Guard) Close() {
	g.once.Do(func() {
		signal.Stop(g.sigCh)
		close(g.done)
	})
}
