package spill

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// gate admits operations while open and lets close wait for the admitted
// ones, so stopping the stores never races an iteration still reading them.
type gate struct {
	mu     sync.Mutex
	open   bool
	active int
	idle   chan struct{} // closed when active drops to zero after close
}

func (g *gate) openGate() {
	g.mu.Lock()
	g.open = true
	g.idle = nil
	g.mu.Unlock()
}

func (g *gate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return false
	}
	g.active++
	return true
}

func (g *gate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if g.active == 0 && g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
}

// close stops admitting and waits up to timeout (or ctx) for the active
// operations. It reports ErrTimeout when they did not finish.
func (g *gate) close(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	g.open = false
	if g.active == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.idle == nil {
		g.idle = make(chan struct{})
	}
	idle := g.idle
	n := g.active
	g.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %d operations still running at stop", ErrTimeout, n)
	case <-ctx.Done():
		return ctx.Err()
	}
}
