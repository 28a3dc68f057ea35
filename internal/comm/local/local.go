// Package local runs every rank of a world inside one process. Ranks are
// goroutines and delivery is a mailbox append, which makes it the transport
// for tests and for the single-host launcher.
package local

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pario/internal/comm"
)

// World is a set of in-process endpoints.
type World struct {
	endpoints []*endpoint
}

type endpoint struct {
	world *World
	inbox *comm.Mailbox
	rank  int
}

// NewWorld creates n connected endpoints.
func NewWorld(n int) *World {
	w := &World{endpoints: make([]*endpoint, n)}
	for i := range w.endpoints {
		w.endpoints[i] = &endpoint{world: w, rank: i, inbox: comm.NewMailbox()}
	}
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int {
	return len(w.endpoints)
}

// Endpoint returns the endpoint of rank.
func (w *World) Endpoint(rank int) comm.Endpoint {
	return w.endpoints[rank]
}

// Comm returns the world communicator seen by rank.
func (w *World) Comm(rank int) *comm.Communicator {
	return comm.NewWorld(w.endpoints[rank])
}

// Close closes every endpoint, waking any rank blocked in a receive.
func (w *World) Close() {
	for _, ep := range w.endpoints {
		_ = ep.Close()
	}
}

func (e *endpoint) WorldRank() int {
	return e.rank
}

func (e *endpoint) WorldSize() int {
	return len(e.world.endpoints)
}

func (e *endpoint) Deliver(_ context.Context, dst int, env comm.Envelope) error {
	if dst < 0 || dst >= len(e.world.endpoints) {
		return fmt.Errorf("local: world rank %d out of range", dst)
	}
	key := comm.Key{Context: env.Context, Source: env.Source, Tag: env.Tag}
	return e.world.endpoints[dst].inbox.Put(key, env.Data)
}

func (e *endpoint) Inbox() *comm.Mailbox {
	return e.inbox
}

func (e *endpoint) Close() error {
	e.inbox.Close()
	return nil
}

// Run starts n ranks, each calling fn with its world communicator, and waits
// for all of them. The first error cancels the context passed to the others
// so ranks blocked on a peer that failed return instead of hanging.
func Run(ctx context.Context, n int, fn func(ctx context.Context, c comm.Comm) error) error {
	w := NewWorld(n)
	defer w.Close()

	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		c := w.Comm(rank)
		g.Go(func() error {
			if err := fn(ctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
