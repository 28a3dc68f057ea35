// Package comm is the message-passing layer every rank coordinates through.
//
// A rank owns one Endpoint that moves envelopes between world ranks. On top of
// it a Comm is a communicator: an ordered group of world ranks sharing a
// private context, so traffic on one communicator never matches receives on
// another. Collectives (Bcast, Gather, Allgather, AgreeStatus) are built from
// point-to-point messages and must be called by every member in the same order.
//
// Two endpoint implementations exist: package local runs every rank as a
// goroutine of one process, package netcomm connects ranks over the network.
package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Envelope is one message in flight between world ranks.
type Envelope struct {
	Context string
	Source  int
	Tag     int
	Data    []byte
}

// Endpoint delivers envelopes to world ranks and exposes the local inbox.
type Endpoint interface {
	WorldRank() int
	WorldSize() int
	Deliver(ctx context.Context, dst int, env Envelope) error
	Inbox() *Mailbox
	Close() error
}

// Comm is a communicator. Ranks are indexes into the group, not world ranks.
type Comm interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dst, tag int, data []byte) error
	Recv(ctx context.Context, src, tag int) ([]byte, error)
	// Dup returns a communicator with the same group and a fresh context.
	Dup(ctx context.Context) (Comm, error)
	// Split partitions the group by color, ordering each part by key then
	// rank. A negative color returns a nil Comm for that rank.
	Split(ctx context.Context, color, key int) (Comm, error)
	Free() error
}

// Communicator implements Comm over an Endpoint.
type Communicator struct {
	ep      Endpoint
	id      string
	group   []int // world ranks, indexed by communicator rank
	rank    int
	derived int
	mu      sync.Mutex
	freed   bool
}

// NewWorld returns the communicator spanning every rank of ep.
func NewWorld(ep Endpoint) *Communicator {
	group := make([]int, ep.WorldSize())
	for i := range group {
		group[i] = i
	}
	return &Communicator{ep: ep, id: "world", group: group, rank: ep.WorldRank()}
}

// ID returns the context string shared by every member.
func (c *Communicator) ID() string {
	return c.id
}

func (c *Communicator) Rank() int {
	return c.rank
}

func (c *Communicator) Size() int {
	return len(c.group)
}

// WorldRank maps a communicator rank to its world rank.
func (c *Communicator) WorldRank(rank int) int {
	return c.group[rank]
}

func (c *Communicator) check(peer int) error {
	c.mu.Lock()
	freed := c.freed
	c.mu.Unlock()
	if freed {
		return fmt.Errorf("comm %s: use after free", c.id)
	}
	if peer < 0 || peer >= len(c.group) {
		return fmt.Errorf("comm %s: rank %d out of range [0, %d)", c.id, peer, len(c.group))
	}
	return nil
}

func (c *Communicator) Send(ctx context.Context, dst, tag int, data []byte) error {
	if err := c.check(dst); err != nil {
		return err
	}
	env := Envelope{Context: c.id, Source: c.group[c.rank], Tag: tag, Data: data}
	if err := c.ep.Deliver(ctx, c.group[dst], env); err != nil {
		return fmt.Errorf("comm %s: send to %d tag %d: %w", c.id, dst, tag, err)
	}
	return nil
}

func (c *Communicator) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := c.check(src); err != nil {
		return nil, err
	}
	data, err := c.ep.Inbox().Take(ctx, Key{Context: c.id, Source: c.group[src], Tag: tag})
	if err != nil {
		return nil, fmt.Errorf("comm %s: recv from %d tag %d: %w", c.id, src, tag, err)
	}
	return data, nil
}

func (c *Communicator) nextID(suffix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derived++
	return fmt.Sprintf("%s.%d%s", c.id, c.derived, suffix)
}

// Dup is collective: every member must call it in the same order.
func (c *Communicator) Dup(ctx context.Context) (Comm, error) {
	if err := c.check(c.rank); err != nil {
		return nil, err
	}
	id := c.nextID("")
	if err := Barrier(ctx, c); err != nil {
		return nil, err
	}
	group := append([]int(nil), c.group...)
	return &Communicator{ep: c.ep, id: id, group: group, rank: c.rank}, nil
}

func (c *Communicator) Split(ctx context.Context, color, key int) (Comm, error) {
	if err := c.check(c.rank); err != nil {
		return nil, err
	}
	all, err := AllgatherInts(ctx, c, []int{color, key})
	if err != nil {
		return nil, err
	}
	id := c.nextID(fmt.Sprintf("c%d", color))
	if color < 0 {
		return nil, nil
	}

	type member struct{ rank, key int }
	var members []member
	for r, pair := range all {
		if pair[0] == color {
			members = append(members, member{rank: r, key: pair[1]})
		}
	}
	slices.SortStableFunc(members, func(a, b member) int {
		return a.key - b.key
	})

	sub := &Communicator{ep: c.ep, id: id, group: make([]int, len(members))}
	for i, m := range members {
		sub.group[i] = c.group[m.rank]
		if m.rank == c.rank {
			sub.rank = i
		}
	}
	return sub, nil
}

// Free marks the communicator unusable and discards the caller's streams of
// its context. Freeing twice is a no-op.
func (c *Communicator) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return nil
	}
	c.freed = true
	c.ep.Inbox().Drop(c.id)
	return nil
}
