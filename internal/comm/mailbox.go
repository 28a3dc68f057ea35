package comm

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

// ErrClosed is returned by operations on a closed endpoint or mailbox.
var ErrClosed = errors.New("comm: endpoint closed")

// Key selects one ordered message stream: a communicator context, the world
// rank of the sender and a tag.
type Key struct {
	Context string
	Source  int
	Tag     int
}

type slot struct {
	queue deque.Deque[[]byte]
	ready chan struct{}
}

// Mailbox holds delivered but not yet received messages of one rank. Messages
// with the same Key are received in delivery order.
type Mailbox struct {
	slots  map[Key]*slot
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		slots: make(map[Key]*slot),
		done:  make(chan struct{}),
	}
}

func (m *Mailbox) slot(key Key) *slot {
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ready: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	return s
}

// Put appends data to the stream selected by key.
func (m *Mailbox) Put(key Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	s := m.slot(key)
	s.queue.PushBack(data)
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

// Take blocks until a message for key is available, the mailbox is closed or
// ctx is done.
func (m *Mailbox) Take(ctx context.Context, key Key) ([]byte, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		s := m.slot(key)
		if s.queue.Len() > 0 {
			data := s.queue.PopFront()
			if s.queue.Len() > 0 {
				select {
				case s.ready <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
			return data, nil
		}
		ready := s.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-m.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drop discards every stream of the communicator context and returns the
// number of messages that were still queued.
func (m *Mailbox) Drop(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, s := range m.slots {
		if key.Context == id {
			n += s.queue.Len()
			delete(m.slots, key)
		}
	}
	return n
}

// Close wakes every blocked Take. Further Put and Take calls fail with ErrClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
