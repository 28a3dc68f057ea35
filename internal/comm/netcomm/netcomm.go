// Package netcomm connects the ranks of a world over the network.
//
// Every rank listens on one address and dials every other rank. Each
// connection carries a yamux session with a single stream used for traffic
// from the dialing rank to the listening rank, so messages between a pair of
// ranks arrive in the order they were sent. The connection layer is either
// TCP or KCP (reliable UDP).
package netcomm

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/yamux"
	"github.com/xtaci/kcp-go/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/pario/internal/comm"
)

const maxFrame = 1 << 30

// Listen opens the listener for protocol on addr.
func Listen(protocol, addr string) (net.Listener, error) {
	switch protocol {
	case ProtocolTCP:
		return net.Listen("tcp", addr)
	case ProtocolKCP:
		return kcp.ListenWithOptions(addr, nil, 0, 0)
	}
	return nil, fmt.Errorf("netcomm: unknown protocol %q", protocol)
}

func dial(protocol, addr string, timeout time.Duration) (net.Conn, error) {
	switch protocol {
	case ProtocolTCP:
		return net.DialTimeout("tcp", addr, timeout)
	case ProtocolKCP:
		sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		sess.SetStreamMode(true)
		sess.SetNoDelay(1, 10, 2, 1)
		return sess, nil
	}
	return nil, fmt.Errorf("netcomm: unknown protocol %q", protocol)
}

type peer struct {
	stream net.Conn
	w      *bufio.Writer
	mu     sync.Mutex
}

// Endpoint is a comm.Endpoint over network connections.
type Endpoint struct {
	cfg      Config
	logger   *zap.Logger
	ln       net.Listener
	inbox    *comm.Mailbox
	peers    []*peer
	sessions []*yamux.Session
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   *atomic.Bool
}

// NewEndpoint starts accepting on ln and connects to every peer. A nil ln
// listens on cfg.Listen. It returns once every outgoing stream is open.
func NewEndpoint(ctx context.Context, cfg Config, ln net.Listener, logger *zap.Logger) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ln == nil {
		var err error
		if ln, err = Listen(cfg.Protocol, cfg.Listen); err != nil {
			return nil, fmt.Errorf("netcomm: listen %s: %w", cfg.Listen, err)
		}
	}

	e := &Endpoint{
		cfg:    cfg,
		logger: logger.With(zap.Int("world_rank", cfg.Rank)),
		ln:     ln,
		inbox:  comm.NewMailbox(),
		peers:  make([]*peer, len(cfg.Peers)),
		closed: atomic.NewBool(false),
	}

	e.wg.Add(1)
	go e.acceptLoop()

	for rank, addr := range cfg.Peers {
		if rank == cfg.Rank {
			continue
		}
		p, err := e.connect(ctx, addr)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("netcomm: connect to rank %d at %s: %w", rank, addr, err)
		}
		e.peers[rank] = p
	}
	e.logger.Debug("endpoint connected", zap.Int("world_size", len(cfg.Peers)))
	return e, nil
}

func (e *Endpoint) muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = e.cfg.KeepAliveInterval
	cfg.StreamOpenTimeout = e.cfg.StreamOpenTimeout
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(e.logger.Named("mux"))
	return cfg
}

func newDialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 20 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

func (e *Endpoint) connect(ctx context.Context, addr string) (*peer, error) {
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = dial(e.cfg.Protocol, addr, e.cfg.DialTimeout)
		return err
	}
	b := backoff.WithContext(newDialBackoff(e.cfg.DialTimeout), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}

	session, err := yamux.Client(conn, e.muxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	stream, err := session.Open()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if !e.track(session) {
		return nil, comm.ErrClosed
	}
	return &peer{stream: stream, w: bufio.NewWriter(stream)}, nil
}

// track records s for Close. A session arriving after Close is shut down.
func (e *Endpoint) track(s *yamux.Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		_ = s.Close()
		return false
	}
	e.sessions = append(e.sessions, s)
	return true
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if !e.closed.Load() {
				e.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		session, err := yamux.Server(conn, e.muxConfig())
		if err != nil {
			e.logger.Error("multiplexer setup failed", zap.Error(err))
			_ = conn.Close()
			continue
		}
		if !e.track(session) {
			return
		}
		e.wg.Add(1)
		go e.serveSession(session)
	}
}

func (e *Endpoint) serveSession(session *yamux.Session) {
	defer e.wg.Done()
	for {
		stream, err := session.Accept()
		if err != nil {
			return
		}
		e.wg.Add(1)
		go e.readLoop(stream)
	}
}

func (e *Endpoint) readLoop(stream net.Conn) {
	defer e.wg.Done()
	r := bufio.NewReader(stream)
	for {
		env, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !e.closed.Load() {
				e.logger.Warn("stream read failed", zap.Error(err))
			}
			return
		}
		key := comm.Key{Context: env.Context, Source: env.Source, Tag: env.Tag}
		if err := e.inbox.Put(key, env.Data); err != nil {
			return
		}
	}
}

func (e *Endpoint) WorldRank() int {
	return e.cfg.Rank
}

func (e *Endpoint) WorldSize() int {
	return len(e.cfg.Peers)
}

func (e *Endpoint) Inbox() *comm.Mailbox {
	return e.inbox
}

// Deliver writes env to the stream of dst. Messages to the local rank bypass
// the network.
func (e *Endpoint) Deliver(_ context.Context, dst int, env comm.Envelope) error {
	if e.closed.Load() {
		return comm.ErrClosed
	}
	if dst < 0 || dst >= len(e.peers) {
		return fmt.Errorf("netcomm: world rank %d out of range", dst)
	}
	if dst == e.cfg.Rank {
		return e.inbox.Put(comm.Key{Context: env.Context, Source: env.Source, Tag: env.Tag}, env.Data)
	}

	p := e.peers[dst]
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := writeFrame(p.w, env); err != nil {
		return err
	}
	return p.w.Flush()
}

// Close shuts down the listener and every session and waits for the
// background readers.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	err := e.ln.Close()
	for _, s := range e.sessions {
		_ = s.Close()
	}
	e.mu.Unlock()
	e.inbox.Close()
	e.wg.Wait()
	return err
}

// Frame layout, little-endian:
// [u32 context length][context][i32 source][i32 tag][u32 data length][data]
func writeFrame(w io.Writer, env comm.Envelope) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(env.Context)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, env.Context); err != nil {
		return err
	}
	var fixed [12]byte
	binary.LittleEndian.PutUint32(fixed[0:], uint32(int32(env.Source)))
	binary.LittleEndian.PutUint32(fixed[4:], uint32(int32(env.Tag)))
	binary.LittleEndian.PutUint32(fixed[8:], uint32(len(env.Data)))
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	_, err := w.Write(env.Data)
	return err
}

func readFrame(r io.Reader) (comm.Envelope, error) {
	var env comm.Envelope
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return env, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrame {
		return env, fmt.Errorf("netcomm: context of %d bytes", n)
	}
	ctxBuf := make([]byte, n)
	if _, err := io.ReadFull(r, ctxBuf); err != nil {
		return env, err
	}
	var fixed [12]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return env, err
	}
	size := binary.LittleEndian.Uint32(fixed[8:])
	if size > maxFrame {
		return env, fmt.Errorf("netcomm: frame of %d bytes", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return env, err
	}
	env.Context = string(ctxBuf)
	env.Source = int(int32(binary.LittleEndian.Uint32(fixed[0:])))
	env.Tag = int(int32(binary.LittleEndian.Uint32(fixed[4:])))
	env.Data = data
	return env, nil
}
