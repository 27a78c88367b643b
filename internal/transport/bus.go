// Package transport implements the message bus collaborator of §6:
// lazily-connected push sockets between machines, plus in-process
// local delivery, addressed by channel id. Grounded on
// original_source/connection/sender.cpp (lazy per-destination socket
// map, local "inproc" delivery, global sender-id counter starting at
// 1) and internal/ingest/socket/server.go (accept loop, per-connection
// read/write goroutines, length-prefixed framing).
package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"slogd/internal/wire"
)

// FullChannelError reports that a channel's inbox was at capacity and
// the envelope was dropped. It is Temporary: the backlog is transient
// backpressure from a slow actor, not a permanent misconfiguration, so
// a caller like an ingest adapter should treat it as retryable.
type FullChannelError struct{ Channel uint32 }

func (e *FullChannelError) Error() string {
	return fmt.Sprintf("transport: channel %d inbox is full", e.Channel)
}

func (e *FullChannelError) Temporary() bool { return true }

// UnregisteredChannelError reports that no actor has ever called
// Register for the destination channel. Unlike FullChannelError this
// does not implement Temporary: it signals a wiring bug that retrying
// will not fix.
type UnregisteredChannelError struct{ Channel uint32 }

func (e *UnregisteredChannelError) Error() string {
	return fmt.Sprintf("transport: channel %d has no registered inbox", e.Channel)
}

// senderIDCounter is the process-wide, monotonically increasing
// sender identity described in Design Note 9. It starts at 1 because
// identity 0 is reserved by the underlying messaging substrate the
// original implementation used; nothing here still needs identity 0,
// but the counter keeps the same starting point for parity.
var senderIDCounter atomic.Uint32

// NextSenderID returns the next process-wide sender identity.
func NextSenderID() uint32 { return senderIDCounter.Add(1) }

// Config describes this machine's address and how to reach its peers.
type Config struct {
	LocalMachineID uint32
	ListenAddress  string
	// Peers maps machine id -> dial address, excluding LocalMachineID.
	Peers map[uint32]string
}

// Bus is the transport collaborator: Send to a remote machine's
// channel, SendLocal to a channel on this same machine, and Register
// to obtain the inbox an actor polls.
type Bus struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	peers   map[uint32]*peerConn
	inboxes map[uint32]chan *wire.Envelope

	ln     net.Listener
	closed atomic.Bool
	wg     sync.WaitGroup
}

type peerConn struct {
	addr  string
	queue *unboundedQueue
}

// New constructs a Bus. Call Start to begin accepting inbound
// connections; Send/SendLocal/Register are usable immediately.
func New(cfg Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:     cfg,
		log:     logger,
		peers:   make(map[uint32]*peerConn),
		inboxes: make(map[uint32]chan *wire.Envelope),
	}
}

// Register returns the inbox for a channel id, creating it on first
// use. Every actor listening on a channel calls this once at startup.
func (b *Bus) Register(channel uint32) <-chan *wire.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inboxes[channel]
	if !ok {
		ch = make(chan *wire.Envelope, 4096)
		b.inboxes[channel] = ch
	}
	return ch
}

// Start opens the listening socket and begins accepting peer
// connections. It blocks until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.ListenAddress, err)
	}
	b.ln = ln
	go func() { <-ctx.Done(); _ = b.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.closed.Load() {
				return nil
			}
			continue
		}
		b.wg.Add(1)
		go b.readLoop(conn)
	}
}

// Close shuts the bus down: the listener, every peer queue, and every
// registered inbox.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ln != nil {
		_ = b.ln.Close()
	}
	b.mu.Lock()
	for _, p := range b.peers {
		p.queue.close()
	}
	for _, ch := range b.inboxes {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Bus) readLoop(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		env, err := wire.UnmarshalEnvelope(payload)
		if err != nil {
			b.log.Warn("dropping malformed envelope", "err", err)
			continue
		}
		// A remote peer has no retry contract with us; log-and-drop is
		// the only option regardless of which way delivery failed.
		if err := b.deliverLocal(env); err != nil {
			b.log.Warn("dropping envelope from peer", "err", err)
		}
	}
}

func (b *Bus) deliverLocal(env *wire.Envelope) error {
	b.mu.Lock()
	ch, ok := b.inboxes[env.Channel]
	b.mu.Unlock()
	if !ok {
		return &UnregisteredChannelError{Channel: env.Channel}
	}
	select {
	case ch <- env:
		return nil
	default:
		return &FullChannelError{Channel: env.Channel}
	}
}

// Send delivers env to machineID's channel, connecting lazily on first
// use and reconnecting transparently after a transport failure. It
// never blocks on the network: it enqueues onto that peer's unbounded
// outbound queue and returns.
func (b *Bus) Send(machineID, channel uint32, env *wire.Envelope) error {
	if machineID == b.cfg.LocalMachineID {
		return b.SendLocal(channel, env)
	}
	env.From = b.cfg.LocalMachineID
	env.Channel = channel
	payload, err := wire.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	peer := b.peerFor(machineID)
	if peer == nil {
		return fmt.Errorf("unknown peer machine id %d", machineID)
	}
	peer.queue.push(payload)
	return nil
}

// SendLocal delivers env directly to a channel on this machine without
// touching the network. Unlike Send it reports the delivery outcome:
// callers with their own retry policy (the ingest adapters' commit
// logic) use this to tell transient backpressure (*FullChannelError)
// apart from a channel nobody registered (*UnregisteredChannelError).
func (b *Bus) SendLocal(channel uint32, env *wire.Envelope) error {
	env.From = b.cfg.LocalMachineID
	env.Channel = channel
	return b.deliverLocal(env)
}

func (b *Bus) peerFor(machineID uint32) *peerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[machineID]; ok {
		return p
	}
	addr, ok := b.cfg.Peers[machineID]
	if !ok {
		return nil
	}
	p := &peerConn{addr: addr, queue: newUnboundedQueue()}
	b.peers[machineID] = p
	b.wg.Add(1)
	go b.writeLoop(p)
	return p
}

// writeLoop owns exactly one peer's outbound socket, dialing lazily
// and redialing after any write failure — transient transport errors
// are silently dropped per §7; the next enqueued message triggers a
// fresh dial.
func (b *Bus) writeLoop(p *peerConn) {
	defer b.wg.Done()
	var conn net.Conn
	for {
		payload, ok := p.queue.pop()
		if !ok {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if conn == nil {
			c, err := net.Dial("tcp", p.addr)
			if err != nil {
				b.log.Warn("peer unreachable, dropping message", "addr", p.addr, "err", err)
				continue
			}
			conn = c
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			b.log.Warn("write to peer failed, will redial", "addr", p.addr, "err", err)
			_ = conn.Close()
			conn = nil
		}
	}
}
