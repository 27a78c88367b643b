package consensus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
)

type messageHandler func(group string, msg raftpb.Message)

// tcpTransport carries raft messages between nodes, one lazily-dialed
// outbound channel per (peer, group) pair, adapted from
// internal/raftengine/transport.go with the fixed partition array
// replaced by an arbitrary group name.
type tcpTransport struct {
	nodeID   uint64
	addr     string
	handler  messageHandler
	listener net.Listener

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64]map[string]chan raftpb.Message

	closed chan struct{}
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{
		nodeID:   nodeID,
		addr:     addr,
		peers:    peers,
		handler:  handler,
		listener: ln,
		outbound: make(map[uint64]map[string]chan raftpb.Message),
		closed:   make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) channelFor(peer uint64, group string) chan raftpb.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	groups, ok := t.outbound[peer]
	if !ok {
		groups = make(map[string]chan raftpb.Message)
		t.outbound[peer] = groups
	}
	ch, ok := groups[group]
	if !ok {
		ch = make(chan raftpb.Message, 128)
		groups[group] = ch
		go t.sender(peer, group, ch)
	}
	return ch
}

func (t *tcpTransport) send(to uint64, group string, msg raftpb.Message) error {
	if to == t.nodeID {
		return nil
	}
	t.mu.Lock()
	_, known := t.peers[to]
	t.mu.Unlock()
	if !known {
		return fmt.Errorf("consensus: unknown peer %d", to)
	}
	ch := t.channelFor(to, group)
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("consensus: peer %d group %s queue full", to, group)
	}
}

func (t *tcpTransport) sender(peer uint64, group string, ch <-chan raftpb.Message) {
	for {
		select {
		case <-t.closed:
			return
		case msg := <-ch:
			t.mu.Lock()
			addr := t.peers[peer]
			t.mu.Unlock()
			conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			if err := writeEnvelope(conn, group, msg); err != nil {
				_ = conn.Close()
				continue
			}
			_ = conn.Close()
		}
	}
}

func (t *tcpTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			group, msg, err := readEnvelope(c)
			if err != nil {
				return
			}
			t.handler(group, msg)
		}(conn)
	}
}

func (t *tcpTransport) close() error {
	close(t.closed)
	return t.listener.Close()
}

func writeEnvelope(w io.Writer, group string, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	groupBytes := []byte(group)
	if len(groupBytes) > 255 {
		return fmt.Errorf("consensus: group name too long")
	}
	payload := make([]byte, 1+len(groupBytes)+len(b))
	payload[0] = byte(len(groupBytes))
	copy(payload[1:], groupBytes)
	copy(payload[1+len(groupBytes):], b)
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readEnvelope(r io.Reader) (string, raftpb.Message, error) {
	var sz uint32
	if err := binary.Read(r, binary.BigEndian, &sz); err != nil {
		return "", raftpb.Message{}, err
	}
	br := bufio.NewReader(r)
	buf := make([]byte, sz)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", raftpb.Message{}, err
	}
	if len(buf) < 1 {
		return "", raftpb.Message{}, io.ErrUnexpectedEOF
	}
	nameLen := int(buf[0])
	if len(buf) < 1+nameLen {
		return "", raftpb.Message{}, io.ErrUnexpectedEOF
	}
	group := string(buf[1 : 1+nameLen])
	var msg raftpb.Message
	if err := msg.Unmarshal(buf[1+nameLen:]); err != nil {
		return "", raftpb.Message{}, err
	}
	return group, msg, nil
}
