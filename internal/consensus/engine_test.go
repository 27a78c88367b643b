package consensus

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.etcd.io/raft/v3"
)

type nopLogger struct{}

func (nopLogger) Debug(...any)            {}
func (nopLogger) Debugf(string, ...any)   {}
func (nopLogger) Info(...any)             {}
func (nopLogger) Infof(string, ...any)    {}
func (nopLogger) Warning(...any)          {}
func (nopLogger) Warningf(string, ...any) {}
func (nopLogger) Error(...any)            {}
func (nopLogger) Errorf(string, ...any)   {}
func (nopLogger) Fatal(...any)            {}
func (nopLogger) Fatalf(string, ...any)   {}
func (nopLogger) Panic(...any)            {}
func (nopLogger) Panicf(string, ...any)   {}

func init() {
	raft.SetLogger(nopLogger{})
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

type decisionRecorder struct {
	mu        sync.Mutex
	decisions []Decision
}

func (r *decisionRecorder) onDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *decisionRecorder) count(value uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.decisions {
		if d.Value == value {
			n++
		}
	}
	return n
}

func waitForLeader(t *testing.T, nodes map[uint64]*Engine, group string) uint64 {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		leaders := map[uint64]int{}
		var leader uint64
		for id, n := range nodes {
			if n.IsLeader(group) {
				leader = id
				leaders[leader]++
			}
		}
		if len(leaders) == 1 {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("no single leader elected for group=%s", group)
	return 0
}

func TestThreeNodeGroupCommitsInOrder(t *testing.T) {
	const group = "global-multi-home"
	addrs := map[uint64]string{1: freePort(t), 2: freePort(t), 3: freePort(t)}
	recs := map[uint64]*decisionRecorder{1: {}, 2: {}, 3: {}}

	newNode := func(id uint64) *Engine {
		peers := map[uint64]string{}
		for pid, addr := range addrs {
			if pid != id {
				peers[pid] = addr
			}
		}
		n, err := NewEngine(Config{
			NodeID:        id,
			Address:       addrs[id],
			PeerAddresses: peers,
			Groups:        GroupSet{Groups: []string{group}},
			Bootstrap:     true,
			OnDecision:    recs[id].onDecision,
		})
		if err != nil {
			t.Fatal(err)
		}
		n.Start()
		return n
	}

	nodes := map[uint64]*Engine{1: newNode(1), 2: newNode(2), 3: newNode(3)}
	defer func() {
		for _, n := range nodes {
			_ = n.Stop()
		}
	}()

	leaderID := waitForLeader(t, nodes, group)
	leader := nodes[leaderID]

	if err := leader.Propose(context.Background(), group, 42); err != nil {
		t.Fatalf("propose: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allSaw := true
		for _, r := range recs {
			if r.count(42) != 1 {
				allSaw = false
			}
		}
		if allSaw {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("not every node observed the committed value")
}

func TestProposeRejectedOnNonLeader(t *testing.T) {
	const group = "solo"
	addr := freePort(t)
	rec := &decisionRecorder{}
	n, err := NewEngine(Config{
		NodeID:        1,
		Address:       addr,
		PeerAddresses: map[uint64]string{2: "127.0.0.1:1"},
		Groups:        GroupSet{Groups: []string{group}},
		Bootstrap:     true,
		OnDecision:    rec.onDecision,
	})
	if err != nil {
		t.Fatal(err)
	}
	n.Start()
	defer n.Stop()

	// A two-member group where this node never gets to see its peer
	// never elects a leader, so proposals must be rejected.
	if err := n.Propose(context.Background(), group, 1); err == nil {
		t.Fatal("expected propose to fail without leadership")
	}
}
