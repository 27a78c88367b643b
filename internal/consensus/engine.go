package consensus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// GroupSet declares every named raft group this node participates in
// ahead of time — the MultiHomeOrderer global group and/or a
// per-partition local-ordering group. Peers come from
// Config.PeerAddresses and are shared by every group.
type GroupSet struct {
	Groups []string
}

type Config struct {
	NodeID          uint64
	Address         string
	PeerAddresses   map[uint64]string
	Groups          GroupSet
	TickInterval    time.Duration
	ElectionTicks   int
	HeartbeatTicks  int
	Bootstrap       bool
	OnDecision      DecisionFunc
}

// Persistence holds one MemoryStorage per group. NewEngine creates a
// fresh one for every Engine, so storage does not outlive the Engine.
type Persistence struct {
	mu      sync.Mutex
	storage map[string]*raft.MemoryStorage
}

func NewPersistence() *Persistence { return &Persistence{storage: map[string]*raft.MemoryStorage{}} }

func (p *Persistence) forGroup(group string) *raft.MemoryStorage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.storage[group]; ok {
		return s
	}
	s := raft.NewMemoryStorage()
	p.storage[group] = s
	return s
}

type groupWorker struct {
	group     string
	node      raft.Node
	storage   *raft.MemoryStorage
	nodeID    uint64
	nextSlot  uint64
}

// Engine runs one raft group per named log and delivers committed
// entries to Config.OnDecision, in commit order, tagged with a
// monotonically increasing per-group slot number.
type Engine struct {
	cfg     Config
	persist *Persistence
	trans   *tcpTransport

	mu      sync.Mutex
	workers map[string]*groupWorker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}

	e := &Engine{
		cfg:     cfg,
		persist: NewPersistence(),
		workers: make(map[string]*groupWorker),
		stopCh:  make(chan struct{}),
	}

	trans, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, func(group string, msg raftpb.Message) {
		e.mu.Lock()
		w, ok := e.workers[group]
		e.mu.Unlock()
		if !ok {
			return
		}
		_ = w.node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.trans = trans

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses)+1)
	peers = append(peers, raft.Peer{ID: cfg.NodeID})
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	for _, g := range cfg.Groups.Groups {
		ms := e.persist.forGroup(g)
		rc := &raft.Config{
			ID:              cfg.NodeID,
			ElectionTick:    cfg.ElectionTicks,
			HeartbeatTick:   cfg.HeartbeatTicks,
			Storage:         ms,
			MaxSizePerMsg:   1024 * 1024,
			MaxInflightMsgs: 256,
			CheckQuorum:     true,
			PreVote:         true,
		}
		var n raft.Node
		if cfg.Bootstrap {
			n = raft.StartNode(rc, peers)
		} else {
			n = raft.RestartNode(rc)
		}
		e.workers[g] = &groupWorker{group: g, node: n, storage: ms, nodeID: cfg.NodeID}
	}
	return e, nil
}

func (e *Engine) Start() {
	e.mu.Lock()
	workers := make([]*groupWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		e.wg.Add(1)
		go e.run(w)
	}
}

func (e *Engine) Stop() error {
	close(e.stopCh)
	e.mu.Lock()
	for _, w := range e.workers {
		w.node.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return e.trans.close()
}

func (e *Engine) IsLeader(group string) bool {
	e.mu.Lock()
	w, ok := e.workers[group]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return w.node.Status().RaftState == raft.StateLeader
}

func (e *Engine) Leader(group string) uint64 {
	e.mu.Lock()
	w, ok := e.workers[group]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return w.node.Status().Lead
}

// Propose submits value to group's raft log. This node need not be
// the group's leader: raft.Node.Propose is safe to call from a
// follower, which steps the entry as a local MsgProp and forwards it
// to the current leader over the same transport used for every other
// raft message. It only fails outright when no leader is known yet
// (raft.ErrProposalDropped) — a genuinely leaderless group, not a
// routing decision this package should make itself.
func (e *Engine) Propose(ctx context.Context, group string, value uint64) error {
	e.mu.Lock()
	w, ok := e.workers[group]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("consensus: unknown group %q", group)
	}
	// raft.Node.Propose waits for a leader instead of dropping the
	// proposal, so a leaderless group is rejected here.
	if w.node.Status().Lead == raft.None {
		return raft.ErrProposalDropped
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return w.node.Propose(ctx, buf)
}

func (e *Engine) run(w *groupWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			w.node.Tick()
		case rd := <-w.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = w.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = w.storage.SetHardState(rd.HardState)
			}
			_ = w.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = e.trans.send(m.To, w.group, m)
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) != 8 {
					continue
				}
				value := binary.BigEndian.Uint64(ent.Data)
				slot := w.nextSlot
				w.nextSlot++
				if e.cfg.OnDecision != nil {
					e.cfg.OnDecision(Decision{
						GroupID:  w.group,
						Slot:     slot,
						Value:    value,
						LeaderID: w.node.Status().Lead,
					})
				}
			}
			w.node.Advance()
		}
	}
}
