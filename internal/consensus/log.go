// Package consensus provides the ordering layer's consensus
// primitive: a named, replicated log of uint64 values (batch ids)
// with decisions delivered to a callback in slot order. Grounded on
// internal/raftengine, generalized from a fixed 25-partition array to
// an arbitrary set of named groups so the same engine can host both
// the multi-home global log and every per-partition local log.
package consensus

import "context"

// Decision is one committed slot in a group's log.
type Decision struct {
	GroupID string
	Slot    uint64
	Value   uint64
	// LeaderID is the raft node id this node knows as leader when the
	// committed entry is delivered, threaded through so a local log's
	// decisions can carry a leader hint the way LocalBatchOrder does.
	LeaderID uint64
}

// DecisionFunc receives committed decisions in the same order the
// group committed them.
type DecisionFunc func(Decision)

// Log is the consensus collaborator every ordering component depends
// on: propose a value into a named group, and be told the slot it
// eventually receives.
type Log interface {
	Propose(ctx context.Context, groupID string, value uint64) error
	IsLeader(groupID string) bool
	Leader(groupID string) uint64
}
