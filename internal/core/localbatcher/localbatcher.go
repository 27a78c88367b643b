// Package localbatcher is the single-home counterpart to orderer: it
// accumulates transactions whose keys are all mastered by this
// machine's own region into a per-machine origin queue, closes and
// proposes a batch id on each tick against this partition's local
// consensus group, and replicates the payload to every replica
// holding the same partition. It supplies the "position" and
// "queue_id" that locallog/interleaver reconcile against the local
// group's slot decisions. Grounded on the same tick/propose/replicate
// shape as internal/core/orderer, adapted from
// original_source/module/multi_home_orderer.cpp to a per-partition
// local paxos group instead of the single global one — the role the
// original implementation's Forwarder/Sequencer module plays for
// single-home transactions.
package localbatcher

import (
	"context"
	"fmt"
	"log/slog"

	"slogd/internal/domain"
	"slogd/internal/topology"
	"slogd/internal/wire"
)

// LocalGroupID names the per-partition consensus group that
// interleaves batches from every replica holding that partition.
func LocalGroupID(partition uint32) string {
	return fmt.Sprintf("local-partition-%d", partition)
}

// QueueIDFromBatchID recovers the producing machine's identity from a
// batch id built by domain.MakeBatchID — the same trick the id
// construction rule was designed to make cheap, so one shared
// consensus group can serve every origin queue in a partition without
// separately transmitting queue identity.
func QueueIDFromBatchID(id domain.BatchID) uint32 {
	return uint32(uint64(id) % domain.MaxMachines)
}

type Proposer interface {
	Propose(ctx context.Context, groupID string, value uint64) error
}

type Sender interface {
	Send(machineID, channel uint32, env *wire.Envelope) error
}

// Handler is the single-home batching actor for one machine. Not safe
// for concurrent use.
type Handler struct {
	top      topology.Topology
	proposer Proposer
	sender   Sender
	logger   *slog.Logger

	openBatch *domain.Batch
	counter   uint64
	position  uint64
}

func NewHandler(top topology.Topology, proposer Proposer, sender Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{top: top, proposer: proposer, sender: sender, logger: logger}
	h.resetBatch()
	return h
}

func (h *Handler) resetBatch() {
	h.openBatch = &domain.Batch{Type: domain.SingleHome, OriginQueueID: h.top.LocalMachineID()}
}

// HandleEnvelope implements actor.Handler: only ForwardTxn requests
// are meaningful here — everything else belongs to a different actor.
func (h *Handler) HandleEnvelope(env *wire.Envelope) {
	if env == nil || env.Request == nil || env.Request.ForwardTxn == nil {
		h.logger.Warn("local batcher dropping envelope: not a forward-txn request")
		return
	}
	txn := wire.FromWireTxn(env.Request.ForwardTxn.Txn)
	h.openBatch.Transactions = append(h.openBatch.Transactions, txn)
}

// HandleTick implements actor.Handler: closes the open batch, proposes
// its id for a slot in this partition's local group, and replicates
// its payload to every replica of this partition. A spurious tick over
// an empty batch is a no-op.
func (h *Handler) HandleTick() {
	if len(h.openBatch.Transactions) == 0 {
		return
	}
	h.counter++
	batch := h.openBatch
	batch.ID = domain.MakeBatchID(h.counter, h.top.LocalMachineID())
	position := h.position
	h.position++
	h.resetBatch()

	groupID := LocalGroupID(h.top.LocalPartition)
	if err := h.proposer.Propose(context.Background(), groupID, uint64(batch.ID)); err != nil {
		h.logger.Warn("local batcher failed to propose batch id", "batch_id", batch.ID, "err", err)
	}

	env := &wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
		BatchData:          wire.ToWireBatch(batch),
		SameOriginPosition: position,
	}}}
	for rep := uint32(0); rep < h.top.NumReplicas; rep++ {
		machineID := h.top.MakeMachineID(rep, h.top.LocalPartition)
		if err := h.sender.Send(machineID, wire.ChannelInterleaver, env); err != nil {
			h.logger.Warn("local batcher failed to replicate batch", "machine_id", machineID, "batch_id", batch.ID, "err", err)
		}
	}
}
