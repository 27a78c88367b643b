// Package orderer implements the MultiHomeOrderer: it accumulates
// incoming multi-home transactions into an open batch, closes and
// proposes that batch on each tick, replicates its payload to the
// multi-home ordering leader of every region, and reconciles global
// consensus decisions with replicated payloads before handing ordered
// batches to the scheduler. Grounded on
// original_source/module/multi_home_orderer.cpp line for line: the
// same NewBatch/HandleInternalRequest/HandleCustomSocket(tick)/
// ProcessForwardBatch/NextBatchId structure, translated from a
// ZeroMQ-broker NetworkedModule into an actor.Handler over
// transport.Bus and consensus.Log.
package orderer

import (
	"context"
	"log/slog"

	"slogd/internal/core/batchlog"
	"slogd/internal/domain"
	"slogd/internal/topology"
	"slogd/internal/wire"
)

// GlobalGroupID names the single consensus group that decides the
// slot order of multi-home batches cluster-wide.
const GlobalGroupID = "global-multi-home"

// Proposer is the consensus collaborator's entry point for submitting
// a freshly-closed batch's id for global ordering.
type Proposer interface {
	Propose(ctx context.Context, groupID string, value uint64) error
}

// Sender is the transport collaborator's entry points this component
// needs: cross-machine replication and same-machine handoff to the
// scheduler.
type Sender interface {
	Send(machineID, channel uint32, env *wire.Envelope) error
	SendLocal(channel uint32, env *wire.Envelope) error
}

// Handler is the MultiHomeOrderer actor. Not safe for concurrent use —
// it is driven exclusively by one actor.Loop.
type Handler struct {
	top      topology.Topology
	proposer Proposer
	sender   Sender
	logger   *slog.Logger

	openBatch *domain.Batch
	counter   uint64
	log       *batchlog.Log
}

func NewHandler(top topology.Topology, proposer Proposer, sender Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{top: top, proposer: proposer, sender: sender, logger: logger, log: batchlog.New()}
	h.resetBatch()
	return h
}

func (h *Handler) resetBatch() {
	h.openBatch = &domain.Batch{Type: domain.MultiHome}
}

// HandleEnvelope implements actor.Handler.
func (h *Handler) HandleEnvelope(env *wire.Envelope) {
	if env == nil || env.Request == nil {
		h.logger.Warn("orderer dropping envelope: empty request")
		return
	}
	switch {
	case env.Request.ForwardTxn != nil:
		txn := wire.FromWireTxn(env.Request.ForwardTxn.Txn)
		h.openBatch.Transactions = append(h.openBatch.Transactions, txn)
		return
	case env.Request.ForwardBatch != nil:
		h.processForwardBatch(env.Request.ForwardBatch)
	default:
		h.logger.Warn("orderer dropping envelope: unrecognized request variant")
		return
	}
	h.drainToScheduler()
}

func (h *Handler) processForwardBatch(fb *wire.ForwardBatchRequest) {
	switch {
	case fb.BatchData != nil:
		batch := wire.FromWireBatch(fb.BatchData)
		if err := h.log.AddBatch(batch); err != nil {
			h.logger.Warn("orderer dropping duplicate batch", "batch_id", batch.ID, "err", err)
		}
	case fb.BatchOrder != nil:
		bo := fb.BatchOrder
		if err := h.log.AddSlot(bo.Slot, domain.BatchID(bo.BatchID)); err != nil {
			h.logger.Warn("orderer dropping duplicate slot", "slot", bo.Slot, "err", err)
		}
	default:
		h.logger.Warn("orderer dropping forward-batch envelope: no recognized variant")
	}
}

// HandleTick implements actor.Handler: the periodic trigger to close
// and propose the current open batch. A spurious tick over an empty
// batch is a no-op, and ticks never accumulate — each closes at most
// the batch open at the moment it fires.
func (h *Handler) HandleTick() {
	if len(h.openBatch.Transactions) == 0 {
		return
	}
	h.counter++
	batch := h.openBatch
	batch.ID = domain.MakeBatchID(h.counter, h.top.LocalMachineID())
	h.resetBatch()

	if err := h.proposer.Propose(context.Background(), GlobalGroupID, uint64(batch.ID)); err != nil {
		h.logger.Warn("orderer failed to propose batch id", "batch_id", batch.ID, "err", err)
	}

	env := &wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
		BatchData: wire.ToWireBatch(batch),
	}}}
	for rep := uint32(0); rep < h.top.NumReplicas; rep++ {
		machineID := h.top.MultiHomeLeaderMachineID(rep)
		if err := h.sender.Send(machineID, wire.ChannelMultiHomeOrderer, env); err != nil {
			h.logger.Warn("orderer failed to replicate batch", "machine_id", machineID, "batch_id", batch.ID, "err", err)
		}
	}
}

// drainToScheduler overwrites each emittable batch's id with its slot
// (downstream's only needed identity) and hands it to the scheduler.
func (h *Handler) drainToScheduler() {
	h.log.Drain(func(slot uint64, b *domain.Batch) {
		b.ID = domain.BatchID(slot)
		env := &wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
			BatchData: wire.ToWireBatch(b),
		}}}
		if err := h.sender.SendLocal(wire.ChannelScheduler, env); err != nil {
			h.logger.Warn("orderer failed to hand batch to scheduler", "slot", slot, "err", err)
		}
	})
}
