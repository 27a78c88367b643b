package interleaver

import (
	"log/slog"

	"slogd/internal/wire"
)

// Sender is the narrow slice of transport.Bus the deployment wrapper
// needs: local delivery to the scheduler's inbox.
type Sender interface {
	SendLocal(channel uint32, env *wire.Envelope) error
}

// Handler adapts Log to the actor loop: it decodes inbound envelopes
// on the interleaver channel into Log calls and republishes
// every emitted batch's transactions onto the scheduler channel.
type Handler struct {
	log            *Log
	sender         Sender
	localMachineID uint32
	logger         *slog.Logger
}

func NewHandler(sender Sender, localMachineID uint32, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{log: New(), sender: sender, localMachineID: localMachineID, logger: logger}
}

// HandleEnvelope implements actor.Handler. Envelopes carrying batch
// data or a local batch order feed Log; anything else is a protocol
// violation and is logged and dropped per the error handling policy.
func (h *Handler) HandleEnvelope(env *wire.Envelope) {
	if env == nil || env.Request == nil || env.Request.ForwardBatch == nil {
		h.logger.Warn("interleaver dropping envelope: not a forward-batch request")
		return
	}
	fb := env.Request.ForwardBatch
	switch {
	case fb.BatchData != nil:
		batch := wire.FromWireBatch(fb.BatchData)
		batch.SameOriginPos = fb.SameOriginPosition
		h.log.AddBatchData(fb.BatchData.OriginQueueId, fb.SameOriginPosition, batch)
	case fb.LocalBatchOrder != nil:
		lbo := fb.LocalBatchOrder
		h.log.AddLocalOrder(lbo.Slot, lbo.QueueID, lbo.Leader)
	default:
		h.logger.Warn("interleaver dropping envelope: forward-batch has no recognized variant")
		return
	}
	h.emitReady()
}

// HandleTick implements actor.Handler. The interleaver has no
// time-driven behavior; it reacts only to arrivals.
func (h *Handler) HandleTick() {}

func (h *Handler) emitReady() {
	for _, e := range h.log.Drain() {
		if e.Batch == nil {
			continue
		}
		for _, txn := range e.Batch.Transactions {
			out := &wire.Envelope{
				Request: &wire.Request{
					ForwardTxn: &wire.ForwardTxnRequest{Txn: wire.ToWireTxn(txn)},
				},
			}
			if err := h.sender.SendLocal(wire.ChannelScheduler, out); err != nil {
				h.logger.Warn("interleaver failed to forward transaction to scheduler", "err", err)
			}
		}
	}
}
