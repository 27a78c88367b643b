package interleaver

import (
	"sync"
	"testing"

	"slogd/internal/domain"
	"slogd/internal/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*wire.Envelope
}

func (s *recordingSender) SendLocal(channel uint32, env *wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env.Channel = channel
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) txnIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.sent))
	for _, e := range s.sent {
		ids = append(ids, e.Request.ForwardTxn.Txn.Id)
	}
	return ids
}

func wireBatch(id uint64, queueID uint32, txnIDs ...uint64) *wire.Batch {
	txns := make([]*wire.Transaction, 0, len(txnIDs))
	for _, tid := range txnIDs {
		txns = append(txns, wire.ToWireTxn(&domain.Transaction{ID: tid}))
	}
	return &wire.Batch{Id: id, Type: int32(domain.SingleHome), Transactions: txns, OriginQueueId: queueID}
}

func TestHandlerForwardsBatchDataThenOrder(t *testing.T) {
	sender := &recordingSender{}
	h := NewHandler(sender, 1, nil)

	h.HandleEnvelope(&wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
		BatchData:          wireBatch(100, 0, 1, 2),
		SameOriginPosition: 0,
	}}})
	if len(sender.sent) != 0 {
		t.Fatalf("expected no forwarding before order arrives")
	}

	h.HandleEnvelope(&wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
		LocalBatchOrder: &wire.LocalBatchOrder{Slot: 0, QueueID: 0, Leader: 0},
	}}})

	got := sender.txnIDs()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("txnIDs = %v, want [1 2]", got)
	}
}

func TestHandlerForwardsOrderThenBatchData(t *testing.T) {
	sender := &recordingSender{}
	h := NewHandler(sender, 1, nil)

	h.HandleEnvelope(&wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
		LocalBatchOrder: &wire.LocalBatchOrder{Slot: 0, QueueID: 0, Leader: 0},
	}}})
	if len(sender.sent) != 0 {
		t.Fatalf("expected no forwarding before batch data arrives")
	}

	h.HandleEnvelope(&wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
		BatchData:          wireBatch(100, 0, 1, 2),
		SameOriginPosition: 0,
	}}})

	got := sender.txnIDs()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("txnIDs = %v, want [1 2]", got)
	}
}

func TestHandlerDropsMalformedEnvelope(t *testing.T) {
	sender := &recordingSender{}
	h := NewHandler(sender, 1, nil)
	h.HandleEnvelope(&wire.Envelope{Request: &wire.Request{}})
	if len(sender.sent) != 0 {
		t.Fatalf("expected malformed envelope to be dropped, not forwarded")
	}
}
