package interleaver

import (
	"testing"

	"slogd/internal/domain"
)

func txn(id uint64, keys ...string) *domain.Transaction {
	t := &domain.Transaction{ID: id}
	for _, k := range keys {
		t.Keys = append(t.Keys, domain.KeyOp{Key: k, Op: domain.Write})
	}
	return t
}

func assertEmissions(t *testing.T, got []Emission, wantSlots []uint64, wantTxnIDs [][]uint64) {
	t.Helper()
	if len(got) != len(wantSlots) {
		t.Fatalf("got %d emissions, want %d: %+v", len(got), len(wantSlots), got)
	}
	for i, e := range got {
		if e.Slot != wantSlots[i] {
			t.Fatalf("emission %d slot = %d, want %d", i, e.Slot, wantSlots[i])
		}
		if len(e.Batch.Transactions) != len(wantTxnIDs[i]) {
			t.Fatalf("emission %d has %d txns, want %d", i, len(e.Batch.Transactions), len(wantTxnIDs[i]))
		}
		for j, txn := range e.Batch.Transactions {
			if txn.ID != wantTxnIDs[i][j] {
				t.Fatalf("emission %d txn %d id = %d, want %d", i, j, txn.ID, wantTxnIDs[i][j])
			}
		}
	}
}

func TestBatchDataBeforeBatchOrder(t *testing.T) {
	l := New()
	batch := &domain.Batch{ID: 100, Type: domain.SingleHome, OriginQueueID: 0, Transactions: []*domain.Transaction{txn(1, "A", "B"), txn(2, "X", "Y")}}

	l.AddBatchData(0, 0, batch)
	if len(l.Drain()) != 0 {
		t.Fatalf("expected no emission before local order arrives")
	}

	l.AddLocalOrder(0, 0, 0)
	got := l.Drain()
	assertEmissions(t, got, []uint64{0}, [][]uint64{{1, 2}})
}

func TestBatchOrderBeforeBatchData(t *testing.T) {
	l := New()
	l.AddLocalOrder(0, 0, 0)
	if len(l.Drain()) != 0 {
		t.Fatalf("expected no emission before batch data arrives")
	}

	batch := &domain.Batch{ID: 100, Type: domain.SingleHome, OriginQueueID: 0, Transactions: []*domain.Transaction{txn(1, "A", "B"), txn(2, "X", "Y")}}
	l.AddBatchData(0, 0, batch)
	got := l.Drain()
	assertEmissions(t, got, []uint64{0}, [][]uint64{{1, 2}})
}

func TestTwoBatchesInterleavedByQueue(t *testing.T) {
	l := New()
	batch1 := &domain.Batch{ID: 100, Type: domain.SingleHome, OriginQueueID: 0, Transactions: []*domain.Transaction{txn(1, "A", "B")}}
	batch2 := &domain.Batch{ID: 200, Type: domain.SingleHome, OriginQueueID: 1, Transactions: []*domain.Transaction{txn(2, "M", "N")}}

	l.AddBatchData(0, 0, batch1)
	l.AddBatchData(1, 0, batch2)

	// Txn 2 (queue 1) is ordered before txn 1 (queue 0).
	l.AddLocalOrder(0, 1, 0)
	got := l.Drain()
	assertEmissions(t, got, []uint64{0}, [][]uint64{{2}})

	l.AddLocalOrder(1, 0, 1)
	got = l.Drain()
	assertEmissions(t, got, []uint64{1}, [][]uint64{{1}})
}
