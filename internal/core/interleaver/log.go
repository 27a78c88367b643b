// Package interleaver is the deployment wrapper around locallog.Log:
// it stores replicated single-home batch payloads by id, feeds
// arrivals into the join logic, and turns ready batches into
// individual transactions fanned out in slot order. Grounded on
// original_source/test/module/interleaver_test.cpp's InterleaverTest
// fixture (BatchDataBeforeBatchOrder, BatchOrderBeforeBatchData,
// TwoBatches), which this package's tests reproduce end to end.
package interleaver

import (
	"slogd/internal/core/locallog"
	"slogd/internal/domain"
)

// Emission is one fully-reconciled single-home batch ready to be
// handed to the scheduler, in ascending slot order.
type Emission struct {
	Slot   uint64
	Leader uint32
	Batch  *domain.Batch
}

// Log owns the join between batch payload arrivals and local slot
// decisions. Not safe for concurrent use — it is actor-local.
type Log struct {
	log      *locallog.Log
	payloads map[domain.BatchID]*domain.Batch
}

func New() *Log {
	return &Log{log: locallog.New(), payloads: make(map[domain.BatchID]*domain.Batch)}
}

// AddBatchData records a replicated batch's payload and the position
// it occupies within its origin queue.
func (l *Log) AddBatchData(queueID uint32, position uint64, batch *domain.Batch) {
	l.payloads[batch.ID] = batch
	l.log.AddBatchID(queueID, position, batch.ID)
}

// AddLocalOrder records a per-partition consensus decision assigning a
// queue's next batch to slot, led by leader.
func (l *Log) AddLocalOrder(slot uint64, queueID uint32, leader uint32) {
	l.log.AddSlot(slot, queueID, leader)
}

// Drain returns every batch that has become emittable, in ascending
// slot order, removing their payloads from the pending set.
func (l *Log) Drain() []Emission {
	var out []Emission
	l.log.Drain(func(d locallog.Decision) {
		b := l.payloads[d.BatchID]
		delete(l.payloads, d.BatchID)
		out = append(out, Emission{Slot: d.Slot, Leader: d.Leader, Batch: b})
	})
	return out
}
