// Package batchlog reconciles two independently-arriving streams for
// multi-home batches — the replicated batch payload and the global
// consensus slot decision for its id — into an ordered, gap-free
// emission sequence. Grounded on original_source/module/multi_home_orderer.cpp's
// use of a BatchLog and the join semantics it exercises.
package batchlog

import (
	"fmt"

	"slogd/internal/domain"
)

// Log reconciles AddBatch/AddSlot arrivals and exposes batches in
// ascending slot order with no gaps. Not safe for concurrent use: it
// is owned by exactly one actor (§5's single-writer discipline).
type Log struct {
	batchesByID map[domain.BatchID]*domain.Batch
	slotByID    map[domain.BatchID]uint64
	idBySlot    map[uint64]domain.BatchID
	nextSlot    uint64
}

func New() *Log {
	return &Log{
		batchesByID: make(map[domain.BatchID]*domain.Batch),
		slotByID:    make(map[domain.BatchID]uint64),
		idBySlot:    make(map[uint64]domain.BatchID),
	}
}

// AddBatch records a replicated batch payload. Duplicate batch ids are
// a logic error and are rejected rather than silently overwritten.
func (l *Log) AddBatch(b *domain.Batch) error {
	if _, ok := l.batchesByID[b.ID]; ok {
		return fmt.Errorf("batchlog: duplicate batch id %d", b.ID)
	}
	l.batchesByID[b.ID] = b
	return nil
}

// AddSlot records a global consensus decision assigning slot to id. A
// slot already assigned is a logic error. An id with no matching
// batch data yet is tolerated — it simply waits.
func (l *Log) AddSlot(slot uint64, id domain.BatchID) error {
	if _, ok := l.idBySlot[slot]; ok {
		return fmt.Errorf("batchlog: duplicate slot %d", slot)
	}
	l.idBySlot[slot] = id
	l.slotByID[id] = slot
	return nil
}

// HasNextBatch reports whether the batch assigned to the current
// cursor position has both its slot decision and its payload.
func (l *Log) HasNextBatch() bool {
	id, ok := l.idBySlot[l.nextSlot]
	if !ok {
		return false
	}
	_, ok = l.batchesByID[id]
	return ok
}

// NextBatch removes and returns the batch at the cursor, advancing it.
// Callers must check HasNextBatch first.
func (l *Log) NextBatch() (uint64, *domain.Batch, bool) {
	id, ok := l.idBySlot[l.nextSlot]
	if !ok {
		return 0, nil, false
	}
	b, ok := l.batchesByID[id]
	if !ok {
		return 0, nil, false
	}
	slot := l.nextSlot
	delete(l.idBySlot, slot)
	delete(l.batchesByID, id)
	delete(l.slotByID, id)
	l.nextSlot++
	return slot, b, true
}

// Drain repeatedly calls NextBatch until no more batches are
// emittable, invoking fn for each in ascending slot order.
func (l *Log) Drain(fn func(slot uint64, b *domain.Batch)) {
	for l.HasNextBatch() {
		slot, b, ok := l.NextBatch()
		if !ok {
			return
		}
		fn(slot, b)
	}
}
