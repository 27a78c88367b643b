// Package locallog reconciles per-queue single-home batch id arrivals
// with local consensus slot decisions into an ordered emission sequence.
// Grounded on original_source/test/module/interleaver_test.cpp's
// LocalLogTest scenarios, which internal/core/locallog's tests reproduce.
package locallog

import "slogd/internal/domain"

// Decision is one emitted (slot, batch id, leader) triple.
type Decision struct {
	Slot    uint64
	BatchID domain.BatchID
	Leader  uint32
}

type queueState struct {
	// buffered maps position -> batch id for every arrival not yet
	// emitted, including ones that outran the next-expected-position
	// (the same-origin-out-of-order case).
	buffered    map[uint64]domain.BatchID
	nextPos     uint64
}

// Log reconciles AddBatchID/AddSlot arrivals per queue and exposes
// decisions in ascending slot order. Not safe for concurrent use.
type Log struct {
	queues map[uint32]*queueState
	// slots holds pending (queue_id, leader) awaiting the data at the
	// matching queue position; keyed by slot.
	slots    map[uint64]slotEntry
	nextSlot uint64
}

type slotEntry struct {
	queueID uint32
	leader  uint32
}

func New() *Log {
	return &Log{
		queues: make(map[uint32]*queueState),
		slots:  make(map[uint64]slotEntry),
	}
}

func (l *Log) queue(id uint32) *queueState {
	q, ok := l.queues[id]
	if !ok {
		q = &queueState{buffered: make(map[uint64]domain.BatchID)}
		l.queues[id] = q
	}
	return q
}

// AddBatchID records a single-home batch's origin queue and position.
func (l *Log) AddBatchID(queueID uint32, position uint64, batchID domain.BatchID) {
	l.queue(queueID).buffered[position] = batchID
}

// AddSlot records a local consensus decision that queueID's
// next-in-line batch occupies slot, led by leader.
func (l *Log) AddSlot(slot uint64, queueID uint32, leader uint32) {
	l.slots[slot] = slotEntry{queueID: queueID, leader: leader}
}

// HasNextBatch reports whether the slot at the cursor has both its
// decision and the queue data at that queue's next expected position.
func (l *Log) HasNextBatch() bool {
	entry, ok := l.slots[l.nextSlot]
	if !ok {
		return false
	}
	q := l.queue(entry.queueID)
	_, ok = q.buffered[q.nextPos]
	return ok
}

// NextBatch pops the front slot, advances that queue's cursor, and
// advances the global slot cursor. Callers must check HasNextBatch first.
func (l *Log) NextBatch() (Decision, bool) {
	entry, ok := l.slots[l.nextSlot]
	if !ok {
		return Decision{}, false
	}
	q := l.queue(entry.queueID)
	batchID, ok := q.buffered[q.nextPos]
	if !ok {
		return Decision{}, false
	}
	delete(q.buffered, q.nextPos)
	q.nextPos++
	slot := l.nextSlot
	delete(l.slots, slot)
	l.nextSlot++
	return Decision{Slot: slot, BatchID: batchID, Leader: entry.leader}, true
}

// Drain repeatedly calls NextBatch until no more decisions are
// emittable, invoking fn for each in ascending slot order.
func (l *Log) Drain(fn func(Decision)) {
	for l.HasNextBatch() {
		d, ok := l.NextBatch()
		if !ok {
			return
		}
		fn(d)
	}
}
