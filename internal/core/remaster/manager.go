// Package remaster implements the admission-control gate every
// ordered transaction passes through at the scheduler before it may
// run against a partition: VerifyMaster compares a transaction's declared per-key master
// metadata against this partition's committed state and either admits
// it, aborts it as stale, or queues it to wait for a remaster in
// flight to catch up. Grounded on
// original_source/test/module/scheduler_components/simple_remaster_manager_test.cpp's
// queueing behavior (per-key FIFO admission, cascading release on
// RemasterOccurred/ReleaseTransaction) translated onto the
// domain.MasterMetadata/domain.VerifyResult types already shared with
// the rest of the ordering layer.
package remaster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"slogd/internal/domain"
	"slogd/internal/storage"
)

// ReleaseResult reports the transactions a queue mutation resolved:
// ones now fully admitted, and ones that must be discarded as stale.
type ReleaseResult struct {
	Unblocked   []*domain.Transaction
	ShouldAbort []*domain.Transaction
}

type queueEntry struct {
	txn     *domain.Transaction
	counter uint32
}

type txnState struct {
	txn         *domain.Transaction
	blockedKeys map[string]struct{}
}

// Manager is the per-partition RemasterManager. Not safe for
// concurrent use — it is meant to be driven by a single scheduler
// actor, same as the other core components.
type Manager struct {
	storage storage.Engine
	logger  *slog.Logger

	queues map[string][]*queueEntry
	states map[uint64]*txnState
}

func New(store storage.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage: store,
		logger:  logger,
		queues:  make(map[string][]*queueEntry),
		states:  make(map[uint64]*txnState),
	}
}

// VerifyMaster checks txn's declared per-key master metadata against
// this partition's committed state.
//
// It panics if txn declares two different metadata values for the
// same key — an internally inconsistent transaction is a precondition
// failure upstream, not a condition this gate can adjudicate.
func (m *Manager) VerifyMaster(ctx context.Context, txn *domain.Transaction) (domain.VerifyResult, error) {
	declared := make(map[string]domain.MasterMetadata, len(txn.Keys))
	for _, k := range txn.Keys {
		if prior, ok := declared[k.Key]; ok && prior != k.Metadata {
			panic(fmt.Sprintf("remaster: transaction %d declares inconsistent metadata for key %q", txn.ID, k.Key))
		}
		declared[k.Key] = k.Metadata
	}

	current := make(map[string]domain.MasterMetadata, len(declared))
	blocked := make(map[string]struct{})
	for key, meta := range declared {
		cur, ok, err := m.storage.GetMaster(ctx, key)
		if err != nil {
			return domain.Abort, err
		}
		if !ok {
			// A key nothing has ever written defaults to the master
			// its first writer declares, at counter 0.
			cur = domain.MasterMetadata{MasterRegion: meta.MasterRegion, Counter: 0}
		}
		current[key] = cur

		switch {
		case meta.MasterRegion != cur.MasterRegion:
			return domain.Abort, nil
		case meta.Counter < cur.Counter:
			return domain.Abort, nil
		case meta.Counter > cur.Counter:
			blocked[key] = struct{}{}
		}
	}

	st := &txnState{txn: txn, blockedKeys: blocked}
	for key, meta := range declared {
		m.queues[key] = append(m.queues[key], &queueEntry{txn: txn, counter: meta.Counter})
	}
	m.states[txn.ID] = st

	if m.readyLocked(st) {
		m.removeFromQueuesLocked(txn)
		delete(m.states, txn.ID)
		return domain.Valid, nil
	}
	return domain.Waiting, nil
}

// readyLocked reports whether every key txn touches has txn at the
// head of its queue with no outstanding counter mismatch.
func (m *Manager) readyLocked(st *txnState) bool {
	for _, k := range st.txn.Keys {
		if _, waiting := st.blockedKeys[k.Key]; waiting {
			return false
		}
		q := m.queues[k.Key]
		if len(q) == 0 || q[0].txn.ID != st.txn.ID {
			return false
		}
	}
	return true
}

func (m *Manager) removeFromQueuesLocked(txn *domain.Transaction) {
	seen := make(map[string]struct{}, len(txn.Keys))
	for _, k := range txn.Keys {
		if _, ok := seen[k.Key]; ok {
			continue
		}
		seen[k.Key] = struct{}{}
		q := m.queues[k.Key]
		for i, e := range q {
			if e.txn.ID == txn.ID {
				m.queues[k.Key] = append(q[:i], q[i+1:]...)
				break
			}
		}
	}
}

// RemasterOccurred notifies the manager that key's committed counter
// has advanced to newCounter, and re-scans key's queue from the head:
// entries whose declared counter now matches are resolved for that
// key and released outright once that was their last blocking key —
// until then the entry stays put, still occupying its position in
// every queue it's in, since a transaction may only leave once it is
// ready everywhere. Entries whose declared counter has been passed by
// are aborted and removed from every queue immediately. The scan
// stops at the first entry still legitimately ahead of newCounter,
// since queue order must be preserved.
func (m *Manager) RemasterOccurred(key string, newCounter uint32) ReleaseResult {
	var result ReleaseResult
	for {
		q := m.queues[key]
		if len(q) == 0 {
			return result
		}
		head := q[0]
		st := m.states[head.txn.ID]
		if st == nil {
			m.queues[key] = q[1:]
			continue
		}
		switch {
		case head.counter == newCounter:
			delete(st.blockedKeys, key)
			if !m.readyLocked(st) {
				// Still blocked on another key: stays at the head of
				// this queue too, so nothing behind it can proceed.
				return result
			}
			m.removeFromQueuesLocked(st.txn)
			delete(m.states, st.txn.ID)
			result.Unblocked = append(result.Unblocked, st.txn)
		case head.counter < newCounter:
			m.removeFromQueuesLocked(head.txn)
			delete(m.states, head.txn.ID)
			result.ShouldAbort = append(result.ShouldAbort, head.txn)
		default:
			return result
		}
	}
}

// ReleaseTransaction removes txn from every queue it occupies —
// called once txn has committed or aborted for reasons outside this
// gate — and re-scans each of its keys' queues against current
// committed state, since txn's departure may have promoted a new head
// that is now resolvable.
func (m *Manager) ReleaseTransaction(ctx context.Context, txn *domain.Transaction) (ReleaseResult, error) {
	var result ReleaseResult
	if _, tracked := m.states[txn.ID]; !tracked {
		return result, nil
	}
	delete(m.states, txn.ID)
	m.removeFromQueuesLocked(txn)

	keys := make([]string, 0, len(txn.Keys))
	seen := make(map[string]struct{}, len(txn.Keys))
	for _, k := range txn.Keys {
		if _, ok := seen[k.Key]; ok {
			continue
		}
		seen[k.Key] = struct{}{}
		keys = append(keys, k.Key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cur, ok, err := m.storage.GetMaster(ctx, key)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		r := m.RemasterOccurred(key, cur.Counter)
		result.Unblocked = append(result.Unblocked, r.Unblocked...)
		result.ShouldAbort = append(result.ShouldAbort, r.ShouldAbort...)
	}
	return result, nil
}
