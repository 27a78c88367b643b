// Package domain holds the data model shared by every actor in the
// ordering layer: transactions, batches, and slot decisions.
package domain

// TransactionType classifies a transaction by how many regions master
// the keys it touches.
type TransactionType int

const (
	SingleHome TransactionType = iota
	MultiHome
)

func (t TransactionType) String() string {
	if t == MultiHome {
		return "MULTI_HOME"
	}
	return "SINGLE_HOME"
}

// KeyOpType is READ or WRITE.
type KeyOpType int

const (
	Read KeyOpType = iota
	Write
)

// MasterMetadata is the caller-declared master region and remaster
// counter for a key, as carried by a transaction.
type MasterMetadata struct {
	MasterRegion uint32
	Counter      uint32
}

// KeyOp is one key access within a transaction, along with the
// metadata the caller believes is current for that key.
type KeyOp struct {
	Key      string
	Op       KeyOpType
	Metadata MasterMetadata
}

// Transaction is an opaque payload plus the bookkeeping the ordering
// layer needs: an internal id, its home classification, and the
// per-key master metadata it was stamped with at ingest.
type Transaction struct {
	ID       uint64
	Type     TransactionType
	Keys     []KeyOp
	Payload  []byte
	TenantID string
	Region   uint32
}

// MasterRegions returns the distinct master regions declared across
// the transaction's keys, used to classify single-home vs multi-home.
func (t *Transaction) MasterRegions() map[uint32]struct{} {
	regions := make(map[uint32]struct{}, len(t.Keys))
	for _, k := range t.Keys {
		regions[k.Metadata.MasterRegion] = struct{}{}
	}
	return regions
}

// Classify sets Type based on the number of distinct master regions
// declared across the transaction's keys.
func (t *Transaction) Classify() {
	if len(t.MasterRegions()) > 1 {
		t.Type = MultiHome
	} else {
		t.Type = SingleHome
	}
}

// BatchID is a globally unique batch identifier. It is constructed as
// producer_counter*MaxMachines + producer_machine_id, guaranteeing
// cluster-wide uniqueness without coordination.
type BatchID uint64

// MaxMachines bounds the machine-id space used in the BatchID
// construction rule; it must be larger than any real deployment's
// num_replicas*num_partitions.
const MaxMachines = 1 << 16

// MakeBatchID applies the construction rule of the spec: producer
// counters start at 1 and increment monotonically per producer.
func MakeBatchID(producerCounter uint64, producerMachineID uint32) BatchID {
	return BatchID(producerCounter*MaxMachines + uint64(producerMachineID))
}

// Batch is an ordered collection of transactions of one type, tagged
// with its cluster-unique id.
type Batch struct {
	ID            BatchID
	Type          TransactionType
	Transactions  []*Transaction
	SameOriginPos uint64 // valid only for single-home batches
	OriginQueueID uint32 // valid only for single-home batches
}

// SlotDecision is a (slot, queue, leader) triple decided by a
// consensus instance. Slots form a total order; queue_id identifies
// which origin's batch occupies the slot (for the multi-home case
// there is a single implicit queue and queue_id is unused).
type SlotDecision struct {
	Slot    uint64
	QueueID uint32
	Leader  uint32
}

// VerifyResult is the outcome of RemasterManager.VerifyMaster.
type VerifyResult int

const (
	Valid VerifyResult = iota
	Waiting
	Abort
)

func (r VerifyResult) String() string {
	switch r {
	case Valid:
		return "VALID"
	case Waiting:
		return "WAITING"
	case Abort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}
