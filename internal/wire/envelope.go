// Package wire defines the on-the-wire envelope/request sum type that
// flows over the transport bus, and the length-prefixed frame codec
// used to serialize it. The request union is recursive by nature (a
// request carries a batch which carries transactions), so it is
// represented as a set of boxed, mutually-optional variants rather
// than an actual recursive Go type — the same technique the teacher
// uses for its socket protocol.
package wire

import "github.com/golang/protobuf/proto"

// Channel identifiers are fixed, well-known routing keys over the bus
// (§6). They never change at runtime and are shared cluster-wide.
const (
	ChannelMultiHomeOrderer uint32 = 1
	ChannelLocalLog         uint32 = 2
	ChannelInterleaver      uint32 = 3
	ChannelScheduler        uint32 = 4
	ChannelGlobalPaxos      uint32 = 5
	ChannelLocalPaxos       uint32 = 6
)

// Envelope is the unit exchanged over the bus: an origin machine id, a
// destination channel, and exactly one populated Request variant.
type Envelope struct {
	From    uint32   `protobuf:"varint,1,opt,name=from,proto3"`
	Channel uint32   `protobuf:"varint,2,opt,name=channel,proto3"`
	Request *Request `protobuf:"bytes,3,opt,name=request,proto3"`
}

func (*Envelope) Reset()         {}
func (*Envelope) String() string { return "Envelope" }
func (*Envelope) ProtoMessage()  {}

// Request is a tagged union over the message kinds the ordering layer
// exchanges. Exactly one field is populated per instance.
type Request struct {
	ForwardTxn   *ForwardTxnRequest   `protobuf:"bytes,1,opt,name=forward_txn,json=forwardTxn,proto3"`
	ForwardBatch *ForwardBatchRequest `protobuf:"bytes,2,opt,name=forward_batch,json=forwardBatch,proto3"`
	PaxosPropose *PaxosProposeRequest `protobuf:"bytes,3,opt,name=paxos_propose,json=paxosPropose,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

// ForwardTxnRequest carries a single transaction: from ingest into the
// MultiHomeOrderer's or the local batcher's open batch, and from the
// Interleaver to the scheduler.
type ForwardTxnRequest struct {
	Txn *Transaction `protobuf:"bytes,1,opt,name=txn,proto3"`
}

func (*ForwardTxnRequest) Reset()         {}
func (*ForwardTxnRequest) String() string { return "ForwardTxnRequest" }
func (*ForwardTxnRequest) ProtoMessage()  {}

// ForwardBatchRequest is itself a tagged union: batch payload data,
// a global slot decision, or a local (per-partition) slot decision, plus
// the same-origin position that only accompanies single-home batch
// data.
type ForwardBatchRequest struct {
	BatchData          *Batch           `protobuf:"bytes,1,opt,name=batch_data,json=batchData,proto3"`
	BatchOrder         *BatchOrder      `protobuf:"bytes,2,opt,name=batch_order,json=batchOrder,proto3"`
	LocalBatchOrder    *LocalBatchOrder `protobuf:"bytes,3,opt,name=local_batch_order,json=localBatchOrder,proto3"`
	SameOriginPosition uint64           `protobuf:"varint,4,opt,name=same_origin_position,json=sameOriginPosition,proto3"`
}

func (*ForwardBatchRequest) Reset()         {}
func (*ForwardBatchRequest) String() string { return "ForwardBatchRequest" }
func (*ForwardBatchRequest) ProtoMessage()  {}

// BatchOrder is the global consensus's slot decision for a multi-home
// batch id.
type BatchOrder struct {
	Slot    uint64 `protobuf:"varint,1,opt,name=slot,proto3"`
	BatchID uint64 `protobuf:"varint,2,opt,name=batch_id,json=batchId,proto3"`
}

func (*BatchOrder) Reset()         {}
func (*BatchOrder) String() string { return "BatchOrder" }
func (*BatchOrder) ProtoMessage()  {}

// LocalBatchOrder is a per-partition local consensus group's slot
// decision for a single-home queue.
type LocalBatchOrder struct {
	Slot    uint64 `protobuf:"varint,1,opt,name=slot,proto3"`
	QueueID uint32 `protobuf:"varint,2,opt,name=queue_id,json=queueId,proto3"`
	Leader  uint32 `protobuf:"varint,3,opt,name=leader,proto3"`
}

func (*LocalBatchOrder) Reset()         {}
func (*LocalBatchOrder) String() string { return "LocalBatchOrder" }
func (*LocalBatchOrder) ProtoMessage()  {}

// PaxosProposeRequest submits a value (a multi-home batch id) to a
// consensus log.
type PaxosProposeRequest struct {
	Value uint64 `protobuf:"varint,1,opt,name=value,proto3"`
}

func (*PaxosProposeRequest) Reset()         {}
func (*PaxosProposeRequest) String() string { return "PaxosProposeRequest" }
func (*PaxosProposeRequest) ProtoMessage()  {}

// Transaction and KeyOp are the wire twins of internal/domain's types;
// keeping them separate lets the wire format evolve (e.g. add fields)
// without disturbing the pure domain model core algorithms operate on.
type Transaction struct {
	Id       uint64   `protobuf:"varint,1,opt,name=id,proto3"`
	Type     int32    `protobuf:"varint,2,opt,name=type,proto3"`
	Keys     []*KeyOp `protobuf:"bytes,3,rep,name=keys,proto3"`
	Payload  []byte   `protobuf:"bytes,4,opt,name=payload,proto3"`
	TenantId string   `protobuf:"bytes,5,opt,name=tenant_id,json=tenantId,proto3"`
	Region   uint32   `protobuf:"varint,6,opt,name=region,proto3"`
}

func (*Transaction) Reset()         {}
func (*Transaction) String() string { return "Transaction" }
func (*Transaction) ProtoMessage()  {}

type KeyOp struct {
	Key          string `protobuf:"bytes,1,opt,name=key,proto3"`
	Op           int32  `protobuf:"varint,2,opt,name=op,proto3"`
	MasterRegion uint32 `protobuf:"varint,3,opt,name=master_region,json=masterRegion,proto3"`
	Counter      uint32 `protobuf:"varint,4,opt,name=counter,proto3"`
}

func (*KeyOp) Reset()         {}
func (*KeyOp) String() string { return "KeyOp" }
func (*KeyOp) ProtoMessage()  {}

type Batch struct {
	Id            uint64         `protobuf:"varint,1,opt,name=id,proto3"`
	Type          int32          `protobuf:"varint,2,opt,name=type,proto3"`
	Transactions  []*Transaction `protobuf:"bytes,3,rep,name=transactions,proto3"`
	SameOriginPos uint64         `protobuf:"varint,4,opt,name=same_origin_pos,json=sameOriginPos,proto3"`
	OriginQueueId uint32         `protobuf:"varint,5,opt,name=origin_queue_id,json=originQueueId,proto3"`
}

func (*Batch) Reset()         {}
func (*Batch) String() string { return "Batch" }
func (*Batch) ProtoMessage()  {}

// MarshalEnvelope and UnmarshalEnvelope are the wire boundary: every
// byte that leaves or enters the transport passes through here.
func MarshalEnvelope(env *Envelope) ([]byte, error) { return proto.Marshal(env) }

func UnmarshalEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
