package wire

import "slogd/internal/domain"

// ToWireTxn and FromWireTxn translate between the pure domain model
// and its wire twin at the transport boundary, the way the teacher's
// socket server converts between its Event proto and domain.EventEnvelope.
func ToWireTxn(t *domain.Transaction) *Transaction {
	if t == nil {
		return nil
	}
	keys := make([]*KeyOp, 0, len(t.Keys))
	for _, k := range t.Keys {
		keys = append(keys, &KeyOp{
			Key:          k.Key,
			Op:           int32(k.Op),
			MasterRegion: k.Metadata.MasterRegion,
			Counter:      k.Metadata.Counter,
		})
	}
	return &Transaction{
		Id:       t.ID,
		Type:     int32(t.Type),
		Keys:     keys,
		Payload:  t.Payload,
		TenantId: t.TenantID,
		Region:   t.Region,
	}
}

func FromWireTxn(t *Transaction) *domain.Transaction {
	if t == nil {
		return nil
	}
	keys := make([]domain.KeyOp, 0, len(t.Keys))
	for _, k := range t.Keys {
		keys = append(keys, domain.KeyOp{
			Key: k.Key,
			Op:  domain.KeyOpType(k.Op),
			Metadata: domain.MasterMetadata{
				MasterRegion: k.MasterRegion,
				Counter:      k.Counter,
			},
		})
	}
	return &domain.Transaction{
		ID:       t.Id,
		Type:     domain.TransactionType(t.Type),
		Keys:     keys,
		Payload:  t.Payload,
		TenantID: t.TenantId,
		Region:   t.Region,
	}
}

func ToWireBatch(b *domain.Batch) *Batch {
	if b == nil {
		return nil
	}
	txns := make([]*Transaction, 0, len(b.Transactions))
	for _, t := range b.Transactions {
		txns = append(txns, ToWireTxn(t))
	}
	return &Batch{
		Id:            uint64(b.ID),
		Type:          int32(b.Type),
		Transactions:  txns,
		SameOriginPos: b.SameOriginPos,
		OriginQueueId: b.OriginQueueID,
	}
}

func FromWireBatch(b *Batch) *domain.Batch {
	if b == nil {
		return nil
	}
	txns := make([]*domain.Transaction, 0, len(b.Transactions))
	for _, t := range b.Transactions {
		txns = append(txns, FromWireTxn(t))
	}
	return &domain.Batch{
		ID:            domain.BatchID(b.Id),
		Type:          domain.TransactionType(b.Type),
		Transactions:  txns,
		SameOriginPos: b.SameOriginPos,
		OriginQueueID: b.OriginQueueId,
	}
}
