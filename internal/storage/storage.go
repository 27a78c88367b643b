// Package storage defines the local durable state every partition
// keeps: the current master region and remaster counter for each key
// it owns, queried by RemasterManager on every VerifyMaster call and
// updated whenever a remaster completes. Grounded on
// internal/storage's Engine-interface-plus-sqlite-implementation
// shape; the chronicle-specific schema is replaced by this much
// smaller master/counter record.
package storage

import (
	"context"

	"slogd/internal/domain"
)

// Engine is the storage contract for per-key master metadata.
type Engine interface {
	// GetMaster returns the current master metadata for key, or
	// ok=false if this partition has never recorded one (a fresh
	// deployment defaults every key to its home region with counter 0).
	GetMaster(ctx context.Context, key string) (domain.MasterMetadata, bool, error)
	// SetMaster durably records key's new master metadata. Called once
	// a remaster transaction commits.
	SetMaster(ctx context.Context, key string, meta domain.MasterMetadata) error
	Close() error
}
