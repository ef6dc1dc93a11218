package prescription

import (
	"fmt"

	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

var counterKey = kv.NewKey("prescription", "counter")

func recordKey(id uint64) kv.Key {
	return kv.NewKey("prescription", "id", kv.Uint(id))
}

// nextID reserves the next prescription id. Ids start at 0.
func nextID(tx kv.Tx) (uint64, error) {
	return kv.Increment(tx, counterKey)
}

// load reads prescription id, failing with domain.ErrNotFound when absent.
func load(tx kv.Tx, id uint64) (*Aggregate, error) {
	var p Prescription
	found, err := tx.Get(recordKey(id), &p)
	if err != nil {
		return nil, fmt.Errorf("read prescription %d: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("prescription %d: %w", id, domain.ErrNotFound)
	}
	return FromSnapshot(p), nil
}

// save writes the aggregate's current state when it has pending changes.
func save(tx kv.Tx, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}
	if err := tx.Set(recordKey(agg.ID()), agg.Snapshot()); err != nil {
		return fmt.Errorf("write prescription %d: %w", agg.ID(), err)
	}
	return nil
}
