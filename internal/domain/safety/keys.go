package safety

import (
	"fmt"

	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

var interactionCounterKey = kv.NewKey("interaction", "counter")

func medicationKey(code string) kv.Key {
	return kv.NewKey("medication", code)
}

func contraindicationsKey(code string) kv.Key {
	return kv.NewKey("contraindications", code)
}

func interactionKey(id uint64) kv.Key {
	return kv.NewKey("interaction", "id", kv.Uint(id))
}

func allergiesKey(patient string) kv.Key {
	return kv.NewKey("patient", patient, "allergies")
}

func conditionsKey(patient string) kv.Key {
	return kv.NewKey("patient", patient, "conditions")
}

func overrideKey(interactionID uint64, patient string) kv.Key {
	return kv.NewKey("override", kv.Uint(interactionID), patient)
}

// pairIndex maps an unordered pair of medication codes to one interaction
// id. Put is the only write path and always stores both orderings.
type pairIndex struct{}

func (pairIndex) key(a, b string) kv.Key {
	return kv.NewKey("interaction", "pair", a, b)
}

// Put indexes id under both orderings of {a, b}.
func (p pairIndex) Put(tx kv.Tx, a, b string, id uint64) error {
	if err := tx.Set(p.key(a, b), id); err != nil {
		return fmt.Errorf("index pair %s/%s: %w", a, b, err)
	}
	if err := tx.Set(p.key(b, a), id); err != nil {
		return fmt.Errorf("index pair %s/%s: %w", b, a, err)
	}
	return nil
}

// Lookup resolves the unordered pair {a, b}.
func (p pairIndex) Lookup(tx kv.Tx, a, b string) (uint64, bool, error) {
	var id uint64
	found, err := tx.Get(p.key(a, b), &id)
	if err != nil {
		return 0, false, fmt.Errorf("lookup pair %s/%s: %w", a, b, err)
	}
	return id, found, nil
}

func loadList(tx kv.Tx, key kv.Key) ([]string, error) {
	list := []string{}
	if _, err := tx.Get(key, &list); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func contains(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
