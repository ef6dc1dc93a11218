// Package kv defines the keyed, transactional storage the engine runs on.
//
// Every public engine operation runs inside exactly one Update or View
// call. Update transactions are serialized by the backend and commit all
// of their writes or none of them.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrReadOnly is returned by writes attempted inside a View transaction.
var ErrReadOnly = errors.New("kv: write in read-only transaction")

// Key is a composite storage key such as {"interaction", "pair", a, b}.
type Key []string

// NewKey builds a key from its parts.
func NewKey(parts ...string) Key {
	return Key(parts)
}

// String encodes the key. Parts are path-escaped so that distinct
// composite keys never share an encoding.
func (k Key) String() string {
	escaped := make([]string, len(k))
	for i, p := range k {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// ParseKey decodes a key produced by Key.String.
func ParseKey(s string) (Key, error) {
	raw := strings.Split(s, "/")
	k := make(Key, len(raw))
	for i, p := range raw {
		part, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("kv: parse key %q: %w", s, err)
		}
		k[i] = part
	}
	return k, nil
}

// Uint formats a numeric key part.
func Uint(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// Tx is a storage transaction.
type Tx interface {
	// Get decodes the value stored under key into dst and reports whether it existed.
	Get(key Key, dst any) (bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key Key, value any) error
	// Has reports whether key holds a value.
	Has(key Key) (bool, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key Key) error
}

// Store runs transactions.
type Store interface {
	// Update runs fn in a serialized read-write transaction. Writes are
	// committed only when fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Increment reads the counter at key (zero when unset), stores the next
// value and returns the previous one.
func Increment(tx Tx, key Key) (uint64, error) {
	var current uint64
	if _, err := tx.Get(key, &current); err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if err := tx.Set(key, current+1); err != nil {
		return 0, fmt.Errorf("write counter %s: %w", key, err)
	}
	return current, nil
}

// Encode serializes a value for storage.
func Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("kv: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes a stored value into dst.
func Decode(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("kv: decode: %w", err)
	}
	return nil
}
