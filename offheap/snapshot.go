package offheap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

func readFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Snapshots are restricted to string keys and JSON-marshalable values —
// the same "serialize to bytes" boundary the teacher's Serialize/
// RestoreFrom pair uses — since this tier's Key/Value are otherwise
// opaque Go `any`s with no universal on-disk encoding. Durable
// persistence beyond this explicit snapshot mechanism stays out of
// scope (§1 Non-goals): there is no write-ahead log, no background
// flush, and no partial/incremental snapshot.

// Serialize walks every live entry (via the weakly-consistent Iterate)
// into an in-memory snapshot document. Keys not already strings are
// rendered with fmt.Sprintf("%v", key); two distinct keys that stringify
// identically will collide in the snapshot, the same caveat the
// teacher's map[string][]byte-keyed Serialize carries.
func (s *Store) Serialize() ([]byte, error) {
	entries := make(map[string]any)
	it := s.Iterate(context.Background())
	for it.Next() {
		key := it.Key()
		k, ok := key.(string)
		if !ok {
			k = fmt.Sprintf("%v", key)
		}
		entries[k] = it.Value()
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("serialize snapshot: %w", err)
	}
	return data, nil
}

// RestoreFrom Puts every entry of the snapshot in data into the store,
// overwriting any existing mapping for the same key (snapshot wins per
// key). The store is not cleared first: live entries whose keys are not in
// the snapshot stay in place.
func (s *Store) RestoreFrom(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var entries map[string]any
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	restored := 0
	for key, value := range entries {
		if err := s.Put(ctx, key, value); err != nil {
			s.logger.Warn("failed to restore key from snapshot", "key", key, "error", err)
			continue
		}
		restored++
	}
	s.logger.Info("restored entries from snapshot", "restored", restored, "total", len(entries))
	return nil
}

// SnapshotTo atomically writes the store's current contents to path,
// using rename-on-write so a reader never observes a partially-written
// file — grounded on calvinalkan-agent-task's use of
// github.com/natefinch/atomic for the same guarantee.
func (s *Store) SnapshotTo(path string) error {
	data, err := s.Serialize()
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// RestoreFromFile reads path and restores the store's contents from it.
// A missing file is not an error: a fresh store has nothing to restore.
func (s *Store) RestoreFromFile(ctx context.Context, path string) error {
	data, err := readFileOrEmpty(path)
	if err != nil {
		return err
	}
	return s.RestoreFrom(ctx, data)
}
