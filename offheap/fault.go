package offheap

import (
	"context"
	"fmt"

	"github.com/skbansal/ehcache3/internal/holder"
)

// Loader produces the value for a faulted-in key, as an upper tier's
// cache-loader collaborator would.
type Loader func(ctx context.Context, key any) (any, error)

// FaultedValue is the detached copy handed back by GetAndFault and
// ComputeIfAbsentAndFault: callers above this tier mutate their own copy
// freely without aliasing the resident holder this tier still tracks
// (mirrors Snapshot's role in the original source's getAndFault/flush).
// The metadata fields let Flush copy back whatever access/expiry/hit
// bookkeeping the upper tier accumulated while it held the value, rather
// than have the write-back silently drop it.
type FaultedValue struct {
	ID              uint64
	Value           any
	LastAccessTime  int64
	ExpirationTime  int64
	Hits            uint64
	BinaryAvailable bool
}

// GetAndFault returns a pinned, detached snapshot of key's current
// mapping, or (nil, false) on miss. The resident entry is pinned in place
// so it survives eviction until the caller Flushes or Invalidates it.
func (s *Store) GetAndFault(ctx context.Context, key any) (*FaultedValue, bool, error) {
	if err := s.validateKey("get_and_fault", key); err != nil {
		return nil, false, err
	}
	now := s.now()
	var snap *holder.ValueHolder
	_, err := s.m.ComputeIfPresentAndPin(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil || cur.IsExpired(now) {
			return nil, false
		}
		snap = cur.Snapshot()
		return cur, true
	})
	if err != nil {
		return nil, false, storeAccess("get_and_fault", key, err)
	}
	if snap == nil {
		s.counters.misses.Add(1)
		return nil, false, nil
	}
	s.counters.hits.Add(1)
	return faultedValueOf(snap), true, nil
}

// faultedValueOf copies a detached holder's value and metadata into the
// shape GetAndFault/ComputeIfAbsentAndFault hand back to the upper tier.
func faultedValueOf(snap *holder.ValueHolder) *FaultedValue {
	return &FaultedValue{
		ID:              snap.ID(),
		Value:           snap.Value(),
		LastAccessTime:  snap.LastAccessTime(),
		ExpirationTime:  snap.ExpirationTime(),
		Hits:            snap.Hits(),
		BinaryAvailable: snap.BinaryAvailable(),
	}
}

// ComputeIfAbsentAndFault returns key's pinned mapping if one already
// exists, or loads it via loader and installs it pinned. Concurrent
// callers racing on the same absent key are coalesced through a
// singleflight group so loader runs at most once per key at a time —
// grounded on the teacher's concurrency.Manager wrapping
// golang.org/x/sync/singleflight.
func (s *Store) ComputeIfAbsentAndFault(ctx context.Context, key any, loader Loader) (*FaultedValue, error) {
	if err := s.validateKey("compute_if_absent_and_fault", key); err != nil {
		return nil, err
	}
	if fv, hit, err := s.GetAndFault(ctx, key); err != nil {
		return nil, err
	} else if hit {
		return fv, nil
	}

	sfKey := fmt.Sprintf("%v", key)
	loaded, err, _ := s.loadGroup.Do(sfKey, func() (any, error) {
		return loader(ctx, key)
	})
	if err != nil {
		return nil, storeAccess("compute_if_absent_and_fault", key, err)
	}
	if err := s.validateValue("compute_if_absent_and_fault", key, loaded); err != nil {
		return nil, err
	}

	now := s.now()
	sink := s.events.AcquireSink()
	var snap *holder.ValueHolder
	var expiredHolder, installedHolder *holder.ValueHolder
	_, err = s.compute(ctx, "compute_if_absent_and_fault", key, sink, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		expiredHolder, installedHolder = nil, nil
		if cur != nil && !cur.IsExpired(now) {
			snap = cur.Snapshot()
			return cur, true
		}
		if cur != nil {
			expiredHolder = cur
		}
		next := holder.New(s.m.NextID(key), loaded, now, s.expirationTimeFromDuration(now, s.expiryForCreation(key, loaded)))
		next.SetPinned(true)
		s.applyVeto(key, next)
		installedHolder = next
		snap = next.Snapshot()
		return next, true
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return nil, err
	}
	if expiredHolder != nil {
		sink.Expired(key, expiredHolder)
		s.counters.expirations.Add(1)
	}
	if installedHolder != nil {
		sink.Created(key, installedHolder)
	}
	s.events.Release(sink)
	return faultedValueOf(snap), nil
}

// Flush copies upstairs's value and metadata (access time, expiration,
// hits) back onto the resident holder and unpins it, but only if the
// resident holder's id still matches upstairs.ID — if the entry was
// concurrently replaced or removed, Flush reports false rather than
// clobbering newer state. The resident's own identity and creation time are
// preserved; only the bookkeeping the upper tier accumulated is pushed
// down, via holder.UpdateMetadata. If upstairs itself is already expired as
// of now, the resident entry is expired instead of written back. This is
// the transfer-holder step from the faulting/flushing protocol in the
// original source.
func (s *Store) Flush(ctx context.Context, key any, upstairs *FaultedValue) (bool, error) {
	if err := s.validateKey("flush", key); err != nil {
		return false, err
	}
	if err := s.validateValue("flush", key, upstairs.Value); err != nil {
		return false, err
	}
	now := s.now()
	flushed, expired := false, false
	sink := s.events.AcquireSink()
	_, ok := s.m.ComputeIfPinned(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur.ID() != upstairs.ID {
			return cur, true
		}
		meta := holder.Transfer(cur.ID(), nil, cur.CreationTime(), upstairs.LastAccessTime, upstairs.ExpirationTime, upstairs.Hits, nil)
		if meta.IsExpired(now) {
			sink.Expired(key, cur)
			expired = true
			return nil, false
		}
		prev := cur.Snapshot()
		cur.SetValue(upstairs.Value)
		cur.UpdateMetadata(meta)
		sink.Updated(key, prev, cur)
		flushed = true
		return cur, false
	}, func(next *holder.ValueHolder) bool { return flushed })
	if !ok {
		s.events.ReleaseAfterFailure(sink, ErrKeyNotFound)
		return false, nil
	}
	s.events.Release(sink)
	switch {
	case flushed:
		s.counters.puts.Add(1)
	case expired:
		s.counters.expirations.Add(1)
	}
	return flushed, nil
}

// InvalidateKey drops key's mapping unconditionally — the lower tier's
// equivalent of Remove, usable regardless of pin state, since an upper
// tier invalidating its own faulted copy must always be able to proceed.
func (s *Store) InvalidateKey(ctx context.Context, key any) error {
	if err := s.validateKey("invalidate", key); err != nil {
		return err
	}
	return s.invalidateKeyThen(ctx, key, nil)
}

// InvalidateKeyThen drops key's mapping and, if one existed, invokes then
// with its last value inside the same segment-locked remap that removes it.
func (s *Store) InvalidateKeyThen(ctx context.Context, key any, then func(value any)) error {
	if err := s.validateKey("invalidate", key); err != nil {
		return err
	}
	return s.invalidateKeyThen(ctx, key, then)
}

func (s *Store) invalidateKeyThen(ctx context.Context, key any, then func(value any)) error {
	sink := s.events.AcquireSink()
	var removedHolder *holder.ValueHolder
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil {
			return nil, false
		}
		sink.Removed(key, cur)
		removedHolder = cur
		if then != nil {
			then(cur.Value())
		}
		return nil, false
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return storeAccess("invalidate", key, err)
	}
	s.events.Release(sink)
	if removedHolder != nil {
		s.counters.removals.Add(1)
		if s.invalidationListener != nil {
			s.invalidationListener(key, removedHolder)
		}
	}
	return nil
}

// GetAndRemove atomically retrieves and deletes key's mapping.
func (s *Store) GetAndRemove(ctx context.Context, key any) (any, bool, error) {
	if err := s.validateKey("get_and_remove", key); err != nil {
		return nil, false, err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	var value any
	found := false
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil || cur.IsExpired(now) {
			if cur != nil {
				sink.Expired(key, cur)
				s.counters.expirations.Add(1)
			}
			return nil, false
		}
		value, found = cur.Value(), true
		sink.Removed(key, cur)
		return nil, false
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return nil, false, storeAccess("get_and_remove", key, err)
	}
	s.events.Release(sink)
	if found {
		s.counters.removals.Add(1)
	}
	return value, found, nil
}

// SourceValue is what a MappingSource hands InstallMapping: a holder-shaped
// value from whatever this tier sits below, carrying enough metadata
// (id, timestamps, hit count, and an optional cached binary form) for the
// transfer holder to preserve the source's own identity and history
// instead of starting a fresh one.
type SourceValue struct {
	ID             uint64
	Value          any
	CreationTime   int64
	LastAccessTime int64
	ExpirationTime int64
	Hits           uint64
	Binary         []byte // nil if the source has no cached binary form
}

// MappingSource loads key's value from whatever this tier sits below, for
// InstallMapping to transfer in. A nil return means there is nothing to
// install (a NOOP, not an error).
type MappingSource func(key any) *SourceValue

// InstallMapping installs source(key)'s result for key only if key has no
// mapping at all (live or expired-but-present); calling it against a key
// that already has one is a precondition violation, never a silent
// overwrite. If source(key) yields an already-expired holder, nothing is
// installed and the invalidation listener fires instead, mirroring
// onExpirationInCachingTier in the original source. Otherwise a transfer
// holder is installed, preserving the source's id, timestamps, hit count,
// and cached binary form rather than starting a fresh lifecycle.
func (s *Store) InstallMapping(ctx context.Context, key any, source MappingSource) error {
	if err := s.validateKey("install_mapping", key); err != nil {
		return err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	violated := false
	var installedHolder, invalidatedHolder *holder.ValueHolder
	_, err := s.compute(ctx, "install_mapping", key, sink, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		violated, installedHolder, invalidatedHolder = false, nil, nil
		if cur != nil {
			violated = true
			return cur, cur.IsPinned()
		}
		src := source(key)
		if src == nil {
			return nil, false
		}
		next := holder.Transfer(src.ID, src.Value, src.CreationTime, src.LastAccessTime, src.ExpirationTime, src.Hits, src.Binary)
		if next.IsExpired(now) {
			invalidatedHolder = next
			return nil, false
		}
		s.applyVeto(key, next)
		installedHolder = next
		return next, false
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return err
	}
	if violated {
		s.events.ReleaseAfterFailure(sink, ErrPreconditionViolated)
		return preconditionViolated("install_mapping", key, fmt.Errorf("key already mapped"))
	}
	if invalidatedHolder != nil {
		s.counters.expirations.Add(1)
		if s.invalidationListener != nil {
			s.invalidationListener(key, invalidatedHolder)
		}
		s.events.Release(sink)
		return nil
	}
	if installedHolder != nil {
		sink.Created(key, installedHolder)
		s.counters.puts.Add(1)
	}
	s.events.Release(sink)
	return nil
}
