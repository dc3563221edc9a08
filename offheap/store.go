// Package offheap is the tier facade: the public Store type wrapping the
// segmented map with key/value type validation, expiry policy, eviction
// veto, event dispatch, and the upper-tier faulting/flushing protocol.
package offheap

import (
	"context"
	"fmt"
	"reflect"

	"golang.org/x/sync/singleflight"

	"github.com/skbansal/ehcache3/internal/arena"
	"github.com/skbansal/ehcache3/internal/events"
	"github.com/skbansal/ehcache3/internal/holder"
	"github.com/skbansal/ehcache3/internal/segmap"
	"github.com/skbansal/ehcache3/internal/segment"
)

// InvalidationListener is notified when the upper tier's cached copy of a
// key must be dropped: on eviction, on InvalidateKey/InvalidateKeyThen
// removing a mapping, and when InstallMapping's source yields an expired
// holder. Expiry detected by the other operations does not notify it.
type InvalidationListener func(key any, evictedValue *holder.ValueHolder)

// Store is the authoritative off-heap tier plus the subset of operations a
// caching tier above it needs (faulting, flushing, invalidation).
type Store struct {
	cfg    StoreConfig
	logger *Logger
	arena  *arena.Arena
	m      *segmap.Map
	events *events.Dispatcher

	counters passThroughCounters

	invalidationListener InvalidationListener
	loadGroup            *singleflight.Group
}

// New builds a Store from opts layered onto DefaultStoreConfig.
func New(opts ...Option) *Store {
	cfg := DefaultStoreConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	a := arena.New(cfg.PageSizeBytes, cfg.CapacityBytes)
	m := segmap.New(cfg.SegmentCount, cfg.InitialSlotsPerSegment, a, segmap.DefaultHash)

	s := &Store{
		cfg:       *cfg,
		logger:    NewLogger(cfg.Logger),
		arena:     a,
		m:         m,
		events:    events.New(events.Synchronous),
		loadGroup: new(singleflight.Group),
	}
	m.SetEvictionCallback(s.onSegmentEviction)
	m.SetEmergencyValve(func(ctx context.Context, excludeHash uint64) bool {
		s.counters.oversizeRetries.Add(1)
		return m.EvictAnywhere(ctx)
	})
	return s
}

// sinkCtxKey carries the in-flight operation's event sink through a
// segmap.Map.Compute call so a reclaim it triggers can record its eviction
// on that same sink instead of only on the global eviction listener.
type sinkCtxKey struct{}

func sinkFromContext(ctx context.Context) (*events.Sink, bool) {
	sink, ok := ctx.Value(sinkCtxKey{}).(*events.Sink)
	return sink, ok
}

// SetInvalidationListener installs the callback an upper caching tier
// registers to learn about entries this tier dropped out from under it.
func (s *Store) SetInvalidationListener(l InvalidationListener) { s.invalidationListener = l }

// AddEventListener registers a listener invoked after every operation that
// produced at least one created/updated/removed/expired/evicted event.
func (s *Store) AddEventListener(l events.Listener) { s.events.AddListener(l) }

// onSegmentEviction is segmap's global eviction listener: every victim
// evicted by ShrinkOthers or the emergency valve passes through here
// regardless of which operation's retry loop triggered the reclaim. It
// bumps the eviction counter, posts an evicted event on the triggering
// operation's sink (spec §4.D step i) when ctx carries one, and notifies
// the upper tier's invalidation listener (step ii).
func (s *Store) onSegmentEviction(ctx context.Context, key any, h *holder.ValueHolder) {
	s.counters.evictions.Add(1)
	if sink, ok := sinkFromContext(ctx); ok {
		sink.Evicted(key, h)
	}
	if s.invalidationListener != nil {
		s.invalidationListener(key, h)
	}
}

func (s *Store) now() int64 { return s.cfg.Clock.Now() }

func (s *Store) validateKey(op string, key any) error {
	if key == nil {
		return invalidArgument(op, key, fmt.Errorf("nil key"))
	}
	if s.cfg.KeyType != nil && reflect.TypeOf(key) != s.cfg.KeyType {
		return invalidArgument(op, key, fmt.Errorf("key type %T does not match configured %s", key, s.cfg.KeyType))
	}
	return nil
}

func (s *Store) validateValue(op string, key, value any) error {
	if value == nil {
		return nil
	}
	if s.cfg.ValueType != nil && reflect.TypeOf(value) != s.cfg.ValueType {
		return invalidArgument(op, key, fmt.Errorf("value type %T does not match configured %s", value, s.cfg.ValueType))
	}
	return nil
}

// expiryForCreation asks the configured Expiry for a creation duration,
// recovering from a panicking collaborator per §7.4: the panic is logged
// and the zero Duration is returned, so the entry expires immediately
// rather than corrupting the segment.
func (s *Store) expiryForCreation(key, value any) holder.Duration {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("expiry.GetExpiryForCreation panicked", "key", key, "panic", r)
		}
	}()
	d := s.cfg.Expiry.GetExpiryForCreation(key, value)
	if d == nil {
		return holder.ForeverDuration()
	}
	return *d
}

func (s *Store) expiryForUpdate(key, oldValue, newValue any, fallback holder.Duration) holder.Duration {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("expiry.GetExpiryForUpdate panicked", "key", key, "panic", r)
		}
	}()
	d := s.cfg.Expiry.GetExpiryForUpdate(key, oldValue, newValue)
	if d == nil {
		return fallback
	}
	return *d
}

func (s *Store) expiryForAccess(key, value any, fallback holder.Duration) holder.Duration {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("expiry.GetExpiryForAccess panicked", "key", key, "panic", r)
		}
	}()
	d := s.cfg.Expiry.GetExpiryForAccess(key, value)
	if d == nil {
		return fallback
	}
	return *d
}

// applyVeto consults the configured EvictionVeto for a freshly-built
// holder and sticks the result on it; EvictVictim treats a vetoed entry
// the same as a pinned one (see segment.EvictVictim).
func (s *Store) applyVeto(key any, next *holder.ValueHolder) {
	if safeVeto(s.cfg.Veto, key, next.Value(), s.logger) {
		next.SetVetoed(true)
	}
}

func (s *Store) expirationTimeFromDuration(now int64, d holder.Duration) int64 {
	switch {
	case d.IsForever():
		return holder.NoExpire
	case d.IsZero():
		return now
	default:
		return now + d.Millis
	}
}

// touchOnAccess applies the access-expiry policy to an existing holder,
// returning whether it must now be treated as expired.
func (s *Store) touchOnAccess(key any, h *holder.ValueHolder, now int64) bool {
	d := s.expiryForAccess(key, h.Value(), holder.Duration{Millis: h.ExpirationTime() - now})
	return h.Accessed(now, d)
}

// --- Authoritative-tier operations (spec §4.F) ---

// Get returns the live value for key, or (nil, false) on miss or expiry.
func (s *Store) Get(ctx context.Context, key any) (any, bool, error) {
	if err := s.validateKey("get", key); err != nil {
		return nil, false, err
	}
	sink := s.events.AcquireSink()
	now := s.now()

	var result any
	var ok bool
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil {
			return nil, false
		}
		if cur.IsExpired(now) {
			sink.Expired(key, cur)
			s.counters.expirations.Add(1)
			return nil, false
		}
		if s.touchOnAccess(key, cur, now) {
			sink.Expired(key, cur)
			s.counters.expirations.Add(1)
			return nil, false
		}
		result, ok = cur.Value(), true
		return cur, cur.IsPinned()
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return nil, false, storeAccess("get", key, err)
	}
	s.events.Release(sink)
	if ok {
		s.counters.hits.Add(1)
		s.m.RecordAccess(key)
	} else {
		s.counters.misses.Add(1)
	}
	return result, ok, nil
}

// ContainsKey reports whether key currently has a live (non-expired)
// mapping, without counting as an access for idle-expiry purposes.
func (s *Store) ContainsKey(ctx context.Context, key any) (bool, error) {
	if err := s.validateKey("contains_key", key); err != nil {
		return false, err
	}
	now := s.now()
	found := false
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil || cur.IsExpired(now) {
			return nil, false
		}
		found = true
		return cur, cur.IsPinned()
	})
	if err != nil {
		return false, storeAccess("contains_key", key, err)
	}
	return found, nil
}

// compute wraps segmap.Map.Compute for the allocating operations, attaching
// sink to ctx so any eviction the oversize retry protocol triggers along
// the way is recorded on the same sink the caller will eventually Release.
func (s *Store) compute(ctx context.Context, op string, key any, sink *events.Sink, fn segment.RemapFunc) (*holder.ValueHolder, error) {
	h, err := s.m.Compute(context.WithValue(ctx, sinkCtxKey{}, sink), key, fn)
	if err != nil {
		s.counters.storeAccessErrs.Add(1)
		return nil, storeAccess(op, key, err)
	}
	return h, nil
}

// Put unconditionally installs value for key, replacing any existing
// mapping (and its create/update expiry policy accordingly).
func (s *Store) Put(ctx context.Context, key, value any) error {
	if err := s.validateKey("put", key); err != nil {
		return err
	}
	if err := s.validateValue("put", key, value); err != nil {
		return err
	}
	sink := s.events.AcquireSink()
	now := s.now()

	// cur/next are captured from whichever remap attempt the oversize
	// retry protocol ultimately installs; the event describing it is
	// only recorded once, after Compute returns, so a retried attempt
	// never double-publishes (see segmap's Compute doc comment).
	var wasCreate bool
	var prevHolder, installedHolder *holder.ValueHolder
	_, err := s.compute(ctx, "put", key, sink, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		next := holder.New(s.m.NextID(key), value, now, 0)
		s.applyVeto(key, next)
		if cur == nil {
			next.SetExpirationTime(s.expirationTimeFromDuration(now, s.expiryForCreation(key, value)))
			wasCreate = true
		} else {
			next.SetExpirationTime(s.expirationTimeFromDuration(now, s.expiryForUpdate(key, cur.Value(), value, holder.Duration{Millis: cur.ExpirationTime() - now})))
			wasCreate = false
		}
		prevHolder, installedHolder = cur, next
		return next, cur != nil && cur.IsPinned()
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return err
	}
	if wasCreate {
		sink.Created(key, installedHolder)
	} else {
		sink.Updated(key, prevHolder, installedHolder)
	}
	s.events.Release(sink)
	s.counters.puts.Add(1)
	return nil
}

// PutIfAbsent installs value only if key has no live mapping, returning
// the pre-existing value (if any) and whether the install happened.
func (s *Store) PutIfAbsent(ctx context.Context, key, value any) (any, bool, error) {
	if err := s.validateKey("put_if_absent", key); err != nil {
		return nil, false, err
	}
	if err := s.validateValue("put_if_absent", key, value); err != nil {
		return nil, false, err
	}
	sink := s.events.AcquireSink()
	now := s.now()

	var existing any
	var installed bool
	var expiredHolder, installedHolder *holder.ValueHolder
	_, err := s.compute(ctx, "put_if_absent", key, sink, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur != nil && !cur.IsExpired(now) {
			existing = cur.Value()
			installed, expiredHolder, installedHolder = false, nil, nil
			return cur, cur.IsPinned()
		}
		expiredHolder = cur
		next := holder.New(s.m.NextID(key), value, now, s.expirationTimeFromDuration(now, s.expiryForCreation(key, value)))
		s.applyVeto(key, next)
		installed, installedHolder = true, next
		return next, false
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return nil, false, err
	}
	if expiredHolder != nil {
		sink.Expired(key, expiredHolder)
		s.counters.expirations.Add(1)
	}
	if installed {
		sink.Created(key, installedHolder)
	}
	s.events.Release(sink)
	if installed {
		s.counters.puts.Add(1)
	}
	return existing, installed, nil
}

// Remove deletes key's mapping unconditionally, returning whether one was
// present.
func (s *Store) Remove(ctx context.Context, key any) (bool, error) {
	if err := s.validateKey("remove", key); err != nil {
		return false, err
	}
	sink := s.events.AcquireSink()
	removed := false
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil {
			return nil, false
		}
		sink.Removed(key, cur)
		removed = true
		return nil, false
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return false, storeAccess("remove", key, err)
	}
	s.events.Release(sink)
	if removed {
		s.counters.removals.Add(1)
	}
	return removed, nil
}

// ConditionalRemove deletes key's mapping only if its current value
// equals expected (via reflect.DeepEqual), returning whether it removed.
func (s *Store) ConditionalRemove(ctx context.Context, key, expected any) (bool, error) {
	if err := s.validateKey("conditional_remove", key); err != nil {
		return false, err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	removed := false
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil {
			return nil, false
		}
		if cur.IsExpired(now) {
			sink.Expired(key, cur)
			s.counters.expirations.Add(1)
			return nil, false
		}
		if !reflect.DeepEqual(cur.Value(), expected) {
			return cur, cur.IsPinned()
		}
		sink.Removed(key, cur)
		removed = true
		return nil, false
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return false, storeAccess("conditional_remove", key, err)
	}
	s.events.Release(sink)
	if removed {
		s.counters.removals.Add(1)
	}
	return removed, nil
}

// Replace installs value for key only if a live mapping already exists,
// returning the previous value and whether the replace happened.
func (s *Store) Replace(ctx context.Context, key, value any) (any, bool, error) {
	if err := s.validateKey("replace", key); err != nil {
		return nil, false, err
	}
	if err := s.validateValue("replace", key, value); err != nil {
		return nil, false, err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	var previous any
	var replaced bool
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil || cur.IsExpired(now) {
			if cur != nil {
				sink.Expired(key, cur)
				s.counters.expirations.Add(1)
			}
			return nil, false
		}
		previous = cur.Value()
		next := holder.New(s.m.NextID(key), value, cur.CreationTime(), 0)
		next.SetExpirationTime(s.expirationTimeFromDuration(now, s.expiryForUpdate(key, cur.Value(), value, holder.Duration{Millis: cur.ExpirationTime() - now})))
		s.applyVeto(key, next)
		sink.Updated(key, cur, next)
		replaced = true
		return next, cur.IsPinned()
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return nil, false, storeAccess("replace", key, err)
	}
	s.events.Release(sink)
	if replaced {
		s.counters.puts.Add(1)
	}
	return previous, replaced, nil
}

// ConditionalReplace installs newValue for key only if its current value
// equals expected, returning whether the replace happened.
func (s *Store) ConditionalReplace(ctx context.Context, key, expected, newValue any) (bool, error) {
	if err := s.validateKey("conditional_replace", key); err != nil {
		return false, err
	}
	if err := s.validateValue("conditional_replace", key, newValue); err != nil {
		return false, err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	replaced := false
	_, err := s.m.ComputeIfPresent(key, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		if cur == nil {
			return nil, false
		}
		if cur.IsExpired(now) {
			sink.Expired(key, cur)
			s.counters.expirations.Add(1)
			return nil, false
		}
		if !reflect.DeepEqual(cur.Value(), expected) {
			return cur, cur.IsPinned()
		}
		next := holder.New(s.m.NextID(key), newValue, cur.CreationTime(), 0)
		next.SetExpirationTime(s.expirationTimeFromDuration(now, s.expiryForUpdate(key, expected, newValue, holder.Duration{Millis: cur.ExpirationTime() - now})))
		s.applyVeto(key, next)
		sink.Updated(key, cur, next)
		replaced = true
		return next, cur.IsPinned()
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return false, storeAccess("conditional_replace", key, err)
	}
	s.events.Release(sink)
	if replaced {
		s.counters.puts.Add(1)
	}
	return replaced, nil
}

// MappingFunc computes a new value from the current one (nil if absent);
// returning nil removes the mapping.
type MappingFunc func(key any, current any, exists bool) (next any, remove bool)

// Compute runs fn under the owning segment's lock and installs whatever it
// returns, participating in the full oversize retry protocol. When
// replaceEquals is false and fn's result equals (via reflect.DeepEqual) the
// current value, the existing holder is left untouched — no fresh id, no
// expiry recompute, no updated event — mirroring the spec's
// compute(key, fn, replace_equals) signature.
func (s *Store) Compute(ctx context.Context, key any, fn MappingFunc, replaceEquals bool) (any, error) {
	if err := s.validateKey("compute", key); err != nil {
		return nil, err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	var result any
	var unchanged bool
	var expiredHolder, removedHolder, prevHolder, installedHolder *holder.ValueHolder
	h, err := s.compute(ctx, "compute", key, sink, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		expiredHolder, removedHolder, prevHolder, installedHolder, unchanged = nil, nil, nil, nil, false
		var curVal any
		exists := cur != nil && !cur.IsExpired(now)
		if cur != nil && !exists {
			expiredHolder = cur
		}
		if exists {
			curVal = cur.Value()
		}
		next, remove := fn(key, curVal, exists)
		if remove {
			if exists {
				removedHolder = cur
			}
			return nil, false
		}
		if err := s.validateValue("compute", key, next); err != nil {
			return cur, exists && cur.IsPinned()
		}
		if exists && !replaceEquals && reflect.DeepEqual(curVal, next) {
			result = curVal
			unchanged = true
			return cur, cur.IsPinned()
		}
		var nh *holder.ValueHolder
		if exists {
			nh = holder.New(s.m.NextID(key), next, cur.CreationTime(), 0)
			nh.SetExpirationTime(s.expirationTimeFromDuration(now, s.expiryForUpdate(key, curVal, next, holder.Duration{Millis: cur.ExpirationTime() - now})))
			s.applyVeto(key, nh)
			prevHolder = cur
		} else {
			nh = holder.New(s.m.NextID(key), next, now, s.expirationTimeFromDuration(now, s.expiryForCreation(key, next)))
			s.applyVeto(key, nh)
		}
		installedHolder = nh
		result = next
		return nh, exists && cur.IsPinned()
	})
	if err != nil {
		s.events.ReleaseAfterFailure(sink, err)
		return nil, err
	}
	if expiredHolder != nil {
		sink.Expired(key, expiredHolder)
		s.counters.expirations.Add(1)
	}
	switch {
	case removedHolder != nil:
		sink.Removed(key, removedHolder)
	case installedHolder != nil && prevHolder != nil:
		sink.Updated(key, prevHolder, installedHolder)
	case installedHolder != nil:
		sink.Created(key, installedHolder)
	}
	s.events.Release(sink)
	switch {
	case unchanged:
	case h != nil:
		s.counters.puts.Add(1)
	default:
		s.counters.removals.Add(1)
	}
	return result, nil
}

// ComputeIfAbsent installs fn(key)'s result only if key has no live
// mapping, returning the resident value either way.
func (s *Store) ComputeIfAbsent(ctx context.Context, key any, fn func(key any) any) (any, error) {
	if err := s.validateKey("compute_if_absent", key); err != nil {
		return nil, err
	}
	now := s.now()
	sink := s.events.AcquireSink()
	var result any
	var expiredHolder, installedHolder *holder.ValueHolder
	_, err := s.compute(ctx, "compute_if_absent", key, sink, func(cur *holder.ValueHolder) (*holder.ValueHolder, bool) {
		expiredHolder, installedHolder = nil, nil
		if cur != nil && !cur.IsExpired(now) {
			result = cur.Value()
			return cur, cur.IsPinned()
		}
		if cur != nil {
			expiredHolder = cur
		}
		value := fn(key)
		if value == nil {
			return nil, false
		}
		next := holder.New(s.m.NextID(key), value, now, s.expirationTimeFromDuration(now, s.expiryForCreation(key, value)))
		s.applyVeto(key, next)
		installedHolder = next
		result = value
		return next, false
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
	return result, nil
}

// Clear removes every entry without emitting per-entry events (mirrors
// the teacher's bulk Clear/Compact, which also skips individual
// notifications for a full-store wipe).
func (s *Store) Clear(ctx context.Context) error {
	s.m.Clear(nil)
	return nil
}

// Iterator is returned by Iterate; Next advances it and reports whether a
// further entry was available.
type Iterator struct {
	entries []iterEntry
	pos     int
}

type iterEntry struct {
	key   any
	value any
}

func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *Iterator) Key() any   { return it.entries[it.pos].key }
func (it *Iterator) Value() any { return it.entries[it.pos].value }

// Iterate returns a weakly-consistent iterator: a segment-by-segment
// snapshot, each taken under that segment's own lock, with no
// cross-segment snapshot guarantee (see DESIGN.md).
func (s *Store) Iterate(ctx context.Context) *Iterator {
	now := s.now()
	it := &Iterator{pos: -1}
	s.m.Iterate(func(key any, h *holder.ValueHolder) bool {
		if !h.IsExpired(now) {
			it.entries = append(it.entries, iterEntry{key, h.Value()})
		}
		return true
	})
	return it
}

// BulkCompute runs fn once per key in keys, each through Compute with
// replace_equals left false — an unchanged key is left untouched.
func (s *Store) BulkCompute(ctx context.Context, keys []any, fn MappingFunc) (map[any]any, error) {
	out := make(map[any]any, len(keys))
	for _, k := range keys {
		v, err := s.Compute(ctx, k, fn, false)
		if err != nil {
			return out, err
		}
		out[k] = v
	}
	return out, nil
}

// BulkComputeIfAbsent runs fn once per key in keys, each through
// ComputeIfAbsent.
func (s *Store) BulkComputeIfAbsent(ctx context.Context, keys []any, fn func(key any) any) (map[any]any, error) {
	out := make(map[any]any, len(keys))
	for _, k := range keys {
		v, err := s.ComputeIfAbsent(ctx, k, fn)
		if err != nil {
			return out, err
		}
		out[k] = v
	}
	return out, nil
}

// Stats returns a snapshot of the full statistics surface.
func (s *Store) Stats() Stats {
	st := statsFromMap(s.m.Stats())
	st.Hits = s.counters.hits.Load()
	st.Misses = s.counters.misses.Load()
	st.Puts = s.counters.puts.Load()
	st.Removals = s.counters.removals.Load()
	st.Expirations = s.counters.expirations.Load()
	st.Evictions = s.counters.evictions.Load()
	st.OversizeRetries = s.counters.oversizeRetries.Load()
	st.StoreAccessErrs = s.counters.storeAccessErrs.Load()
	return st
}

// Collector returns a prometheus.Collector view over Stats(), registered
// under namespace by cmd/server.
func (s *Store) Collector(namespace string) *collector { return newCollector(s, namespace) }
