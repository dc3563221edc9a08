// Package holder implements the ValueHolder: the lifecycle metadata wrapper
// around every value stored in a segment (id, timestamps, hit count, pin
// and veto bits, and an optional cached binary form).
package holder

import (
	"math"
	"sync/atomic"

	"github.com/golang/snappy"
)

// NoExpire is the sentinel expiration value meaning "never expire".
const NoExpire int64 = math.MaxInt64

// Bits holds the per-holder metadata flags.
type Bits uint32

const (
	// Pinned marks a holder as faulted into an upper tier; it is never
	// chosen for eviction while the bit is set.
	Pinned Bits = 1 << 0
	// Vetoed marks a holder the eviction policy refused once; it is
	// skipped by future eviction passes but can still be removed or
	// expired explicitly.
	Vetoed Bits = 1 << 1
)

// Duration models the three expiry states the spec's collaborators can
// return: a finite number of milliseconds, Forever (never expire), or the
// zero value, which callers interpret as "expire immediately". There is no
// "null" state here; that case is modeled at the call sites as a Go `nil
// *Duration` because only the facade's creation/access/update policies
// need to distinguish "zero" from "leave unchanged".
type Duration struct {
	Millis  int64
	forever bool
}

// Zero is the duration meaning "expire immediately".
var Zero = Duration{}

// ForeverDuration returns the duration meaning "never expire".
func ForeverDuration() Duration { return Duration{forever: true} }

// Finite builds a duration from a millisecond count.
func Finite(millis int64) Duration { return Duration{Millis: millis} }

// IsForever reports whether d means "never expire".
func (d Duration) IsForever() bool { return d.forever }

// IsZero reports whether d means "expire immediately".
func (d Duration) IsZero() bool { return !d.forever && d.Millis == 0 }

func saturatingAdd(now, millis int64) int64 {
	if millis >= math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + millis
}

// ValueHolder is the metadata + payload wrapper stored in a segment slot.
// All mutators are documented to be called only while the owning segment's
// write lock is held.
type ValueHolder struct {
	id uint64

	creationTime   int64
	lastAccessTime int64
	expirationTime int64
	hits           uint64

	value any

	binaryValue     []byte
	binaryAvailable bool
	binaryCompresed bool

	bits Bits

	detached bool
}

// New creates a holder for a freshly created or updated entry.
func New(id uint64, value any, now int64, expirationTime int64) *ValueHolder {
	return &ValueHolder{
		id:             id,
		creationTime:   now,
		lastAccessTime: now,
		expirationTime: expirationTime,
		value:          value,
	}
}

func (h *ValueHolder) ID() uint64             { return h.id }
func (h *ValueHolder) Value() any             { return h.value }
func (h *ValueHolder) CreationTime() int64    { return h.creationTime }
func (h *ValueHolder) LastAccessTime() int64  { return h.lastAccessTime }
func (h *ValueHolder) ExpirationTime() int64  { return h.expirationTime }
func (h *ValueHolder) Hits() uint64           { return atomic.LoadUint64(&h.hits) }
func (h *ValueHolder) Bits() Bits             { return h.bits }
func (h *ValueHolder) IsPinned() bool         { return h.bits&Pinned != 0 }
func (h *ValueHolder) IsVetoed() bool         { return h.bits&Vetoed != 0 }
func (h *ValueHolder) IsDetached() bool       { return h.detached }
func (h *ValueHolder) SetValue(v any)         { h.value = v }
func (h *ValueHolder) SetExpirationTime(t int64) { h.expirationTime = t }
func (h *ValueHolder) SetPinned(pinned bool) {
	if pinned {
		h.bits |= Pinned
	} else {
		h.bits &^= Pinned
	}
}
func (h *ValueHolder) SetVetoed(vetoed bool) {
	if vetoed {
		h.bits |= Vetoed
	} else {
		h.bits &^= Vetoed
	}
}

// IsExpired reports whether the holder's expiration time has passed as of
// now (in the same absolute time base as the configured time source).
func (h *ValueHolder) IsExpired(now int64) bool {
	return h.expirationTime != NoExpire && h.expirationTime <= now
}

// Accessed implements the spec's holder.accessed(now, duration) mutator.
// It always advances last-access time and reports whether the caller must
// treat the holder as just-expired (duration == Zero).
func (h *ValueHolder) Accessed(now int64, d Duration) (expireNow bool) {
	h.lastAccessTime = now
	atomic.AddUint64(&h.hits, 1)
	switch {
	case d.IsZero():
		return true
	case d.IsForever():
		h.expirationTime = NoExpire
	default:
		h.expirationTime = saturatingAdd(now, d.Millis)
	}
	return false
}

// UpdateMetadata copies access/expiration/hit fields from other onto h iff
// other.id == h.id, per invariant 6 (ids never get reassigned by a copy).
func (h *ValueHolder) UpdateMetadata(other *ValueHolder) bool {
	if other == nil || other.id != h.id {
		return false
	}
	h.lastAccessTime = other.lastAccessTime
	h.expirationTime = other.expirationTime
	atomic.StoreUint64(&h.hits, other.Hits())
	return true
}

// SetBinary caches a serialized form of the value, compressing it with
// snappy when its length is at or above compressThreshold (a threshold of
// 0 or less disables compression). Whether the cached bytes are compressed
// is kept in a field on the holder, not in a prefix byte.
func (h *ValueHolder) SetBinary(raw []byte, compressThreshold int) {
	if len(raw) >= compressThreshold && compressThreshold > 0 {
		h.binaryValue = snappy.Encode(nil, raw)
		h.binaryCompresed = true
	} else {
		h.binaryValue = append([]byte(nil), raw...)
		h.binaryCompresed = false
	}
	h.binaryAvailable = true
}

// BinaryAvailable reports whether a cached binary form exists (the
// BinaryValueHolder distinction from the original source: a holder that
// has crossed the serialization boundary at least once).
func (h *ValueHolder) BinaryAvailable() bool { return h.binaryAvailable }

// Binary returns the cached binary form, decompressing it if necessary.
func (h *ValueHolder) Binary() ([]byte, error) {
	if !h.binaryAvailable {
		return nil, nil
	}
	if !h.binaryCompresed {
		return h.binaryValue, nil
	}
	return snappy.Decode(nil, h.binaryValue)
}

// Transfer builds a holder for install_mapping's source-to-transfer step:
// unlike New, it preserves an existing id, timestamps, and hit count
// exactly rather than minting a fresh identity, and carries over a cached
// binary form if the source had one. Mirrors newTransferValueHolder.
func Transfer(id uint64, value any, creationTime, lastAccessTime, expirationTime int64, hits uint64, binary []byte) *ValueHolder {
	h := &ValueHolder{
		id:             id,
		value:          value,
		creationTime:   creationTime,
		lastAccessTime: lastAccessTime,
		expirationTime: expirationTime,
		hits:           hits,
	}
	if binary != nil {
		h.binaryValue = append([]byte(nil), binary...)
		h.binaryAvailable = true
	}
	return h
}

// Snapshot returns a detached copy suitable for handing to an upper tier:
// get_and_fault and compute_if_absent_and_fault give callers a copy so that
// the caller mutating the copy's metadata (as the upper tier does before
// flush) never aliases the resident holder still tracked by the segment.
func (h *ValueHolder) Snapshot() *ValueHolder {
	clone := *h
	clone.Detach()
	return &clone
}

// Detach marks h as no longer tracked by the arena. Snapshot calls it on
// the copy it hands out; the resident holder is never detached.
func (h *ValueHolder) Detach() { h.detached = true }

// EncodedSize estimates the number of bytes the holder would occupy if
// persisted to the arena — used for occupied/vital memory counters. It is
// intentionally approximate (header size + cached binary length, if any)
// since exact byte-for-byte layout is an implementation detail no test
// depends on.
func (h *ValueHolder) EncodedSize() int {
	const headerBytes = 40 // id + 4 timestamps, roughly
	return headerBytes + len(h.binaryValue)
}
