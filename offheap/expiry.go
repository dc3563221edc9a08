package offheap

import "github.com/skbansal/ehcache3/internal/holder"

// Expiry is the pluggable creation/access/update expiry policy. Any method
// may return nil, meaning "no expiration change" (for access/update) or
// "never expire" (for creation); a panic inside one of
// these is caught by the facade and logged, never allowed to corrupt
// segment state (§7.4/§7.5).
type Expiry interface {
	GetExpiryForCreation(key, value any) *holder.Duration
	GetExpiryForAccess(key, value any) *holder.Duration
	GetExpiryForUpdate(key, oldValue, newValue any) *holder.Duration
}

// NoExpiry never expires anything.
type NoExpiry struct{}

func (NoExpiry) GetExpiryForCreation(key, value any) *holder.Duration {
	d := holder.ForeverDuration()
	return &d
}
func (NoExpiry) GetExpiryForAccess(key, value any) *holder.Duration      { return nil }
func (NoExpiry) GetExpiryForUpdate(key, oldValue, newValue any) *holder.Duration { return nil }

// TTLExpiry expires every entry ttlMillis after it was created or updated,
// and never changes expiration on plain access.
type TTLExpiry struct {
	ttlMillis int64
}

// NewTTLExpiry builds a fixed time-to-live policy.
func NewTTLExpiry(ttlMillis int64) TTLExpiry { return TTLExpiry{ttlMillis: ttlMillis} }

func (e TTLExpiry) GetExpiryForCreation(key, value any) *holder.Duration {
	d := holder.Finite(e.ttlMillis)
	return &d
}
func (e TTLExpiry) GetExpiryForAccess(key, value any) *holder.Duration { return nil }
func (e TTLExpiry) GetExpiryForUpdate(key, oldValue, newValue any) *holder.Duration {
	d := holder.Finite(e.ttlMillis)
	return &d
}

// TTIExpiry (time-to-idle) resets the expiration window on every access.
type TTIExpiry struct {
	idleMillis int64
}

// NewTTIExpiry builds a fixed time-to-idle policy.
func NewTTIExpiry(idleMillis int64) TTIExpiry { return TTIExpiry{idleMillis: idleMillis} }

func (e TTIExpiry) GetExpiryForCreation(key, value any) *holder.Duration {
	d := holder.Finite(e.idleMillis)
	return &d
}
func (e TTIExpiry) GetExpiryForAccess(key, value any) *holder.Duration {
	d := holder.Finite(e.idleMillis)
	return &d
}
func (e TTIExpiry) GetExpiryForUpdate(key, oldValue, newValue any) *holder.Duration {
	d := holder.Finite(e.idleMillis)
	return &d
}
