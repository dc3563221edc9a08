package offheap

import (
	"reflect"

	"go.uber.org/zap"
)

// StoreConfig configures a Store. It is built with functional options in
// the teacher's style rather than a resource-pool/XML configuration
// document — full config-file-driven tier wiring is the collaborator
// deliberately left out of scope.
type StoreConfig struct {
	SegmentCount           int
	InitialSlotsPerSegment int
	PageSizeBytes          int
	CapacityBytes          int64
	CompressThresholdBytes int

	KeyType   reflect.Type
	ValueType reflect.Type

	Clock  TimeSource
	Expiry Expiry
	Veto   EvictionVeto
	Logger *zap.Logger
}

// DefaultStoreConfig mirrors the teacher's DefaultStoreConfig: sane
// defaults for every field an Option doesn't override.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		SegmentCount:           64,
		InitialSlotsPerSegment: 16,
		PageSizeBytes:          1 << 20,
		CapacityBytes:          0,
		CompressThresholdBytes: 1 << 12,
		Clock:                  WallClock,
		Expiry:                 NoExpiry{},
		Veto:                   NoVeto{},
	}
}

// Option mutates a StoreConfig under construction.
type Option func(*StoreConfig)

// WithSegmentCount sets the number of independently-locked segments.
func WithSegmentCount(n int) Option { return func(c *StoreConfig) { c.SegmentCount = n } }

// WithCapacityBytes bounds the arena's total reserved memory; 0 means
// unbounded.
func WithCapacityBytes(n int64) Option { return func(c *StoreConfig) { c.CapacityBytes = n } }

// WithPageSizeBytes sets the arena's page growth increment.
func WithPageSizeBytes(n int) Option { return func(c *StoreConfig) { c.PageSizeBytes = n } }

// WithKeyType constrains every key passed to the store to reflect.TypeOf
// equal to t, enforced at the start of every operation (§4.F step 1).
func WithKeyType(t reflect.Type) Option { return func(c *StoreConfig) { c.KeyType = t } }

// WithValueType constrains every non-nil value the same way.
func WithValueType(t reflect.Type) Option { return func(c *StoreConfig) { c.ValueType = t } }

// WithClock overrides the TimeSource, primarily for tests.
func WithClock(ts TimeSource) Option { return func(c *StoreConfig) { c.Clock = ts } }

// WithExpiry installs the creation/access/update expiry policy.
func WithExpiry(e Expiry) Option { return func(c *StoreConfig) { c.Expiry = e } }

// WithVeto installs the eviction veto collaborator.
func WithVeto(v EvictionVeto) Option { return func(c *StoreConfig) { c.Veto = v } }

// WithLogger installs a structured logger; nil means silent.
func WithLogger(l *zap.Logger) Option { return func(c *StoreConfig) { c.Logger = l } }

// WithCompressThresholdBytes sets StoreConfig.CompressThresholdBytes. No
// Store operation caches a binary form via SetBinary, so no operation reads
// this value.
func WithCompressThresholdBytes(n int) Option {
	return func(c *StoreConfig) { c.CompressThresholdBytes = n }
}
