package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skbansal/ehcache3/internal/events"
	"github.com/skbansal/ehcache3/internal/holder"
)

func Test_Release_PublishesEventsExactlyOnce(t *testing.T) {
	t.Parallel()

	d := events.New(events.Synchronous)
	var got []events.Event
	d.AddListener(func(evs []events.Event) { got = append(got, evs...) })

	sink := d.AcquireSink()
	sink.Created("k", holder.New(1, "v", 0, holder.NoExpire))
	sink.Updated("k", holder.New(1, "v", 0, holder.NoExpire), holder.New(2, "v2", 0, holder.NoExpire))
	d.Release(sink)

	require.Len(t, got, 2)
	assert.Equal(t, events.Created, got[0].Kind)
	assert.Equal(t, events.Updated, got[1].Kind)
}

func Test_ReleaseAfterFailure_NeverPublishes(t *testing.T) {
	t.Parallel()

	d := events.New(events.Synchronous)
	called := false
	d.AddListener(func(evs []events.Event) { called = true })

	sink := d.AcquireSink()
	sink.Removed("k", holder.New(1, "v", 0, holder.NoExpire))
	d.ReleaseAfterFailure(sink, assertErr)

	assert.False(t, called, "a failed operation's events must never reach a listener")
}

func Test_Release_EmptySinkDoesNotInvokeListeners(t *testing.T) {
	t.Parallel()

	d := events.New(events.Synchronous)
	called := false
	d.AddListener(func(evs []events.Event) { called = true })

	sink := d.AcquireSink()
	d.Release(sink)

	assert.False(t, called)
}

func Test_Release_PreservesOrderingWithinOneSink(t *testing.T) {
	t.Parallel()

	d := events.New(events.Synchronous)
	var got []events.Event
	d.AddListener(func(evs []events.Event) { got = evs })

	sink := d.AcquireSink()
	sink.Created("a", holder.New(1, "va", 0, holder.NoExpire))
	sink.Created("b", holder.New(2, "vb", 0, holder.NoExpire))
	sink.Removed("a", holder.New(1, "va", 0, holder.NoExpire))
	d.Release(sink)

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "b", got[1].Key)
	assert.Equal(t, events.Removed, got[2].Kind)
}

func Test_Asynchronous_EventuallyPublishesOffCallerGoroutine(t *testing.T) {
	t.Parallel()

	d := events.New(events.Asynchronous)
	defer d.Close()

	var mu sync.Mutex
	var got []events.Event
	done := make(chan struct{})
	d.AddListener(func(evs []events.Event) {
		mu.Lock()
		got = append(got, evs...)
		mu.Unlock()
		close(done)
	})

	sink := d.AcquireSink()
	sink.Evicted("k", holder.New(1, "v", 0, holder.NoExpire))
	d.Release(sink)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("asynchronous listener never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, events.Evicted, got[0].Kind)
}

func Test_MultipleListeners_AllSeeTheSameSink(t *testing.T) {
	t.Parallel()

	d := events.New(events.Synchronous)
	var a, b int
	d.AddListener(func(evs []events.Event) { a += len(evs) })
	d.AddListener(func(evs []events.Event) { b += len(evs) })

	sink := d.AcquireSink()
	sink.Expired("k", holder.New(1, "v", 0, holder.NoExpire))
	d.Release(sink)

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

var assertErr = &sentinelErr{}

type sentinelErr struct{}

func (e *sentinelErr) Error() string { return "boom" }
