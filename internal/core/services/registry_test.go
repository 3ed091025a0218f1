package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a controllable TrackSource for registry tests.
type fakeSource struct {
	id string

	mu    sync.Mutex
	ended bool
	done  chan struct{}
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, done: make(chan struct{})}
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Subscribe() (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return nil, domain.ErrStreamEnded
	}
	return &fakeSubscription{}, nil
}

func (f *fakeSource) Ended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeSource) Done() <-chan struct{} { return f.done }

func (f *fakeSource) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ended {
		f.ended = true
		close(f.done)
	}
}

type fakeSubscription struct{}

func (f *fakeSubscription) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSubscription) Close() {}

type countingStats struct {
	mu           sync.Mutex
	connsOpened  int
	connsClosed  int
	streamsMade  int
	streamsGone  int
}

func (c *countingStats) ConnectionOpened() { c.mu.Lock(); c.connsOpened++; c.mu.Unlock() }
func (c *countingStats) ConnectionClosed() { c.mu.Lock(); c.connsClosed++; c.mu.Unlock() }
func (c *countingStats) StreamCreated()    { c.mu.Lock(); c.streamsMade++; c.mu.Unlock() }
func (c *countingStats) StreamRemoved()    { c.mu.Lock(); c.streamsGone++; c.mu.Unlock() }

type nopSender struct{}

func (nopSender) Send(v interface{}) error { return nil }

func TestRegistry_Connections(t *testing.T) {
	stats := &countingStats{}
	r := NewRegistry(stats)

	r.Register("a", nopSender{})
	r.Register("b", nopSender{})
	assert.Equal(t, 2, r.ConnectionCount())
	assert.True(t, r.Connected("a"))
	assert.Len(t, r.Connections(), 2)

	// Re-registering the same id is not a new connection.
	r.Register("a", nopSender{})
	assert.Equal(t, 2, r.ConnectionCount())
	assert.Equal(t, 2, stats.connsOpened)

	r.Unregister("a")
	assert.False(t, r.Connected("a"))
	assert.Equal(t, 1, r.ConnectionCount())

	// Unknown id is a no-op.
	r.Unregister("missing")
	assert.Equal(t, 1, stats.connsClosed)
}

func TestRegistry_StreamOrderAndLatest(t *testing.T) {
	r := NewRegistry(nil)

	_, ok := r.LatestStreamID()
	assert.False(t, ok)

	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")
	r.CreateStream("stream_b", newFakeSource("stream_b"), "b")
	r.CreateStream("stream_c", newFakeSource("stream_c"), "c")

	assert.Equal(t, []domain.StreamID{"stream_a", "stream_b", "stream_c"}, r.ListStreamIDs())

	latest, ok := r.LatestStreamID()
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("stream_c"), latest)

	// Re-creating an existing id moves it to the back.
	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")
	latest, ok = r.LatestStreamID()
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("stream_a"), latest)
	assert.Equal(t, 3, r.StreamCount())

	r.RemoveStream("stream_a")
	latest, ok = r.LatestStreamID()
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("stream_c"), latest)
}

func TestRegistry_RecreateClosesOldHandle(t *testing.T) {
	r := NewRegistry(nil)
	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	old, ok := r.Lookup("stream_a")
	require.True(t, ok)

	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	select {
	case <-old.Done:
	default:
		t.Fatal("expected old handle to be done after re-create")
	}

	fresh, ok := r.Lookup("stream_a")
	require.True(t, ok)
	select {
	case <-fresh.Done:
		t.Fatal("fresh handle must not be done")
	default:
	}
}

func TestRegistry_RemoveStreamIdempotent(t *testing.T) {
	stats := &countingStats{}
	r := NewRegistry(stats)
	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	handle, ok := r.Lookup("stream_a")
	require.True(t, ok)

	assert.True(t, r.RemoveStream("stream_a"))
	assert.False(t, r.RemoveStream("stream_a"))
	assert.Equal(t, 1, stats.streamsGone)

	select {
	case <-handle.Done:
	default:
		t.Fatal("expected done channel closed on removal")
	}

	_, ok = r.Lookup("stream_a")
	assert.False(t, ok)
}

func TestRegistry_Receivers(t *testing.T) {
	r := NewRegistry(nil)
	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	require.NoError(t, r.AddReceiver("stream_a", "r1"))
	require.NoError(t, r.AddReceiver("stream_a", "r2"))
	assert.Equal(t, 2, r.ReceiverCount("stream_a"))

	assert.ErrorIs(t, r.AddReceiver("missing", "r1"), domain.ErrStreamNotFound)

	r.RemoveReceiver("stream_a", "r1")
	assert.Equal(t, 1, r.ReceiverCount("stream_a"))

	// Unknown ids are no-ops.
	r.RemoveReceiver("stream_a", "r1")
	r.RemoveReceiver("missing", "r2")
	assert.Equal(t, 1, r.ReceiverCount("stream_a"))
	assert.Equal(t, 0, r.ReceiverCount("missing"))
}

func TestSweepStale_EndedSource(t *testing.T) {
	r := NewRegistry(nil)
	src := newFakeSource("stream_a")
	r.CreateStream("stream_a", src, "a")
	require.NoError(t, r.AddReceiver("stream_a", "r1"))

	// A live stream with receivers survives the sweep.
	assert.Empty(t, r.SweepStale(time.Now(), 10*time.Minute))

	// Once the source ends it goes on the next pass, receivers or not.
	src.end()
	stale := r.SweepStale(time.Now(), 10*time.Minute)
	assert.Equal(t, []domain.StreamID{"stream_a"}, stale)
	assert.Equal(t, 0, r.StreamCount())
}

func TestSweepStale_IdleTTL(t *testing.T) {
	r := NewRegistry(nil)
	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	now := time.Now()
	ttl := 10 * time.Minute

	// First pass only starts the idle clock.
	assert.Empty(t, r.SweepStale(now, ttl))
	// Within the window the stream stays.
	assert.Empty(t, r.SweepStale(now.Add(ttl), ttl))
	// Past the window it goes.
	stale := r.SweepStale(now.Add(ttl+time.Second), ttl)
	assert.Equal(t, []domain.StreamID{"stream_a"}, stale)
}

func TestSweepStale_ReceiverResetsIdleClock(t *testing.T) {
	r := NewRegistry(nil)
	r.CreateStream("stream_a", newFakeSource("stream_a"), "a")

	now := time.Now()
	ttl := 10 * time.Minute

	assert.Empty(t, r.SweepStale(now, ttl))

	// A receiver joining and leaving resets the idle bookkeeping, so the
	// next pass starts a fresh window.
	require.NoError(t, r.AddReceiver("stream_a", "r1"))
	r.RemoveReceiver("stream_a", "r1")

	assert.Empty(t, r.SweepStale(now.Add(ttl+time.Second), ttl))
	assert.Equal(t, 1, r.StreamCount())
}
