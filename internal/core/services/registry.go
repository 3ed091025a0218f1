package services

import (
	"sync"
	"time"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"
)

// Stats receives registry lifecycle notifications. The monitoring
// collector implements it; tests pass the no-op.
type Stats interface {
	ConnectionOpened()
	ConnectionClosed()
	StreamCreated()
	StreamRemoved()
}

type nopStats struct{}

func (nopStats) ConnectionOpened() {}
func (nopStats) ConnectionClosed() {}
func (nopStats) StreamCreated()    {}
func (nopStats) StreamRemoved()    {}

// NopStats is the default Stats sink.
var NopStats Stats = nopStats{}

type streamEntry struct {
	id        domain.StreamID
	senderID  domain.ConnectionID
	source    ports.TrackSource
	receivers map[domain.ConnectionID]struct{}
	createdAt time.Time
	// idleSince is set on a reaper pass that finds the receiver set
	// empty and cleared the moment a receiver joins. Zero means the
	// stream is not currently a reap candidate.
	idleSince time.Time
	done      chan struct{}
}

// StreamHandle is a read-only view of one live stream.
type StreamHandle struct {
	ID        domain.StreamID
	SenderID  domain.ConnectionID
	Source    ports.TrackSource
	CreatedAt time.Time
	// Done is closed when the stream is removed from the registry.
	Done <-chan struct{}
}

// Registry holds all signaling connections and all live streams. Streams
// keep insertion order so "latest" is well-defined. All mutations go
// through the methods below; handler code never touches the maps.
type Registry struct {
	mu      sync.RWMutex
	conns   map[domain.ConnectionID]ports.MessageSender
	streams map[domain.StreamID]*streamEntry
	order   []domain.StreamID
	stats   Stats
}

func NewRegistry(stats Stats) *Registry {
	if stats == nil {
		stats = NopStats
	}
	return &Registry{
		conns:   make(map[domain.ConnectionID]ports.MessageSender),
		streams: make(map[domain.StreamID]*streamEntry),
		stats:   stats,
	}
}

// Register adds a signaling connection.
func (r *Registry) Register(id domain.ConnectionID, sender ports.MessageSender) {
	r.mu.Lock()
	_, existed := r.conns[id]
	r.conns[id] = sender
	r.mu.Unlock()
	if !existed {
		r.stats.ConnectionOpened()
	}
}

// Unregister removes a signaling connection. Removing an unknown id is a
// no-op.
func (r *Registry) Unregister(id domain.ConnectionID) {
	r.mu.Lock()
	_, existed := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if existed {
		r.stats.ConnectionClosed()
	}
}

// Connected reports whether the connection is still registered.
func (r *Registry) Connected(id domain.ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Connections returns a snapshot of all registered senders, for
// broadcasting.
func (r *Registry) Connections() []ports.MessageSender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.MessageSender, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s)
	}
	return out
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CreateStream inserts a stream for a sender connection. Re-creating an
// existing id moves it to the back of the insertion order, which keeps
// "latest" pointing at the most recent track for that sender.
func (r *Registry) CreateStream(id domain.StreamID, source ports.TrackSource, senderID domain.ConnectionID) {
	r.mu.Lock()
	if old, ok := r.streams[id]; ok {
		close(old.done)
		r.removeFromOrder(id)
	} else {
		defer r.stats.StreamCreated()
	}
	r.streams[id] = &streamEntry{
		id:        id,
		senderID:  senderID,
		source:    source,
		receivers: make(map[domain.ConnectionID]struct{}),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.order = append(r.order, id)
	r.mu.Unlock()
}

// RemoveStream evicts a stream and reports whether it existed. Removing
// twice is a no-op the second time.
func (r *Registry) RemoveStream(id domain.StreamID) bool {
	r.mu.Lock()
	entry, ok := r.streams[id]
	if ok {
		close(entry.done)
		delete(r.streams, id)
		r.removeFromOrder(id)
	}
	r.mu.Unlock()
	if ok {
		r.stats.StreamRemoved()
	}
	return ok
}

func (r *Registry) removeFromOrder(id domain.StreamID) {
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// AddReceiver subscribes a connection to a stream and clears any idle
// bookkeeping.
func (r *Registry) AddReceiver(streamID domain.StreamID, connID domain.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.streams[streamID]
	if !ok {
		return domain.ErrStreamNotFound
	}
	entry.receivers[connID] = struct{}{}
	entry.idleSince = time.Time{}
	return nil
}

// RemoveReceiver is a no-op when either id is unknown.
func (r *Registry) RemoveReceiver(streamID domain.StreamID, connID domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.streams[streamID]; ok {
		delete(entry.receivers, connID)
	}
}

func (r *Registry) ReceiverCount(streamID domain.StreamID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.streams[streamID]; ok {
		return len(entry.receivers)
	}
	return 0
}

// LatestStreamID returns the most recently created stream still present.
func (r *Registry) LatestStreamID() (domain.StreamID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return "", false
	}
	return r.order[len(r.order)-1], true
}

// ListStreamIDs returns all live stream ids in insertion order.
func (r *Registry) ListStreamIDs() []domain.StreamID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StreamID, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) StreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Lookup returns a handle to one stream.
func (r *Registry) Lookup(id domain.StreamID) (StreamHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.streams[id]
	if !ok {
		return StreamHandle{}, false
	}
	return StreamHandle{
		ID:        entry.id,
		SenderID:  entry.senderID,
		Source:    entry.source,
		CreatedAt: entry.createdAt,
		Done:      entry.done,
	}, true
}

// SweepStale runs one reaper pass. A stream is stale when its source has
// ended, or when it has sat with zero receivers for longer than idleTTL.
// The idle clock starts on the first pass that observes an empty receiver
// set, so the window is eventually consistent, not exact. All stale
// streams are removed at the end of the sweep and their ids returned.
func (r *Registry) SweepStale(now time.Time, idleTTL time.Duration) []domain.StreamID {
	r.mu.Lock()
	var stale []domain.StreamID
	for id, entry := range r.streams {
		if entry.source.Ended() {
			stale = append(stale, id)
			continue
		}
		if len(entry.receivers) > 0 {
			continue
		}
		if entry.idleSince.IsZero() {
			entry.idleSince = now
		} else if now.Sub(entry.idleSince) > idleTTL {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if entry, ok := r.streams[id]; ok {
			close(entry.done)
			delete(r.streams, id)
			r.removeFromOrder(id)
		}
	}
	r.mu.Unlock()
	for range stale {
		r.stats.StreamRemoved()
	}
	return stale
}
