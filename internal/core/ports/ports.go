package ports

import (
	"context"
	"io"

	"lancast/internal/core/domain"

	"github.com/pion/rtp"
)

// MessageSender delivers one signaling message to a connected client.
// Implementations must be safe for concurrent use; delivery failures are
// the caller's to swallow or act on.
type MessageSender interface {
	Send(v interface{}) error
}

// Subscription is one independent consumer of a relayed track. Each
// subscription observes every packet the source produced after it was
// opened, at its own pace. Close releases the subscription; closing twice
// is a no-op.
type Subscription interface {
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
	Close()
}

// TrackSource is a sender's live audio track together with its fan-out.
// Subscribing never touches the raw track; a slow subscriber never stalls
// the source or its siblings.
type TrackSource interface {
	ID() string
	Subscribe() (Subscription, error)
	Ended() bool
	Done() <-chan struct{}
}

type SessionEventKind int

const (
	// SessionTrackStarted fires when the remote side begins producing an
	// audio track; Source carries the fan-out handle.
	SessionTrackStarted SessionEventKind = iota
	// SessionTrackEnded fires when that track stops producing frames.
	SessionTrackEnded
	// SessionFailed fires when the underlying transport gives up.
	SessionFailed
)

type SessionEvent struct {
	Kind   SessionEventKind
	Source TrackSource
}

// PeerSession is one real-time media session. Offer/answer generation
// waits for ICE gathering, bounded by the configured settle delay, so the
// returned description carries the gathered candidates.
type PeerSession interface {
	// CreateOffer generates a local offer for an outbound track.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	// AcceptAnswer applies a remote answer.
	AcceptAnswer(answer domain.SessionDescription) error
	// AttachOutput binds a relay subscription to the session's outbound
	// track. The session owns the subscription from then on and releases
	// it when the session closes or the subscription ends.
	AttachOutput(sub Subscription) error
	Events() <-chan SessionEvent
	Close() error
}

type SessionFactory interface {
	NewSession(connID domain.ConnectionID) (PeerSession, error)
}

// Encoder turns a sequence of audio frames into compressed packets
// readable from Output. CloseInput signals end of the frame sequence so
// the encoder can flush; Close releases the encoder on every exit path.
type Encoder interface {
	Start(ctx context.Context) error
	WriteRTP(p *rtp.Packet) error
	CloseInput() error
	Output() io.Reader
	Close() error
}
