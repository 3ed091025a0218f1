package webrtc

import (
	"context"
	"sync"

	"lancast/internal/core/domain"
	"lancast/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// trackReader is the slice of *webrtc.TrackRemote the relay needs.
type trackReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// rtcpReader is the slice of *webrtc.RTPReceiver the relay needs.
type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// RTCPStats receives receiver-report quality metrics.
type RTCPStats interface {
	ObserveReceiverReport(fractionLost float64, jitter uint32)
}

// Source replays one remote track to any number of independent
// subscriptions. A single pump goroutine reads the track; each
// subscription has its own buffer and drops its oldest packet when full,
// so one slow or absent consumer never stalls the source or its siblings.
type Source struct {
	id     string
	buffer int
	logger *zap.SugaredLogger

	mu   sync.Mutex
	subs map[*SourceSubscription]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewSource starts pumping the given track. The receiver's RTCP stream is
// drained in parallel so quality reports keep flowing; pass a nil reader
// to skip it.
func NewSource(id string, track trackReader, receiver rtcpReader, buffer int, stats RTCPStats, logger *zap.SugaredLogger) *Source {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Source{
		id:     id,
		buffer: buffer,
		logger: logger,
		subs:   make(map[*SourceSubscription]struct{}),
		done:   make(chan struct{}),
	}
	go s.pump(track)
	if receiver != nil {
		go s.drainRTCP(receiver, stats)
	}
	return s
}

func (s *Source) ID() string { return s.id }

// Done is closed when the track stops producing packets.
func (s *Source) Done() <-chan struct{} { return s.done }

func (s *Source) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Subscribe opens a fresh consumer. Subscribing to an ended source fails.
func (s *Source) Subscribe() (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Ended() {
		return nil, domain.ErrStreamEnded
	}
	sub := &SourceSubscription{
		src:    s,
		ch:     make(chan *rtp.Packet, s.buffer),
		closed: make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *Source) pump(track trackReader) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.logger.Infow("source track ended", "source_id", s.id, "error", err)
			s.shutdown()
			return
		}
		s.fanOut(pkt)
	}
}

func (s *Source) fanOut(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- pkt:
		default:
			// Full buffer: drop the subscriber's oldest packet.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- pkt:
			default:
			}
		}
	}
}

func (s *Source) shutdown() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for sub := range s.subs {
			sub.closeOnce.Do(func() { close(sub.closed) })
			delete(s.subs, sub)
		}
		s.mu.Unlock()
	})
}

func (s *Source) remove(sub *SourceSubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Source) drainRTCP(receiver rtcpReader, stats RTCPStats) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		if stats == nil {
			continue
		}
		for _, packet := range packets {
			rr, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				stats.ObserveReceiverReport(float64(report.FractionLost)/255.0, report.Jitter)
			}
		}
	}
}

// SourceSubscription is one consumer's view of a Source.
type SourceSubscription struct {
	src       *Source
	ch        chan *rtp.Packet
	closed    chan struct{}
	closeOnce sync.Once
}

// ReadRTP returns the next packet. Packets buffered before the source
// ended are still delivered; after that it returns ErrStreamEnded, or
// ErrSubscriptionClosed once Close was called.
func (sub *SourceSubscription) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-sub.ch:
		return pkt, nil
	default:
	}
	select {
	case pkt := <-sub.ch:
		return pkt, nil
	case <-sub.closed:
		if sub.src.Ended() {
			return nil, domain.ErrStreamEnded
		}
		return nil, domain.ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the subscription. Safe to call more than once, and a
// no-op after the source already tore it down.
func (sub *SourceSubscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.closed)
		sub.src.remove(sub)
	})
}
