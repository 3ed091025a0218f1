package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"

	"lancast/internal/core/ports"
	apperrors "lancast/pkg/errors"

	"go.uber.org/zap"
)

// Pipeline drives one live transcoding session: pull frames from a relay
// subscription, feed the encoder, copy compressed packets to the client
// in arrival order with a flush per write.
type Pipeline struct {
	logger *zap.SugaredLogger
}

func NewPipeline(logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{logger: logger}
}

// Run blocks until the source ends, the write side fails (client gone),
// or ctx is cancelled. The subscription and the encoder are released on
// every exit path.
func (p *Pipeline) Run(ctx context.Context, sub ports.Subscription, enc ports.Encoder, w io.Writer, flush func()) error {
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := enc.Start(ctx); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	defer enc.Close()

	// Feed side: subscription -> encoder. Ends on source exhaustion or
	// cancellation, then closes the encoder input so it can flush.
	go func() {
		defer enc.CloseInput()
		for {
			pkt, err := sub.ReadRTP(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Infow("subscription drained", "reason", err)
				}
				return
			}
			if err := enc.WriteRTP(pkt); err != nil {
				p.logger.Infow("encoder rejected packet", "error", err)
				return
			}
		}
	}()

	// Drain side: encoder -> client, one write and one flush per chunk.
	buf := make([]byte, 4096)
	for {
		n, err := enc.Output().Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client disconnected; stop the feed side too.
				cancel()
				return apperrors.NewTransportError(werr)
			}
			flush()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read encoder output: %w", err)
		}
	}
}
