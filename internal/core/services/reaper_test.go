package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestReaper_RemovesEndedStream(t *testing.T) {
	r := NewRegistry(nil)
	src := newFakeSource("stream_a")
	r.CreateStream("stream_a", src, "a")
	src.end()

	reaper := NewReaper(r, 10*time.Millisecond, time.Minute, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reaper.Run(ctx)

	assert.Eventually(t, func() bool {
		return r.StreamCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestReaper_StopsOnCancel(t *testing.T) {
	r := NewRegistry(nil)
	reaper := NewReaper(r, 10*time.Millisecond, time.Minute, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}
