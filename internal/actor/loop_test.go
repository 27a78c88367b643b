package actor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"slogd/internal/wire"
)

type countingHandler struct {
	envelopes atomic.Int32
	ticks     atomic.Int32
}

func (h *countingHandler) HandleEnvelope(*wire.Envelope) { h.envelopes.Add(1) }
func (h *countingHandler) HandleTick()                   { h.ticks.Add(1) }

func TestLoopDeliversEveryEnvelope(t *testing.T) {
	inbox := make(chan *wire.Envelope, 2)
	inbox <- &wire.Envelope{From: 1}
	inbox <- &wire.Envelope{From: 2}
	close(inbox)

	h := &countingHandler{}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	NewLoop(inbox, 0, h).Run(ctx)

	if h.envelopes.Load() != 2 {
		t.Fatalf("expected 2 envelopes handled, got %d", h.envelopes.Load())
	}
}

func TestLoopFiresTicksWhenConfigured(t *testing.T) {
	inbox := make(chan *wire.Envelope)
	h := &countingHandler{}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	NewLoop(inbox, 10*time.Millisecond, h).Run(ctx)

	if h.ticks.Load() == 0 {
		t.Fatal("expected at least one tick")
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	inbox := make(chan *wire.Envelope)
	h := &countingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewLoop(inbox, 0, h).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}
