// Package actor provides the single-threaded run loop every ordering
// component (BatchLog owner, MultiHomeOrderer, Interleaver,
// RemasterManager) is built on: poll one bus inbox and, optionally, a
// periodic tick, and hand each to a Handler with no other entry point
// into the component's state. Grounded on the teacher's
// runPartitionWorker (single goroutine draining one channel) and
// internal/raftengine's tick-driven select loop, generalized to a
// reusable shape instead of being written once per worker.
package actor

import (
	"context"
	"time"

	"slogd/internal/wire"
)

// Handler reacts to the two events a component ever needs to respond
// to. Implementations must not block: the loop is single-threaded and
// a blocking handler stalls every message behind it, exactly as a
// blocking handler would in the teacher's partition workers.
type Handler interface {
	HandleEnvelope(env *wire.Envelope)
	HandleTick()
}

// Loop drives a Handler from one inbox and an optional ticker.
type Loop struct {
	inbox        <-chan *wire.Envelope
	tickInterval time.Duration
	handler      Handler
}

// NewLoop builds a loop. A zero tickInterval disables ticking; the
// handler's HandleTick is then never called.
func NewLoop(inbox <-chan *wire.Envelope, tickInterval time.Duration, handler Handler) *Loop {
	return &Loop{inbox: inbox, tickInterval: tickInterval, handler: handler}
}

// Run blocks until ctx is cancelled or the inbox is closed.
func (l *Loop) Run(ctx context.Context) {
	var tickC <-chan time.Time
	if l.tickInterval > 0 {
		ticker := time.NewTicker(l.tickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-l.inbox:
			if !ok {
				return
			}
			l.handler.HandleEnvelope(env)
		case <-tickC:
			l.handler.HandleTick()
		}
	}
}
