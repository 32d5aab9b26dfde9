package nats

import (
	"context"
	"sync"

	"taskmesh/internal/domain"
)

// Inbox turns per-agent JetStream consumers into envelope channels, the shape
// agent workers read from.
type Inbox struct {
	exec   *Executor
	ctx    context.Context
	buffer int

	mu    sync.Mutex
	stops map[string]func()
}

func (e *Executor) Inbox(ctx context.Context, buffer int) *Inbox {
	if buffer <= 0 {
		buffer = 64
	}
	return &Inbox{exec: e, ctx: ctx, buffer: buffer, stops: make(map[string]func())}
}

// Register starts consuming agentID's envelopes. A consumer that cannot be
// created yields a closed channel, which stops the worker reading it.
func (in *Inbox) Register(agentID string) <-chan domain.Envelope {
	ch := make(chan domain.Envelope, in.buffer)
	stop, err := in.exec.ConsumeEnvelopes(in.ctx, agentID, func(ctx context.Context, env domain.Envelope) error {
		select {
		case ch <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		in.exec.logger.Error("agent inbox unavailable", "agent_id", agentID, "error", err)
		close(ch)
		return ch
	}
	in.mu.Lock()
	if prev, ok := in.stops[agentID]; ok {
		prev()
	}
	in.stops[agentID] = stop
	in.mu.Unlock()
	return ch
}

// Unregister stops consumption. The channel is left open: a message handler
// may still be mid-send, and the worker exits on its own context.
func (in *Inbox) Unregister(agentID string) {
	in.mu.Lock()
	stop, ok := in.stops[agentID]
	delete(in.stops, agentID)
	in.mu.Unlock()
	if ok {
		stop()
	}
}

func (e *Executor) Report(ctx context.Context, r domain.ExecutionReport) error {
	return e.PublishReport(ctx, r)
}
