package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taskmesh/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Envelope
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Envelope),
		buffer: buffer,
	}
}

func (b *Bus) Register(agentID string) <-chan domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan domain.Envelope, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[agentID]
	return ok
}

func (b *Bus) Publish(env domain.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.subs[env.AgentID]
	if !ok {
		return fmt.Errorf("%s: %w", env.AgentID, ErrAgentNotRegistered)
	}

	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("%s: %w", env.AgentID, ErrAgentQueueFull)
	}
}

func (b *Bus) Deliver(_ context.Context, a domain.Assignment) error {
	assignment := a
	return b.Publish(domain.Envelope{
		Kind:       domain.EnvelopeAssign,
		AgentID:    a.AgentID,
		TaskID:     a.TaskID,
		Assignment: &assignment,
	})
}

func (b *Bus) Cancel(_ context.Context, agentID, taskID, reason string) error {
	err := b.Publish(domain.Envelope{
		Kind:    domain.EnvelopeCancel,
		AgentID: agentID,
		TaskID:  taskID,
		Reason:  reason,
	})
	if errors.Is(err, ErrAgentNotRegistered) {
		return nil
	}
	return err
}
