// Package events provides convenience helpers over the storage.EventBus
// port: typed publish helpers and a bounded-wait subscriber, mirroring
// the split between tarsy's events.Manager (subscriber-facing) and
// events.Publisher (emit-facing) without re-implementing either
// backend's transport.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// Publisher emits entity change events for one workflow.
type Publisher struct {
	bus        storage.EventBus
	workflowID string
}

func NewPublisher(bus storage.EventBus, workflowID string) *Publisher {
	return &Publisher{bus: bus, workflowID: workflowID}
}

func (p *Publisher) emit(ctx context.Context, kind storage.EventKind, entity, entityID string) {
	ev := storage.Event{Kind: kind, Entity: entity, EntityID: entityID, WorkflowID: p.workflowID}
	if err := p.bus.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish event", "entity", entity, "entity_id", entityID, "error", err)
	}
}

func (p *Publisher) TaskCreated(ctx context.Context, taskID string)  { p.emit(ctx, storage.EventCreate, "task", taskID) }
func (p *Publisher) TaskUpdated(ctx context.Context, taskID string)  { p.emit(ctx, storage.EventUpdate, "task", taskID) }
func (p *Publisher) PhaseAdvanced(ctx context.Context, workflowID string) {
	p.emit(ctx, storage.EventUpdate, "workflow", workflowID)
}
func (p *Publisher) CheckpointCreated(ctx context.Context, checkpointID string) {
	p.emit(ctx, storage.EventCreate, "checkpoint", checkpointID)
}

// WaitForNext blocks until a matching event arrives, ctx is cancelled, or
// the bounded subscribe/wait deadline in ctx elapses — whichever is
// first. Suspension here is one of the three cooperative-scheduler
// suspension points (agent invocation, DB query,
// live-subscription await).
func WaitForNext(ctx context.Context, bus storage.EventBus, workflowID string, match func(storage.Event) bool) (storage.Event, error) {
	ch, unsubscribe, err := bus.Subscribe(ctx, workflowID)
	if err != nil {
		return storage.Event{}, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return storage.Event{}, fmt.Errorf("event stream closed before a matching event arrived")
			}
			if match == nil || match(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return storage.Event{}, ctx.Err()
		}
	}
}
