package filestore

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// defaultSubscribeTimeout bounds how long a Subscribe handshake may take
// before the caller gives up.
const defaultSubscribeTimeout = 5 * time.Second

// inProcessBus fans out Events to subscribers of the same workflow ID
// when no Postgres LISTEN/NOTIFY channel is available. It satisfies the
// same storage.EventBus contract pgstore's Postgres-backed bus does,
// including atomic slot release on handshake failure.
type inProcessBus struct {
	mu   sync.Mutex
	subs map[string]map[chan storage.Event]struct{}
}

func newInProcessBus() *inProcessBus {
	return &inProcessBus{subs: make(map[string]map[chan storage.Event]struct{})}
}

func (b *inProcessBus) Publish(ctx context.Context, ev storage.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.WorkflowID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the writer, matching
			// catch-up/best-effort fanout semantics.
		}
	}
	return nil
}

func (b *inProcessBus) Subscribe(ctx context.Context, workflowID string) (<-chan storage.Event, func(), error) {
	subCtx, cancel := context.WithTimeout(ctx, defaultSubscribeTimeout)
	defer cancel()

	ch := make(chan storage.Event, 16)

	b.mu.Lock()
	if subCtx.Err() != nil {
		b.mu.Unlock()
		return nil, nil, subCtx.Err()
	}
	if b.subs[workflowID] == nil {
		b.subs[workflowID] = make(map[chan storage.Event]struct{})
	}
	b.subs[workflowID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[workflowID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, workflowID)
			}
		}
		close(ch)
	}
	return ch, unsubscribe, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
