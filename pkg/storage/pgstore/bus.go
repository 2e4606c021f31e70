package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// defaultSubscribeTimeout bounds a Subscribe handshake.
const defaultSubscribeTimeout = 5 * time.Second

// listenCmd is a LISTEN/UNLISTEN request handed to the receive loop, the
// sole goroutine that touches the dedicated pgx.Conn. Modeled directly on
// a single-owner NotifyListener command-channel pattern: WaitForNotification
// and Exec must never race on the same connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Bus implements storage.EventBus over Postgres LISTEN/NOTIFY. One
// dedicated connection per workflow channel is overkill; instead a
// single connection LISTENs on every subscribed channel and fans
// incoming NOTIFYs out to per-workflow subscriber channels.
type Bus struct {
	connString string

	mu       sync.Mutex
	conn     *pgx.Conn
	cmdCh    chan listenCmd
	cancel   context.CancelFunc
	loopDone chan struct{}

	subsMu sync.Mutex
	subs   map[string]map[chan storage.Event]struct{}
}

// NewBus dials a dedicated LISTEN connection and starts its receive loop.
func NewBus(ctx context.Context, connString string) (*Bus, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open LISTEN connection: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		connString: connString,
		conn:       conn,
		cmdCh:      make(chan listenCmd, 16),
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		subs:       make(map[string]map[chan storage.Event]struct{}),
	}
	go b.receiveLoop(loopCtx)
	return b, nil
}

// Close stops the receive loop and closes the dedicated connection.
func (b *Bus) Close() {
	b.cancel()
	<-b.loopDone
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(context.Background())
	}
}

func (b *Bus) channelName(workflowID string) string {
	return "conductor_wf_" + workflowID
}

// Publish sends a NOTIFY on the workflow's channel over a connection
// opened for this call alone; only the dedicated connection LISTENs.
func (b *Bus) Publish(ctx context.Context, ev storage.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return fmt.Errorf("failed to open publish connection: %w", err)
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", b.channelName(ev.WorkflowID), string(payload))
	return err
}

// Subscribe registers a local fanout channel and, if this is the first
// subscriber for workflowID, issues LISTEN on the dedicated connection.
// The pool slot (the subscriber map entry) is released atomically if the
// LISTEN handshake fails, so a failed subscribe never leaks a
// half-registered subscriber.
func (b *Bus) Subscribe(ctx context.Context, workflowID string) (<-chan storage.Event, func(), error) {
	subCtx, cancel := context.WithTimeout(ctx, defaultSubscribeTimeout)
	defer cancel()

	channel := b.channelName(workflowID)
	ch := make(chan storage.Event, 16)

	b.subsMu.Lock()
	first := len(b.subs[channel]) == 0
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan storage.Event]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.subsMu.Unlock()

	if first {
		if err := b.listen(subCtx, channel); err != nil {
			b.subsMu.Lock()
			delete(b.subs[channel], ch)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.subsMu.Unlock()
			close(ch)
			return nil, nil, fmt.Errorf("failed to LISTEN on %s: %w", channel, err)
		}
	}

	unsubscribe := func() {
		b.subsMu.Lock()
		last := false
		if set, ok := b.subs[channel]; ok {
			delete(set, ch)
			last = len(set) == 0
			if last {
				delete(b.subs, channel)
			}
		}
		b.subsMu.Unlock()
		close(ch)
		if last {
			_ = b.unlisten(context.Background(), channel)
		}
	}
	return ch, unsubscribe, nil
}

func (b *Bus) listen(ctx context.Context, channel string) error {
	return b.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
}

func (b *Bus) unlisten(ctx context.Context, channel string) error {
	return b.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
}

func (b *Bus) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case b.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop is the sole goroutine touching b.conn, avoiding the
// "conn busy" race between WaitForNotification and Exec.
func (b *Bus) receiveLoop(ctx context.Context) {
	defer close(b.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.drainCmds(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := b.conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			continue
		}

		var ev storage.Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			slog.Warn("dropping malformed NOTIFY payload", "channel", notification.Channel, "error", err)
			continue
		}

		b.subsMu.Lock()
		subscribers := b.subs[notification.Channel]
		for ch := range subscribers {
			select {
			case ch <- ev:
			default:
			}
		}
		b.subsMu.Unlock()
	}
}

func (b *Bus) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-b.cmdCh:
			_, err := b.conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}
