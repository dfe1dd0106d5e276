package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MatyMusic/maty-sub002/internal/chat"
	"github.com/MatyMusic/maty-sub002/internal/metrics"
)

var (
	// ErrFlushInProgress is returned when a flush is already running.
	ErrFlushInProgress = errors.New("outbox flush already in progress")
	// ErrNotQueued is returned by Resend when the message id is not in
	// the peer's queue.
	ErrNotQueued = errors.New("message not queued")
)

// SendFunc retries one message. A non-nil message is the
// server-confirmed replacement; (nil, nil) means accepted as-is.
type SendFunc func(ctx context.Context, m chat.Message) (*chat.Message, error)

// Outbox queues messages whose send failed on both transports and
// replays them when connectivity returns.
type Outbox struct {
	q        Queue
	log      *zap.SugaredLogger
	flushing atomic.Bool
}

func New(q Queue, log *zap.SugaredLogger) *Outbox {
	return &Outbox{q: q, log: log}
}

func (o *Outbox) Enqueue(ctx context.Context, m chat.Message) error {
	e := Entry{PeerID: m.PeerID, Message: m, QueuedAt: m.At}
	return o.q.Enqueue(ctx, e)
}

func (o *Outbox) Peek(ctx context.Context, peerID string) ([]Entry, error) {
	return o.q.Entries(ctx, peerID)
}

// Flush resends the peer's entries strictly sequentially, in enqueue
// order. The first failure aborts the remainder so a stuck message is
// never skipped ahead of later ones. A successful resend removes its
// entry; failures leave everything in place for the next trigger.
func (o *Outbox) Flush(ctx context.Context, peerID string, send SendFunc) error {
	if !o.flushing.CompareAndSwap(false, true) {
		return ErrFlushInProgress
	}
	defer o.flushing.Store(false)

	entries, err := o.q.Entries(ctx, peerID)
	if err != nil {
		return fmt.Errorf("outbox read: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := send(ctx, e.Message); err != nil {
			metrics.OutboxRetries.WithLabelValues("failure").Inc()
			if berr := o.q.Bump(ctx, peerID, e.Message.ID); berr != nil {
				o.log.Debugw("attempt count not persisted", "msg", e.Message.ID, "err", berr)
			}
			o.log.Warnw("outbox resend failed, keeping remainder queued",
				"peer", peerID, "msg", e.Message.ID, "err", err)
			return err
		}
		metrics.OutboxRetries.WithLabelValues("success").Inc()
		if err := o.q.Remove(ctx, peerID, e.Message.ID); err != nil {
			return fmt.Errorf("outbox remove: %w", err)
		}
	}
	return nil
}

// Resend retries a single queued message, the degenerate one-entry
// flush behind the explicit user action. ErrNotQueued reports an id
// that is not (or no longer) in the peer's queue.
func (o *Outbox) Resend(ctx context.Context, peerID, messageID string, send SendFunc) error {
	entries, err := o.q.Entries(ctx, peerID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Message.ID != messageID {
			continue
		}
		if _, err := send(ctx, e.Message); err != nil {
			metrics.OutboxRetries.WithLabelValues("failure").Inc()
			if berr := o.q.Bump(ctx, peerID, messageID); berr != nil {
				o.log.Debugw("attempt count not persisted", "msg", messageID, "err", berr)
			}
			return err
		}
		metrics.OutboxRetries.WithLabelValues("success").Inc()
		return o.q.Remove(ctx, peerID, messageID)
	}
	return ErrNotQueued
}
