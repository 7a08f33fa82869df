// Package outbox publishes pending chat notifications. State changes write
// events into the notification_outbox table transactionally; this worker
// polls the table, resolves each event's chat thread from its case, and hands
// the event to the bot. A failed send releases the row for the next poll.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/sahab-io/rasid/internal/model"
	"github.com/sahab-io/rasid/internal/notify"
	"github.com/sahab-io/rasid/internal/storage"
)

// Store is the outbox surface the publisher drives. *storage.DB implements
// it; GetChatRef resolves the chat thread an event's case belongs to.
type Store interface {
	ClaimOutboxEvents(ctx context.Context, limit int, lockFor time.Duration) ([]storage.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, lastError string) error
	GetChatRef(ctx context.Context, caseID string) (model.ChatRef, error)
}

// Sender delivers one notification. *notify.Client implements it.
type Sender interface {
	Send(ctx context.Context, ev notify.Event) error
}

const (
	pollInterval = 5 * time.Second
	batchSize    = 20
	batchTimeout = 30 * time.Second
	lockFor      = time.Minute
)

// Publisher drains the notification outbox.
type Publisher struct {
	store  Store
	sender Sender
	logger *slog.Logger
}

func NewPublisher(store Store, sender Sender, logger *slog.Logger) *Publisher {
	return &Publisher{store: store, sender: sender, logger: logger}
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started", "interval", pollInterval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return ctx.Err()
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
			if err := p.PublishBatch(batchCtx); err != nil {
				p.logger.Error("outbox batch failed", "error", err)
			}
			cancel()
		}
	}
}

// PublishBatch claims one batch and sends each event in claim order. A send
// failure marks its event and moves on; events for other cases should not
// stall behind one broken chat thread.
func (p *Publisher) PublishBatch(ctx context.Context) error {
	events, err := p.store.ClaimOutboxEvents(ctx, batchSize, lockFor)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := p.publish(ctx, ev); err != nil {
			p.logger.Warn("notification send failed",
				"event_id", ev.ID, "case_id", ev.CaseID, "kind", ev.Kind,
				"attempt", ev.Attempts+1, "error", err)
			if err := p.store.MarkOutboxFailed(ctx, ev.ID, err.Error()); err != nil {
				p.logger.Error("outbox failure bookkeeping failed", "event_id", ev.ID, "error", err)
			}
			continue
		}
		if err := p.store.MarkOutboxProcessed(ctx, ev.ID); err != nil {
			// The bot got the message; the retry it causes is idempotent on
			// the bot side, so log and carry on.
			p.logger.Error("outbox processed bookkeeping failed", "event_id", ev.ID, "error", err)
		}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, ev storage.OutboxEvent) error {
	chat, err := p.store.GetChatRef(ctx, ev.CaseID)
	if err != nil {
		return err
	}
	return p.sender.Send(ctx, notify.Event{
		CaseID:   ev.CaseID,
		TenantID: ev.TenantID,
		Kind:     ev.Kind,
		Chat:     chat,
		Payload:  ev.Payload,
	})
}
