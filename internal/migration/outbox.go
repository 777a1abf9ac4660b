package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

// ProgressEventType tags progress events in the outbox
const ProgressEventType = "migration.progress"

// Subject is the event bus subject of jobID's progress events
func Subject(jobID string) string {
	return fmt.Sprintf("migration.%s.progress", jobID)
}

// MsgID is the deduplication id of one progress event on the event bus
func MsgID(jobID string, seq uint64) string {
	return fmt.Sprintf("progress|%s|%d", jobID, seq)
}

// Outbox is the durable queue the Dispatcher drains
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers one message with bus-side deduplication on msgID
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to the event bus
type Dispatcher struct {
	Outbox    Outbox
	Publisher Publisher
	// Backoff spaces out republishing of a failing row (default: retry.DefaultPolicy)
	Backoff   retry.Policy
	BatchSize int
	// Idle is the poll interval when the outbox is empty
	Idle time.Duration
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.Idle <= 0 {
		d.Idle = 500 * time.Millisecond
	}
	if d.Backoff == (retry.Policy{}) {
		d.Backoff = retry.DefaultPolicy()
	}

	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("outbox dispatch failed")
			wait = time.Second
		case n == 0:
			wait = d.Idle
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due rows and returns how many were taken
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	messages, err := d.Outbox.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.Backoff.Backoff(msg.Retries)
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Dur("backoff", backoff).Msg("publish failed")
			_ = d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff)
			continue
		}

		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.Warn().Err(err).Int64("outbox_id", msg.ID).Msg("mark published failed")
		}
	}
	return len(messages), nil
}

// outboxMessage is the bus envelope of ev
func outboxMessage(ev progress.Event, payload []byte) sqlite.OutboxMessage {
	return sqlite.OutboxMessage{
		Subject:   Subject(ev.JobID),
		EventType: ProgressEventType,
		Payload:   payload,
		MsgID:     MsgID(ev.JobID, ev.Seq),
	}
}
