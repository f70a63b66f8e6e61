package store

import "time"

// OutboxStatus is the lifecycle state of a queued reply.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a durable outgoing reply. Recipient is the canonical
// channel address, which is also the conversation id.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists replies so they survive a restart between the turn
// and the channel send.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a reply. When dedupeKey is non-empty and a
	// live message with that key exists, its id is returned instead.
	EnqueueOutboxMessage(recipient, kind, body, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit due queued messages to sending
	// and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a failed send and schedules the next attempt.
	// Once maxAttempts is reached the message is parked as failed.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, maxAttempts int) error

	// RequeueStaleSendingMessages returns messages stuck in sending since
	// before staleBefore to the queue.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
