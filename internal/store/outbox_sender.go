package store

import (
	"context"
	"log/slog"
	"time"
)

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval   = 2 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxMaxAttempts    = 8
	outboxBaseBackoff           = 10 * time.Second
	outboxMaxBackoff            = 30 * time.Minute
)

// OutboxSendFunc delivers one queued reply through the channel.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender polls the outbox and delivers due replies with exponential
// backoff between failed attempts.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// NewOutboxSender creates an OutboxSender. A non-positive pollInterval uses
// DefaultOutboxPollInterval.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues replies left in sending by a crashed process.
// Call once at startup before Run.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(s.now().Add(-s.staleThreshold))
	if err != nil {
		slog.Error("OutboxSender.RecoverStaleMessages: requeue failed", "error", err)
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends one batch of due replies and returns how many were
// delivered.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := s.sendFunc(ctx, msg); err != nil {
			next := now.Add(backoff(msg.Attempts))
			slog.Warn("OutboxSender.Poll: send failed", "id", msg.ID, "recipient", msg.Recipient, "attempts", msg.Attempts+1, "nextAttemptAt", next, "error", err)
			if ferr := s.repo.FailOutboxMessage(msg.ID, err.Error(), next, s.maxAttempts); ferr != nil {
				slog.Error("OutboxSender.Poll: failed to record send failure", "id", msg.ID, "error", ferr)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: failed to mark sent", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
	}
	return sent
}

// backoff is 10s doubled per previous attempt, capped.
func backoff(attempts int) time.Duration {
	d := outboxBaseBackoff
	for i := 0; i < attempts && d < outboxMaxBackoff; i++ {
		d *= 2
	}
	return min(d, outboxMaxBackoff)
}
