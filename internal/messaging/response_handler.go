package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/store"
)

// ApologyMessage is sent when a turn fails so the user is never left without
// a reply.
const ApologyMessage = "Sorry, something went wrong while handling your message. Please try again in a moment."

// TooLongMessage answers an utterance over models.MaxUtteranceLength.
var TooLongMessage = fmt.Sprintf("That message is too long for me to read in one go. Please shorten it to under %d characters, or send it in a few parts.", models.MaxUtteranceLength)

// EmptyMessage answers an utterance with no text.
const EmptyMessage = "I didn't catch any text in that message. Could you type what you need?"

// RetryMessage answers a turn that lost a race with a concurrent turn for
// the same conversation; nothing from it was saved.
const RetryMessage = "I was still working on your previous message when this one arrived. Could you send it again?"

// OutboxKindReply tags outbox rows holding turn replies.
const OutboxKindReply = "reply"

// Turner runs one conversation turn. *flow.Executor implements it.
type Turner interface {
	Turn(ctx context.Context, conversationID, text string) (models.TurnResult, error)
}

// ResponseHandler turns inbound channel messages into conversation turns.
// The canonical sender is the conversation id. With a DedupRepo, redelivered
// message ids are dropped; with an OutboxRepo, replies are queued for the
// OutboxSender instead of sent inline.
type ResponseHandler struct {
	svc    Service
	turner Turner
	dedup  store.DedupRepo
	outbox store.OutboxRepo

	wg sync.WaitGroup
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithDedup drops inbound messages whose id was already recorded.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithOutbox queues replies durably instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) HandlerOption {
	return func(rh *ResponseHandler) { rh.outbox = repo }
}

func NewResponseHandler(svc Service, turner Turner, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{svc: svc, turner: turner}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse runs the turn for one inbound message and delivers the
// reply. A rejected utterance gets a reply saying how to fix it; any other
// turn failure gets ApologyMessage. The returned error covers
// delivery and bookkeeping; turn failures are logged and answered.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, resp models.Response) error {
	from, err := rh.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: invalid sender", "from", resp.From, "error", err)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if rh.dedup != nil && resp.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(resp.MessageID, from)
		if err != nil {
			return fmt.Errorf("failed to record inbound message %s: %w", resp.MessageID, err)
		}
		if !fresh {
			slog.Info("ResponseHandler.ProcessResponse: duplicate delivery ignored", "conversationID", from, "messageID", resp.MessageID)
			return nil
		}
	}

	var reply string
	result, err := rh.turner.Turn(ctx, from, resp.Body)
	switch {
	case err == nil:
		reply = result.Reply
		slog.Debug("ResponseHandler.ProcessResponse: turn done", "conversationID", from, "mode", result.Mode, "completion", result.Completion)
	case errors.Is(err, models.ErrUtteranceTooLong):
		slog.Warn("ResponseHandler.ProcessResponse: utterance rejected", "conversationID", from, "length", len(resp.Body), "error", err)
		reply = TooLongMessage
	case errors.Is(err, store.ErrStateConflict):
		slog.Warn("ResponseHandler.ProcessResponse: concurrent turn won, asking to resend", "conversationID", from, "error", err)
		reply = RetryMessage
	case errors.Is(err, models.ErrEmptyUtterance):
		slog.Warn("ResponseHandler.ProcessResponse: empty utterance", "conversationID", from)
		reply = EmptyMessage
	default:
		slog.Error("ResponseHandler.ProcessResponse: turn failed, sending apology", "conversationID", from, "error", err)
		reply = ApologyMessage
	}

	if err := rh.deliver(ctx, from, reply, resp.MessageID); err != nil {
		return err
	}

	if rh.dedup != nil && resp.MessageID != "" {
		if err := rh.dedup.MarkProcessed(resp.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: failed to mark processed", "messageID", resp.MessageID, "error", err)
		}
	}
	return nil
}

func (rh *ResponseHandler) deliver(ctx context.Context, to, body, inboundID string) error {
	if rh.outbox == nil {
		if err := rh.svc.SendMessage(ctx, to, body); err != nil {
			return fmt.Errorf("failed to send reply to %s: %w", to, err)
		}
		return nil
	}
	dedupeKey := ""
	if inboundID != "" {
		dedupeKey = "reply:" + inboundID
	}
	id, err := rh.outbox.EnqueueOutboxMessage(to, OutboxKindReply, body, dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to queue reply to %s: %w", to, err)
	}
	slog.Debug("ResponseHandler.deliver: reply queued", "conversationID", to, "outboxID", id)
	return nil
}

// SendOutboxMessage delivers a queued reply. It is the store.OutboxSendFunc
// for this handler's channel.
func (rh *ResponseHandler) SendOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	return rh.svc.SendMessage(ctx, msg.Recipient, msg.Body)
}

// Start consumes the service's Responses and Receipts until the channel closes or ctx is
// done. Messages are processed one at a time; the executor serializes per
// conversation anyway.
func (rh *ResponseHandler) Start(ctx context.Context) {
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler.Start: stopped processing responses")
		for {
			select {
			case resp, ok := <-rh.svc.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, resp); err != nil {
					slog.Error("ResponseHandler.Start: failed to process response", "from", resp.From, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		rh.drainReceipts(ctx)
	}()
	slog.Info("ResponseHandler.Start: processing responses")
}

// drainReceipts counts delivery receipts until the channel closes or ctx is
// done.
func (rh *ResponseHandler) drainReceipts(ctx context.Context) {
	for {
		select {
		case r, ok := <-rh.svc.Receipts():
			if !ok {
				return
			}
			metrics.ObserveReceipt(string(r.Status))
			slog.Debug("ResponseHandler.drainReceipts: receipt", "to", r.To, "status", r.Status)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until the loop started by Start has returned.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}
