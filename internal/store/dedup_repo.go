package store

import "time"

// DedupRecord is one inbound channel message seen by the service.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo guards against channels redelivering the same inbound message.
type DedupRepo interface {
	// IsDuplicate reports whether messageID has been recorded before.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records messageID. It returns false if it was already
	// recorded.
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed stamps the time the turn for messageID finished.
	MarkProcessed(messageID string) error
}
