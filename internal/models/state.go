package models

import (
	"maps"
	"slices"
	"time"
)

// Mode is the coarse conversation phase.
type Mode string

const (
	ModeChat        Mode = "CHAT"
	ModeElicitation Mode = "ELICITATION"
	ModeReview      Mode = "REVIEW"
)

// IsValid reports whether m is one of the three known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeChat, ModeElicitation, ModeReview:
		return true
	}
	return false
}

// Role tags a message in the history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Node identifies a step of the per-turn state machine.
type Node string

const (
	NodeSupervisor   Node = "supervisor"
	NodeChat         Node = "chatAgent"
	NodeElicitation  Node = "elicitationAgent"
	NodeTeamMatching Node = "teamMatching"
	NodeReview       Node = "reviewAgent"
	NodeEnd          Node = "end"
)

// Message is one role-tagged utterance. Generated marks notices produced by
// the system itself rather than by the model.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Generated bool      `json:"generated,omitempty"`
}

// CollectedFields maps a registry field name to its collected value.
// Multi-select values are stored as a comma separated list of tokens.
type CollectedFields map[string]string

// Clone returns an independent copy. A nil map clones to an empty one.
func (c CollectedFields) Clone() CollectedFields {
	out := make(CollectedFields, len(c))
	maps.Copy(out, c)
	return out
}

// ConversationState is the record threaded through a turn and persisted
// between turns, one per conversation id.
type ConversationState struct {
	ConversationID      string          `json:"conversation_id"`
	Messages            []Message       `json:"messages"`
	Mode                Mode            `json:"mode"`
	RoutingDecision     Node            `json:"routing_decision,omitempty"`
	CollectedFields     CollectedFields `json:"collected_fields"`
	FieldsMarkedUnknown []string        `json:"fields_marked_unknown,omitempty"`
	IdentifiedTeam      *string         `json:"identified_team"`
	IdentifiedTeamName  *string         `json:"identified_team_name"`
	SubmissionURL       *string         `json:"submission_url"`
	SubmissionError     *string         `json:"submission_error"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	// Version is the store's revision of this state: 0 for a state that has
	// never been saved. A save succeeds only against the revision it was
	// loaded at.
	Version int64 `json:"version"`
}

// NewConversationState returns the default state for a fresh conversation.
func NewConversationState(conversationID string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		ConversationID:  conversationID,
		Messages:        []Message{},
		Mode:            ModeChat,
		CollectedFields: CollectedFields{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Normalize repairs a state decoded from storage so the mode invariant and
// non-nil collections hold.
func (s *ConversationState) Normalize() {
	if !s.Mode.IsValid() {
		s.Mode = ModeChat
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.CollectedFields == nil {
		s.CollectedFields = CollectedFields{}
	}
}

// Clone returns a deep copy of the state.
func (s *ConversationState) Clone() *ConversationState {
	out := *s
	out.Messages = slices.Clone(s.Messages)
	out.CollectedFields = s.CollectedFields.Clone()
	out.FieldsMarkedUnknown = slices.Clone(s.FieldsMarkedUnknown)
	out.IdentifiedTeam = cloneString(s.IdentifiedTeam)
	out.IdentifiedTeamName = cloneString(s.IdentifiedTeamName)
	out.SubmissionURL = cloneString(s.SubmissionURL)
	out.SubmissionError = cloneString(s.SubmissionError)
	return &out
}

// LastUserMessage returns the content of the most recent user message.
func (s *ConversationState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// RecentMessages returns at most n messages from the end of the history.
func (s *ConversationState) RecentMessages(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StringPtr returns a pointer to a copy of v.
func StringPtr(v string) *string {
	return &v
}

// Deref returns the pointed-to string or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
