// Package flow implements the turn-based conversation state machine: state
// patches, the behavior transition table, the behaviors themselves and the
// executor that runs one turn per inbound message.
package flow

import (
	"context"
	"slices"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/models"
)

// StateManager loads and saves conversation state keyed by conversation id.
type StateManager interface {
	// Load returns the stored state, or a fresh default state if none exists.
	Load(ctx context.Context, conversationID string) (*models.ConversationState, error)

	// Save persists the state under its ConversationID.
	Save(ctx context.Context, state *models.ConversationState) error

	// Reset removes any stored state for the conversation.
	Reset(ctx context.Context, conversationID string) error
}

// ResetAcknowledgment is the fixed reply to the reset phrase. It also becomes
// the only message in the history after a full reset.
const ResetAcknowledgment = "Context cleared. Let's start fresh. How can I help you today?"

// WelcomeMessage greets a new conversation on hosts that announce membership.
const WelcomeMessage = "Hello! I'm the Front Door assistant. How can I help you today?"

// NullableString is a patch slot for a nullable state field. The zero value
// leaves the field untouched.
type NullableString struct {
	Set   bool
	Value *string
}

// SetTo returns a slot that assigns v.
func SetTo(v string) NullableString {
	return NullableString{Set: true, Value: models.StringPtr(v)}
}

// SetNull returns a slot that clears the field.
func SetNull() NullableString {
	return NullableString{Set: true}
}

func (n NullableString) apply(dst **string) {
	if !n.Set {
		return
	}
	if n.Value == nil {
		*dst = nil
		return
	}
	v := *n.Value
	*dst = &v
}

// Patch is the output of one behavior invocation. Unset members leave the
// state alone. CollectedFields and FieldsMarkedUnknown replace the stored
// value whenever they are non-nil, so a behavior that wants to keep existing
// values must merge them itself.
type Patch struct {
	// Messages are appended, or replace the history when ReplaceMessages is set.
	Messages        []models.Message
	ReplaceMessages bool

	Mode            models.Mode
	RoutingDecision models.Node

	CollectedFields     models.CollectedFields
	FieldsMarkedUnknown []string

	IdentifiedTeam     NullableString
	IdentifiedTeamName NullableString
	SubmissionURL      NullableString
	SubmissionError    NullableString
}

// Apply folds p into s in place. It cannot fail, so a patch is either fully
// applied or, when the behavior errored and produced none, not at all.
func Apply(s *models.ConversationState, p Patch) {
	if p.ReplaceMessages {
		s.Messages = slices.Clone(p.Messages)
	} else if len(p.Messages) > 0 {
		s.Messages = append(s.Messages, p.Messages...)
	}
	if p.Mode != "" && p.Mode.IsValid() {
		s.Mode = p.Mode
	}
	if p.RoutingDecision != "" {
		s.RoutingDecision = p.RoutingDecision
	}
	if p.CollectedFields != nil {
		s.CollectedFields = p.CollectedFields.Clone()
	}
	if p.FieldsMarkedUnknown != nil {
		s.FieldsMarkedUnknown = slices.Clone(p.FieldsMarkedUnknown)
	}
	p.IdentifiedTeam.apply(&s.IdentifiedTeam)
	p.IdentifiedTeamName.apply(&s.IdentifiedTeamName)
	p.SubmissionURL.apply(&s.SubmissionURL)
	p.SubmissionError.apply(&s.SubmissionError)
	s.UpdatedAt = time.Now()
}

// ClearRequestContext drops the in-progress request and returns to CHAT,
// keeping the message history.
func ClearRequestContext() Patch {
	return Patch{
		Mode:                models.ModeChat,
		CollectedFields:     models.CollectedFields{},
		FieldsMarkedUnknown: []string{},
		IdentifiedTeam:      SetNull(),
		IdentifiedTeamName:  SetNull(),
		SubmissionURL:       SetNull(),
		SubmissionError:     SetNull(),
	}
}

// ClearAll is ClearRequestContext plus a history reset to the single
// acknowledgment notice.
func ClearAll() Patch {
	p := ClearRequestContext()
	p.ReplaceMessages = true
	p.Messages = []models.Message{{
		Role:      models.RoleAssistant,
		Content:   ResetAcknowledgment,
		Timestamp: time.Now(),
		Generated: true,
	}}
	return p
}

// WithReply appends an assistant reply to p.
func (p Patch) WithReply(text string) Patch {
	p.Messages = append(slices.Clone(p.Messages), assistantMessage(text))
	return p
}

func assistantMessage(text string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: text, Timestamp: time.Now()}
}

// lastAssistantReply returns the content of the last assistant message in p.
func (p Patch) lastAssistantReply() (string, bool) {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == models.RoleAssistant {
			return p.Messages[i].Content, true
		}
	}
	return "", false
}
