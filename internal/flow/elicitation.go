package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
)

const (
	elicitationFallbackReply = "Sorry, I had trouble processing that. Could you tell me a bit more about your request?"
	abandonReply             = "No problem, I've cancelled that request. Let me know if there's anything else I can help with."
	allCollectedReply        = "Thanks, I have everything I need."
)

type extraction struct {
	Updates            map[string]*string `json:"updates"`
	FollowupResponse   string             `json:"followup_response"`
	UserWantsToAbandon bool               `json:"user_wants_to_abandon"`
	MarkedUnknown      []string           `json:"marked_unknown"`
	Confidence         float64            `json:"confidence"`
	Reasoning          string             `json:"reasoning"`
}

// extractionShape builds the structured output for one elicitation call
// from the registry: one nullable entry per field under updates.
func extractionShape(reg *registry.Registry) genai.Shape {
	updates := make([]genai.Field, 0, len(reg.Fields()))
	for _, f := range reg.Fields() {
		uf := genai.Field{Name: f.Name, Kind: genai.KindText, Nullable: true, Description: f.Description}
		switch f.Type {
		case models.FieldTypeSingleEnum:
			uf.Kind = genai.KindEnum
			uf.Enum = f.EnumValues
		case models.FieldTypeMultiSelect:
			uf.Description = fmt.Sprintf("%s. Comma separated values from: %s", f.Description, strings.Join(f.EnumValues, ", "))
		}
		updates = append(updates, uf)
	}
	return genai.Shape{
		Name:        "field_extraction",
		Description: "Field updates extracted from the conversation plus the reply to send",
		Fields: []genai.Field{
			{Name: "updates", Kind: genai.KindObject, Fields: updates, Description: "Fields to update; null for fields not provided"},
			{Name: "followup_response", Kind: genai.KindText, Description: "The reply to send to the user"},
			{Name: "user_wants_to_abandon", Kind: genai.KindBool, Description: "True if the user wants to cancel the request"},
			{Name: "marked_unknown", Kind: genai.KindList, Items: &genai.Field{Kind: genai.KindEnum, Enum: reg.FieldNames()}, Description: "Fields the user explicitly does not know"},
			{Name: "confidence", Kind: genai.KindNumber, Min: 0, Max: 100, Description: "Confidence in the extraction"},
			{Name: "reasoning", Kind: genai.KindText, Description: "Brief reasoning for the updates"},
		},
	}
}

// Elicitation extracts field values and produces the follow-up question in
// one structured call.
type Elicitation struct {
	deps  Deps
	shape genai.Shape
}

func NewElicitation(deps Deps) *Elicitation {
	return &Elicitation{deps: deps, shape: extractionShape(deps.Registry)}
}

func (e *Elicitation) Node() models.Node { return models.NodeElicitation }

// firstEntry is true while nothing has been collected for the request.
func firstEntry(state *models.ConversationState) bool {
	if len(state.FieldsMarkedUnknown) > 0 {
		return false
	}
	for _, v := range state.CollectedFields {
		if registry.IsValidValue(v) {
			return false
		}
	}
	return true
}

func (e *Elicitation) prompt(state *models.ConversationState) string {
	p := e.deps.Prompts
	if firstEntry(state) {
		return section(p.ElicitationFirst,
			"All Questions We Need to Collect", fieldQuestions(e.deps.Registry)) + "\n\n" + p.ElicitationRules
	}
	return section(p.ElicitationSubsequent,
		"Fields Still Needed", remainingFieldsText(e.deps.Registry, e.deps.Checker, state.CollectedFields, state.FieldsMarkedUnknown),
		"Fields Collected So Far", collectedSummary(e.deps.Registry, state.CollectedFields, state.FieldsMarkedUnknown),
		"Current Status", fmt.Sprintf("- Completion: %d%%", e.deps.Checker.CompletionPercentage(state.CollectedFields)),
	) + "\n\n" + p.ElicitationRules
}

func (e *Elicitation) messages(state *models.ConversationState) []models.Message {
	msgs := withSystem(e.prompt(state), state.Messages)
	if firstEntry(state) {
		return msgs
	}
	if n := len(state.Messages); n > 0 && state.Messages[n-1].Role == models.RoleUser {
		msgs = append(msgs, systemMessage(fmt.Sprintf(
			"Focus on extracting from the latest user message: %q\n\nAlso consider the full conversation history and correct any collected field that is wrong.",
			state.Messages[n-1].Content)))
	}
	return msgs
}

func (e *Elicitation) Run(ctx context.Context, state *models.ConversationState) (Patch, error) {
	msgs := e.messages(state)

	var out extraction
	if err := e.deps.completeStructured(ctx, msgs, e.shape, &out); err != nil {
		slog.Error("Elicitation.Run: structured extraction failed, falling back to plain reply", "conversationID", state.ConversationID, "error", err)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeElicitation)).Inc()
		reply, cerr := e.deps.complete(ctx, msgs)
		if cerr != nil || reply == "" {
			slog.Error("Elicitation.Run: fallback reply failed", "conversationID", state.ConversationID, "error", cerr)
			reply = elicitationFallbackReply
		}
		return Patch{}.WithReply(reply), nil
	}

	reply := strings.TrimSpace(out.FollowupResponse)
	if out.UserWantsToAbandon {
		slog.Info("Elicitation.Run: user abandoned request", "conversationID", state.ConversationID)
		if reply == "" {
			reply = abandonReply
		}
		return ClearRequestContext().WithReply(reply), nil
	}

	collected := state.CollectedFields.Clone()
	applied := 0
	for name, v := range out.Updates {
		if v == nil || !e.deps.Registry.HasField(name) || !registry.IsValidValue(*v) {
			continue
		}
		collected[name] = strings.TrimSpace(*v)
		applied++
	}
	unknown := e.mergeUnknown(state.FieldsMarkedUnknown, out.MarkedUnknown, collected)

	slog.Debug("Elicitation.Run: extraction merged", "conversationID", state.ConversationID,
		"updates", applied, "markedUnknown", len(unknown), "confidence", out.Confidence, "reasoning", out.Reasoning)

	if reply == "" {
		reply = e.nextQuestion(collected, unknown)
	}
	p := Patch{CollectedFields: collected, FieldsMarkedUnknown: unknown}
	return p.WithReply(reply), nil
}

// mergeUnknown unions previous and new unknown markers in registry order,
// dropping fields that now hold a value.
func (e *Elicitation) mergeUnknown(prev, reported []string, collected models.CollectedFields) []string {
	out := []string{}
	for _, name := range e.deps.Registry.FieldNames() {
		if registry.IsValidValue(collected[name]) {
			continue
		}
		if slices.Contains(prev, name) || slices.Contains(reported, name) {
			out = append(out, name)
		}
	}
	return out
}

func (e *Elicitation) nextQuestion(collected models.CollectedFields, unknown []string) string {
	missing := e.deps.Checker.MissingRequiredFields(collected, unknown)
	if len(missing) == 0 {
		return allCollectedReply
	}
	f, _ := e.deps.Registry.FieldByName(missing[0])
	return "Thanks! " + f.Prompt
}
