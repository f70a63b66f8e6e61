package flow

import (
	"encoding/json"
	"testing"

	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
)

const (
	shapeRoute      = "route_decision"
	shapeExtraction = "field_extraction"
	shapeTeam       = "team_matching"
	shapeReview     = "review_action"
)

func newTestDeps(m genai.Model) Deps {
	reg := registry.Default()
	return Deps{
		Model:    m,
		Registry: reg,
		Checker:  completion.NewChecker(reg, completion.PolicyValue),
		Prompts:  DefaultPrompts(),
	}
}

func mustJSON(t testing.TB, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func routeJSON(t testing.TB, node models.Node) string {
	return mustJSON(t, map[string]any{"next_agent": string(node), "reasoning": "test"})
}

// extractionJSON fills every registry field under updates, null unless set.
func extractionJSON(t testing.TB, updates map[string]string, reply string, abandon bool, unknown ...string) string {
	t.Helper()
	u := map[string]any{}
	for _, name := range registry.Default().FieldNames() {
		u[name] = nil
	}
	for k, v := range updates {
		u[k] = v
	}
	if unknown == nil {
		unknown = []string{}
	}
	return mustJSON(t, map[string]any{
		"updates":               u,
		"followup_response":     reply,
		"user_wants_to_abandon": abandon,
		"marked_unknown":        unknown,
		"confidence":            80,
		"reasoning":             "test",
	})
}

func teamJSON(t testing.TB, id string) string {
	return mustJSON(t, map[string]any{"team_id": id, "confidence": 90, "reasoning": "test"})
}

func reviewJSON(t testing.TB, action, reply string) string {
	return mustJSON(t, map[string]any{"action_type": action, "reasoning": "test", "response_to_user": reply})
}

// allRequired satisfies every required field of the default catalog.
func allRequired() models.CollectedFields {
	return models.CollectedFields{
		"title":                "Automate monthly performance reporting",
		"detailed_description": "Replace the manual spreadsheet with an automated Power BI report.",
		"criticality":          "important to have",
		"strategic_alignment":  "Value at a competitive cost",
		"benefits":             "Saves 20 hours per month",
		"demand_sponsor":       "Jane Smith",
		"risk":                 "Risk to Multiple Teams",
	}
}

// allButRisk lacks exactly one required field.
func allButRisk() models.CollectedFields {
	f := allRequired()
	delete(f, "risk")
	return f
}

func stateWith(mode models.Mode, fields models.CollectedFields, msgs ...string) *models.ConversationState {
	s := models.NewConversationState("conv-test")
	s.Mode = mode
	s.CollectedFields = fields.Clone()
	for i, m := range msgs {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		s.Messages = append(s.Messages, models.Message{Role: role, Content: m})
	}
	return s
}
