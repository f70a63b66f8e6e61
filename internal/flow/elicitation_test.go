package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/testutil"
	"github.com/google/go-cmp/cmp"
)

func runElicitation(t *testing.T, m *testutil.ScriptedModel, s *models.ConversationState) Patch {
	t.Helper()
	p, err := NewElicitation(newTestDeps(m)).Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return p
}

func TestElicitationFirstEntryPrompt(t *testing.T) {
	m := testutil.NewScriptedModel().OnStructured(shapeExtraction,
		extractionJSON(t, map[string]string{"title": "Reporting automation"}, "Great, what's the detail?", false))
	s := stateWith(models.ModeElicitation, nil, "I need to submit a request to automate reporting")

	p := runElicitation(t, m, s)

	msgs := m.Calls()[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("first entry should send system prompt + history, got %d messages", len(msgs))
	}
	sys := msgs[0].Content
	if !strings.Contains(sys, "All Questions We Need to Collect") || strings.Contains(sys, "Fields Still Needed") {
		t.Fatalf("first-entry prompt not used:\n%s", sys)
	}
	if p.CollectedFields["title"] != "Reporting automation" {
		t.Fatalf("title not merged: %+v", p.CollectedFields)
	}
	if r, _ := p.lastAssistantReply(); r != "Great, what's the detail?" {
		t.Fatalf("reply = %q", r)
	}
}

func TestElicitationSubsequentPromptHasFocus(t *testing.T) {
	m := testutil.NewScriptedModel().OnStructured(shapeExtraction, extractionJSON(t, nil, "ok", false))
	s := stateWith(models.ModeElicitation, models.CollectedFields{"title": "T"}, "first", "question?", "it is urgent")

	runElicitation(t, m, s)

	msgs := m.Calls()[0].Messages
	sys := msgs[0].Content
	for _, want := range []string{"Fields Still Needed", "Fields Collected So Far", `- title: "T"`, "Completion: 11%"} {
		if !strings.Contains(sys, want) {
			t.Fatalf("subsequent prompt missing %q:\n%s", want, sys)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleSystem || !strings.Contains(last.Content, `"it is urgent"`) {
		t.Fatalf("missing focus hint on latest message: %+v", last)
	}
}

func TestElicitationMergeRules(t *testing.T) {
	prev := models.CollectedFields{"title": "Old title", "benefits": "Saves time"}
	m := testutil.NewScriptedModel().OnStructured(shapeExtraction, extractionJSON(t, map[string]string{
		"title":          "  New title  ",
		"benefits":       "null",
		"demand_sponsor": "   ",
		"criticality":    "necessary to have",
	}, "Who is sponsoring this?", false))
	s := stateWith(models.ModeElicitation, prev, "update please")

	p := runElicitation(t, m, s)

	want := models.CollectedFields{
		"title":       "New title",
		"benefits":    "Saves time",
		"criticality": "necessary to have",
	}
	if diff := cmp.Diff(want, p.CollectedFields); diff != "" {
		t.Fatalf("collected fields (-want +got):\n%s", diff)
	}
	if s.CollectedFields["title"] != "Old title" {
		t.Fatal("Run mutated the input state")
	}
}

func TestElicitationIgnoresUnknownFieldNames(t *testing.T) {
	// Shape conformance rejects unknown update keys upstream; the merge still
	// filters them if a model client lets one through.
	m := &stubModel{extraction: extraction{
		Updates:          map[string]*string{"budget": models.StringPtr("1M"), "title": models.StringPtr("T")},
		FollowupResponse: "ok",
	}}
	p, err := NewElicitation(newTestDeps(m)).Run(context.Background(), stateWith(models.ModeElicitation, nil, "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := p.CollectedFields["budget"]; ok || p.CollectedFields["title"] != "T" {
		t.Fatalf("unexpected merge: %+v", p.CollectedFields)
	}
}

func TestElicitationUnknownMarkers(t *testing.T) {
	s := stateWith(models.ModeElicitation, models.CollectedFields{"title": "T"}, "I don't know the risk or dependencies")
	s.FieldsMarkedUnknown = []string{"dependencies"}
	m := testutil.NewScriptedModel().OnStructured(shapeExtraction,
		extractionJSON(t, map[string]string{"dependencies": "Finance team"}, "noted", false, "risk", "criticality"))

	p := runElicitation(t, m, s)

	// dependencies now has a value so its marker goes; order follows the registry.
	want := []string{"criticality", "risk"}
	if diff := cmp.Diff(want, p.FieldsMarkedUnknown); diff != "" {
		t.Fatalf("unknown markers (-want +got):\n%s", diff)
	}
}

func TestElicitationEmptyReplyAsksNextField(t *testing.T) {
	m := testutil.NewScriptedModel().OnStructured(shapeExtraction, extractionJSON(t, nil, "", false))
	p := runElicitation(t, m, stateWith(models.ModeElicitation, allButRisk(), "hi"))
	r, _ := p.lastAssistantReply()
	if !strings.HasPrefix(r, "Thanks! ") || !strings.Contains(strings.ToLower(r), "risk") {
		t.Fatalf("reply = %q, want the risk question", r)
	}
}

func TestElicitationAbandon(t *testing.T) {
	s := stateWith(models.ModeElicitation, allButRisk(), "never mind, forget it")
	s.FieldsMarkedUnknown = []string{"dependencies"}
	m := testutil.NewScriptedModel().OnStructured(shapeExtraction, extractionJSON(t, map[string]string{"risk": "not sure"}, "", true))

	p := runElicitation(t, m, s)
	Apply(s, p)

	if s.Mode != models.ModeChat || len(s.CollectedFields) != 0 || len(s.FieldsMarkedUnknown) != 0 {
		t.Fatalf("abandon did not clear request: %+v", s)
	}
	if r, _ := p.lastAssistantReply(); r != abandonReply {
		t.Fatalf("reply = %q", r)
	}
}

func TestElicitationStructuredFailureFallsBack(t *testing.T) {
	s := stateWith(models.ModeElicitation, models.CollectedFields{"title": "T"}, "hmm")

	t.Run("plain reply", func(t *testing.T) {
		m := testutil.NewScriptedModel().
			FailStructured(shapeExtraction, errors.New("bad json")).
			OnText("Could you tell me more?")
		p := runElicitation(t, m, s)
		if p.CollectedFields != nil || p.Mode != "" {
			t.Fatalf("fallback touched request state: %+v", p)
		}
		if r, _ := p.lastAssistantReply(); r != "Could you tell me more?" {
			t.Fatalf("reply = %q", r)
		}
		calls := m.Calls()
		if len(calls) != 2 || calls[1].Structured || len(calls[1].Messages) != len(calls[0].Messages) {
			t.Fatalf("fallback should reuse the same messages: %+v", calls)
		}
	})

	t.Run("canned reply", func(t *testing.T) {
		m := testutil.NewScriptedModel().
			FailStructured(shapeExtraction, errors.New("bad json")).
			FailText(errors.New("down"))
		p := runElicitation(t, m, s)
		if r, _ := p.lastAssistantReply(); r != elicitationFallbackReply {
			t.Fatalf("reply = %q", r)
		}
	})
}

func TestElicitationNonConformantEnum(t *testing.T) {
	m := testutil.NewScriptedModel().
		OnStructured(shapeExtraction, extractionJSON(t, map[string]string{"criticality": "super urgent"}, "ok", false)).
		OnText("Which criticality fits best?")
	p := runElicitation(t, m, stateWith(models.ModeElicitation, nil, "it's super urgent"))
	if p.CollectedFields != nil {
		t.Fatalf("out-of-set enum value merged: %+v", p.CollectedFields)
	}
}

// stubModel decodes a fixed extraction without shape checks.
type stubModel struct {
	extraction extraction
}

func (s *stubModel) Complete(context.Context, []models.Message) (string, error) {
	return "", errors.New("not scripted")
}

func (s *stubModel) CompleteStructured(_ context.Context, _ []models.Message, _ genai.Shape, out any) error {
	*(out.(*extraction)) = s.extraction
	return nil
}
