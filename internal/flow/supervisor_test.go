package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/testutil"
)

func TestIsResetPhrase(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"clear context", true},
		{"CLEAR CONTEXT", true},
		{"  Clear   Context\n", true},
		{"clear\tcontext", true},
		{"clear context please", false},
		{"please clear context", false},
		{"clearcontext", false},
		{"clear", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsResetPhrase(tt.in); got != tt.want {
			t.Errorf("IsResetPhrase(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSupervisorResetSkipsModel(t *testing.T) {
	m := testutil.NewScriptedModel()
	sup := NewSupervisor(newTestDeps(m), 0)

	p, err := sup.Run(context.Background(), stateWith(models.ModeReview, allRequired(), "  CLEAR   Context "))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(m.Calls()) != 0 {
		t.Fatalf("reset made %d model calls", len(m.Calls()))
	}
	if p.RoutingDecision != models.NodeEnd || p.Mode != models.ModeChat || !p.ReplaceMessages {
		t.Fatalf("unexpected reset patch: %+v", p)
	}
}

func TestSupervisorRoutesPerMode(t *testing.T) {
	tests := []struct {
		name     string
		mode     models.Mode
		answer   models.Node
		wantNode models.Node
		wantMode models.Mode
	}{
		{"chat stays chat", models.ModeChat, models.NodeChat, models.NodeChat, ""},
		{"chat to elicitation", models.ModeChat, models.NodeElicitation, models.NodeElicitation, models.ModeElicitation},
		{"elicitation continues", models.ModeElicitation, models.NodeElicitation, models.NodeElicitation, models.ModeElicitation},
		{"elicitation side question", models.ModeElicitation, models.NodeChat, models.NodeChat, ""},
		{"review continues", models.ModeReview, models.NodeReview, models.NodeReview, models.ModeReview},
		{"review side question", models.ModeReview, models.NodeChat, models.NodeChat, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewScriptedModel().OnStructured(shapeRoute, routeJSON(t, tt.answer))
			p, err := NewSupervisor(newTestDeps(m), 0).Run(context.Background(), stateWith(tt.mode, nil, "hello"))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if p.RoutingDecision != tt.wantNode || p.Mode != tt.wantMode {
				t.Fatalf("got node=%s mode=%q, want node=%s mode=%q", p.RoutingDecision, p.Mode, tt.wantNode, tt.wantMode)
			}
		})
	}
}

func TestSupervisorFallsBackToChat(t *testing.T) {
	t.Run("model error", func(t *testing.T) {
		m := testutil.NewScriptedModel().FailStructured(shapeRoute, errors.New("timeout"))
		p, err := NewSupervisor(newTestDeps(m), 0).Run(context.Background(), stateWith(models.ModeElicitation, nil, "hi"))
		if err != nil || p.RoutingDecision != models.NodeChat || p.Mode != "" {
			t.Fatalf("got %+v, %v", p, err)
		}
	})
	t.Run("out of set for mode", func(t *testing.T) {
		m := testutil.NewScriptedModel().OnStructured(shapeRoute, routeJSON(t, models.NodeReview))
		p, err := NewSupervisor(newTestDeps(m), 0).Run(context.Background(), stateWith(models.ModeChat, nil, "hi"))
		if err != nil || p.RoutingDecision != models.NodeChat || p.Mode != "" {
			t.Fatalf("got %+v, %v", p, err)
		}
	})
}

func TestSupervisorWindowAndPrompt(t *testing.T) {
	m := testutil.NewScriptedModel().OnStructured(shapeRoute, routeJSON(t, models.NodeReview))
	s := stateWith(models.ModeReview, allRequired(), "m1", "m2", "m3", "m4", "m5")

	if _, err := NewSupervisor(newTestDeps(m), 2).Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	msgs := calls[0].Messages
	if len(msgs) != 3 || msgs[0].Role != models.RoleSystem {
		t.Fatalf("want system + 2 recent messages, got %+v", msgs)
	}
	if msgs[2].Content != "m5" {
		t.Fatalf("window does not end at latest message: %q", msgs[2].Content)
	}
	if !strings.Contains(msgs[0].Content, "REVIEW") || !strings.Contains(msgs[0].Content, "reviewAgent, chatAgent") {
		t.Fatalf("system prompt missing review context:\n%s", msgs[0].Content)
	}
}

func TestChatReplies(t *testing.T) {
	m := testutil.NewScriptedModel().OnText("Hi there!")
	s := stateWith(models.ModeElicitation, allButRisk(), "what time is it?")

	p, err := NewChat(newTestDeps(m)).Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r, _ := p.lastAssistantReply(); r != "Hi there!" {
		t.Fatalf("reply = %q", r)
	}
	if p.Mode != "" || p.CollectedFields != nil {
		t.Fatalf("chat changed request state: %+v", p)
	}
	if got := m.Calls()[0].Messages[0].Content; got != DefaultPrompts().ChatElicitation {
		t.Fatal("chat did not use the elicitation-mode prompt")
	}
}

func TestChatFallback(t *testing.T) {
	for name, m := range map[string]*testutil.ScriptedModel{
		"error": testutil.NewScriptedModel().FailText(errors.New("down")),
		"empty": testutil.NewScriptedModel().OnText(""),
	} {
		t.Run(name, func(t *testing.T) {
			p, err := NewChat(newTestDeps(m)).Run(context.Background(), stateWith(models.ModeChat, nil, "hi"))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if r, _ := p.lastAssistantReply(); r != chatFallbackReply {
				t.Fatalf("reply = %q", r)
			}
		})
	}
}
