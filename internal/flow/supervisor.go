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
)

// ResetPhrase wipes the conversation when sent on its own. Case and
// surrounding or repeated whitespace are ignored.
const ResetPhrase = "clear context"

// DefaultSupervisorWindow is how many trailing messages the supervisor sees.
const DefaultSupervisorWindow = 6

// IsResetPhrase reports whether text is the reset command.
func IsResetPhrase(text string) bool {
	return strings.ToLower(strings.Join(strings.Fields(text), " ")) == ResetPhrase
}

// routeChoices is the closed set offered to the model in each mode.
var routeChoices = map[models.Mode][]models.Node{
	models.ModeChat:        {models.NodeChat, models.NodeElicitation},
	models.ModeElicitation: {models.NodeElicitation, models.NodeChat},
	models.ModeReview:      {models.NodeReview, models.NodeChat},
}

type routeDecision struct {
	NextAgent string `json:"next_agent"`
	Reasoning string `json:"reasoning"`
}

func routeShape(choices []models.Node) genai.Shape {
	names := make([]string, len(choices))
	for i, c := range choices {
		names[i] = string(c)
	}
	return genai.Shape{
		Name:        "route_decision",
		Description: "Which agent handles the latest user message",
		Fields: []genai.Field{
			{Name: "next_agent", Kind: genai.KindEnum, Enum: names, Description: "The agent that should handle the message"},
			{Name: "reasoning", Kind: genai.KindText, Description: "One sentence explaining the choice"},
		},
	}
}

// Supervisor picks the behavior for the turn and the resulting mode.
type Supervisor struct {
	deps   Deps
	window int
}

// NewSupervisor returns a supervisor that shows the model the last window
// messages. A non-positive window uses DefaultSupervisorWindow.
func NewSupervisor(deps Deps, window int) *Supervisor {
	if window <= 0 {
		window = DefaultSupervisorWindow
	}
	return &Supervisor{deps: deps, window: window}
}

func (s *Supervisor) Node() models.Node { return models.NodeSupervisor }

// Run never fails. Model errors and out-of-set answers route to chat.
func (s *Supervisor) Run(ctx context.Context, state *models.ConversationState) (Patch, error) {
	if n := len(state.Messages); n > 0 && state.Messages[n-1].Role == models.RoleUser && IsResetPhrase(state.Messages[n-1].Content) {
		slog.Info("Supervisor.Run: reset phrase received, clearing conversation", "conversationID", state.ConversationID, "mode", state.Mode)
		p := ClearAll()
		p.RoutingDecision = models.NodeEnd
		return p, nil
	}

	choices, ok := routeChoices[state.Mode]
	if !ok {
		choices = routeChoices[models.ModeChat]
	}
	prompt := fmt.Sprintf("%s\n\nSet next_agent to exactly one of: %s.", s.deps.Prompts.Supervisor(state.Mode), joinNodes(choices))

	var decision routeDecision
	err := s.deps.completeStructured(ctx, withSystem(prompt, state.RecentMessages(s.window)), routeShape(choices), &decision)
	if err != nil {
		slog.Warn("Supervisor.Run: routing call failed, falling back to chat", "conversationID", state.ConversationID, "mode", state.Mode, "error", err)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeSupervisor)).Inc()
		return Patch{RoutingDecision: models.NodeChat}, nil
	}

	next := models.Node(decision.NextAgent)
	if !slices.Contains(choices, next) {
		slog.Warn("Supervisor.Run: unrecognized routing decision, falling back to chat", "conversationID", state.ConversationID, "mode", state.Mode, "decision", decision.NextAgent)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeSupervisor)).Inc()
		return Patch{RoutingDecision: models.NodeChat}, nil
	}

	slog.Debug("Supervisor.Run: routed", "conversationID", state.ConversationID, "mode", state.Mode, "node", next, "reasoning", decision.Reasoning)
	p := Patch{RoutingDecision: next}
	switch next {
	case models.NodeElicitation:
		p.Mode = models.ModeElicitation
	case models.NodeReview:
		p.Mode = models.ModeReview
	}
	return p, nil
}

func joinNodes(nodes []models.Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
