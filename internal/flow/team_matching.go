package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
)

// NoTeam is the team id the model returns when nothing fits.
const NoTeam = "none"

const (
	matchFailureReply = "I had trouble working out where your request should go. Could you describe the issue again, perhaps with a bit more detail about what you need?"
	noMatchReply      = "Thanks for the details so far. I couldn't quite tell where this request should go yet. Could you tell me a bit more about what you're trying to accomplish?"
)

type teamChoice struct {
	TeamID     string  `json:"team_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// TeamMatching chooses the handling team once every required field is in.
type TeamMatching struct {
	deps  Deps
	shape genai.Shape
}

func NewTeamMatching(deps Deps) *TeamMatching {
	ids := append(deps.Registry.TeamIDs(), NoTeam)
	return &TeamMatching{deps: deps, shape: genai.Shape{
		Name:        "team_matching",
		Description: "The team best suited to handle the request",
		Fields: []genai.Field{
			// Unchecked so an id outside the registry reaches Run and fails the turn.
			{Name: "team_id", Kind: genai.KindEnum, Enum: ids, Unchecked: true, Description: `A team id, or "none" if no team fits`},
			{Name: "confidence", Kind: genai.KindNumber, Min: 0, Max: 100},
			{Name: "reasoning", Kind: genai.KindText, Description: "One or two sentences explaining the choice"},
		},
	}}
}

func (m *TeamMatching) Node() models.Node { return models.NodeTeamMatching }

// Run fails only when the model names a team the registry does not know.
func (m *TeamMatching) Run(ctx context.Context, state *models.ConversationState) (Patch, error) {
	summary := collectedSummary(m.deps.Registry, state.CollectedFields, state.FieldsMarkedUnknown)
	prompt := section(m.deps.Prompts.TeamMatching,
		"Available Teams", teamCatalog(m.deps.Registry),
		"Collected Request Information", summary)

	var choice teamChoice
	if err := m.deps.completeStructured(ctx, withSystem(prompt, nil), m.shape, &choice); err != nil {
		slog.Error("TeamMatching.Run: matching call failed", "conversationID", state.ConversationID, "error", err)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeTeamMatching)).Inc()
		return Patch{Mode: models.ModeChat}.WithReply(matchFailureReply), nil
	}

	if choice.TeamID == NoTeam || choice.TeamID == "" {
		slog.Info("TeamMatching.Run: no team matched", "conversationID", state.ConversationID, "reasoning", choice.Reasoning)
		return Patch{Mode: models.ModeChat}.WithReply(m.noMatch(ctx, state, summary)), nil
	}

	team, err := m.deps.Registry.TeamByID(choice.TeamID)
	if err != nil {
		slog.Error("TeamMatching.Run: model returned unknown team", "conversationID", state.ConversationID, "teamID", choice.TeamID, "error", err)
		return Patch{}, fmt.Errorf("team matching returned %q: %w", choice.TeamID, err)
	}

	slog.Info("TeamMatching.Run: team identified", "conversationID", state.ConversationID, "teamID", team.ID, "confidence", choice.Confidence)
	reply := fmt.Sprintf("Great, I have everything I need. Here's a summary of your request:\n\n%s\n\nI've identified **%s** as the best team to handle this.\n\nWould you like me to submit it? You can also ask me to change anything or cancel.",
		collectedForUser(m.deps.Registry, state.CollectedFields), team.Name)
	return Patch{
		Mode:               models.ModeReview,
		IdentifiedTeam:     SetTo(team.ID),
		IdentifiedTeamName: SetTo(team.Name),
		SubmissionError:    SetNull(),
	}.WithReply(reply), nil
}

func (m *TeamMatching) noMatch(ctx context.Context, state *models.ConversationState, summary string) string {
	prompt := section(m.deps.Prompts.NoMatch, "What We've Collected So Far", summary)
	reply, err := m.deps.complete(ctx, withSystem(prompt, state.RecentMessages(DefaultSupervisorWindow)))
	if err != nil || reply == "" {
		slog.Warn("TeamMatching.noMatch: reply call failed, using canned reply", "conversationID", state.ConversationID, "error", err)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeTeamMatching)).Inc()
		return noMatchReply
	}
	return reply
}
