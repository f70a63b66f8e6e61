package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/ticketing"
)

// Review actions.
const (
	ActionConfirm = "confirm"
	ActionModify  = "modify"
	ActionAbandon = "abandon"
	ActionClarify = "clarify"
)

const (
	reviewUnclearReply = "I'm not sure what you'd like to do. Could you please confirm if you want to submit, modify, or cancel this request?"
	reviewFailureReply = "I ran into an issue processing your response. Could you please let me know if you want to confirm, modify, or cancel this request?"
)

var errNoTeam = errors.New("no team identified for this request")

type reviewAction struct {
	ActionType     string `json:"action_type"`
	Reasoning      string `json:"reasoning"`
	ResponseToUser string `json:"response_to_user"`
}

var reviewShape = genai.Shape{
	Name:        "review_action",
	Description: "What the user wants to do with the pending request",
	Fields: []genai.Field{
		// Unchecked so an unexpected action gets the clarifying reply rather than the error reply.
		{Name: "action_type", Kind: genai.KindEnum, Enum: []string{ActionConfirm, ActionModify, ActionAbandon, ActionClarify}, Unchecked: true},
		{Name: "reasoning", Kind: genai.KindText, Description: "Brief explanation of the classification"},
		{Name: "response_to_user", Kind: genai.KindText, Description: "The reply to send to the user"},
	},
}

// Review classifies the user's answer to the review summary and acts on it.
type Review struct {
	deps      Deps
	submitter ticketing.Submitter
}

func NewReview(deps Deps, submitter ticketing.Submitter) *Review {
	return &Review{deps: deps, submitter: submitter}
}

func (r *Review) Node() models.Node { return models.NodeReview }

// Run never submits or abandons on an unclear or failed classification.
func (r *Review) Run(ctx context.Context, state *models.ConversationState) (Patch, error) {
	prompt := section(r.deps.Prompts.Review,
		"Current Request Summary", collectedSummary(r.deps.Registry, state.CollectedFields, state.FieldsMarkedUnknown),
		"Identified Team", orDefault(models.Deref(state.IdentifiedTeamName), "Unknown"))

	var action reviewAction
	if err := r.deps.completeStructured(ctx, withSystem(prompt, state.Messages), reviewShape, &action); err != nil {
		slog.Error("Review.Run: classification failed", "conversationID", state.ConversationID, "error", err)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeReview)).Inc()
		return Patch{Mode: models.ModeReview}.WithReply(reviewFailureReply), nil
	}
	slog.Info("Review.Run: action classified", "conversationID", state.ConversationID, "action", action.ActionType, "reasoning", action.Reasoning)

	switch action.ActionType {
	case ActionConfirm:
		return r.submit(ctx, state, action), nil
	case ActionModify:
		return Patch{Mode: models.ModeElicitation}, nil
	case ActionAbandon:
		return ClearRequestContext().WithReply(joinReply(action.ResponseToUser, "Feel free to start a new request anytime!")), nil
	case ActionClarify:
		reply := action.ResponseToUser
		if reply == "" {
			reply = reviewUnclearReply
		}
		return Patch{Mode: models.ModeReview}.WithReply(reply), nil
	default:
		slog.Warn("Review.Run: unknown action", "conversationID", state.ConversationID, "action", action.ActionType)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeReview)).Inc()
		return Patch{Mode: models.ModeReview}.WithReply(reviewUnclearReply), nil
	}
}

func (r *Review) submit(ctx context.Context, state *models.ConversationState, action reviewAction) Patch {
	res, err := r.send(ctx, state)
	if err != nil || !res.Success {
		errText := res.ErrorText
		if err != nil {
			errText = err.Error()
		}
		if errText == "" {
			errText = "unknown error"
		}
		slog.Error("Review.submit: submission failed", "conversationID", state.ConversationID, "team", models.Deref(state.IdentifiedTeam), "error", errText)
		metrics.SubmissionsTotal.WithLabelValues("failure").Inc()
		return Patch{
			Mode:            models.ModeReview,
			SubmissionError: SetTo(errText),
		}.WithReply(fmt.Sprintf("I encountered an error while submitting your request: %s\n\nWould you like to try again?", errText))
	}

	slog.Info("Review.submit: request submitted", "conversationID", state.ConversationID, "team", models.Deref(state.IdentifiedTeam), "url", res.TrackingURL)
	metrics.SubmissionsTotal.WithLabelValues("success").Inc()
	reply := joinReply(action.ResponseToUser, fmt.Sprintf(
		"Your request has been successfully submitted! You can track it here:\n%s\n\nIs there anything else I can help you with?", res.TrackingURL))
	return ClearRequestContext().WithReply(reply)
}

func (r *Review) send(ctx context.Context, state *models.ConversationState) (models.SubmissionResult, error) {
	teamID := models.Deref(state.IdentifiedTeam)
	if teamID == "" {
		return models.SubmissionResult{}, errNoTeam
	}
	team, err := r.deps.Registry.TeamByID(teamID)
	if err != nil {
		return models.SubmissionResult{}, err
	}
	return r.submitter.Submit(ctx, ticketing.Request{
		ConversationID: state.ConversationID,
		Team:           team,
		Fields:         state.CollectedFields.Clone(),
	})
}

func joinReply(lead, tail string) string {
	if lead == "" {
		return tail
	}
	return lead + "\n\n" + tail
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
