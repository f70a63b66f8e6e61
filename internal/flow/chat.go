package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
)

const chatFallbackReply = "Sorry, I'm having trouble responding right now. Could you say that again?"

// Chat handles general conversation. It never extracts fields or changes mode.
type Chat struct {
	deps Deps
}

func NewChat(deps Deps) *Chat {
	return &Chat{deps: deps}
}

func (c *Chat) Node() models.Node { return models.NodeChat }

func (c *Chat) Run(ctx context.Context, state *models.ConversationState) (Patch, error) {
	reply, err := c.deps.complete(ctx, withSystem(c.deps.Prompts.Chat(state.Mode), state.Messages))
	if err != nil || reply == "" {
		slog.Error("Chat.Run: model call failed, using fallback reply", "conversationID", state.ConversationID, "mode", state.Mode, "error", err)
		metrics.FallbacksTotal.WithLabelValues(string(models.NodeChat)).Inc()
		reply = chatFallbackReply
	}
	return Patch{}.WithReply(reply), nil
}
