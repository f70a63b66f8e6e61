package flow

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
)

// ErrNoReply is returned when a turn reaches the end without any assistant
// message having been appended.
var ErrNoReply = errors.New("turn produced no reply")

// Behavior is one node of the turn state machine. Run reads the state and
// returns a patch; it never mutates the state it is given. A non-nil error is
// fatal for the turn and the returned patch is discarded.
type Behavior interface {
	Node() models.Node
	Run(ctx context.Context, state *models.ConversationState) (Patch, error)
}

// Deps are the collaborators shared by every behavior.
type Deps struct {
	Model    genai.Model
	Registry *registry.Registry
	Checker  *completion.Checker
	Prompts  Prompts
}

func (d Deps) complete(ctx context.Context, messages []models.Message) (string, error) {
	out, err := d.Model.Complete(ctx, messages)
	metrics.ObserveModelCall("text", err)
	return out, err
}

func (d Deps) completeStructured(ctx context.Context, messages []models.Message, shape genai.Shape, out any) error {
	err := d.Model.CompleteStructured(ctx, messages, shape, out)
	metrics.ObserveModelCall("structured", err)
	return err
}

func systemMessage(text string) models.Message {
	return models.Message{Role: models.RoleSystem, Content: text, Timestamp: time.Now()}
}

// withSystem prefixes history with a system instruction. System messages
// already in the history are dropped so only one instruction is in effect.
func withSystem(prompt string, history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history)+1)
	out = append(out, systemMessage(prompt))
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
