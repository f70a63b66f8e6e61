package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/ticketing"
)

// DefaultHopBudget is how many conditional follow-on hops one turn may take.
const DefaultHopBudget = 1

// maxSteps stops a misconfigured table from looping forever.
const maxSteps = 16

// ExecutorOpts configures an Executor.
type ExecutorOpts struct {
	SupervisorWindow int
	HopBudget        int
	Transitions      []Transition
	Behaviors        []Behavior
}

// ExecutorOption applies a configuration to ExecutorOpts.
type ExecutorOption func(*ExecutorOpts)

// WithSupervisorWindow sets how many trailing messages the supervisor sees.
func WithSupervisorWindow(n int) ExecutorOption {
	return func(o *ExecutorOpts) { o.SupervisorWindow = n }
}

// WithHopBudget sets the per-turn follow-on hop limit.
func WithHopBudget(n int) ExecutorOption {
	return func(o *ExecutorOpts) { o.HopBudget = n }
}

// WithTransitions replaces the routing table.
func WithTransitions(table []Transition) ExecutorOption {
	return func(o *ExecutorOpts) { o.Transitions = table }
}

// WithBehavior registers b in place of the built-in behavior for its node.
func WithBehavior(b Behavior) ExecutorOption {
	return func(o *ExecutorOpts) { o.Behaviors = append(o.Behaviors, b) }
}

// Executor runs one turn per inbound utterance: supervisor first, then
// whatever the routing table selects, persisting the state at the end.
type Executor struct {
	states    StateManager
	router    *Router
	checker   *completion.Checker
	behaviors map[models.Node]Behavior
	hopBudget int
	locks     *keyedMutex
}

// NewExecutor wires the built-in behaviors over deps.
func NewExecutor(states StateManager, deps Deps, submitter ticketing.Submitter, opts ...ExecutorOption) *Executor {
	cfg := ExecutorOpts{SupervisorWindow: DefaultSupervisorWindow, HopBudget: DefaultHopBudget}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HopBudget < 0 {
		cfg.HopBudget = 0
	}

	behaviors := map[models.Node]Behavior{}
	for _, b := range []Behavior{
		NewSupervisor(deps, cfg.SupervisorWindow),
		NewChat(deps),
		NewElicitation(deps),
		NewTeamMatching(deps),
		NewReview(deps, submitter),
	} {
		behaviors[b.Node()] = b
	}
	for _, b := range cfg.Behaviors {
		behaviors[b.Node()] = b
	}

	slog.Debug("Executor.New: executor created", "supervisorWindow", cfg.SupervisorWindow, "hopBudget", cfg.HopBudget, "behaviors", len(behaviors))
	return &Executor{
		states:    states,
		router:    NewRouter(cfg.Transitions, deps.Checker),
		checker:   deps.Checker,
		behaviors: behaviors,
		hopBudget: cfg.HopBudget,
		locks:     newKeyedMutex(),
	}
}

// Turn processes one user utterance. Turns for the same conversation run one
// at a time; different conversations proceed independently. On a fatal
// behavior error the state as of the last completed behavior is saved and
// the error is returned.
func (e *Executor) Turn(ctx context.Context, conversationID, text string) (models.TurnResult, error) {
	if conversationID == "" {
		return models.TurnResult{}, models.ErrEmptyConversationID
	}
	req := models.TurnRequest{Text: text}
	if err := req.Validate(); err != nil {
		return models.TurnResult{}, err
	}

	unlock := e.locks.lock(conversationID)
	defer unlock()

	start := time.Now()
	state, err := e.states.Load(ctx, conversationID)
	if err != nil {
		metrics.ObserveTurn(metrics.OutcomeError, time.Since(start))
		return models.TurnResult{}, err
	}
	startMode := state.Mode
	// The routing decision only steers the current turn.
	state.RoutingDecision = ""

	Apply(state, Patch{Messages: []models.Message{{Role: models.RoleUser, Content: req.Text, Timestamp: time.Now()}}})

	reply, runErr := e.run(ctx, state)
	if runErr == nil && reply == "" {
		runErr = ErrNoReply
	}

	state.RoutingDecision = ""
	if err := e.states.Save(ctx, state); err != nil {
		metrics.ObserveTurn(metrics.OutcomeError, time.Since(start))
		return models.TurnResult{}, err
	}
	metrics.ObserveModeChange(string(startMode), string(state.Mode))

	if runErr != nil {
		slog.Error("Executor.Turn: turn failed", "conversationID", conversationID, "mode", state.Mode, "error", runErr)
		metrics.ObserveTurn(metrics.OutcomeError, time.Since(start))
		return models.TurnResult{}, runErr
	}

	outcome := metrics.OutcomeOK
	if IsResetPhrase(req.Text) {
		outcome = metrics.OutcomeReset
	}
	metrics.ObserveTurn(outcome, time.Since(start))

	slog.Info("Executor.Turn: turn completed", "conversationID", conversationID, "fromMode", startMode, "mode", state.Mode, "duration", time.Since(start))
	return e.result(state, reply), nil
}

// run walks the routing table from the supervisor, applying each patch. It
// returns the last assistant reply appended along the way.
func (e *Executor) run(ctx context.Context, state *models.ConversationState) (string, error) {
	var reply string
	node := models.NodeSupervisor
	hops := 0
	for step := 0; step < maxSteps && node != models.NodeEnd; step++ {
		b, ok := e.behaviors[node]
		if !ok {
			slog.Warn("Executor.run: no behavior registered, ending turn", "conversationID", state.ConversationID, "node", node)
			break
		}
		metrics.BehaviorRunsTotal.WithLabelValues(string(node)).Inc()
		patch, err := b.Run(ctx, state.Clone())
		if err != nil {
			return reply, fmt.Errorf("%s: %w", node, err)
		}
		Apply(state, patch)
		if r, ok := patch.lastAssistantReply(); ok {
			reply = r
		}

		next, hop := e.router.Next(node, state)
		if hop {
			if hops >= e.hopBudget {
				slog.Debug("Executor.run: hop budget spent, ending turn", "conversationID", state.ConversationID, "node", node, "next", next)
				break
			}
			hops++
		}
		slog.Debug("Executor.run: transition", "conversationID", state.ConversationID, "from", node, "to", next, "mode", state.Mode)
		node = next
	}
	return reply, nil
}

func (e *Executor) result(state *models.ConversationState, reply string) models.TurnResult {
	return models.TurnResult{
		ConversationID: state.ConversationID,
		Reply:          reply,
		Mode:           state.Mode,
		Completion:     e.checker.CompletionPercentage(state.CollectedFields),
		Missing:        e.checker.MissingRequiredFields(state.CollectedFields, state.FieldsMarkedUnknown),
	}
}

// Snapshot returns the stored state for a conversation with its completion
// status. It does not create state.
func (e *Executor) Snapshot(ctx context.Context, conversationID string) (*models.ConversationState, models.TurnResult, error) {
	state, err := e.states.Load(ctx, conversationID)
	if err != nil {
		return nil, models.TurnResult{}, err
	}
	return state, e.result(state, ""), nil
}

// Reset deletes the stored state for a conversation.
func (e *Executor) Reset(ctx context.Context, conversationID string) error {
	unlock := e.locks.lock(conversationID)
	defer unlock()
	return e.states.Reset(ctx, conversationID)
}
