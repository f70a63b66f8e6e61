package flow

import (
	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/models"
)

// Condition decides whether a transition applies to the state produced by
// the node the transition leaves.
type Condition func(s *models.ConversationState, c *completion.Checker) bool

// Transition is one row of the routing table.
type Transition struct {
	From models.Node
	When Condition
	To   models.Node
	// Hop marks a conditional follow-on edge. A turn takes at most one.
	Hop bool
}

// Always matches unconditionally.
func Always(*models.ConversationState, *completion.Checker) bool { return true }

// RoutedTo matches when the supervisor's routing decision equals node.
func RoutedTo(node models.Node) Condition {
	return func(s *models.ConversationState, _ *completion.Checker) bool {
		return s.RoutingDecision == node
	}
}

// RequestComplete matches when every required field is satisfied.
func RequestComplete(s *models.ConversationState, c *completion.Checker) bool {
	return c.IsComplete(s.CollectedFields, s.FieldsMarkedUnknown)
}

// ModeIs matches when the state mode equals m.
func ModeIs(m models.Mode) Condition {
	return func(s *models.ConversationState, _ *completion.Checker) bool {
		return s.Mode == m
	}
}

// DefaultTransitions is the turn state machine. Rows are evaluated in order
// and the first matching row wins.
var DefaultTransitions = []Transition{
	{From: models.NodeSupervisor, When: RoutedTo(models.NodeEnd), To: models.NodeEnd},
	{From: models.NodeSupervisor, When: RoutedTo(models.NodeChat), To: models.NodeChat},
	{From: models.NodeSupervisor, When: RoutedTo(models.NodeElicitation), To: models.NodeElicitation},
	{From: models.NodeSupervisor, When: RoutedTo(models.NodeReview), To: models.NodeReview},
	{From: models.NodeChat, When: Always, To: models.NodeEnd},
	{From: models.NodeElicitation, When: RequestComplete, To: models.NodeTeamMatching, Hop: true},
	{From: models.NodeElicitation, When: Always, To: models.NodeEnd},
	{From: models.NodeTeamMatching, When: Always, To: models.NodeEnd},
	{From: models.NodeReview, When: ModeIs(models.ModeElicitation), To: models.NodeElicitation, Hop: true},
	{From: models.NodeReview, When: Always, To: models.NodeEnd},
}

// Router looks up the next node from a transition table.
type Router struct {
	table   []Transition
	checker *completion.Checker
}

// NewRouter returns a router over table. A nil table uses DefaultTransitions.
func NewRouter(table []Transition, checker *completion.Checker) *Router {
	if table == nil {
		table = DefaultTransitions
	}
	return &Router{table: table, checker: checker}
}

// Next returns the node that follows from, and whether the edge taken is a
// follow-on hop. Nodes without a matching row end the turn.
func (r *Router) Next(from models.Node, s *models.ConversationState) (models.Node, bool) {
	for _, t := range r.table {
		if t.From != from {
			continue
		}
		if t.When(s, r.checker) {
			return t.To, t.Hop
		}
	}
	return models.NodeEnd, false
}
