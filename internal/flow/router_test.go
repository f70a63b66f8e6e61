package flow

import (
	"testing"

	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var stateCmpIgnoreTimes = cmpopts.IgnoreFields(models.ConversationState{}, "UpdatedAt", "CreatedAt")

func TestRouterTable(t *testing.T) {
	router := NewRouter(nil, completion.NewChecker(registry.Default(), completion.PolicyValue))

	routed := func(n models.Node) *models.ConversationState {
		s := stateWith(models.ModeChat, nil)
		s.RoutingDecision = n
		return s
	}
	tests := []struct {
		name    string
		from    models.Node
		state   *models.ConversationState
		want    models.Node
		wantHop bool
	}{
		{"reset ends turn", models.NodeSupervisor, routed(models.NodeEnd), models.NodeEnd, false},
		{"supervisor to chat", models.NodeSupervisor, routed(models.NodeChat), models.NodeChat, false},
		{"supervisor to elicitation", models.NodeSupervisor, routed(models.NodeElicitation), models.NodeElicitation, false},
		{"supervisor to review", models.NodeSupervisor, routed(models.NodeReview), models.NodeReview, false},
		{"supervisor unknown decision", models.NodeSupervisor, routed(models.Node("bogus")), models.NodeEnd, false},
		{"chat always ends", models.NodeChat, stateWith(models.ModeElicitation, allRequired()), models.NodeEnd, false},
		{"elicitation incomplete", models.NodeElicitation, stateWith(models.ModeElicitation, allButRisk()), models.NodeEnd, false},
		{"elicitation complete", models.NodeElicitation, stateWith(models.ModeElicitation, allRequired()), models.NodeTeamMatching, true},
		{"team matching ends", models.NodeTeamMatching, stateWith(models.ModeReview, allRequired()), models.NodeEnd, false},
		{"review modify", models.NodeReview, stateWith(models.ModeElicitation, allRequired()), models.NodeElicitation, true},
		{"review other", models.NodeReview, stateWith(models.ModeReview, allRequired()), models.NodeEnd, false},
		{"review cleared", models.NodeReview, stateWith(models.ModeChat, nil), models.NodeEnd, false},
		{"unknown node", models.Node("nowhere"), stateWith(models.ModeChat, nil), models.NodeEnd, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, hop := router.Next(tt.from, tt.state)
			if got != tt.want || hop != tt.wantHop {
				t.Fatalf("Next(%s) = %s, %v; want %s, %v", tt.from, got, hop, tt.want, tt.wantHop)
			}
		})
	}
}

func TestRouterCustomTable(t *testing.T) {
	table := append([]Transition{{From: models.NodeChat, When: ModeIs(models.ModeReview), To: models.NodeReview}}, DefaultTransitions...)
	router := NewRouter(table, completion.NewChecker(registry.Default(), completion.PolicyValue))
	if got, _ := router.Next(models.NodeChat, stateWith(models.ModeReview, nil)); got != models.NodeReview {
		t.Fatalf("custom row not used first: %s", got)
	}
	if got, _ := router.Next(models.NodeChat, stateWith(models.ModeChat, nil)); got != models.NodeEnd {
		t.Fatalf("fallthrough to default rows failed: %s", got)
	}
}

func TestRouterUnknownPolicyCompletion(t *testing.T) {
	router := NewRouter(nil, completion.NewChecker(registry.Default(), completion.PolicyValueOrUnknown))
	s := stateWith(models.ModeElicitation, allButRisk())
	s.FieldsMarkedUnknown = []string{"risk"}
	if got, _ := router.Next(models.NodeElicitation, s); got != models.NodeTeamMatching {
		t.Fatalf("declared-unknown field not accepted under value-or-unknown: %s", got)
	}
}
