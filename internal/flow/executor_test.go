package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
	"github.com/BTreeMap/FrontDoor/internal/store"
	"github.com/BTreeMap/FrontDoor/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

type executorFixture struct {
	model *testutil.ScriptedModel
	sub   *testutil.FakeSubmitter
	store *store.InMemoryStore
	exec  *Executor
}

func newExecutorFixture(t *testing.T, opts ...ExecutorOption) *executorFixture {
	t.Helper()
	f := &executorFixture{
		model: testutil.NewScriptedModel(),
		sub:   testutil.NewFakeSubmitter("https://tickets.example/Lists/DemandRequests/Item/7"),
		store: store.NewInMemoryStore(),
	}
	f.exec = NewExecutor(NewStoreBasedStateManager(f.store), newTestDeps(f.model), f.sub, opts...)
	return f
}

func (f *executorFixture) seed(t *testing.T, s *models.ConversationState) {
	t.Helper()
	testutil.SeedConversation(t, f.store, s)
}

func (f *executorFixture) stored(t *testing.T) *models.ConversationState {
	t.Helper()
	s, err := f.store.GetConversationState("conv-test")
	if err != nil || s == nil {
		t.Fatalf("stored state: %v, %v", s, err)
	}
	return s
}

func (f *executorFixture) turn(t *testing.T, text string) models.TurnResult {
	t.Helper()
	res, err := f.exec.Turn(context.Background(), "conv-test", text)
	if err != nil {
		t.Fatalf("Turn(%q): %v", text, err)
	}
	if !res.Mode.IsValid() {
		t.Fatalf("invalid mode after turn: %q", res.Mode)
	}
	return res
}

func TestScenarioRequestIntentStartsElicitation(t *testing.T) {
	f := newExecutorFixture(t)
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeElicitation)).
		OnStructured(shapeExtraction, extractionJSON(t,
			map[string]string{"title": "Automate reporting", "criticality": "important to have"},
			"Thanks! Could you describe the work in 2-3 sentences?", false))

	res := f.turn(t, "I need to submit a request to automate our monthly reports. It's important.")

	if res.Mode != models.ModeElicitation {
		t.Fatalf("mode = %s", res.Mode)
	}
	if res.Reply != "Thanks! Could you describe the work in 2-3 sentences?" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.Completion != 22 || len(res.Missing) != 5 {
		t.Fatalf("completion=%d missing=%v", res.Completion, res.Missing)
	}
	s := f.stored(t)
	if len(s.Messages) != 2 || s.CollectedFields["criticality"] != "important to have" {
		t.Fatalf("stored state: %+v", s)
	}
	if f.model.Pending() != 0 {
		t.Fatalf("%d scripted answers unused", f.model.Pending())
	}
}

func TestScenarioCompletionHandsOffToTeamMatching(t *testing.T) {
	f := newExecutorFixture(t)
	f.seed(t, stateWith(models.ModeElicitation, allButRisk(), "earlier", "What level of risk does this address?"))
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeElicitation)).
		OnStructured(shapeExtraction, extractionJSON(t, map[string]string{"risk": "Risk to Multiple Teams"}, "Got it.", false)).
		OnStructured(shapeTeam, teamJSON(t, "io_change"))

	res := f.turn(t, "It's a risk to multiple teams")

	team, _ := registry.Default().TeamByID("io_change")
	if res.Mode != models.ModeReview || !strings.Contains(res.Reply, team.Name) {
		t.Fatalf("mode=%s reply=%q", res.Mode, res.Reply)
	}
	if res.Completion != 78 || len(res.Missing) != 0 {
		t.Fatalf("completion=%d missing=%v", res.Completion, res.Missing)
	}
	if s := f.stored(t); models.Deref(s.IdentifiedTeam) != "io_change" {
		t.Fatalf("team not stored: %+v", s)
	}
}

func TestScenarioReviewConfirm(t *testing.T) {
	f := newExecutorFixture(t)
	s := stateWith(models.ModeReview, allRequired(), "details", "Here's the summary")
	s.IdentifiedTeam = models.StringPtr("ops_change")
	s.IdentifiedTeamName = models.StringPtr("Ops Change")
	f.seed(t, s)
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeReview)).
		OnStructured(shapeReview, reviewJSON(t, ActionConfirm, ""))

	res := f.turn(t, "yes, submit it")

	if !strings.Contains(res.Reply, f.sub.Result.TrackingURL) || res.Mode != models.ModeChat {
		t.Fatalf("mode=%s reply=%q", res.Mode, res.Reply)
	}
	got := f.stored(t)
	if len(got.CollectedFields) != 0 || got.IdentifiedTeam != nil || got.IdentifiedTeamName != nil || got.SubmissionURL != nil || got.SubmissionError != nil {
		t.Fatalf("request context survived submit: %+v", got)
	}
	if len(f.sub.Requests()) != 1 {
		t.Fatalf("submissions = %d", len(f.sub.Requests()))
	}
}

func TestScenarioReviewModifyLoop(t *testing.T) {
	f := newExecutorFixture(t)
	s := stateWith(models.ModeReview, allRequired(), "details", "Here's the summary")
	s.IdentifiedTeam = models.StringPtr("ops_change")
	f.seed(t, s)
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeReview)).
		OnStructured(shapeReview, reviewJSON(t, ActionModify, "")).
		OnStructured(shapeExtraction, extractionJSON(t, nil, "Sure, what should the criticality be?", false))

	res := f.turn(t, "change the urgency")

	if res.Mode != models.ModeElicitation || res.Reply != "Sure, what should the criticality be?" {
		t.Fatalf("mode=%s reply=%q", res.Mode, res.Reply)
	}
	if f.model.Pending() != 0 {
		t.Fatal("elicitation hop did not run in the modify turn")
	}

	// Next turn the supervisor is offered elicitation first for ELICITATION mode.
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeElicitation)).
		OnStructured(shapeExtraction, extractionJSON(t, map[string]string{"criticality": "mission-critical to have"}, "Updated.", false)).
		OnStructured(shapeTeam, teamJSON(t, "ops_change"))

	res = f.turn(t, "make it mission critical")

	if res.Mode != models.ModeReview {
		t.Fatalf("mode = %s", res.Mode)
	}
	if got := f.stored(t).CollectedFields["criticality"]; got != "mission-critical to have" {
		t.Fatalf("criticality = %q", got)
	}
	calls := f.model.Calls()
	routeCall := calls[len(calls)-3]
	if routeCall.Shape != shapeRoute || !strings.Contains(routeCall.Messages[0].Content, "elicitationAgent, chatAgent") {
		t.Fatalf("supervisor not offered elicitation in ELICITATION mode: %+v", routeCall)
	}
}

func TestScenarioResetCommand(t *testing.T) {
	f := newExecutorFixture(t)
	s := stateWith(models.ModeElicitation, allButRisk(), "I need a request", "Sure, title?", "Reporting")
	s.FieldsMarkedUnknown = []string{"dependencies"}
	f.seed(t, s)

	res := f.turn(t, "  CLEAR   Context ")

	if res.Reply != ResetAcknowledgment || res.Mode != models.ModeChat {
		t.Fatalf("mode=%s reply=%q", res.Mode, res.Reply)
	}
	if len(f.model.Calls()) != 0 {
		t.Fatalf("reset made %d model calls", len(f.model.Calls()))
	}
	got := f.stored(t)
	if len(got.Messages) != 1 || !got.Messages[0].Generated || len(got.CollectedFields) != 0 || len(got.FieldsMarkedUnknown) != 0 {
		t.Fatalf("state not fully reset: %+v", got)
	}
}

func TestScenarioElicitationModelFailure(t *testing.T) {
	f := newExecutorFixture(t)
	before := models.CollectedFields{"title": "T", "benefits": "B"}
	f.seed(t, stateWith(models.ModeElicitation, before, "I want a request", "What's the title?"))
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeElicitation)).
		FailStructured(shapeExtraction, errors.New("upstream 500")).
		OnText("Sorry, could you repeat that?")

	res := f.turn(t, "it saves time")

	if res.Reply != "Sorry, could you repeat that?" || res.Mode != models.ModeElicitation {
		t.Fatalf("mode=%s reply=%q", res.Mode, res.Reply)
	}
	if diff := cmp.Diff(before, f.stored(t).CollectedFields); diff != "" {
		t.Fatalf("collected fields changed (-before +after):\n%s", diff)
	}
}

func TestTurnFatalErrorPersistsPartialState(t *testing.T) {
	f := newExecutorFixture(t)
	f.seed(t, stateWith(models.ModeElicitation, allButRisk(), "earlier", "risk?"))
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeElicitation)).
		OnStructured(shapeExtraction, extractionJSON(t, map[string]string{"risk": "not sure"}, "Thanks.", false)).
		OnStructured(shapeTeam, teamJSON(t, "marketing"))

	_, err := f.exec.Turn(context.Background(), "conv-test", "not sure about risk")
	if !errors.Is(err, registry.ErrUnknownTeam) {
		t.Fatalf("err = %v, want ErrUnknownTeam", err)
	}
	got := f.stored(t)
	if got.CollectedFields["risk"] != "not sure" || got.Mode != models.ModeElicitation {
		t.Fatalf("elicitation patch not persisted: %+v", got)
	}
	if last := got.Messages[len(got.Messages)-1]; last.Content != "Thanks." {
		t.Fatalf("last message = %q", last.Content)
	}
}

func TestTurnRejectsBadInput(t *testing.T) {
	f := newExecutorFixture(t)
	if _, err := f.exec.Turn(context.Background(), "", "hi"); !errors.Is(err, models.ErrEmptyConversationID) {
		t.Fatalf("empty id: %v", err)
	}
	if _, err := f.exec.Turn(context.Background(), "conv-test", "   "); err == nil {
		t.Fatal("blank utterance accepted")
	}
	if ids, _ := f.store.ListConversationIDs(); len(ids) != 0 {
		t.Fatalf("rejected turns created state: %v", ids)
	}
}

func TestTurnHopBudget(t *testing.T) {
	f := newExecutorFixture(t, WithHopBudget(0))
	f.seed(t, stateWith(models.ModeElicitation, allButRisk(), "earlier", "risk?"))
	f.model.
		OnStructured(shapeRoute, routeJSON(t, models.NodeElicitation)).
		OnStructured(shapeExtraction, extractionJSON(t, map[string]string{"risk": "not sure"}, "Thanks.", false))

	res := f.turn(t, "not sure")

	if res.Mode != models.ModeElicitation || res.Reply != "Thanks." {
		t.Fatalf("mode=%s reply=%q", res.Mode, res.Reply)
	}
}

type silentBehavior struct{ node models.Node }

func (s silentBehavior) Node() models.Node { return s.node }
func (s silentBehavior) Run(context.Context, *models.ConversationState) (Patch, error) {
	return Patch{}, nil
}

func TestTurnWithoutReply(t *testing.T) {
	f := newExecutorFixture(t, WithBehavior(silentBehavior{node: models.NodeChat}))
	f.model.OnStructured(shapeRoute, routeJSON(t, models.NodeChat))

	if _, err := f.exec.Turn(context.Background(), "conv-test", "hello"); !errors.Is(err, ErrNoReply) {
		t.Fatalf("err = %v, want ErrNoReply", err)
	}
	if got := f.stored(t); len(got.Messages) != 1 {
		t.Fatalf("user message not persisted: %+v", got.Messages)
	}
}

func TestSnapshotAndReset(t *testing.T) {
	f := newExecutorFixture(t)
	f.seed(t, stateWith(models.ModeElicitation, allButRisk(), "hi"))

	s, res, err := f.exec.Snapshot(context.Background(), "conv-test")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if s.Mode != models.ModeElicitation || res.Completion != 67 || !cmp.Equal(res.Missing, []string{"risk"}) {
		t.Fatalf("snapshot = %+v %+v", s, res)
	}

	if err := f.exec.Reset(context.Background(), "conv-test"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got, _ := f.store.GetConversationState("conv-test"); got != nil {
		t.Fatalf("state survived reset: %+v", got)
	}
}

// countingBehavior records the highest number of concurrent runs per node.
type countingBehavior struct {
	mu      sync.Mutex
	active  map[string]int
	maxSeen int
}

func (c *countingBehavior) Node() models.Node { return models.NodeChat }

func (c *countingBehavior) Run(_ context.Context, s *models.ConversationState) (Patch, error) {
	c.mu.Lock()
	c.active[s.ConversationID]++
	if n := c.active[s.ConversationID]; n > c.maxSeen {
		c.maxSeen = n
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active[s.ConversationID]--
		c.mu.Unlock()
	}()
	return Patch{}.WithReply(fmt.Sprintf("reply %d", len(s.Messages))), nil
}

func TestTurnsSerializePerConversation(t *testing.T) {
	defer goleak.VerifyNone(t)

	cb := &countingBehavior{active: map[string]int{}}
	f := newExecutorFixture(t, WithBehavior(cb))
	const conversations, turns = 3, 10
	for i := 0; i < conversations*turns; i++ {
		f.model.OnStructured(shapeRoute, routeJSON(t, models.NodeChat))
	}

	var wg sync.WaitGroup
	errs := make(chan error, conversations*turns)
	for c := 0; c < conversations; c++ {
		for i := 0; i < turns; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := f.exec.Turn(context.Background(), id, "hi"); err != nil {
					errs <- err
				}
			}(fmt.Sprintf("conv-%d", c))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Turn: %v", err)
	}

	if cb.maxSeen != 1 {
		t.Fatalf("max concurrent turns for one conversation = %d", cb.maxSeen)
	}
	for c := 0; c < conversations; c++ {
		s, _ := f.store.GetConversationState(fmt.Sprintf("conv-%d", c))
		if len(s.Messages) != 2*turns {
			t.Fatalf("conv-%d has %d messages, want %d (lost update)", c, len(s.Messages), 2*turns)
		}
	}
	if n := f.exec.locks.size(); n != 0 {
		t.Fatalf("lock table not drained: %d", n)
	}
}

func TestTurnDoesNotPersistRoutingDecision(t *testing.T) {
	f := newExecutorFixture(t, WithBehavior(&countingBehavior{active: map[string]int{}}))
	s := stateWith(models.ModeChat, nil, "earlier", "hello")
	s.RoutingDecision = models.NodeReview
	f.seed(t, s)
	f.model.OnStructured(shapeRoute, routeJSON(t, models.NodeChat))

	f.turn(t, "just a question")

	if got := f.stored(t).RoutingDecision; got != "" {
		t.Fatalf("stored routing decision = %q, want empty", got)
	}
}

// interleavingStore lets a competing writer save between a turn's load and
// its save, the way a second process sharing the database would.
type interleavingStore struct {
	*store.InMemoryStore
	once sync.Once
	t    *testing.T
}

func (s *interleavingStore) GetConversationState(id string) (*models.ConversationState, error) {
	state, err := s.InMemoryStore.GetConversationState(id)
	if err != nil || state == nil {
		return state, err
	}
	s.once.Do(func() {
		other, _ := s.InMemoryStore.GetConversationState(id)
		other.CollectedFields["title"] = "written elsewhere"
		if err := s.InMemoryStore.SaveConversationState(other); err != nil {
			s.t.Fatalf("competing save: %v", err)
		}
	})
	return state, nil
}

func TestTurnReportsConcurrentWriter(t *testing.T) {
	mem := store.NewInMemoryStore()
	testutil.SeedConversation(t, mem, stateWith(models.ModeChat, models.CollectedFields{"title": "mine"}, "earlier", "hello"))
	racing := &interleavingStore{InMemoryStore: mem, t: t}
	model := testutil.NewScriptedModel().OnStructured(shapeRoute, routeJSON(t, models.NodeChat))
	exec := NewExecutor(NewStoreBasedStateManager(racing), newTestDeps(model), testutil.NewFakeSubmitter(""),
		WithBehavior(&countingBehavior{active: map[string]int{}}))

	_, err := exec.Turn(context.Background(), "conv-test", "another message")
	if !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("Turn error = %v, want ErrStateConflict", err)
	}

	got, _ := mem.GetConversationState("conv-test")
	if got.CollectedFields["title"] != "written elsewhere" {
		t.Fatalf("competing write overwritten: title = %q", got.CollectedFields["title"])
	}
	if len(got.Messages) != 2 {
		t.Fatalf("losing turn saved messages: %d", len(got.Messages))
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}
