package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/models"
)

// ErrUnscripted is returned when a call arrives with no scripted answer left.
var ErrUnscripted = errors.New("unscripted model call")

// ModelCall records one call made to a ScriptedModel.
type ModelCall struct {
	Structured bool
	Shape      string
	Messages   []models.Message
}

type step struct {
	body string
	err  error
}

// ScriptedModel is a genai.Model that replays canned answers. Structured
// answers are queued per shape name and checked with the shape's Conform
// before decoding, as the real client does.
type ScriptedModel struct {
	mu         sync.Mutex
	structured map[string][]step
	text       []step
	calls      []ModelCall
}

var _ genai.Model = (*ScriptedModel)(nil)

func NewScriptedModel() *ScriptedModel {
	return &ScriptedModel{structured: make(map[string][]step)}
}

// OnStructured queues a JSON answer for the next call with the named shape.
func (m *ScriptedModel) OnStructured(shape, body string) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structured[shape] = append(m.structured[shape], step{body: body})
	return m
}

// FailStructured queues an error for the next call with the named shape.
func (m *ScriptedModel) FailStructured(shape string, err error) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structured[shape] = append(m.structured[shape], step{err: err})
	return m
}

// OnText queues a reply for the next unstructured call.
func (m *ScriptedModel) OnText(reply string) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = append(m.text, step{body: reply})
	return m
}

// FailText queues an error for the next unstructured call.
func (m *ScriptedModel) FailText(err error) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = append(m.text, step{err: err})
	return m
}

// Calls returns a copy of the calls made so far.
func (m *ScriptedModel) Calls() []ModelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Pending reports how many scripted answers have not been consumed.
func (m *ScriptedModel) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.text)
	for _, q := range m.structured {
		n += len(q)
	}
	return n
}

func (m *ScriptedModel) Complete(_ context.Context, messages []models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ModelCall{Messages: slices.Clone(messages)})
	if len(m.text) == 0 {
		return "", fmt.Errorf("%w: text", ErrUnscripted)
	}
	s := m.text[0]
	m.text = m.text[1:]
	return s.body, s.err
}

func (m *ScriptedModel) CompleteStructured(_ context.Context, messages []models.Message, shape genai.Shape, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ModelCall{Structured: true, Shape: shape.Name, Messages: slices.Clone(messages)})
	q := m.structured[shape.Name]
	if len(q) == 0 {
		return fmt.Errorf("%w: %s", ErrUnscripted, shape.Name)
	}
	s := q[0]
	m.structured[shape.Name] = q[1:]
	if s.err != nil {
		return s.err
	}
	if err := shape.Conform([]byte(s.body)); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(s.body), out); err != nil {
		return fmt.Errorf("%w: %v", genai.ErrNonConformantOutput, err)
	}
	return nil
}
