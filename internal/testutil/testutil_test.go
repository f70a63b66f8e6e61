package testutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/store"
	"github.com/BTreeMap/FrontDoor/internal/ticketing"
)

// recordingT captures failures without stopping the outer test.
type recordingT struct {
	testing.TB
	failed bool
}

func (r *recordingT) Helper()                        {}
func (r *recordingT) Errorf(string, ...interface{}) { r.failed = true }

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{TB: t}
			AssertHTTPStatus(rt, tt.expected, tt.actual, "ctx")
			if rt.failed != tt.shouldFail {
				t.Fatalf("failed = %v, want %v", rt.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.Write(MustMarshalJSON(t, models.Success(map[string]string{"a": "b"})))
	got := AssertJSONResponse(t, rr, "ok")
	if got["result"] == nil {
		t.Fatal("result missing from decoded envelope")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/x", map[string]string{"text": "hi"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type = %q", req.Header.Get("Content-Type"))
	}
	var body map[string]string
	buf, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	MustUnmarshalJSON(t, buf, &body)
	if body["text"] != "hi" {
		t.Fatalf("body = %v", body)
	}
}

func TestSeedConversation(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedConversation(t, st, models.NewConversationState("c1"))
	if got, _ := st.GetConversationState("c1"); got == nil {
		t.Fatal("conversation not seeded")
	}
}

var pingShape = genai.Shape{Name: "ping", Fields: []genai.Field{{Name: "ok", Kind: genai.KindBool}}}

func TestScriptedModel(t *testing.T) {
	m := NewScriptedModel().
		OnStructured("ping", `{"ok":true}`).
		OnStructured("ping", `{"ok":"yes"}`).
		FailStructured("ping", errors.New("down")).
		OnText("hello")

	var out struct{ OK bool `json:"ok"` }
	if err := m.CompleteStructured(context.Background(), nil, pingShape, &out); err != nil || !out.OK {
		t.Fatalf("first call = %+v, %v", out, err)
	}
	if err := m.CompleteStructured(context.Background(), nil, pingShape, &out); !errors.Is(err, genai.ErrNonConformantOutput) {
		t.Fatalf("expected non-conformant error, got %v", err)
	}
	if err := m.CompleteStructured(context.Background(), nil, pingShape, &out); err == nil || err.Error() != "down" {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if err := m.CompleteStructured(context.Background(), nil, pingShape, &out); !errors.Is(err, ErrUnscripted) {
		t.Fatalf("expected ErrUnscripted, got %v", err)
	}
	if reply, err := m.Complete(context.Background(), nil); err != nil || reply != "hello" {
		t.Fatalf("text call = %q, %v", reply, err)
	}
	if m.Pending() != 0 || len(m.Calls()) != 5 {
		t.Fatalf("pending = %d, calls = %d", m.Pending(), len(m.Calls()))
	}
}

func TestFakeSubmitter(t *testing.T) {
	f := NewFakeSubmitter("https://t/1")
	res, err := f.Submit(context.Background(), ticketing.Request{ConversationID: "c1", Fields: models.CollectedFields{"title": "x"}})
	if err != nil || !res.Success || res.TrackingURL != "https://t/1" {
		t.Fatalf("Submit = %+v, %v", res, err)
	}
	if reqs := f.Requests(); len(reqs) != 1 || reqs[0].ConversationID != "c1" {
		t.Fatalf("requests = %+v", reqs)
	}
}
