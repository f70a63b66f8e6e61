// Package ticketing submits completed requests to the owning team's backend.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/google/uuid"
)

// DefaultTimeout bounds one HTTP submission.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps, in bytes, how much of a failed response body is surfaced.
const maxErrorBody = 512

// truncateUTF8 shortens valid UTF-8 text to at most n bytes without splitting
// a character.
func truncateUTF8(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

var ErrNoEndpoint = errors.New("team has no submission endpoint")

// Request is one submission attempt.
type Request struct {
	ConversationID string
	Team           models.TeamDefinition
	Fields         models.CollectedFields
}

// Submitter files a request with the team's ticketing backend. A backend
// that answers with a rejection is reported as Success=false with a nil
// error; the error return is for transport failures.
type Submitter interface {
	Submit(ctx context.Context, req Request) (models.SubmissionResult, error)
}

type submitPayload struct {
	TeamID    string                 `json:"team_id"`
	TeamName  string                 `json:"team_name"`
	ListTitle string                 `json:"list_title,omitempty"`
	Fields    models.CollectedFields `json:"fields"`
}

type submitReply struct {
	ItemID  string `json:"item_id"`
	ItemURL string `json:"item_url"`
}

// Opts configures an HTTPSubmitter.
type Opts struct {
	HTTPClient *http.Client
	Token      string
}

// Option applies a configuration to Opts.
type Option func(*Opts)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithBearerToken sends Authorization: Bearer <token> on every submission.
func WithBearerToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// HTTPSubmitter POSTs the request as JSON to the team endpoint.
type HTTPSubmitter struct {
	client *http.Client
	token  string
}

// NewHTTPSubmitter creates an HTTP submitter.
func NewHTTPSubmitter(opts ...Option) *HTTPSubmitter {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSubmitter{client: cfg.HTTPClient, token: cfg.Token}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, req Request) (models.SubmissionResult, error) {
	if req.Team.Endpoint == "" {
		return models.SubmissionResult{}, fmt.Errorf("%w: %s", ErrNoEndpoint, req.Team.ID)
	}
	body, err := json.Marshal(submitPayload{
		TeamID:    req.Team.ID,
		TeamName:  req.Team.Name,
		ListTitle: req.Team.ListTitle,
		Fields:    req.Fields,
	})
	if err != nil {
		return models.SubmissionResult{}, fmt.Errorf("failed to encode submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Team.Endpoint, bytes.NewReader(body))
	if err != nil {
		return models.SubmissionResult{}, fmt.Errorf("failed to build submission request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	slog.Debug("HTTPSubmitter.Submit: posting request", "teamID", req.Team.ID, "endpoint", req.Team.Endpoint, "conversationID", req.ConversationID)
	resp, err := s.client.Do(httpReq)
	if err != nil {
		slog.Error("HTTPSubmitter.Submit: request failed", "teamID", req.Team.ID, "error", err)
		return models.SubmissionResult{}, fmt.Errorf("submission to %s failed: %w", req.Team.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.SubmissionResult{}, fmt.Errorf("failed to read submission response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := truncateUTF8(strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD")), maxErrorBody)
		if text == "" {
			text = resp.Status
		}
		slog.Warn("HTTPSubmitter.Submit: backend rejected submission", "teamID", req.Team.ID, "status", resp.StatusCode)
		return models.SubmissionResult{Success: false, ErrorText: fmt.Sprintf("%d: %s", resp.StatusCode, text)}, nil
	}

	var reply submitReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return models.SubmissionResult{Success: false, ErrorText: "invalid response from ticketing backend"}, nil
	}
	if reply.ItemURL == "" {
		return models.SubmissionResult{Success: false, ErrorText: "ticketing backend returned no item URL"}, nil
	}
	slog.Info("HTTPSubmitter.Submit: request submitted", "teamID", req.Team.ID, "itemID", reply.ItemID)
	return models.SubmissionResult{Success: true, TrackingURL: reply.ItemURL, ItemID: reply.ItemID}, nil
}

// MockSubmitter accepts every request and synthesizes an item URL under the
// team endpoint. It is used for demos and local runs.
type MockSubmitter struct{}

func NewMockSubmitter() *MockSubmitter {
	return &MockSubmitter{}
}

func (MockSubmitter) Submit(_ context.Context, req Request) (models.SubmissionResult, error) {
	if req.Team.Endpoint == "" {
		return models.SubmissionResult{}, fmt.Errorf("%w: %s", ErrNoEndpoint, req.Team.ID)
	}
	id := uuid.NewString()
	url := fmt.Sprintf("%s/Lists/DemandRequests/Item/%s", strings.TrimRight(req.Team.Endpoint, "/"), id)
	slog.Info("MockSubmitter.Submit: request accepted", "teamID", req.Team.ID, "itemID", id)
	return models.SubmissionResult{Success: true, TrackingURL: url, ItemID: id}, nil
}

// SubmissionRecorder persists submission audit rows.
type SubmissionRecorder interface {
	AddSubmission(rec models.SubmissionRecord) error
}

// RecordingSubmitter wraps a Submitter and records every attempt.
type RecordingSubmitter struct {
	next     Submitter
	recorder SubmissionRecorder
}

func NewRecordingSubmitter(next Submitter, recorder SubmissionRecorder) *RecordingSubmitter {
	return &RecordingSubmitter{next: next, recorder: recorder}
}

// Submit forwards to the wrapped submitter. A failure to record is logged
// and does not change the outcome.
func (s *RecordingSubmitter) Submit(ctx context.Context, req Request) (models.SubmissionResult, error) {
	res, err := s.next.Submit(ctx, req)
	rec := models.SubmissionRecord{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		TeamID:         req.Team.ID,
		Success:        err == nil && res.Success,
		TrackingURL:    res.TrackingURL,
		ErrorText:      res.ErrorText,
		Fields:         req.Fields.Clone(),
		CreatedAt:      time.Now().Unix(),
	}
	if err != nil {
		rec.ErrorText = err.Error()
	}
	if rerr := s.recorder.AddSubmission(rec); rerr != nil {
		slog.Error("RecordingSubmitter.Submit: failed to record submission", "conversationID", req.ConversationID, "teamID", req.Team.ID, "error", rerr)
	}
	return res, err
}
