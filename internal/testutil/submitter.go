package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/ticketing"
)

// FakeSubmitter returns a fixed result and records every request.
type FakeSubmitter struct {
	mu       sync.Mutex
	Result   models.SubmissionResult
	Err      error
	requests []ticketing.Request
}

var _ ticketing.Submitter = (*FakeSubmitter)(nil)

// NewFakeSubmitter returns a submitter that succeeds with trackingURL.
func NewFakeSubmitter(trackingURL string) *FakeSubmitter {
	return &FakeSubmitter{Result: models.SubmissionResult{Success: true, TrackingURL: trackingURL, ItemID: "1"}}
}

func (f *FakeSubmitter) Submit(_ context.Context, req ticketing.Request) (models.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.Fields = req.Fields.Clone()
	f.requests = append(f.requests, req)
	return f.Result, f.Err
}

// Requests returns the submissions received so far.
func (f *FakeSubmitter) Requests() []ticketing.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}
