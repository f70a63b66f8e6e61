// Package api serves the FrontDoor HTTP API: conversation turns and
// snapshots, the field and team registry, the Twilio webhook, metrics and
// health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/registry"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 64 << 10
)

// Conversations is the turn surface the API drives. *flow.Executor
// implements it.
type Conversations interface {
	Turn(ctx context.Context, conversationID, text string) (models.TurnResult, error)
	Snapshot(ctx context.Context, conversationID string) (*models.ConversationState, models.TurnResult, error)
	Reset(ctx context.Context, conversationID string) error
}

// SubmissionLister returns the submission audit for a conversation.
// store.Store implements it.
type SubmissionLister interface {
	GetSubmissions(conversationID string) ([]models.SubmissionRecord, error)
}

// Opts holds optional server settings.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Webhook         http.HandlerFunc
	Submissions     SubmissionLister
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout sets how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithSubmissions enables GET /conversations/{id}/submissions.
func WithSubmissions(l SubmissionLister) Option {
	return func(o *Opts) { o.Submissions = l }
}

// Server is the HTTP front end.
type Server struct {
	conv    Conversations
	reg     *registry.Registry
	opts    Opts
	handler http.Handler
}

func NewServer(conv Conversations, reg *registry.Registry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{conv: conv, reg: reg, opts: cfg}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations/{id}/messages", s.postMessageHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("DELETE /conversations/{id}", s.deleteConversationHandler)
	if s.opts.Submissions != nil {
		mux.HandleFunc("GET /conversations/{id}/submissions", s.listSubmissionsHandler)
	}
	mux.HandleFunc("GET /fields", s.fieldsHandler)
	mux.HandleFunc("GET /teams", s.teamsHandler)
	mux.HandleFunc("GET /welcome", s.welcomeHandler)
	if s.opts.Webhook != nil {
		mux.HandleFunc("POST /twilio/webhook", s.opts.Webhook)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.healthHandler)
	return mux
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	<-errCh
	return nil
}
