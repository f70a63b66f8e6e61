package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/metrics"
	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/twiliowhatsapp"
)

// WebhookValidator verifies Twilio request signatures. *twiliowhatsapp.Client
// implements it.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service over the Twilio REST API. Inbound
// messages arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	validator WebhookValidator
	publicURL string
	receipts  chan models.Receipt
	responses chan models.Response

	mu      sync.RWMutex
	stopped bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhook posts whose signature does not match
// publicURL, the externally visible URL Twilio posts to.
func WithWebhookValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient accepts whatsapp:+1555..., +1555... or bare
// digits and returns the digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("TwilioService.Stop: stopped")
	return nil
}

func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// WebhookHandler accepts Twilio's inbound message form post and forwards it
// to Responses. Twilio retries on non-2xx, and redeliveries carry the same
// MessageSid.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "fromSet", from != "", "bodySet", body != "")
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	resp := models.Response{
		MessageID: r.PostForm.Get("MessageSid"),
		From:      from,
		Body:      body,
		Time:      time.Now().Unix(),
	}
	if !s.emitResponse(resp) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	// Empty TwiML; the reply goes out through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}

// emitResponse reports whether the message was queued. The read lock is held
// across the send so Stop cannot close the channel underneath it.
func (s *TwilioService) emitResponse(r models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService.emitResponse: service stopped, dropping message", "from", r.From)
		return false
	}
	select {
	case s.responses <- r:
		slog.Debug("TwilioService.emitResponse: inbound message forwarded", "from", r.From, "messageID", r.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.emitResponse: responses channel blocked, dropping message", "from", r.From)
		return false
	}
}

// emitReceipt never waits; a full channel drops the receipt.
func (s *TwilioService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	default:
		metrics.ObserveReceipt(metrics.ReceiptDropped)
		slog.Debug("TwilioService.emitReceipt: receipts channel full, dropping receipt", "to", r.To, "status", r.Status)
	}
}
