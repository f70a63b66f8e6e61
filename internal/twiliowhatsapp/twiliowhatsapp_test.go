package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestAddress(t *testing.T) {
	tests := map[string]string{
		"15551234567":           "whatsapp:+15551234567",
		"+15551234567":          "whatsapp:+15551234567",
		"whatsapp:+15551234567": "whatsapp:+15551234567",
		" whatsapp:15551234567": "whatsapp:+15551234567",
	}
	for in, want := range tests {
		if got := Address(in); got != want {
			t.Errorf("Address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClientRequiresConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(WithFromWhats("+1555")); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); !errors.Is(err, ErrMissingFrom) {
		t.Fatalf("err = %v, want ErrMissingFrom", err)
	}
}

func TestNewClientFromEnv(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550000000")

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550000000" {
		t.Fatalf("fromWhats = %q", c.fromWhats)
	}
	if c.ValidateWebhook("https://example.com/twilio/webhook", map[string]string{"Body": "hi"}, "bogus") {
		t.Fatal("bogus signature accepted")
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	var _ Sender = m
	if err := m.SendMessage(context.Background(), "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 || sent[0].Body != "Hello Test" {
		t.Fatalf("sent = %+v", sent)
	}
}
