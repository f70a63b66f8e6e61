// Package models defines the core data structures for Front Door.
//
// It includes the conversation state threaded through every turn, the
// registry definitions for request fields and teams, and the envelope types
// shared by the HTTP API and the messaging channels.
package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxUtteranceLength bounds a single inbound user utterance, in characters.
// It leaves room for a pasted multi-paragraph description.
const MaxUtteranceLength = 16384

var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyUtterance      = errors.New("message text cannot be empty")
	ErrUtteranceTooLong    = errors.New("message text is too long")
)

// modelValidate is the shared validator instance for request payloads and
// registry definitions.
var modelValidate *validator.Validate

func init() {
	modelValidate = validator.New(validator.WithRequiredStructEnabled())
}

// Validator exposes the package validator so other packages validate with the
// same tag set.
func Validator() *validator.Validate {
	return modelValidate
}

// MessageStatus represents the delivery status of an outbound reply.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt is a delivery event reported by a messaging channel.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response is one inbound utterance delivered by a messaging channel.
// MessageID is the channel's own identifier and is used for redelivery dedupe.
type Response struct {
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}

// TurnRequest is the body of POST /conversations/{id}/messages.
type TurnRequest struct {
	Text string `json:"text" validate:"required"`
}

// Validate checks the request with the package validator and trims the text.
func (r *TurnRequest) Validate() error {
	r.Text = strings.TrimSpace(r.Text)
	if r.Text == "" {
		return ErrEmptyUtterance
	}
	if n := utf8.RuneCountInString(r.Text); n > MaxUtteranceLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrUtteranceTooLong, n, MaxUtteranceLength)
	}
	if err := modelValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid turn request: %w", err)
	}
	return nil
}

// TurnResult is what a completed turn reports back to HTTP callers.
type TurnResult struct {
	ConversationID string   `json:"conversation_id"`
	Reply          string   `json:"reply"`
	Mode           Mode     `json:"mode"`
	Completion     int      `json:"completion_percentage"`
	Missing        []string `json:"missing_fields"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
