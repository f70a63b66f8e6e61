// Package genai is the language model collaborator for Front Door.
//
// It wraps the OpenAI chat completions API (or an Azure OpenAI deployment)
// behind the Model interface used by the conversation behaviors, and adds
// JSON-schema structured output with local conformance checking.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
)

// Default configuration constants
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.2
	DefaultMaxCompletionTokens = 1024
	DefaultAzureAPIVersion     = "2024-10-21"
	DebugDirName               = "debug"
)

// Provider selects the API backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderAzure  Provider = "azure"
)

var (
	ErrAPIKeyNotSet        = errors.New("model API key not set")
	ErrNoChoicesReturned   = errors.New("no choices returned")
	ErrNonConformantOutput = errors.New("model output does not conform to the expected shape")
	ErrUnknownProvider     = errors.New("unknown model provider")
	ErrAzureEndpointNotSet = errors.New("azure endpoint not set")
)

// Model is the contract the conversation behaviors need from a language model.
type Model interface {
	// Complete returns one unstructured assistant utterance.
	Complete(ctx context.Context, messages []models.Message) (string, error)
	// CompleteStructured decodes a response conforming to shape into out.
	CompleteStructured(ctx context.Context, messages []models.Message, shape Shape, out any) error
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the model client.
type Opts struct {
	APIKey          string
	Provider        Provider
	Model           string
	Temperature     float64
	MaxTokens       int
	BaseURL         string
	AzureEndpoint   string
	AzureAPIVersion string
	DebugMode       bool
	StateDir        string
}

// Option defines a configuration option for the model client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithProvider selects openai or azure.
func WithProvider(p Provider) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithModel sets the model name, or the deployment name on Azure.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion tokens per call.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithBaseURL points the OpenAI provider at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAzure configures the Azure endpoint and API version.
func WithAzure(endpoint, apiVersion string) Option {
	return func(o *Opts) {
		o.AzureEndpoint = endpoint
		o.AzureAPIVersion = apiVersion
	}
}

// WithDebugMode writes every request and response under <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug files.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client implements Model on top of the chat completions API.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int
	debugMode           bool
	stateDir            string
}

// NewClient builds a Client. The API key falls back to $OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Provider:    ProviderOpenAI,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	slog.Debug("genai.NewClient: configuring", "provider", cfg.Provider, "model", cfg.Model, "apiKeySet", cfg.APIKey != "", "debug", cfg.DebugMode)
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	var reqOpts []option.RequestOption
	switch cfg.Provider {
	case ProviderOpenAI, "":
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
		}
	case ProviderAzure:
		if cfg.AzureEndpoint == "" {
			return nil, ErrAzureEndpointNotSet
		}
		version := cfg.AzureAPIVersion
		if version == "" {
			version = DefaultAzureAPIVersion
		}
		reqOpts = append(reqOpts, azure.WithEndpoint(cfg.AzureEndpoint, version), azure.WithAPIKey(cfg.APIKey))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	cli := openai.NewClient(reqOpts...)
	return &Client{
		chat:                completionsAdapter{svc: cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxTokens,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

var _ Model = (*Client)(nil)

// Complete sends the messages and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, messages []models.Message) (string, error) {
	params := c.baseParams(messages)
	content, err := c.create(ctx, "Complete", params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// CompleteStructured requests a strict JSON-schema response, checks it
// against shape, and decodes it into out.
func (c *Client) CompleteStructured(ctx context.Context, messages []models.Message, shape Shape, out any) error {
	params := c.baseParams(messages)
	schema := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   shape.Name,
		Schema: shape.JSONSchema(),
		Strict: openai.Bool(true),
	}
	if shape.Description != "" {
		schema.Description = openai.String(shape.Description)
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schema},
	}

	content, err := c.create(ctx, "CompleteStructured:"+shape.Name, params)
	if err != nil {
		return err
	}
	raw := []byte(stripCodeFence(content))
	if err := shape.Conform(raw); err != nil {
		slog.Warn("Client.CompleteStructured: non-conformant output", "shape", shape.Name, "error", err)
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrNonConformantOutput, err)
	}
	return nil
}

func (c *Client) baseParams(messages []models.Message) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:    toParams(messages),
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	}
	return params
}

func (c *Client) create(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.create: chat completion failed", "method", method, "model", c.model, "error", err)
		c.writeDebug(method, params, nil, err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebug(method, params, &resp, nil)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("Client.create: chat completion succeeded", "method", method, "model", c.model, "duration", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

func toParams(messages []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// stripCodeFence removes a ```json fence some models wrap around JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  *openai.ChatCompletion         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

// writeDebug persists one call for offline inspection. Failures are logged only.
func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp *openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, DebugDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.writeDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	entry := debugEntry{Timestamp: time.Now(), Method: method, Model: c.model, Params: params, Response: resp}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebug: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().Format("20060102T150405.000000000"), sanitizeFileName(method))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("Client.writeDebug: failed to write debug file", "error", err)
	}
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
