/**
 * Ollama Client - LLM structuring of OCR text
 *
 * Sends a two-message chat (system + user) to a local Ollama runtime in JSON
 * mode and parses the reply into an arbitrary JSON value. Replies wrapped in
 * stray whitespace or backticks get one more parse attempt after stripFences.
 *
 * The client holds no per-request state and is safe for concurrent use.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/logging"
)

const (
	DefaultOllamaBaseURL = "http://127.0.0.1:11434"
	DefaultOllamaModel   = "llama3.1"
	DefaultLLMTimeout    = 120 * time.Second

	structuringSystemPrompt = "You are a careful data-extraction assistant. " +
		"Return ONLY strict JSON, no markdown, no commentary."

	structuringUserPrompt = "Extract data from the text and output JSON matching this schema.\n" +
		"SCHEMA: %s\n\nTEXT:\n%s\n\n" +
		"If a field is missing, use null or empty list. Output JSON only."

	// maxErrorBody caps how much of a failed response is echoed into errors
	maxErrorBody = 512
)

// ChatMessage is a single chat turn
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions holds model sampling options
type ChatOptions struct {
	Temperature float64 `json:"temperature"`
}

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  ChatOptions   `json:"options"`
}

// ChatResponse is the non-streaming reply of /api/chat
type ChatResponse struct {
	Model   string       `json:"model"`
	Message *ChatMessage `json:"message"`
	Done    bool         `json:"done"`
}

// OllamaConfig holds Ollama client configuration
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OllamaClient handles communication with the Ollama runtime
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *logging.Logger
}

// NewOllamaClient creates a new Ollama client
func NewOllamaClient(cfg *OllamaConfig) *OllamaClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}

	return &OllamaClient{
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("OllamaClient"),
	}
}

// Model returns the default model name
func (c *OllamaClient) Model() string {
	return c.model
}

// BuildStructuringPrompt returns the system and user messages for a structuring call
func BuildStructuringPrompt(text, schema string) []ChatMessage {
	return []ChatMessage{
		{Role: "system", Content: structuringSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(structuringUserPrompt, schema, text)},
	}
}

// StructureText asks the model to extract data from text according to schema.
// An empty model uses the configured default.
func (c *OllamaClient) StructureText(ctx context.Context, text, schema, model string) (any, error) {
	startTime := time.Now()

	reply, err := c.Chat(ctx, BuildStructuringPrompt(text, schema), true, model)
	if err != nil {
		return nil, err
	}

	data, err := ParseStructuredReply(reply)
	if err != nil {
		c.logger.Warn("LLM reply is not JSON",
			"model", c.modelOrDefault(model),
			"replyLength", len(reply))
		return nil, err
	}

	c.logger.Info("Text structuring complete",
		"model", c.modelOrDefault(model),
		"textLength", len(text),
		"duration", time.Since(startTime).String())

	return data, nil
}

// Chat sends messages to /api/chat and returns the assistant message content
func (c *OllamaClient) Chat(ctx context.Context, messages []ChatMessage, jsonMode bool, model string) (string, error) {
	endpoint := c.baseURL + "/api/chat"

	req := ChatRequest{
		Model:    c.modelOrDefault(model),
		Messages: messages,
		Stream:   false,
		Options:  ChatOptions{Temperature: c.temperature},
	}
	if jsonMode {
		req.Format = "json"
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", apperrors.NewLLMUnreachableError(endpoint, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", apperrors.NewLLMUnreachableError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewLLMUnreachableError(endpoint, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperrors.NewLLMHTTPError(resp.StatusCode, truncate(string(body), maxErrorBody))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", apperrors.NewLLMBadResponseError(string(body), fmt.Errorf("failed to parse chat envelope: %w", err))
	}
	if chatResp.Message == nil {
		return "", apperrors.NewLLMBadResponseError(string(body), errors.New("chat envelope has no message"))
	}

	return chatResp.Message.Content, nil
}

// HealthCheck verifies that the Ollama runtime answers GET /api/tags
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	endpoint := c.baseURL + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewLLMUnreachableError(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.NewLLMHTTPError(resp.StatusCode, string(body))
	}

	return nil
}

// ParseStructuredReply decodes reply as a single JSON value. If that fails it
// retries once on stripFences(reply).
func ParseStructuredReply(reply string) (any, error) {
	data, err := decodeJSON(reply)
	if err == nil {
		return data, nil
	}

	data, retryErr := decodeJSON(stripFences(reply))
	if retryErr == nil {
		return data, nil
	}

	return nil, apperrors.NewLLMBadResponseError(reply, retryErr)
}

// stripFences trims surrounding whitespace, then surrounding backticks
func stripFences(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`")
}

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

func (c *OllamaClient) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
