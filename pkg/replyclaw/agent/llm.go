// Package agent – llm.go implements the completion client used to draft
// replies. Speaks the OpenAI-compatible chat completions format, which works
// with OpenAI, OpenRouter, Groq, xAI, Mistral, local Ollama and any
// compatible endpoint, plus the native Anthropic Messages API.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// transientRetryDelay is the pause before retrying a failed completion when
// the provider did not say how long to back off.
const transientRetryDelay = 2500 * time.Millisecond

// ---------- Client ----------

// CompletionClient handles communication with the LLM provider API.
type CompletionClient struct {
	baseURL     string
	provider    string // "openai", "anthropic", "openrouter", ...
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	retryCount  int
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewCompletionClient creates a client from config.
func NewCompletionClient(cfg *Config, logger *slog.Logger) *CompletionClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	// Detect the provider from the URL first; only fall back to the config's
	// provider when detection returns the generic default and the user
	// explicitly specified one.
	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.API.Provider != "" && cfg.API.Provider != "openai" {
		provider = cfg.API.Provider
	}

	reply := cfg.Reply.Effective()

	return &CompletionClient{
		baseURL:     baseURL,
		provider:    provider,
		apiKey:      cfg.API.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.API.MaxTokens,
		temperature: cfg.API.Temperature,
		timeout:     reply.Timeout(),
		retryCount:  reply.RetryCount,
		httpClient: &http.Client{
			// No global timeout here. Each attempt gets its own deadline via
			// context.WithTimeout so a retry starts with a fresh budget.
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "anthropic.com"):
		return "anthropic"
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.x.ai"):
		return "xai"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "mistral.ai"):
		return "mistral"
	case strings.Contains(baseURL, "generativelanguage.googleapis.com"):
		return "google"
	case strings.Contains(baseURL, "api.deepseek.com"):
		return "deepseek"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// resolveAPIKey returns the API key to use for this client.
// Priority: 1) explicitly set key, 2) provider-specific env var,
// 3) generic API_KEY.
func (c *CompletionClient) resolveAPIKey() string {
	if c.apiKey != "" {
		return c.apiKey
	}
	if key := os.Getenv(GetProviderKeyName(c.provider)); key != "" {
		return key
	}
	if key := os.Getenv("API_KEY"); key != "" {
		return key
	}
	return ""
}

// Model returns the configured model name.
func (c *CompletionClient) Model() string {
	return c.model
}

// Provider returns the detected provider name.
func (c *CompletionClient) Provider() string {
	return c.provider
}

func (c *CompletionClient) isAnthropicAPI() bool {
	return c.provider == "anthropic"
}

// chatEndpoint returns the chat completions URL for the configured provider.
func (c *CompletionClient) chatEndpoint() string {
	if c.isAnthropicAPI() {
		return c.baseURL + "/v1/messages"
	}
	return c.baseURL + "/chat/completions"
}

// ---------- Wire Types ----------

// chatMessage represents a message in the OpenAI chat format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// anthropicRequest is the Anthropic Messages API request format.
// Anthropic takes the system prompt as a top-level field, not a message.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

// anthropicMessage is a message in the Anthropic format.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the Anthropic Messages API response.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API errors for retry decisions.
type LLMErrorKind int

const (
	LLMErrorRetryable  LLMErrorKind = iota // generic retryable (transient 5xx, network)
	LLMErrorRateLimit                      // 429, should respect Retry-After
	LLMErrorOverloaded                     // 529 or "overloaded" in body
	LLMErrorTimeout                        // request timeout / deadline exceeded
	LLMErrorAuth                           // 401, 403 — invalid/expired API key
	LLMErrorBilling                        // 402 or billing-related in body
	LLMErrorContext                        // context_length_exceeded
	LLMErrorBadRequest                     // 400 — malformed request
	LLMErrorFatal                          // everything else
)

// String returns a human-readable label for the error kind.
func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorTimeout:
		return "timeout"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorBilling:
		return "billing"
	case LLMErrorContext:
		return "context"
	case LLMErrorBadRequest:
		return "bad_request"
	case LLMErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryableKind returns true if the error kind warrants retrying.
func (k LLMErrorKind) IsRetryableKind() bool {
	return k == LLMErrorRetryable || k == LLMErrorRateLimit || k == LLMErrorOverloaded || k == LLMErrorTimeout
}

// apiError captures HTTP status, body, and optional Retry-After for 429.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int // from Retry-After header, 0 if not set
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// classifyAPIError determines the error kind from status code and response body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	bodyLower := strings.ToLower(body)

	// Context overflow — highest priority check.
	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return LLMErrorContext
	}

	// Billing / quota exhausted.
	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "quota") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return LLMErrorBilling
	}

	// Rate limit.
	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return LLMErrorRateLimit
	}

	// Overloaded.
	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "capacity") {
		return LLMErrorOverloaded
	}

	// Timeout.
	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return LLMErrorTimeout
	}

	switch statusCode {
	case 400:
		return LLMErrorBadRequest
	case 401, 403:
		return LLMErrorAuth
	case 500, 502, 503, 521, 522, 523, 524:
		return LLMErrorRetryable
	default:
		if statusCode >= 500 {
			return LLMErrorRetryable
		}
		return LLMErrorFatal
	}
}

// classifyError maps any completion error to an LLMErrorKind. Transport
// errors count as retryable since a dropped connection usually recovers.
func classifyError(err error) LLMErrorKind {
	var apierr *apiError
	if errors.As(err, &apierr) {
		return classifyAPIError(apierr.statusCode, apierr.body)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LLMErrorTimeout
	}
	if errors.Is(err, context.Canceled) {
		return LLMErrorFatal
	}
	return LLMErrorRetryable
}

// ---------- Public Methods ----------

// Complete sends a chat completion request and returns the reply text.
// Each attempt runs under its own deadline; transient failures (5xx, rate
// limits, timeouts, dropped connections) are retried up to the configured
// retry count with a short pause, honoring Retry-After when the provider
// sends one. Non-transient failures return immediately.
func (c *CompletionClient) Complete(ctx context.Context, messages []chatMessage) (string, error) {
	if c.resolveAPIKey() == "" && c.provider != "ollama" {
		return "", fmt.Errorf("API key not configured. Set %s in vault or environment", GetProviderKeyName(c.provider))
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		text, err := c.completeOnce(attemptCtx, messages)
		cancel()

		if err == nil {
			return text, nil
		}
		lastErr = err

		// The caller going away trumps any retry budget.
		if ctx.Err() != nil {
			return "", fmt.Errorf("completion cancelled: %w", ctx.Err())
		}

		kind := classifyError(err)
		if !kind.IsRetryableKind() || attempt == c.retryCount {
			break
		}

		delay := transientRetryDelay
		var apierr *apiError
		if errors.As(err, &apierr) && apierr.retryAfterSec > 0 {
			delay = time.Duration(apierr.retryAfterSec) * time.Second
		}

		c.logger.Warn("transient completion error, retrying",
			"attempt", attempt+1,
			"kind", kind.String(),
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("completion cancelled during retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return "", fmt.Errorf("completion failed after %d attempts: %w", c.retryCount+1, lastErr)
}

// completeOnce performs a single request against the configured provider.
func (c *CompletionClient) completeOnce(ctx context.Context, messages []chatMessage) (string, error) {
	if c.isAnthropicAPI() {
		return c.completeOnceAnthropic(ctx, messages)
	}
	return c.completeOnceOpenAI(ctx, messages)
}

// completeOnceOpenAI performs a single request using the OpenAI chat completions API.
func (c *CompletionClient) completeOnceOpenAI(ctx context.Context, messages []chatMessage) (string, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
	}
	if c.temperature > 0 {
		t := c.temperature
		reqBody.Temperature = &t
	}
	if c.maxTokens > 0 {
		m := c.maxTokens
		reqBody.MaxTokens = &m
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.chatEndpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())

	c.logger.Debug("sending chat completion",
		"model", c.model,
		"messages", len(messages),
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	duration := time.Since(start)
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: bodyStr}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return "", apierr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	choice := chatResp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)

	return content, nil
}

// completeOnceAnthropic performs a single request using the Anthropic Messages API.
func (c *CompletionClient) completeOnceAnthropic(ctx context.Context, messages []chatMessage) (string, error) {
	reqBody := &anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}
	if reqBody.MaxTokens <= 0 {
		reqBody.MaxTokens = 1024
	}
	if c.temperature > 0 {
		t := c.temperature
		reqBody.Temperature = &t
	}

	// Anthropic wants the system prompt top-level and strictly alternating
	// user/assistant messages.
	for _, m := range messages {
		if m.Role == "system" {
			if reqBody.System != "" {
				reqBody.System += "\n\n"
			}
			reqBody.System += m.Content
			continue
		}
		reqBody.Messages = append(reqBody.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	reqBody.Messages = mergeConsecutiveRoles(reqBody.Messages)

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.chatEndpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("x-api-key", c.resolveAPIKey())

	c.logger.Debug("sending anthropic chat completion",
		"model", c.model,
		"messages", len(reqBody.Messages),
		"endpoint", endpoint,
		"system_len", len(reqBody.System),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	duration := time.Since(start)
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: bodyStr}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return "", apierr
	}

	var anthResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthResp); err != nil {
		return "", fmt.Errorf("parsing anthropic response: %w (body: %s)", err, truncate(bodyStr, 200))
	}

	if anthResp.Error != nil {
		return "", fmt.Errorf("API error: %s", anthResp.Error.Message)
	}

	var content string
	for _, block := range anthResp.Content {
		if block.Type == "text" {
			if content != "" {
				content += "\n"
			}
			content += block.Text
		}
	}

	c.logger.Info("anthropic chat completion done",
		"model", c.model,
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", anthResp.Usage.InputTokens,
		"completion_tokens", anthResp.Usage.OutputTokens,
		"stop_reason", anthResp.StopReason,
	)

	return strings.TrimSpace(content), nil
}

// mergeConsecutiveRoles merges consecutive messages with the same role.
// The Anthropic API requires strictly alternating user/assistant roles.
func mergeConsecutiveRoles(msgs []anthropicMessage) []anthropicMessage {
	if len(msgs) == 0 {
		return msgs
	}
	result := []anthropicMessage{msgs[0]}
	for i := 1; i < len(msgs); i++ {
		last := &result[len(result)-1]
		if msgs[i].Role == last.Role {
			last.Content += "\n" + msgs[i].Content
		} else {
			result = append(result, msgs[i])
		}
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
