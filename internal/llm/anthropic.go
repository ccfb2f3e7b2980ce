package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/forgeline/reqforge/internal/urs"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

// Anthropic is the real, network-backed provider.
type Anthropic struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		url:    anthropicURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *Anthropic) Name() string   { return "anthropic" }
func (a *Anthropic) External() bool { return true }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

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
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate performs one messages API call. Timeouts, 408/429/5xx and
// network errors come back as transient ProviderErrors eligible for the
// executor's retry budget; other non-200 statuses are permanent.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, &urs.ProviderError{Provider: a.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, &urs.ProviderError{Provider: a.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &urs.ProviderError{
			Provider:  a.Name(),
			Transient: isNetworkTransient(err),
			Err:       fmt.Errorf("api call: %w", err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &urs.ProviderError{Provider: a.Name(), Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
		var parsed anthropicError
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Type != "" {
			apiErr = fmt.Errorf("api error %d: %s: %s", resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
		}
		return nil, &urs.ProviderError{
			Provider:  a.Name(),
			Status:    resp.StatusCode,
			Transient: isStatusTransient(resp.StatusCode),
			Err:       apiErr,
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &urs.ProviderError{Provider: a.Name(), Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if len(apiResp.Content) == 0 {
		return nil, &urs.ProviderError{Provider: a.Name(), Err: errors.New("empty response content")}
	}

	return &Result{
		Text:      apiResp.Content[0].Text,
		TokensIn:  apiResp.Usage.InputTokens,
		TokensOut: apiResp.Usage.OutputTokens,
		Model:     a.model,
	}, nil
}

func isStatusTransient(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

func isNetworkTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Connection resets and refusals are worth a retry; malformed URLs
	// and the like are not.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
