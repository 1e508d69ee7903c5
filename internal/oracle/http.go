package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/redact"
	"github.com/gzhole/transguard/internal/shield"
)

const maxResponseBytes = 1 << 20

// HTTPConfig points at an OpenAI-compatible chat completions endpoint.
type HTTPConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// HTTPClient sends one chat completion per Translate call.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	log    logr.Logger
}

func NewHTTPClient(cfg HTTPConfig, client *http.Client, log logr.Logger) *HTTPClient {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{cfg: cfg, client: client, log: log.WithName("oracle-http")}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// messages lays out the request: trusted instructions and snippets in
// the system message, the delimited untrusted content alone in the user
// message.
func messages(req Request) []chatMessage {
	var sys strings.Builder
	sys.WriteString(req.Prompt.Instruction)
	if len(req.Snippets) > 0 {
		sys.WriteString("\n\nReference translations (advisory):\n")
		for _, s := range req.Snippets {
			fmt.Fprintf(&sys, "Secure pattern: %s: %s\n", s.Title, s.Pattern)
		}
	}
	return []chatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: req.Prompt.Content},
	}
}

func (c *HTTPClient) Translate(ctx context.Context, req Request) (model.Candidate, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages(req),
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return model.Candidate{}, &PermanentError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return model.Candidate{}, &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.log.V(1).Info("sending translation request", "command_id", req.Prompt.CommandID, "url", redact.Redact(c.cfg.URL))
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return model.Candidate{}, fmt.Errorf("oracle request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.Candidate{}, fmt.Errorf("reading oracle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("oracle HTTP %d: %s", resp.StatusCode, redact.Redact(strings.TrimSpace(truncate(string(respBody), 200))))
		if retryable(resp.StatusCode) {
			return model.Candidate{}, err
		}
		return model.Candidate{}, &PermanentError{Err: err}
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return model.Candidate{}, fmt.Errorf("empty oracle response")
	}

	code := shield.FilterOutput(result.Choices[0].Message.Content)
	c.log.V(1).Info("received candidate", "command_id", req.Prompt.CommandID, "code", redact.Redact(code))
	return model.Candidate{
		CommandID: req.Prompt.CommandID,
		Code:      code,
		Dialect:   model.TargetDialect,
	}, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
